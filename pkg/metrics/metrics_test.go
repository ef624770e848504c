package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/metrics"
)

func TestTileOutcomes(t *testing.T) {
	before := testutil.ToFloat64(metrics.TileOutcomes.WithLabelValues("hit"))
	metrics.TileOutcomes.WithLabelValues("hit").Inc()
	if got := testutil.ToFloat64(metrics.TileOutcomes.WithLabelValues("hit")); got != before+1 {
		t.Fatalf("hit = %v, want %v", got, before+1)
	}
}

func TestObserveUpstream(t *testing.T) {
	metrics.ObserveUpstream("tile", time.Now(), nil)
	metrics.ObserveUpstream("tile", time.Now(), errors.New("boom"))
	if n := testutil.CollectAndCount(metrics.UpstreamLatency); n < 2 {
		t.Fatalf("series = %d, want >= 2", n)
	}
}
