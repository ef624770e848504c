package jsontime_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
)

func TestMilliJSON(t *testing.T) {
	m := jsontime.FromUnixMilli(1730000000123)
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != "1730000000123" {
		t.Fatalf("Marshal = %s", b)
	}

	var got jsontime.Milli
	if err := json.Unmarshal([]byte(`"1730000000123"`), &got); err != nil {
		t.Fatalf("Unmarshal string: %v", err)
	}
	if !got.Equal(m) {
		t.Fatalf("Unmarshal = %v, want %v", got, m)
	}
	if err := json.Unmarshal([]byte(`"soon"`), &got); err == nil {
		t.Fatalf("expected error for non-numeric timestamp")
	}
}

func TestMilliMsgpack(t *testing.T) {
	type rec struct {
		At jsontime.Milli `msgpack:"at"`
	}
	in := rec{At: jsontime.FromUnixMilli(42)}
	b, err := msgpack.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out rec
	if err := msgpack.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.At.UnixMilli() != 42 {
		t.Fatalf("At = %d, want 42", out.At.UnixMilli())
	}
}

func TestMilliOrdering(t *testing.T) {
	base := time.UnixMilli(1000)
	a := jsontime.Milli(base.Add(100 * time.Microsecond))
	b := jsontime.Milli(base.Add(900 * time.Microsecond))
	// Same millisecond: neither is before the other.
	if a.Before(b) || b.After(a) || !a.Equal(b) {
		t.Fatalf("sub-millisecond values must compare equal")
	}
	c := a.Add(time.Millisecond)
	if !a.Before(c) || !c.After(a) {
		t.Fatalf("ordering broken")
	}
	if c.Sub(a) != time.Millisecond {
		t.Fatalf("Sub = %v", c.Sub(a))
	}
}

func TestDurationJSON(t *testing.T) {
	var cfg struct {
		TTL  jsontime.Duration  `json:"ttl"`
		Beat *jsontime.Duration `json:"beat"`
	}
	if err := json.Unmarshal([]byte(`{"ttl":"24h","beat":30000000000}`), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if time.Duration(cfg.TTL) != 24*time.Hour {
		t.Fatalf("TTL = %v", cfg.TTL)
	}
	if cfg.Beat.Duration() != 30*time.Second {
		t.Fatalf("Beat = %v", cfg.Beat)
	}
	b, _ := json.Marshal(cfg.TTL)
	if string(b) != `"24h0m0s"` {
		t.Fatalf("Marshal = %s", b)
	}
}

func TestDurationYAML(t *testing.T) {
	var cfg struct {
		TTL    jsontime.Duration `yaml:"ttl"`
		Replay jsontime.Duration `yaml:"replay"`
	}
	if err := yaml.Unmarshal([]byte("ttl: 24h\nreplay: 3600\n"), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if time.Duration(cfg.TTL) != 24*time.Hour {
		t.Fatalf("TTL = %v", cfg.TTL)
	}
	if time.Duration(cfg.Replay) != time.Hour {
		t.Fatalf("Replay = %v", cfg.Replay)
	}
}

func TestDurationOr(t *testing.T) {
	var d *jsontime.Duration
	if d.Or(time.Minute) != time.Minute {
		t.Fatalf("nil Or")
	}
	if jsontime.FromDuration(time.Second).Or(time.Minute) != time.Second {
		t.Fatalf("set Or")
	}
}
