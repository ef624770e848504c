package cachepolicy

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxClients bounds the number of tracked clients.
const DefaultMaxClients = 10_000

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	// Rate is the sustained number of requests per second per client.
	Rate float64

	// Burst is the bucket size.
	Burst int

	// MaxClients defaults to DefaultMaxClients. The least recently seen
	// client is forgotten first.
	MaxClients int

	// TrustProxy makes ClientKey honor X-Forwarded-For.
	TrustProxy bool
}

// Limiter is a per-client token bucket.
type Limiter struct {
	cfg     LimiterConfig
	clients *lru.Cache[string, *rate.Limiter]
}

// NewLimiter returns a Limiter. A zero Rate disables limiting.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.Rate)))
	}
	c, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, clients: c}, nil
}

// Allow reports whether client may make a request now. When it may not,
// retryAfter is how long until a token is available.
func (l *Limiter) Allow(client string) (ok bool, retryAfter time.Duration) {
	if l.cfg.Rate <= 0 {
		return true, 0
	}
	lim, found := l.clients.Get(client)
	if !found {
		lim = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.clients.Add(client, lim)
	}
	r := lim.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.clients.Len()
}

// ClientKey identifies the caller of r: the first X-Forwarded-For hop when
// proxies are trusted, otherwise the remote IP.
func (l *Limiter) ClientKey(r *http.Request) string {
	if l.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RetryAfterSeconds formats d for the Retry-After header, rounding up.
func RetryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}
