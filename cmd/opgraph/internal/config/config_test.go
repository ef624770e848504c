package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
)

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvDir, t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestContexts(t *testing.T) {
	cfg := newConfig(t)
	if _, err := cfg.ResolveContext(""); !errors.Is(err, config.ErrNoContext) {
		t.Fatalf("ResolveContext() err = %v, want ErrNoContext", err)
	}
	for _, name := range []string{"prod", "local"} {
		if err := cfg.AddContext(name); err != nil {
			t.Fatalf("AddContext(%s): %v", name, err)
		}
	}
	if err := cfg.AddContext("prod"); err == nil {
		t.Fatal("AddContext(prod) twice should fail")
	}
	if err := cfg.AddContext("../escape"); err == nil {
		t.Fatal("AddContext(../escape) should fail")
	}
	if err := cfg.UseContext("local"); err != nil {
		t.Fatalf("UseContext: %v", err)
	}

	reloaded, err := config.LoadFrom(cfg.Dir)
	if err != nil || reloaded.CurrentContext != "local" {
		t.Fatalf("LoadFrom = %+v, %v", reloaded, err)
	}
	names, err := reloaded.ListContexts()
	if err != nil || len(names) != 2 {
		t.Fatalf("ListContexts = %v, %v", names, err)
	}

	if err := reloaded.DeleteContext("local"); err != nil {
		t.Fatalf("DeleteContext: %v", err)
	}
	if reloaded.CurrentContext != "" {
		t.Fatalf("CurrentContext = %q after deleting it", reloaded.CurrentContext)
	}
}

func TestSetNestedValues(t *testing.T) {
	cfg := newConfig(t)
	if err := cfg.AddContext("dev"); err != nil {
		t.Fatal(err)
	}
	dir := cfg.ContextDir("dev")
	for _, kv := range [][2]string{
		{"addr", ":9090"},
		{"rate_limit.rps", "12.5"},
		{"rate_limit.trust_proxy", "true"},
		{"hub.replay_ttl", "30m"},
		{"heartbeat", "15s"},
	} {
		if err := config.Set(dir, config.ServiceServer, kv[0], kv[1]); err != nil {
			t.Fatalf("Set(%s): %v", kv[0], err)
		}
	}

	srv, err := config.LoadService[config.Server](dir, config.ServiceServer)
	if err != nil {
		t.Fatalf("LoadService: %v", err)
	}
	if srv.Addr != ":9090" || srv.RateLimit.RPS != 12.5 || !srv.RateLimit.TrustProxy {
		t.Fatalf("server = %+v", srv)
	}
	if got := srv.Hub.ReplayTTL.Or(0); got != 30*time.Minute {
		t.Fatalf("replay_ttl = %v, want 30m", got)
	}
	if got := srv.Heartbeat.Or(0); got != 15*time.Second {
		t.Fatalf("heartbeat = %v, want 15s", got)
	}
}

func TestSetRejects(t *testing.T) {
	cfg := newConfig(t)
	if err := cfg.AddContext("dev"); err != nil {
		t.Fatal(err)
	}
	dir := cfg.ContextDir("dev")
	if err := config.Set(dir, "minimax", "api_key", "x"); err == nil {
		t.Fatal("unknown service accepted")
	}
	if err := config.Set(dir, config.ServiceClient, "no_such_key", "x"); err == nil {
		t.Fatal("unknown key accepted")
	}
	if _, err := os.Stat(filepath.Join(dir, "client.yaml")); !os.IsNotExist(err) {
		t.Fatalf("client.yaml written after a rejected set: %v", err)
	}
	if _, err := config.LoadService[config.Client](dir, config.ServiceClient); !errors.Is(err, config.ErrServiceNotFound) {
		t.Fatalf("LoadService err = %v, want ErrServiceNotFound", err)
	}
}

func TestSetKeepsNumericStrings(t *testing.T) {
	cfg := newConfig(t)
	if err := cfg.AddContext("dev"); err != nil {
		t.Fatal(err)
	}
	dir := cfg.ContextDir("dev")
	if err := config.Set(dir, config.ServiceClient, "twitter_id", "1234567890123456789"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c, err := config.LoadService[config.Client](dir, config.ServiceClient)
	if err != nil {
		t.Fatalf("LoadService: %v", err)
	}
	if c.TwitterID != "1234567890123456789" {
		t.Fatalf("twitter_id = %q, want 1234567890123456789", c.TwitterID)
	}
}
