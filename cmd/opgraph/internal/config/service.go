package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/storage"
)

// Service file names.
const (
	ServiceServer = "server"
	ServiceClient = "client"
)

// Services lists the files a context may hold.
var Services = []string{ServiceServer, ServiceClient}

// ErrServiceNotFound is returned when a context has no file for a service.
var ErrServiceNotFound = errors.New("config: service config not found")

// Server is server.yaml.
type Server struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr,omitempty"`

	GraphVersion string `yaml:"graph_version,omitempty"`

	// DatabaseURL selects the Postgres deployment: SQL engine, consent
	// repository, LISTEN feed and follow relations. Without it the server
	// keeps consent in memory and reads follows from GraphDir.
	DatabaseURL string `yaml:"database_url,omitempty"`

	// GraphDir is the badger directory of the local follow graph. Empty
	// keeps the graph in memory.
	GraphDir string `yaml:"graph_dir,omitempty"`

	Engine    Engine              `yaml:"engine,omitempty"`
	TileCache TileCache           `yaml:"tile_cache,omitempty"`
	Hub       broadcast.HubConfig `yaml:"hub,omitempty"`
	RateLimit RateLimit           `yaml:"rate_limit,omitempty"`

	Heartbeat      *jsontime.Duration `yaml:"heartbeat,omitempty"`
	AllowedOrigins []string           `yaml:"allowed_origins,omitempty"`
}

// Engine points at a mosaic-compatible analytical server. When URL is
// empty tiles are read through DatabaseURL.
type Engine struct {
	URL     string `yaml:"url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Catalog string `yaml:"catalog,omitempty"`
	Retries uint64 `yaml:"retries,omitempty"`
}

// TileCache selects where encoded tile bodies are cached. S3 wins over
// Dir; neither disables the cache.
type TileCache struct {
	Dir string            `yaml:"dir,omitempty"`
	S3  *storage.S3Config `yaml:"s3,omitempty"`
}

// RateLimit configures the per-client limiter. A zero RPS disables it.
type RateLimit struct {
	RPS        float64 `yaml:"rps,omitempty"`
	Burst      int     `yaml:"burst,omitempty"`
	TrustProxy bool    `yaml:"trust_proxy,omitempty"`
}

// Client is client.yaml.
type Client struct {
	// Server is the graph API root, e.g. https://graph.example.org.
	Server string `yaml:"server,omitempty"`

	// TwitterID is sent as X-Twitter-Id for authenticated calls.
	TwitterID string `yaml:"twitter_id,omitempty"`

	// StoreDir is the badger directory of the local tile store. Empty
	// uses the user cache directory.
	StoreDir string `yaml:"store_dir,omitempty"`

	TileTTL *jsontime.Duration `yaml:"tile_ttl,omitempty"`
}

// ServicePath returns the YAML file path of service within contextDir.
func ServicePath(contextDir, service string) string {
	return filepath.Join(contextDir, service+".yaml")
}

// ValidateService rejects unknown service names.
func ValidateService(service string) error {
	if !slices.Contains(Services, service) {
		return fmt.Errorf("config: unknown service %q (want one of %s)", service, strings.Join(Services, ", "))
	}
	return nil
}

// LoadService loads a service configuration from contextDir.
func LoadService[T any](contextDir, service string) (*T, error) {
	path := ServicePath(contextDir, service)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &v, nil
}

// SaveService writes a service configuration to contextDir.
func SaveService[T any](contextDir, service string, v *T) error {
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return fmt.Errorf("config: create context dir: %w", err)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config: marshal %s config: %w", service, err)
	}
	if err := os.WriteFile(ServicePath(contextDir, service), data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", service, err)
	}
	return nil
}

// Set writes value at a dotted key path of service, creating nested maps
// as needed. The value is parsed as YAML, so "12" is a number and "30s"
// stays a string. The result must still decode into the service type.
func Set(contextDir, service, key, value string) error {
	if err := ValidateService(service); err != nil {
		return err
	}
	m, err := LoadService[map[string]any](contextDir, service)
	switch {
	case errors.Is(err, ErrServiceNotFound):
		m = new(map[string]any)
	case err != nil:
		return err
	}
	if *m == nil {
		*m = make(map[string]any)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	parts := strings.Split(key, ".")
	if slices.Contains(parts, "") {
		return fmt.Errorf("config: invalid key %q", key)
	}
	cur := *m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	cur[last] = parsed

	err = checkDecodes(service, *m)
	if _, isString := parsed.(string); err != nil && !isString {
		// "1234" read as a number does not fit a string field such as
		// twitter_id; keep the literal text instead.
		cur[last] = value
		if checkDecodes(service, *m) == nil {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("config: %s.%s: %w", service, key, err)
	}
	return SaveService(contextDir, service, m)
}

func checkDecodes(service string, m map[string]any) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	switch service {
	case ServiceServer:
		return yaml.UnmarshalWithOptions(data, new(Server), yaml.Strict())
	case ServiceClient:
		return yaml.UnmarshalWithOptions(data, new(Client), yaml.Strict())
	}
	return nil
}

// ListServices returns the services configured in contextDir.
func ListServices(contextDir string) ([]string, error) {
	var out []string
	for _, s := range Services {
		_, err := os.Stat(ServicePath(contextDir, s))
		switch {
		case err == nil:
			out = append(out, s)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config: stat %s: %w", s, err)
		}
	}
	return out, nil
}
