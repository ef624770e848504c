// Package config stores opgraph settings under os.UserConfigDir()/opgraph/,
// or under $OPGRAPH_CONFIG_DIR when set:
//
//	opgraph/
//	├── current-context          # plain text: name of current context
//	└── contexts/
//	    ├── prod/
//	    │   ├── server.yaml
//	    │   └── client.yaml
//	    └── local/
//	        └── ...
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// appDir is the directory name under os.UserConfigDir().
	appDir = "opgraph"

	// EnvDir overrides the configuration root.
	EnvDir = "OPGRAPH_CONFIG_DIR"

	currentContextFile = "current-context"
	contextsDir        = "contexts"
)

// ErrNoContext is returned when no context is selected.
var ErrNoContext = errors.New("config: no current context set; use 'opgraph config use-context <name>'")

// Config holds the root configuration state.
type Config struct {
	// Dir is the root configuration directory.
	Dir string

	// CurrentContext is the name of the active context.
	CurrentContext string
}

// Load loads the configuration from $OPGRAPH_CONFIG_DIR or the default
// location.
func Load() (*Config, error) {
	if dir := os.Getenv(EnvDir); dir != "" {
		return LoadFrom(dir)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("config: cannot determine config directory: %w", err)
	}
	return LoadFrom(filepath.Join(base, appDir))
}

// LoadFrom loads the configuration from a specific root directory.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, currentContextFile))
	switch {
	case err == nil:
		cfg.CurrentContext = strings.TrimSpace(string(data))
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("config: read current context: %w", err)
	}
	return cfg, nil
}

var contextNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateContextName rejects names that are not safe directory names.
func ValidateContextName(name string) error {
	if !contextNameRE.MatchString(name) {
		return fmt.Errorf("config: invalid context name %q", name)
	}
	return nil
}

// ContextDir returns the directory path for a named context.
func (c *Config) ContextDir(name string) string {
	return filepath.Join(c.Dir, contextsDir, name)
}

// ResolveContext returns the directory of the named context, or of the
// current one when name is empty.
func (c *Config) ResolveContext(name string) (string, error) {
	if name == "" {
		if c.CurrentContext == "" {
			return "", ErrNoContext
		}
		name = c.CurrentContext
	}
	if err := ValidateContextName(name); err != nil {
		return "", err
	}
	dir := c.ContextDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", fmt.Errorf("config: context %q not found", name)
	}
	return dir, nil
}

// ListContexts returns the names of all available contexts.
func (c *Config) ListContexts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.Dir, contextsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: list contexts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// AddContext creates a new context directory.
func (c *Config) AddContext(name string) error {
	if err := ValidateContextName(name); err != nil {
		return err
	}
	dir := c.ContextDir(name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("config: context %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create context %q: %w", name, err)
	}
	return nil
}

// DeleteContext removes a context directory and its service files.
func (c *Config) DeleteContext(name string) error {
	dir, err := c.ResolveContext(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("config: delete context %q: %w", name, err)
	}
	if c.CurrentContext == name {
		c.CurrentContext = ""
		return c.saveCurrentContext()
	}
	return nil
}

// UseContext switches the current context.
func (c *Config) UseContext(name string) error {
	if name == "" {
		return fmt.Errorf("config: context name cannot be empty")
	}
	if _, err := c.ResolveContext(name); err != nil {
		return err
	}
	c.CurrentContext = name
	return c.saveCurrentContext()
}

func (c *Config) saveCurrentContext() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, currentContextFile), []byte(c.CurrentContext+"\n"), 0o644)
}
