package plugin

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZenLiuCN/dynhost/manifest"
	"github.com/ZenLiuCN/dynhost/pool"
)

// DefaultReloadDelay is the quiet period before a hot reload.
const DefaultReloadDelay = 200 * time.Millisecond

// ConfigError is an invalid plugin configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugin config %s: %s", e.Field, e.Reason)
}

// Config of a plugin host.
type Config struct {
	MainModulePath  string
	PrivateModules  []string
	SharedModules   []string
	PreferShared    bool // resolve every module from the default context first
	Lazy            bool
	DefaultContext  *pool.Pool
	EnableHotReload bool
	ReloadDelay     time.Duration
	Unloadable      bool
	LoadInMemory    bool
	ProbingPaths    []string
	Manifest        *manifest.Manifest // nil reads the manifest next to the main module
}

// NewConfig validates the main module path, it must be absolute.
func NewConfig(mainModulePath string) (*Config, error) {
	c := &Config{MainModulePath: mainModulePath, ReloadDelay: DefaultReloadDelay}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MainModulePath == "":
		return &ConfigError{Field: "main module path", Reason: "must not be empty"}
	case !filepath.IsAbs(c.MainModulePath):
		return &ConfigError{Field: "main module path", Reason: fmt.Sprintf("%q must be an absolute path", c.MainModulePath)}
	case c.ReloadDelay < 0:
		return &ConfigError{Field: "reload delay", Reason: "must not be negative"}
	}
	return nil
}

// IsUnloadable is implied by hot reload.
func (c *Config) IsUnloadable() bool { return c.Unloadable || c.EnableHotReload }

// InMemory is implied by hot reload.
func (c *Config) InMemory() bool { return c.LoadInMemory || c.EnableHotReload }

func (c *Config) delay() time.Duration {
	if c.ReloadDelay == 0 {
		return DefaultReloadDelay
	}
	return c.ReloadDelay
}
