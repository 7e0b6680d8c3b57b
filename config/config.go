// Package config reads the runtime configuration of dynhost from HCL.
//
//	plugins_root   = "plugins"
//	framework      = "framework"
//	hot_reload     = true
//	reload_delay   = "200ms"
//	shared         = ["geometry"]
//	probing_paths  = ["${env.HOME}/.dynhost/packages"]
//	host_objects   = ["shared/geometry.o"]
//	host_libraries = ["shared/libgeometry.so"]
//	log_level      = "debug"
//
// Environment variables are visible as env.NAME, relative paths are resolved against the file directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZenLiuCN/dynhost/dispatch"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/ZenLiuCN/dynhost/plugin"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileName is the configuration file looked up by default.
const FileName = "dynhost.hcl"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	PluginsRoot   string   `hcl:"plugins_root,optional"`
	Framework     string   `hcl:"framework,optional"`
	HotReload     bool     `hcl:"hot_reload,optional"`
	ReloadDelay   string   `hcl:"reload_delay,optional"`
	LoadInMemory  bool     `hcl:"load_in_memory,optional"`
	Lazy          bool     `hcl:"lazy,optional"`
	PreferShared  bool     `hcl:"prefer_shared,optional"`
	Shared        []string `hcl:"shared,optional"`
	Private       []string `hcl:"private,optional"`
	ProbingPaths  []string `hcl:"probing_paths,optional"`
	HostObjects   []string `hcl:"host_objects,optional"`
	HostLibraries []string `hcl:"host_libraries,optional"`
	LogLevel      string   `hcl:"log_level,optional"`
}

func Default() *Config {
	return &Config{
		PluginsRoot: "plugins",
		Framework:   framework.Name,
		ReloadDelay: plugin.DefaultReloadDelay.String(),
		LogLevel:    "info",
	}
}

// Load reads a configuration file.
func Load(file string) (*Config, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	return Parse(src, abs, filepath.Dir(abs))
}

// Parse decodes source over the defaults, relative paths are joined to dir.
func Parse(src []byte, filename, dir string) (*Config, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}
	c := Default()
	if diags = gohcl.DecodeBody(f.Body, evalContext(), c); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.resolve(dir)
	return c, nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && identifier(k) {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": cty.ObjectVal(env)}}
}

// identifier keeps variables addressable as env.NAME.
func identifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return s != ""
}

func (c *Config) resolve(dir string) {
	if dir == "" {
		return
	}
	if c.PluginsRoot != "" && !filepath.IsAbs(c.PluginsRoot) {
		c.PluginsRoot = filepath.Join(dir, c.PluginsRoot)
	}
	for _, paths := range [][]string{c.ProbingPaths, c.HostObjects, c.HostLibraries} {
		for i, p := range paths {
			if !filepath.IsAbs(p) {
				paths[i] = filepath.Join(dir, p)
			}
		}
	}
}

func (c *Config) Validate() error {
	if c.PluginsRoot == "" {
		return fmt.Errorf("%w: plugins_root is empty", ErrInvalid)
	}
	if c.Framework == "" {
		return fmt.Errorf("%w: framework is empty", ErrInvalid)
	}
	if _, err := c.Delay(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Delay is the parsed reload delay.
func (c *Config) Delay() (time.Duration, error) {
	if c.ReloadDelay == "" {
		return plugin.DefaultReloadDelay, nil
	}
	d, err := time.ParseDuration(c.ReloadDelay)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: reload_delay %q", ErrInvalid, c.ReloadDelay)
	}
	return d, nil
}

func (c *Config) Level() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return l, fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}
	return l, nil
}

// Apply copies the plugin settings into a plugin configuration.
func (c *Config) Apply(p *plugin.Config) error {
	d, err := c.Delay()
	if err != nil {
		return err
	}
	p.EnableHotReload = c.HotReload
	p.ReloadDelay = d
	p.LoadInMemory = c.LoadInMemory
	p.Lazy = c.Lazy
	p.PreferShared = c.PreferShared
	p.SharedModules = append(p.SharedModules, c.Shared...)
	p.PrivateModules = append(p.PrivateModules, c.Private...)
	p.ProbingPaths = append(p.ProbingPaths, c.ProbingPaths...)
	return nil
}

// Dispatcher is the dispatcher configuration.
func (c *Config) Dispatcher(log *zap.Logger) (dispatch.Config, error) {
	d := dispatch.Config{
		Root:          c.PluginsRoot,
		Framework:     c.Framework,
		HostObjects:   c.HostObjects,
		HostLibraries: c.HostLibraries,
		Log:           log,
	}
	err := c.Apply(&d.Plugin)
	return d, err
}

// Logger builds a development logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	l, err := c.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(l)
	return zc.Build()
}
