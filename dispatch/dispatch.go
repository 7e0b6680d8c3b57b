// Package dispatch is the single entry point of the host: it decodes commands and drives plugins.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/export"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/ZenLiuCN/dynhost/plugin"
	"github.com/ZenLiuCN/dynhost/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Checksum is returned by every Initialize.
const Checksum = 0xF

const reclaimAttempts = 10

var (
	// ErrNoFramework occurs when a plugin does not reference the framework module.
	ErrNoFramework   = errors.New("plugin does not reference the framework")
	ErrUninitialized = errors.New("dispatcher not initialized")
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateLoadingPlugins
	StatePluginsLoaded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateLoadingPlugins:
		return "loading"
	case StatePluginsLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config of a Dispatcher.
type Config struct {
	Root      string // plugins root directory
	Framework string // logical name of the framework module, excluded from discovery
	// Plugin is the template of every plugin configuration, the main module path and the
	// default context are set per plugin.
	Plugin plugin.Config
	// HostObjects are object modules loaded into every shared pool, their logical name is the file name.
	HostObjects []string
	// HostLibraries are shared libraries whose symbols are registered into every shared pool.
	HostLibraries []string
	Valid       func(framework.Handle) bool
	Log         *zap.Logger
}

// Entry is a loaded plugin.
type Entry struct {
	Name   string
	Host   *plugin.Host
	cancel func()
}

// Dispatcher executes host commands. It owns the shared pool, the plugins and the event table.
type Dispatcher struct {
	cfg   Config
	log   *zap.Logger
	state atomic.Int32

	mu      sync.RWMutex
	hostLog bridge.LogFunc
	events  *bridge.EventTable
	pool    *pool.Pool
	shared  *export.Table // framework functions
	plugins []*Entry
	active  *Entry
}

func New(cfg Config) *Dispatcher {
	if cfg.Framework == "" {
		cfg.Framework = framework.Name
	}
	if cfg.Log == nil {
		cfg.Log = dynhost.Logger()
	}
	return &Dispatcher{cfg: cfg, log: cfg.Log.Named("dispatch")}
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Handle executes one command. Initialize returns Checksum, Find the function address, others zero.
func (d *Dispatcher) Handle(ctx context.Context, c bridge.Command) uintptr {
	switch c := c.(type) {
	case bridge.Initialize:
		d.Initialize(ctx, c)
		return Checksum
	case bridge.LoadAssemblies:
		d.LoadAll(ctx)
	case bridge.UnloadAssemblies:
		d.UnloadAll(ctx)
	case bridge.Find:
		return uintptr(d.Find(c.Name, c.Optional))
	case bridge.Execute:
		d.Execute(ctx, c.Function, c.Value)
	default:
		d.Log(bridge.LogError, fmt.Sprintf("unknown command %T", c))
	}
	return 0
}

// HandleBytes decodes a command in its wire layout and executes it.
func (d *Dispatcher) HandleBytes(ctx context.Context, raw []byte) uintptr {
	c, err := bridge.DecodeCommand(raw)
	if err != nil {
		d.Log(bridge.LogError, err.Error())
		return 0
	}
	return d.Handle(ctx, c)
}

// Log writes to the host log callback, or the zap logger before Initialize.
func (d *Dispatcher) Log(level bridge.LogLevel, msg string) {
	d.mu.RLock()
	l := d.hostLog
	d.mu.RUnlock()
	if l == nil {
		l = framework.ZapLog(d.log)
	}
	l(level, []byte(msg))
}

// Initialize stores the host callbacks and prepares a fresh shared pool.
// Plugins loaded by a previous initialization are unloaded first.
func (d *Dispatcher) Initialize(ctx context.Context, c bridge.Initialize) {
	if s := d.State(); s == StateLoadingPlugins || s == StatePluginsLoaded {
		d.UnloadAll(ctx)
	}
	defer func() {
		if r := recover(); r != nil {
			d.Log(bridge.LogError, fmt.Sprintf("Runtime initialization failed\n%v", r))
		}
	}()
	var l bridge.LogFunc
	if c.Log != 0 {
		if f, ok := bridge.HostFunc(c.Log); ok {
			switch f := f.(type) {
			case bridge.LogFunc:
				l = f
			case func(bridge.LogLevel, []byte):
				l = f
			}
		}
		if l == nil {
			d.log.Warn("log callback is not a host log function", zap.Stringer("addr", c.Log))
		}
	}
	events := c.Events
	if events == nil {
		events = new(bridge.EventTable)
	}
	d.mu.Lock()
	d.hostLog = l
	d.events = events
	d.mu.Unlock()
	if err := framework.Share(); err != nil {
		d.log.Warn("framework types not shared", zap.Error(err))
	}
	if d.pool == nil {
		if err := d.resetPool(); err != nil {
			d.Log(bridge.LogError, "Runtime initialization failed\n"+err.Error())
			return
		}
	}
	d.state.Store(int32(StateReady))
}

// resetPool creates the shared pool providing the framework module.
func (d *Dispatcher) resetPool() error {
	p := pool.New(d.cfg.Log)
	fw := framework.NewNamed(d.cfg.Framework, framework.NewEnv(d.frameworkLog, d.cfg.Valid))
	if err := p.Provide(fw); err != nil {
		return err
	}
	shared, err := export.Build(p.Arena(), fw.Functions(), nil)
	if err != nil {
		return err
	}
	if err = p.RegisterTypes(new(framework.Framework), framework.Handle(0), framework.LogLevel(0)); err != nil {
		d.log.Warn("framework types not registered into the pool", zap.Error(err))
	}
	for _, f := range d.cfg.HostLibraries {
		if e := p.RegisterSo(f); e != nil {
			d.Log(bridge.LogError, fmt.Sprintf("Loading of host library %s failed\n%s", f, e))
		}
	}
	for _, f := range d.cfg.HostObjects {
		if e := p.LoadFile(f, dynhost.ModuleName(f)); e != nil {
			d.Log(bridge.LogError, fmt.Sprintf("Loading of host module %s failed\n%s", f, e))
		}
	}
	d.mu.Lock()
	d.pool = p
	d.shared = shared
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) frameworkLog(level bridge.LogLevel, msg []byte) {
	d.Log(level, string(msg))
}

// Pool is the shared pool of the current load cycle.
func (d *Dispatcher) Pool() *pool.Pool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pool
}

// Events is the table lifecycle functions of the active plugin are copied to.
func (d *Dispatcher) Events() *bridge.EventTable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events
}

// Plugins in load order.
func (d *Dispatcher) Plugins() []*Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.plugins)
}

// Plugin finds a loaded plugin by the logical name of its main module.
func (d *Dispatcher) Plugin(name string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.plugins {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Active is the plugin Find looks up, the last one loaded.
func (d *Dispatcher) Active() *Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Discover lists the plugin main modules: module files at the root and in its direct subdirectories.
// Inside a subdirectory holding a module named after it, only that module is a main module.
func (d *Dispatcher) Discover() ([]string, error) {
	root := d.cfg.Root
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	var dirs []string
	for _, e := range entries {
		p := filepath.Join(root, e.Name())
		if e.IsDir() {
			dirs = append(dirs, p)
			continue
		}
		if d.candidate(p) {
			out = append(out, p)
		}
	}
	for _, dir := range dirs {
		files, err := modules(dir)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(dir)
		if i := slices.IndexFunc(files, func(f string) bool { return dynhost.ModuleName(f) == name }); i >= 0 {
			files = files[i : i+1]
		}
		for _, f := range files {
			if d.candidate(f) {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func (d *Dispatcher) candidate(file string) bool {
	return dynhost.ModuleKindOf(file) != dynhost.ModuleUnknown && dynhost.ModuleName(file) != d.cfg.Framework
}

func modules(dir string) (out []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() && dynhost.ModuleKindOf(e.Name()) != dynhost.ModuleUnknown {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return
}

// LoadAll loads every discovered plugin; a failing plugin is logged and skipped.
func (d *Dispatcher) LoadAll(ctx context.Context) {
	switch d.State() {
	case StateUninitialized:
		d.Log(bridge.LogError, ErrUninitialized.Error())
		return
	case StatePluginsLoaded:
		d.UnloadAll(ctx)
	}
	d.state.Store(int32(StateLoadingPlugins))
	defer func() {
		if r := recover(); r != nil {
			d.Log(bridge.LogError, fmt.Sprintf("Loading of plugins failed\n%v", r))
			d.UnloadAll(ctx)
		}
	}()
	files, err := d.Discover()
	if err != nil {
		d.Log(bridge.LogError, "Loading of plugins failed\n"+err.Error())
		d.UnloadAll(ctx)
		return
	}
	for _, f := range files {
		e, err := d.load(ctx, f)
		if err != nil {
			d.Log(bridge.LogError, fmt.Sprintf("Loading of %s failed\n%s", f, err))
			continue
		}
		d.mu.Lock()
		d.plugins = append(d.plugins, e)
		d.mu.Unlock()
		d.Log(bridge.LogDefault, "Framework loaded successfully for "+f)
	}
	d.mu.Lock()
	if n := len(d.plugins); n > 0 {
		d.active = d.plugins[n-1]
		*d.events = d.active.Host.Snapshot().Events
	}
	d.mu.Unlock()
	d.state.Store(int32(StatePluginsLoaded))
}

func (d *Dispatcher) load(ctx context.Context, file string) (*Entry, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	cfg := d.cfg.Plugin
	cfg.MainModulePath = abs
	cfg.DefaultContext = d.Pool()
	cfg.Unloadable = true
	cfg.LoadInMemory = true
	cfg.SharedModules = append(slices.Clone(cfg.SharedModules), d.cfg.Framework)
	h, err := plugin.New(cfg,
		plugin.WithLogger(d.cfg.Log),
		plugin.WithPopulate(d.populate),
		plugin.WithErrorHandler(func(err error) {
			d.Log(bridge.LogError, fmt.Sprintf("Reloading of %s failed\n%s", abs, err))
		}))
	if err != nil {
		return nil, err
	}
	if _, err = h.Load(ctx); err != nil {
		return nil, multierr.Append(err, h.Dispose(ctx))
	}
	e := &Entry{Name: dynhost.ModuleName(abs), Host: h}
	e.cancel = h.Subscribe(d.reloaded)
	return e, nil
}

// populate requires the framework reference, then exports the plugin functions over the
// framework functions of the shared pool.
func (d *Dispatcher) populate(ctx context.Context, g *plugin.Generation) error {
	if !slices.Contains(g.Main.References(), d.cfg.Framework) {
		return fmt.Errorf("%w: %s", ErrNoFramework, g.Main.Name())
	}
	if err := plugin.DefaultPopulate(ctx, g); err != nil {
		return err
	}
	d.mu.RLock()
	shared := d.shared
	d.mu.RUnlock()
	t := export.NewTable()
	if err := export.Merge(t, shared); err != nil {
		return err
	}
	if err := export.Merge(t, g.Exports); err != nil {
		return err
	}
	g.Exports = t
	return nil
}

// reloaded refreshes the event table when the active plugin reloads.
func (d *Dispatcher) reloaded(h *plugin.Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil || d.active.Host != h || d.events == nil {
		return
	}
	if g := h.Snapshot(); g != nil {
		*d.events = g.Events
	}
}

// Find returns the address of a function of the active plugin or the framework, zero when absent.
func (d *Dispatcher) Find(name string, optional bool) bridge.FuncPtr {
	d.mu.RLock()
	active, shared := d.active, d.shared
	d.mu.RUnlock()
	if active != nil {
		if p, ok := active.Host.Find(name); ok {
			return p
		}
	}
	if p, ok := shared.Find(name); ok {
		return p
	}
	if !optional {
		d.Log(bridge.LogError, fmt.Sprintf("Function was not found %q", name))
	}
	return 0
}

// Execute calls a function, failures are logged and never propagated.
func (d *Dispatcher) Execute(ctx context.Context, fp bridge.FuncPtr, arg bridge.Argument) {
	defer func() {
		if r := recover(); r != nil {
			d.Log(bridge.LogError, fmt.Sprintf("%v", r))
		}
	}()
	if err := bridge.Call(ctx, fp, arg); err != nil {
		d.Log(bridge.LogError, err.Error())
	}
}

// UnloadAll disposes every plugin and recreates the shared pool.
func (d *Dispatcher) UnloadAll(ctx context.Context) {
	d.mu.Lock()
	plugins, p := d.plugins, d.pool
	d.plugins, d.active, d.shared, d.pool = nil, nil, nil, nil
	if d.events != nil {
		d.events.Clear()
	}
	d.mu.Unlock()
	var err error
	for _, e := range plugins {
		e.cancel()
		err = multierr.Append(err, e.Host.Dispose(ctx))
	}
	if p != nil {
		err = multierr.Append(err, p.Close(ctx))
		if !dynhost.WaitReclaimed(ctx, reclaimAttempts, p.Reclaimed) {
			d.log.Warn("shared pool not reclaimed")
		}
	}
	if d.State() != StateUninitialized {
		err = multierr.Append(err, d.resetPool())
		d.state.Store(int32(StateReady))
	}
	if err != nil {
		d.Log(bridge.LogError, "Unloading of plugins failed\n"+err.Error())
	}
}
