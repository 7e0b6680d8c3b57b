// Package domain loads the module closure of one plugin into a reclaimable isolation domain.
package domain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/manifest"
	"github.com/ZenLiuCN/dynhost/pool"
	"github.com/ZenLiuCN/dynhost/resolver"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrUnloaded occurs when using a domain after Unload.
	ErrUnloaded = errors.New("domain unloaded")
	// ErrNotCollectible occurs when unloading a domain built without unloading enabled.
	ErrNotCollectible = errors.New("domain is not collectible")
	// ErrNotFound occurs when a module or a native library can not be resolved.
	ErrNotFound = errors.New("not found")
	// ErrCycle occurs when modules reference each other.
	ErrCycle = errors.New("reference cycle")
	// ErrUnknownKind occurs when loading a file which is not a module.
	ErrUnknownKind = errors.New("unknown module kind")
)

// Config is the frozen configuration of a Domain.
type Config struct {
	MainModulePath       string
	Managed              map[string]manifest.ManagedLibrary
	Native               map[string]manifest.NativeLibrary
	ProbingPaths         []string
	ResourceProbingPaths []string
	Private              map[string]struct{}
	Shared               map[string]struct{}
	PreferDefault        bool
	Lazy                 bool
	Unloadable           bool
	InMemory             bool
	ShadowCopy           bool
	Pool                 *pool.Pool
	Log                  *zap.Logger
}

// Domain owns every module it loads, the trampolines bound to them and the shadow copies it made.
// A domain is live until Unload, then every operation fails with ErrUnloaded.
type Domain struct {
	id       string
	cfg      Config
	resolver *resolver.Resolver
	arena    *bridge.Arena
	log      *zap.Logger

	mu       sync.Mutex
	runtime  wazero.Runtime
	symbols  dynhost.Symbols
	modules  map[string]Module
	order    []string
	loading  map[string]bool
	dyns     []dynhost.Dynamic
	shared   map[string]struct{}
	shadow   string
	unloaded atomic.Bool
}

// New creates a live domain, prefer Builder.
func New(cfg Config) *Domain {
	if cfg.Log == nil {
		cfg.Log = dynhost.Logger()
	}
	id := uuid.NewString()
	d := &Domain{
		id:  id,
		cfg: cfg,
		resolver: resolver.New(resolver.Config{
			MainModulePath:       cfg.MainModulePath,
			Managed:              cfg.Managed,
			Native:               cfg.Native,
			ProbingPaths:         cfg.ProbingPaths,
			ResourceProbingPaths: cfg.ResourceProbingPaths,
		}),
		arena:   bridge.NewArena(dynhost.ModuleName(cfg.MainModulePath) + "@" + id),
		modules: make(map[string]Module),
		loading: make(map[string]bool),
		shared:  make(map[string]struct{}, len(cfg.Shared)),
		shadow:  filepath.Join(os.TempDir(), "dynhost-"+id),
	}
	for n := range cfg.Shared {
		d.shared[n] = struct{}{}
	}
	d.log = cfg.Log.Named("domain").With(zap.String("domain", d.arena.Name()))
	return d
}

func (d *Domain) ID() string                   { return d.id }
func (d *Domain) Arena() *bridge.Arena         { return d.arena }
func (d *Domain) Resolver() *resolver.Resolver { return d.resolver }
func (d *Domain) MainModulePath() string       { return d.cfg.MainModulePath }
func (d *Domain) IsUnloadable() bool           { return d.cfg.Unloadable }
func (d *Domain) ShadowDir() string            { return d.shadow }
func (d *Domain) Unloaded() bool               { return d.unloaded.Load() }

// LoadMain loads the main module and its references.
func (d *Domain) LoadMain(ctx context.Context) (Module, error) {
	return d.LoadModule(ctx, d.cfg.MainModulePath)
}

// LoadModule loads a module file under its logical name.
func (d *Domain) LoadModule(ctx context.Context, file string) (Module, error) {
	if d.unloaded.Load() {
		return nil, ErrUnloaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadPath(ctx, file, dynhost.ModuleName(file))
}

// Load resolves a module by name: the host copy is preferred for shared names, otherwise the private one.
func (d *Domain) Load(ctx context.Context, name resolver.Name) (Module, error) {
	if d.unloaded.Load() {
		return nil, ErrUnloaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx, name)
}

// Module finds a loaded module.
func (d *Domain) Module(name string) (Module, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modules[name]
	return m, ok
}

// Loaded lists loaded modules in load order.
func (d *Domain) Loaded() []Module {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Module, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.modules[n])
	}
	return out
}

func (d *Domain) preferHost(name string) bool {
	if d.cfg.Pool == nil {
		return false
	}
	if _, ok := d.cfg.Private[name]; ok {
		return false
	}
	_, ok := d.shared[name]
	return ok || d.cfg.PreferDefault
}

func (d *Domain) load(ctx context.Context, name resolver.Name) (Module, error) {
	if m, ok := d.modules[name.Name]; ok {
		return m, nil
	}
	if d.preferHost(name.Name) {
		m, err := d.useHost(ctx, name.Name)
		if err == nil {
			return m, nil
		}
		d.log.Debug("host module unavailable", zap.String("module", name.Name), zap.Error(err))
	}
	p, ok := d.resolver.ResolveModule(name)
	if !ok {
		return nil, fmt.Errorf("%w: module %s", ErrNotFound, name)
	}
	return d.loadPath(ctx, p, name.Name)
}

func (d *Domain) useHost(ctx context.Context, name string) (Module, error) {
	hm, ok := d.cfg.Pool.Module(name)
	if !ok {
		return nil, fmt.Errorf("%w: host module %s", ErrNotFound, name)
	}
	rt, err := d.runtimeLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err = hm.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate host module %s: %w", name, err)
	}
	if d.cfg.Lazy {
		for _, r := range hm.References() {
			d.shared[r] = struct{}{}
		}
	}
	m := hostModule{hm}
	d.register(name, m)
	d.log.Debug("use host module", zap.String("module", name))
	return m, nil
}

func (d *Domain) register(name string, m Module) {
	d.modules[name] = m
	d.order = append(d.order, name)
}

func (d *Domain) loadPath(ctx context.Context, file, name string) (Module, error) {
	if d.unloaded.Load() {
		return nil, ErrUnloaded
	}
	if m, ok := d.modules[name]; ok {
		return m, nil
	}
	if d.loading[name] {
		return nil, fmt.Errorf("%w: %s", ErrCycle, name)
	}
	d.loading[name] = true
	defer delete(d.loading, name)
	switch k := dynhost.ModuleKindOf(file); k {
	case dynhost.ModuleWasm:
		return d.loadWasm(ctx, file, name)
	case dynhost.ModuleObject, dynhost.ModuleArchive:
		return d.loadObject(ctx, file, name, k)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, file)
	}
}

func (d *Domain) runtimeLocked(ctx context.Context) (wazero.Runtime, error) {
	if d.unloaded.Load() {
		return nil, ErrUnloaded
	}
	if d.runtime == nil {
		cfg := wazero.NewRuntimeConfig()
		if d.cfg.Pool != nil {
			cfg = cfg.WithCompilationCache(d.cfg.Pool.Cache())
		}
		d.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	}
	return d.runtime, nil
}

func (d *Domain) symbolsLocked() (s dynhost.Symbols, err error) {
	if d.symbols == nil {
		if d.cfg.Pool != nil {
			s, err = d.cfg.Pool.CloneSymbols()
		} else {
			s, err = dynhost.NewSymbols()
		}
		if err != nil {
			return nil, err
		}
		d.symbols = s
	}
	return d.symbols, nil
}

func (d *Domain) loadWasm(ctx context.Context, file, name string) (Module, error) {
	bin, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	rt, err := d.runtimeLocked(ctx)
	if err != nil {
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", file, err)
	}
	var refs []string
	for _, def := range compiled.ImportedFunctions() {
		if m, _, ok := def.Import(); ok && !slices.Contains(refs, m) {
			refs = append(refs, m)
		}
	}
	for _, ref := range refs {
		if _, err = d.load(ctx, resolver.Name{Name: ref}); err != nil {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("load %s reference %s: %w", name, ref, err)
		}
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}
	m := &wasmModule{name: name, path: file, refs: refs, compiled: compiled, mod: mod}
	d.register(name, m)
	d.log.Debug("load wasm module", zap.String("module", name), zap.String("file", file), zap.Strings("references", refs))
	return m, nil
}

// loadObject links the object with the private objects of the packages it imports,
// the other packages link against the symbols cloned from the host pool.
func (d *Domain) loadObject(ctx context.Context, file, name string, kind dynhost.ModuleKind) (Module, error) {
	syms, err := d.symbolsLocked()
	if err != nil {
		return nil, err
	}
	info, err := dynhost.ObjectImports(file, name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", file, err)
	}
	for n := range d.cfg.Native {
		if err = d.loadNativeLocked(n); err != nil {
			d.log.Warn("native library unavailable", zap.String("library", n), zap.Error(err))
		}
	}
	files, pkgs := []string{file}, []string{name}
	refs := info.Packages()
	for _, pkg := range refs {
		if d.preferHost(pkg) || d.preferHost(path.Base(pkg)) {
			continue
		}
		dep, ok := d.resolver.ResolveModule(resolver.Name{Name: path.Base(pkg)})
		if !ok || dep == file {
			continue
		}
		if k := dynhost.ModuleKindOf(dep); k != dynhost.ModuleObject && k != dynhost.ModuleArchive {
			continue
		}
		files, pkgs = append(files, dep), append(pkgs, pkg)
	}
	if d.cfg.InMemory {
		for i, f := range files {
			if files[i], err = d.shadowCopyLocked(f); err != nil {
				return nil, err
			}
		}
	}
	dyn := dynhost.NewDynamic(syms, d.log)
	if err = dyn.InitializeMany(files, pkgs); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	if err = dyn.Link(); err != nil {
		dyn.Free(false)
		return nil, fmt.Errorf("link %s: %w", file, err)
	}
	syms.Merge(dyn)
	d.dyns = append(d.dyns, dyn)
	m := &objectModule{name: name, path: file, kind: kind, refs: refs, dyn: dyn}
	d.register(name, m)
	d.log.Debug("load object module", zap.String("module", name), zap.Strings("files", files))
	return m, nil
}

// ResolveNative resolves a platform library, returning the path of its shadow copy when enabled.
func (d *Domain) ResolveNative(name string) (string, error) {
	if d.unloaded.Load() {
		return "", ErrUnloaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveNativeLocked(name)
}

func (d *Domain) resolveNativeLocked(name string) (string, error) {
	p, ok := d.resolver.ResolveNative(name)
	if !ok {
		return "", fmt.Errorf("%w: native library %s", ErrNotFound, name)
	}
	if !d.cfg.ShadowCopy {
		return p, nil
	}
	return d.shadowCopyLocked(p)
}

func (d *Domain) shadowCopyLocked(p string) (string, error) {
	if err := os.MkdirAll(d.shadow, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(d.shadow, filepath.Base(p))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := dynhost.CopyFile(p, dst, nil); err != nil {
		return "", fmt.Errorf("shadow copy %s: %w", p, err)
	}
	d.log.Debug("shadow copy", zap.String("source", p), zap.String("copy", dst))
	return dst, nil
}

// LoadNative registers the symbols of a platform library into the domain symbol table.
func (d *Domain) LoadNative(name string) error {
	if d.unloaded.Load() {
		return ErrUnloaded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadNativeLocked(name)
}

func (d *Domain) loadNativeLocked(name string) error {
	p, err := d.resolveNativeLocked(name)
	if err != nil {
		return err
	}
	syms, err := d.symbolsLocked()
	if err != nil {
		return err
	}
	return syms.RegisterSo(p)
}

// Unload drops the arena, closes modules and removes the shadow copies.
// Running calls through the arena are awaited until ctx is done, the modules are closed
// regardless and the context error is returned.
func (d *Domain) Unload(ctx context.Context) (err error) {
	if !d.cfg.Unloadable {
		return ErrNotCollectible
	}
	if d.unloaded.Swap(true) {
		return ErrUnloaded
	}
	d.arena.Drop()
	select {
	case <-d.arena.Idle():
	case <-ctx.Done():
		err = fmt.Errorf("calls still running: %w", ctx.Err())
		d.log.Warn("unload without reclaim", zap.Error(err))
		ctx = context.WithoutCancel(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runtime != nil {
		err = multierr.Append(err, d.runtime.Close(ctx))
		d.runtime = nil
	}
	for i := len(d.dyns) - 1; i >= 0; i-- {
		d.dyns[i].Free(false)
	}
	d.dyns = nil
	d.symbols = nil
	d.modules = make(map[string]Module)
	d.order = nil
	if e := os.RemoveAll(d.shadow); e != nil {
		d.log.Debug("remove shadow copies", zap.String("dir", d.shadow), zap.Error(e))
	}
	d.log.Debug("unloaded", zap.Error(err))
	return
}

// Reclaimed reports whether the domain is unloaded and no call into it is running.
func (d *Domain) Reclaimed() bool {
	if !d.unloaded.Load() || !d.arena.Reclaimed() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runtime == nil && len(d.dyns) == 0
}

// WaitReclaimed forces collections until the domain is reclaimed.
func (d *Domain) WaitReclaimed(ctx context.Context, attempts int) bool {
	return dynhost.WaitReclaimed(ctx, attempts, d.Reclaimed)
}
