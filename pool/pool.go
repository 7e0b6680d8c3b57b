// Package pool is the host default context: symbols and modules shared by every isolation domain.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/fn"
	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HostModule is a module provided by the host and shared with plugins which prefer the host copy.
type HostModule interface {
	Name() string
	References() []string
	Functions() []bridge.Function
	// Instantiate makes the module importable inside a wasm runtime of a domain.
	Instantiate(ctx context.Context, r wazero.Runtime) error
}

type Pool struct {
	sync.RWMutex
	symbols dynhost.Symbols
	Modules map[string]HostModule
	Loaded  []dynhost.Dynamic
	objects map[string]dynhost.Dynamic
	cache   wazero.CompilationCache
	arena   *bridge.Arena
	closed  atomic.Bool
	log     *zap.Logger
}

var (
	ErrAlreadyLoad    = errors.New("module already loaded")
	ErrNotLoad        = errors.New("module not loaded")
	ErrMissingPackage = errors.New("package not loaded")
	ErrCorrupted      = errors.New("recording corrupted")
	ErrClosed         = errors.New("pool closed")
)

// New create new pool, host symbols are registered on first use.
func New(log *zap.Logger) *Pool {
	if log == nil {
		log = dynhost.Logger()
	}
	return &Pool{
		Modules: make(map[string]HostModule),
		objects: make(map[string]dynhost.Dynamic),
		cache:   wazero.NewCompilationCache(),
		arena:   bridge.NewArena("host"),
		log:     log.Named("pool"),
	}
}

var (
	def     *Pool
	defOnce sync.Once
)

// Default is the process wide pool.
func Default() *Pool {
	defOnce.Do(func() {
		def = New(nil)
	})
	return def
}

// Symbols is the shared symbol table, it starts as a copy of the host executable symbols.
func (p *Pool) Symbols() (dynhost.Symbols, error) {
	p.Lock()
	defer p.Unlock()
	return p.symbolsLocked()
}

func (p *Pool) symbolsLocked() (dynhost.Symbols, error) {
	if p.symbols == nil {
		s, err := dynhost.NewSymbols()
		if err != nil {
			return nil, err
		}
		p.symbols = s
	}
	return p.symbols, nil
}

// CloneSymbols snapshots the shared symbol table for a domain.
func (p *Pool) CloneSymbols() (dynhost.Symbols, error) {
	s, err := p.Symbols()
	if err != nil {
		return nil, err
	}
	p.RLock()
	defer p.RUnlock()
	return s.Clone(), nil
}

func (p *Pool) RegisterSo(path string) error {
	s, err := p.Symbols()
	if err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	return s.RegisterSo(path)
}

func (p *Pool) RegisterTypes(t ...any) error {
	s, err := p.Symbols()
	if err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	s.RegisterTypes(t...)
	return nil
}

// Provide shares a host module.
func (p *Pool) Provide(m HostModule) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Modules[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoad, m.Name())
	}
	p.Modules[m.Name()] = m
	p.log.Debug("provide module", zap.String("module", m.Name()), zap.Strings("references", m.References()))
	return nil
}

// Module finds a shared module.
func (p *Pool) Module(name string) (HostModule, bool) {
	p.RLock()
	defer p.RUnlock()
	m, ok := p.Modules[name]
	return m, ok
}

// Names of the shared modules, sorted.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	n := fn.MapKeys(p.Modules)
	slices.Sort(n)
	return n
}

// References of a shared module, nil when absent.
func (p *Pool) References(name string) []string {
	if m, ok := p.Module(name); ok {
		return m.References()
	}
	return nil
}

// Cache is the compilation cache shared by the wasm runtimes of domains.
func (p *Pool) Cache() wazero.CompilationCache { return p.cache }

// Arena holds trampolines of host provided functions.
func (p *Pool) Arena() *bridge.Arena { return p.arena }

// LoadFile load a shared module from go archive or go object file
func (p *Pool) LoadFile(file, pkgPath string) (err error) {
	if p.closed.Load() {
		return ErrClosed
	}
	p.Lock()
	defer p.Unlock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	if _, ok := p.objects[pkgPath]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoad, pkgPath)
	}
	s, err := p.symbolsLocked()
	if err != nil {
		return
	}
	d := dynhost.NewDynamic(s, p.log)
	if err = d.Initialize(file, pkgPath); err != nil {
		return
	}
	if err = d.Link(); err != nil {
		d.Free(false)
		return
	}
	p.register(d)
	p.Modules[pkgPath] = &objectModule{name: pkgPath, file: file, dyn: d}
	return
}

func (p *Pool) register(d dynhost.Dynamic) {
	for _, pkg := range d.Packages() {
		p.objects[pkg] = d
	}
	p.Loaded = append(p.Loaded, d)
	n := p.symbols.Merge(d)
	p.log.Debug("register module", zap.Strings("packages", d.Packages()), zap.Int("symbols", n))
}

// unregister the dynamic and all loaded after it, they may link against its symbols.
func (p *Pool) unregister(d dynhost.Dynamic) error {
	i := slices.Index(p.Loaded, d)
	if i < 0 {
		return ErrCorrupted
	}
	x := p.Loaded[i:]
	for j := len(x) - 1; j >= 0; j-- {
		dyn := x[j]
		for _, pkg := range dyn.Packages() {
			delete(p.objects, pkg)
			delete(p.Modules, pkg)
		}
		p.symbols.Forget(dyn)
		dyn.Free(false)
	}
	p.Loaded = p.Loaded[:i]
	return nil
}

// ReloadFile from go archive or go object file, modules loaded after the package are unloaded too.
func (p *Pool) ReloadFile(file, pkgPath string) (err error) {
	p.Lock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	m, ok := p.objects[pkgPath]
	if !ok {
		p.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoad, pkgPath)
	}
	err = p.unregister(m)
	p.Unlock()
	if err != nil {
		return
	}
	return p.LoadFile(file, pkgPath)
}

// Require fetch symbol from package
func (p *Pool) Require(pkgPath, symbolName string) dynhost.Sym {
	p.RLock()
	defer p.RUnlock()
	if pkgPath == "" {
		pkgPath = "main"
	}
	if m, ok := p.objects[pkgPath]; ok {
		return m.MustFetch(pkgPath + "." + symbolName)
	}
	panic(fmt.Errorf("%w: %s", ErrMissingPackage, pkgPath))
}

// Close unloads every shared module, the pool can not be used after.
func (p *Pool) Close(ctx context.Context) (err error) {
	if p.closed.Swap(true) {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	p.arena.Drop()
	if len(p.Loaded) > 0 {
		err = multierr.Append(err, p.unregister(p.Loaded[0]))
	}
	p.Modules = make(map[string]HostModule)
	p.symbols = nil
	err = multierr.Append(err, p.cache.Close(ctx))
	p.log.Debug("closed", zap.Error(err))
	return
}

func (p *Pool) Closed() bool { return p.closed.Load() }

// Reclaimed reports whether the pool is closed and no host trampoline is running.
func (p *Pool) Reclaimed() bool {
	return p.closed.Load() && p.arena.Reclaimed()
}

type objectModule struct {
	name string
	file string
	dyn  dynhost.Dynamic
}

func (o *objectModule) Name() string         { return o.name }
func (o *objectModule) References() []string { return nil }
func (o *objectModule) Functions() []bridge.Function {
	types, err := o.dyn.Types()
	if err != nil {
		return nil
	}
	return bridge.Reflect(o.name, types...)
}

// Instantiate does nothing: object modules are shared through the symbol table.
func (o *objectModule) Instantiate(context.Context, wazero.Runtime) error { return nil }
