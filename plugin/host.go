// Package plugin hosts one plugin: its domain generations, reload and disposal.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/domain"
	"github.com/ZenLiuCN/dynhost/export"
	"github.com/ZenLiuCN/dynhost/manifest"
	"github.com/ZenLiuCN/dynhost/watch"
	"go.uber.org/zap"
)

var (
	ErrDisposed      = errors.New("plugin host disposed")
	ErrNotLoaded     = errors.New("plugin not loaded")
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	// ErrNotUnloadable occurs on reload of a host whose domains cannot be unloaded.
	ErrNotUnloadable = errors.New("reload cannot be used because the plugin is not unloadable")
)

const (
	// reclaimAttempts bounds the collections awaited after a generation is unloaded.
	reclaimAttempts = 10
	// UnloadTimeout bounds the wait for calls still running in an unloaded generation.
	UnloadTimeout = 5 * time.Second
)

type State int32

const (
	StateCreated State = iota
	StateLoaded
	StateReloading
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "loaded"
	case StateReloading:
		return "reloading"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Generation is one loaded domain of a plugin with its export tables.
type Generation struct {
	Seq     uint64
	Domain  *domain.Domain
	Main    domain.Module
	Exports *export.Table
	Events  bridge.EventTable
}

// Find looks up an exported function of the generation.
func (g *Generation) Find(name string) (bridge.FuncPtr, bool) {
	if g == nil {
		return 0, false
	}
	return g.Exports.Find(name)
}

// Populate fills the tables of a freshly loaded generation before it becomes current.
type Populate func(ctx context.Context, g *Generation) error

// DefaultPopulate exports the functions of the main module.
func DefaultPopulate(_ context.Context, g *Generation) (err error) {
	g.Exports, err = export.Build(g.Domain.Arena(), g.Main.Functions(), &g.Events)
	return
}

type Option func(*Host)

func WithPopulate(p Populate) Option {
	return func(h *Host) { h.populate = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithErrorHandler receives the failures of hot reloads.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Host) { h.onError = fn }
}

// Host owns the domains of one plugin.
//
// Readers take the current Generation with Snapshot; a reload builds the next generation
// without blocking them and swaps it in under the write lock.
type Host struct {
	cfg      Config
	builder  *domain.Builder
	populate Populate
	onError  func(error)
	log      *zap.Logger

	mu  sync.RWMutex
	gen *Generation

	reload  sync.Mutex // serializes Load, Reload and Dispose
	state   atomic.Int32
	seq     atomic.Uint64
	watcher atomic.Pointer[watch.Watcher]

	subMu  sync.Mutex
	subSeq uint64
	subs   map[uint64]func(*Host)
}

func New(cfg Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{cfg: cfg, subs: make(map[uint64]func(*Host))}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = dynhost.Logger()
	}
	h.log = h.log.With(zap.String("plugin", cfg.MainModulePath))
	if h.populate == nil {
		h.populate = DefaultPopulate
	}
	if h.onError == nil {
		h.onError = func(err error) { h.log.Error("hot reload", zap.Error(err)) }
	}
	b := domain.NewBuilder().
		SetMainModulePath(cfg.MainModulePath).
		PreferPrivate(cfg.PrivateModules...).
		PreferDefaultContext(cfg.PreferShared).
		LazyLoadReferences(cfg.Lazy).
		PreferShared(cfg.SharedModules...).
		WithLogger(h.log)
	if cfg.DefaultContext != nil {
		b.SetDefaultContext(cfg.DefaultContext)
	}
	if cfg.IsUnloadable() {
		b.EnableUnloading()
	}
	if cfg.InMemory() {
		b.PreloadIntoMemory().ShadowCopyNativeLibraries()
	}
	for _, p := range cfg.ProbingPaths {
		b.AddProbingPath(p)
	}
	m := cfg.Manifest
	if m == nil {
		var err error
		if m, err = manifest.Load(cfg.MainModulePath); err != nil {
			return nil, err
		}
	}
	b.WithManifest(m)
	if err := b.Err(); err != nil {
		return nil, err
	}
	h.builder = b
	return h, nil
}

func (h *Host) Config() Config { return h.cfg }
func (h *Host) State() State   { return State(h.state.Load()) }

// Snapshot is the current generation, nil before load and after disposal.
func (h *Host) Snapshot() *Generation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gen
}

// Find looks up an exported function of the current generation.
func (h *Host) Find(name string) (bridge.FuncPtr, bool) {
	return h.Snapshot().Find(name)
}

// Module finds a loaded module of the current generation.
func (h *Host) Module(name string) (domain.Module, bool) {
	g := h.Snapshot()
	if g == nil {
		return nil, false
	}
	return g.Domain.Module(name)
}

// Load builds the first generation and starts watching when hot reload is enabled.
func (h *Host) Load(ctx context.Context) (*Generation, error) {
	h.reload.Lock()
	defer h.reload.Unlock()
	switch h.State() {
	case StateDisposed:
		return nil, ErrDisposed
	case StateCreated:
	default:
		return nil, ErrAlreadyLoaded
	}
	g, err := h.next(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.gen = g
	h.mu.Unlock()
	h.state.Store(int32(StateLoaded))
	if h.cfg.EnableHotReload {
		w, err := watch.New(filepath.Dir(h.cfg.MainModulePath), h.cfg.delay(), nil, h.hotReload, h.log)
		if err != nil {
			h.log.Warn("hot reload disabled", zap.Error(err))
		} else {
			h.watcher.Store(w)
		}
	}
	return g, nil
}

func (h *Host) hotReload(gen uint64) {
	h.log.Debug("change detected", zap.Uint64("trigger", gen))
	if _, err := h.Reload(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
		h.onError(err)
	}
}

// next builds and loads a new generation, it is unloaded again on failure.
func (h *Host) next(ctx context.Context) (*Generation, error) {
	d, err := h.builder.Build()
	if err != nil {
		return nil, err
	}
	g := &Generation{Seq: h.seq.Add(1), Domain: d}
	if g.Main, err = d.LoadMain(ctx); err == nil {
		err = h.populate(ctx, g)
	}
	if err != nil {
		h.discard(ctx, g)
		return nil, err
	}
	h.log.Debug("generation loaded", zap.Uint64("seq", g.Seq), zap.String("domain", d.ID()))
	return g, nil
}

// discard unloads a generation and waits for its reclamation.
func (h *Host) discard(ctx context.Context, g *Generation) {
	if !g.Domain.IsUnloadable() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, UnloadTimeout)
	defer cancel()
	if err := g.Domain.Unload(ctx); err != nil {
		h.log.Warn("unload generation", zap.Uint64("seq", g.Seq), zap.Error(err))
	}
	if !g.Domain.WaitReclaimed(ctx, reclaimAttempts) {
		h.log.Warn("generation not reclaimed", zap.Uint64("seq", g.Seq))
	}
}

// Reload replaces the current generation with a fresh one of the same configuration.
// The next generation is built before the previous one is unloaded, so readers never wait on a
// rebuild and a failed reload leaves the previous generation serving. Subscribers are notified
// right after the swap, while the previous generation is still callable.
func (h *Host) Reload(ctx context.Context) (*Generation, error) {
	h.reload.Lock()
	defer h.reload.Unlock()
	switch h.State() {
	case StateDisposed:
		return nil, ErrDisposed
	case StateCreated:
		return nil, ErrNotLoaded
	}
	if !h.cfg.IsUnloadable() {
		return nil, ErrNotUnloadable
	}
	h.state.Store(int32(StateReloading))
	g, err := h.next(ctx)
	if err != nil {
		h.state.Store(int32(StateLoaded))
		return nil, fmt.Errorf("reload: %w", err)
	}
	h.mu.Lock()
	old := h.gen
	h.gen = g
	h.mu.Unlock()
	h.state.Store(int32(StateLoaded))
	h.notify()
	if old != nil {
		h.discard(ctx, old)
	}
	return g, nil
}

// Subscribe registers a callback fired after every reload, before the previous generation is unloaded.
func (h *Host) Subscribe(fn func(*Host)) (cancel func()) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.subSeq++
	id := h.subSeq
	h.subs[id] = fn
	return func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		delete(h.subs, id)
	}
}

// notify fires the subscribers in subscription order.
func (h *Host) notify() {
	h.subMu.Lock()
	subs := make([]func(*Host), 0, len(h.subs))
	for _, id := range slices.Sorted(maps.Keys(h.subs)) {
		subs = append(subs, h.subs[id])
	}
	h.subMu.Unlock()
	for _, fn := range subs {
		fn(h)
	}
}

// Dispose stops watching and unloads the current generation when possible. It is idempotent.
func (h *Host) Dispose(ctx context.Context) error {
	if h.State() == StateDisposed {
		return nil
	}
	// a pending hot reload must not wait for the lock held below
	if w := h.watcher.Load(); w != nil {
		_ = w.Close()
	}
	h.reload.Lock()
	defer h.reload.Unlock()
	if w := h.watcher.Swap(nil); w != nil {
		_ = w.Close()
	}
	if State(h.state.Swap(int32(StateDisposed))) == StateDisposed {
		return nil
	}
	h.mu.Lock()
	g := h.gen
	h.gen = nil
	h.mu.Unlock()
	if g == nil || !g.Domain.IsUnloadable() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, UnloadTimeout)
	defer cancel()
	return g.Domain.Unload(ctx)
}
