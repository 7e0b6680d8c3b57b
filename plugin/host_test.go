package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/ZenLiuCN/dynhost/internal/wasmtest"
	"github.com/ZenLiuCN/dynhost/pool"
	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEnv struct {
	sync.Mutex
	logs []string
}

func (e *logEnv) Log(_ framework.LogLevel, m []byte) {
	e.Lock()
	defer e.Unlock()
	e.logs = append(e.logs, string(m))
}

func (e *logEnv) Valid(framework.Handle) bool { return true }

func (e *logEnv) Logs() []string {
	e.Lock()
	defer e.Unlock()
	return slices.Clone(e.logs)
}

func setup(t *testing.T, plugin wasmtest.Plugin) (*Config, *logEnv) {
	t.Helper()
	env := new(logEnv)
	p := pool.New(nil)
	fn.Panic(p.Provide(framework.New(env)))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	main := filepath.Join(t.TempDir(), "Namespace.wasm")
	fn.Panic(plugin.Write(main))
	cfg, err := NewConfig(main)
	require.NoError(t, err)
	cfg.DefaultContext = p
	cfg.SharedModules = []string{framework.Name}
	return cfg, env
}

func TestConfig(t *testing.T) {
	_, err := NewConfig("")
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	_, err = NewConfig("plugins/a.wasm")
	assert.ErrorContains(t, err, "absolute")

	c, err := NewConfig("/plugins/a.wasm")
	require.NoError(t, err)
	assert.Equal(t, DefaultReloadDelay, c.ReloadDelay)
	assert.False(t, c.IsUnloadable())
	assert.False(t, c.InMemory())
	c.EnableHotReload = true
	assert.True(t, c.IsUnloadable())
	assert.True(t, c.InMemory())

	c.ReloadDelay = -time.Second
	assert.Error(t, c.Validate())
	c.ReloadDelay = 0
	assert.Equal(t, DefaultReloadDelay, c.delay())
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	cfg, env := setup(t, wasmtest.Plugin{Framework: framework.Name})
	h, err := New(*cfg)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, h.State())
	assert.Nil(t, h.Snapshot())

	g, err := h.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, h.State())
	assert.Same(t, g, h.Snapshot())
	assert.Equal(t, uint64(1), g.Seq)

	foo, ok := h.Find("Namespace.Main.Foo")
	require.True(t, ok)
	require.NoError(t, bridge.Call(ctx, foo, bridge.Pointer{Value: 0x10}))
	_, ok = h.Find("Namespace.Util.Ping")
	assert.True(t, ok)
	_, ok = h.Find("Namespace.Main.Bar")
	assert.False(t, ok)

	require.NotZero(t, g.Events.At(bridge.EventStartMod))
	require.NoError(t, bridge.Call(ctx, g.Events.At(bridge.EventStartMod), bridge.None{}))
	assert.Equal(t, []string{"start"}, env.Logs())

	_, ok = h.Module(framework.Name)
	assert.True(t, ok)

	_, err = h.Load(ctx)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
	_, err = h.Reload(ctx)
	assert.ErrorIs(t, err, ErrNotUnloadable)

	require.NoError(t, h.Dispose(ctx))
	assert.Equal(t, StateDisposed, h.State())
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	cfg, _ := setup(t, wasmtest.Plugin{Framework: framework.Name})
	cfg.Unloadable = true
	h, err := New(*cfg)
	require.NoError(t, err)
	_, err = h.Reload(ctx)
	assert.ErrorIs(t, err, ErrNotLoaded)

	first, err := h.Load(ctx)
	require.NoError(t, err)
	var fired atomic.Int32
	var order []int
	cancel := h.Subscribe(func(x *Host) {
		assert.Same(t, h, x)
		assert.False(t, first.Domain.Unloaded(), "previous generation is live while subscribers run")
		p, ok := first.Find("Namespace.Main.Foo")
		require.True(t, ok)
		assert.NoError(t, bridge.Call(ctx, p, bridge.Pointer{Value: 2}))
		order = append(order, 1)
		fired.Add(1)
	})
	cancelSecond := h.Subscribe(func(*Host) { order = append(order, 2) })

	second, err := h.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Same(t, second, h.Snapshot())
	assert.True(t, first.Domain.Unloaded())
	assert.True(t, first.Domain.Reclaimed())

	old := first.Domain.Arena().Pointers()
	assert.Empty(t, old, "dropped arena releases its bindings")
	stale, ok := first.Find("Namespace.Main.Foo")
	require.True(t, ok)
	fresh, ok := second.Find("Namespace.Main.Foo")
	require.True(t, ok)
	assert.NotEqual(t, stale, fresh)
	assert.False(t, second.Exports.Contains(stale))
	for _, e := range first.Exports.Entries() {
		assert.False(t, second.Exports.Contains(e.Addr))
	}
	assert.ErrorIs(t, bridge.Call(ctx, stale, bridge.Pointer{Value: 1}), bridge.ErrUnknownFunction)
	require.NoError(t, bridge.Call(ctx, fresh, bridge.Pointer{Value: 1}))

	cancel()
	cancelSecond()
	_, err = h.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())

	require.NoError(t, h.Dispose(ctx))
	require.NoError(t, h.Dispose(ctx))
	_, err = h.Reload(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = h.Load(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Nil(t, h.Snapshot())
}

func TestReloadFailureKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	cfg, _ := setup(t, wasmtest.Plugin{Framework: framework.Name})
	cfg.Unloadable = true
	h, err := New(*cfg)
	require.NoError(t, err)
	defer h.Dispose(ctx)
	g, err := h.Load(ctx)
	require.NoError(t, err)

	fn.Panic(os.WriteFile(cfg.MainModulePath, []byte("not wasm"), 0o644))
	_, err = h.Reload(ctx)
	require.Error(t, err)
	assert.Same(t, g, h.Snapshot())
	assert.Equal(t, StateLoaded, h.State())
}

func TestProtocolViolation(t *testing.T) {
	cfg, _ := setup(t, wasmtest.Plugin{Framework: framework.Name, BadLifecycle: true})
	cfg.Unloadable = true
	h, err := New(*cfg)
	require.NoError(t, err)
	_, err = h.Load(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateCreated, h.State())
}

func TestPopulate(t *testing.T) {
	cfg, _ := setup(t, wasmtest.Plugin{Framework: framework.Name})
	boom := errors.New("boom")
	h, err := New(*cfg, WithPopulate(func(context.Context, *Generation) error { return boom }))
	require.NoError(t, err)
	_, err = h.Load(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, h.Snapshot())
}

func TestHotReload(t *testing.T) {
	ctx := context.Background()
	cfg, env := setup(t, wasmtest.Plugin{Framework: framework.Name, StartMessage: "one"})
	cfg.EnableHotReload = true
	cfg.ReloadDelay = 20 * time.Millisecond
	var failures atomic.Int32
	h, err := New(*cfg, WithErrorHandler(func(error) { failures.Add(1) }))
	require.NoError(t, err)
	defer h.Dispose(ctx)
	_, err = h.Load(ctx)
	require.NoError(t, err)

	reloaded := make(chan struct{}, 4)
	h.Subscribe(func(*Host) { reloaded <- struct{}{} })
	fn.Panic(wasmtest.Plugin{Framework: framework.Name, StartMessage: "two"}.Write(cfg.MainModulePath))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	g := h.Snapshot()
	require.NotNil(t, g)
	assert.GreaterOrEqual(t, g.Seq, uint64(2))
	require.NoError(t, bridge.Call(ctx, g.Events.At(bridge.EventStartMod), bridge.None{}))
	assert.Contains(t, env.Logs(), "two")
	assert.Zero(t, failures.Load())
}

func TestManifestNextToMain(t *testing.T) {
	ctx := context.Background()
	cfg, _ := setup(t, wasmtest.Plugin{
		Framework:    framework.Name,
		Dependencies: []wasmtest.Dependency{{Module: "geo", Name: "Geo.Area"}},
	})
	dir := filepath.Dir(cfg.MainModulePath)
	fn.Panic(os.MkdirAll(filepath.Join(dir, "libs"), 0o755))
	fn.Panic(wasmtest.Library("Geo.Area").Write(filepath.Join(dir, "libs", "geo.wasm")))

	h, err := New(*cfg)
	require.NoError(t, err)
	_, err = h.Load(ctx)
	require.Error(t, err, "geo is not probed without a manifest")

	fn.Panic(os.WriteFile(filepath.Join(dir, "Namespace.deps.hcl"), []byte(`
managed "example.com/geo" {
  version = "v1.0.0"
  asset   = "libs/geo.wasm"
}
`), 0o644))
	h, err = New(*cfg)
	require.NoError(t, err)
	_, err = h.Load(ctx)
	require.NoError(t, err)
	m, ok := h.Module("geo")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "libs", "geo.wasm"), m.Path())
}

func TestConcurrentFindDuringReload(t *testing.T) {
	ctx := context.Background()
	cfg, _ := setup(t, wasmtest.Plugin{Framework: framework.Name})
	cfg.Unloadable = true
	h, err := New(*cfg)
	require.NoError(t, err)
	defer h.Dispose(ctx)
	_, err = h.Load(ctx)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	var calls, misses, unexpected atomic.Int32
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			p, ok := h.Find("Namespace.Main.Foo")
			if !ok {
				misses.Add(1)
				continue
			}
			err := bridge.Call(ctx, p, bridge.Pointer{Value: 1})
			switch {
			case err == nil:
				calls.Add(1)
			case errors.Is(err, bridge.ErrUnknownFunction), errors.Is(err, bridge.ErrArenaDropped):
			default:
				unexpected.Add(1)
				t.Log(err)
			}
		}
	}()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 5*time.Second, time.Millisecond)
	for i := 0; i < 8; i++ {
		_, err = h.Reload(ctx)
		require.NoError(t, err)
	}
	close(stop)
	<-done
	assert.Zero(t, misses.Load(), "a generation is always current")
	assert.Zero(t, unexpected.Load())
	assert.Positive(t, calls.Load())
	assert.Equal(t, uint64(9), h.Snapshot().Seq)
}
