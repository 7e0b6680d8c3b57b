package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/ZenLiuCN/dynhost/internal/wasmtest"
	"github.com/ZenLiuCN/dynhost/plugin"
	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	level bridge.LogLevel
	text  string
}

type host struct {
	sync.Mutex
	messages []message
	handles  []framework.Handle
	events   bridge.EventTable
	log      bridge.FuncPtr
}

func newHost(t *testing.T) *host {
	h := new(host)
	h.log = bridge.RegisterHost(bridge.LogFunc(func(level bridge.LogLevel, m []byte) {
		h.Lock()
		defer h.Unlock()
		h.messages = append(h.messages, message{level, string(m)})
	}))
	t.Cleanup(func() { bridge.UnregisterHost(h.log) })
	return h
}

func (h *host) valid(x framework.Handle) bool {
	h.Lock()
	defer h.Unlock()
	h.handles = append(h.handles, x)
	return true
}

func (h *host) take() []message {
	h.Lock()
	defer h.Unlock()
	m := h.messages
	h.messages = nil
	return m
}

func (h *host) errors() (out []string) {
	for _, m := range h.take() {
		if m.level == bridge.LogError {
			out = append(out, m.text)
		}
	}
	return
}

func texts(ms []message) (out []string) {
	for _, m := range ms {
		out = append(out, m.text)
	}
	return
}

// layout writes a plugins root:
//
//	framework.wasm
//	Loose.wasm
//	Namespace/Namespace.wasm
//	Namespace/helper.wasm
//	Other/Other.wasm        without framework reference
func layout(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	fn.Panic(os.MkdirAll(filepath.Join(root, "Namespace"), 0o755))
	fn.Panic(os.MkdirAll(filepath.Join(root, "Other"), 0o755))
	fn.Panic(wasmtest.Library("Framework.Collect").Write(filepath.Join(root, "framework.wasm")))
	fn.Panic(wasmtest.Plugin{Framework: framework.Name, StartMessage: "loose"}.Write(filepath.Join(root, "Loose.wasm")))
	fn.Panic(wasmtest.Plugin{Framework: framework.Name}.Write(filepath.Join(root, "Namespace", "Namespace.wasm")))
	fn.Panic(wasmtest.Library("Helper.Run").Write(filepath.Join(root, "Namespace", "helper.wasm")))
	fn.Panic(wasmtest.Plugin{}.Write(filepath.Join(root, "Other", "Other.wasm")))
	fn.Panic(os.WriteFile(filepath.Join(root, "README.txt"), []byte("plugins"), 0o644))
	return root
}

func start(t *testing.T, cfg Config) (*Dispatcher, *host) {
	t.Helper()
	h := newHost(t)
	cfg.Valid = h.valid
	d := New(cfg)
	require.Equal(t, uintptr(Checksum), d.Handle(context.Background(), bridge.Initialize{Log: h.log, Events: &h.events}))
	require.Equal(t, StateReady, d.State())
	t.Cleanup(func() { d.UnloadAll(context.Background()) })
	return d, h
}

func TestDiscover(t *testing.T) {
	root := layout(t)
	d := New(Config{Root: root})
	files, err := d.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "Loose.wasm"),
		filepath.Join(root, "Namespace", "Namespace.wasm"),
		filepath.Join(root, "Other", "Other.wasm"),
	}, files)

	_, err = New(Config{Root: filepath.Join(root, "absent")}).Discover()
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, StateUninitialized, d.State())
	d.LoadAll(context.Background())
	assert.Equal(t, StateUninitialized, d.State())

	assert.Equal(t, uintptr(Checksum), d.Handle(context.Background(), bridge.Initialize{}))
	assert.Equal(t, StateReady, d.State())
	assert.NotNil(t, d.Events())
	assert.NotNil(t, d.Pool())
	assert.NotZero(t, d.Find("framework.Framework.IsValid", false))
	d.UnloadAll(context.Background())

	// the raw layout: function table, then the event table
	h := newHost(t)
	buf := bridge.NewInitBuffer(h.log, &h.events)
	raw := buf.Command(0x2F0)
	d = New(Config{})
	assert.Equal(t, uintptr(Checksum), d.HandleBytes(context.Background(), raw[:]))
	runtime.KeepAlive(buf)
	assert.Same(t, &h.events, d.Events())
	d.Log(bridge.LogWarning, "hello")
	assert.Equal(t, []message{{bridge.LogWarning, "hello"}}, h.take())
	d.UnloadAll(context.Background())
}

func TestLoadAndExecute(t *testing.T) {
	ctx := context.Background()
	d, h := start(t, Config{Root: layout(t)})
	d.Handle(ctx, bridge.LoadAssemblies{})
	require.Equal(t, StatePluginsLoaded, d.State())

	logs := h.take()
	assert.Contains(t, texts(logs), "Framework loaded successfully for "+filepath.Join(d.cfg.Root, "Namespace", "Namespace.wasm"))
	failed := slices.IndexFunc(logs, func(m message) bool {
		return m.level == bridge.LogError && strings.Contains(m.text, "Other.wasm") && strings.Contains(m.text, ErrNoFramework.Error())
	})
	assert.GreaterOrEqual(t, failed, 0, "plugin without framework is skipped: %v", logs)

	names := make([]string, 0)
	for _, e := range d.Plugins() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Loose", "Namespace"}, names)
	require.NotNil(t, d.Active())
	assert.Equal(t, "Namespace", d.Active().Name)
	_, ok := d.Plugin("Loose")
	assert.True(t, ok)
	_, ok = d.Active().Host.Find("framework.Framework.Collect")
	assert.True(t, ok, "framework functions are merged into every plugin")

	// lifecycle by position
	require.NotZero(t, h.events.At(bridge.EventStartMod))
	d.Handle(ctx, bridge.Execute{Function: h.events.At(bridge.EventStartMod), Value: bridge.None{}})
	assert.Equal(t, []message{{bridge.LogNormal, "start"}}, h.take())

	// exported function by name with a pointer
	foo := d.Handle(ctx, bridge.Find{Name: "Namespace.Main.Foo"})
	require.NotZero(t, foo)
	d.Handle(ctx, bridge.Execute{Function: bridge.FuncPtr(foo), Value: bridge.Pointer{Value: 0x1234}})
	h.Lock()
	assert.Equal(t, []framework.Handle{0x1234}, h.handles)
	h.Unlock()
	assert.Empty(t, h.errors())

	name := bridge.CString("Namespace.Main.Foo")
	raw := bridge.EncodeFind(name, false)
	assert.Equal(t, foo, d.HandleBytes(ctx, raw[:]))
	runtime.KeepAlive(name)

	// the active plugin only
	assert.Zero(t, d.Find("Loose.Main.Foo", true))
	assert.NotZero(t, d.Find("framework.Framework.Collect", false))

	assert.Zero(t, d.Find("Namespace.Main.Missing", true))
	assert.Empty(t, h.take())
	assert.Zero(t, d.Find("Namespace.Main.Missing", false))
	assert.Equal(t, []string{`Function was not found "Namespace.Main.Missing"`}, h.errors())

	// failures are logged, never propagated
	d.Execute(ctx, d.Find("Namespace.Main.Panic", false), bridge.None{})
	assert.Len(t, h.errors(), 1)
	d.Execute(ctx, 0, bridge.None{})
	assert.Len(t, h.errors(), 1)
	d.Execute(ctx, bridge.FuncPtr(foo), bridge.Single{Value: 1})
	assert.Len(t, h.errors(), 1)

	old := d.Pool()
	d.Handle(ctx, bridge.UnloadAssemblies{})
	assert.Equal(t, StateReady, d.State())
	assert.Empty(t, d.Plugins())
	assert.Nil(t, d.Active())
	assert.Equal(t, bridge.EventTable{}, h.events)
	assert.True(t, old.Reclaimed())
	assert.NotSame(t, old, d.Pool())
	assert.Empty(t, h.errors())

	d.Execute(ctx, bridge.FuncPtr(foo), bridge.Pointer{Value: 1})
	assert.Len(t, h.errors(), 1, "stale pointer")
}

func TestLoadMissingRoot(t *testing.T) {
	d, h := start(t, Config{Root: filepath.Join(t.TempDir(), "absent")})
	d.LoadAll(context.Background())
	assert.Equal(t, StateReady, d.State())
	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Loading of plugins failed")
}

func TestUnknownCommand(t *testing.T) {
	d, h := start(t, Config{})
	raw := bridge.EncodeTag(bridge.CommandType(9))
	assert.Zero(t, d.HandleBytes(context.Background(), raw[:]))
	assert.Len(t, h.errors(), 1)
}

func (d *Dispatcher) eventAt(i int) bridge.FuncPtr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events.At(i)
}

func TestHotReloadRefreshesEvents(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	main := filepath.Join(root, "Namespace", "Namespace.wasm")
	fn.Panic(os.MkdirAll(filepath.Dir(main), 0o755))
	fn.Panic(wasmtest.Plugin{Framework: framework.Name}.Write(main))

	cfg := Config{Root: root}
	cfg.Plugin.EnableHotReload = true
	cfg.Plugin.ReloadDelay = 20 * time.Millisecond
	d, h := start(t, cfg)
	d.LoadAll(ctx)
	require.Equal(t, StatePluginsLoaded, d.State())
	first := d.eventAt(bridge.EventStartMod)
	require.NotZero(t, first)
	h.take()

	// fired after the refresh of the dispatcher, before the previous generation is unloaded
	swapped := make(chan bridge.FuncPtr, 1)
	var once sync.Once
	d.Active().Host.Subscribe(func(*plugin.Host) {
		once.Do(func() {
			d.Execute(ctx, first, bridge.None{})
			swapped <- d.eventAt(bridge.EventStartMod)
		})
	})

	fn.Panic(wasmtest.Plugin{Framework: framework.Name, StartMessage: "again"}.Write(main))
	var refreshed bridge.FuncPtr
	select {
	case refreshed = <-swapped:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	assert.NotZero(t, refreshed)
	assert.NotEqual(t, first, refreshed)
	assert.Empty(t, h.errors(), "previous lifecycle functions stay callable until the table is refreshed")

	d.Execute(ctx, d.eventAt(bridge.EventStartMod), bridge.None{})
	assert.Contains(t, texts(h.take()), "again")
}

func TestHostObjectFailure(t *testing.T) {
	dir := t.TempDir()
	_, h := start(t, Config{
		HostObjects:   []string{filepath.Join(dir, "absent.o")},
		HostLibraries: []string{filepath.Join(dir, "libabsent.so")},
	})
	errs := h.errors()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Loading of host library")
	assert.Contains(t, errs[1], "Loading of host module")
}

func TestReinitialize(t *testing.T) {
	ctx := context.Background()
	d, h := start(t, Config{Root: layout(t)})
	d.LoadAll(ctx)
	require.Equal(t, StatePluginsLoaded, d.State())
	before := d.Plugins()
	require.Len(t, before, 2)

	other := newHost(t)
	assert.Equal(t, uintptr(Checksum), d.Handle(ctx, bridge.Initialize{Log: other.log, Events: &other.events}))
	assert.Equal(t, StateReady, d.State())
	assert.Empty(t, d.Plugins())
	assert.Equal(t, bridge.EventTable{}, h.events)
	for _, e := range before {
		assert.Equal(t, plugin.StateDisposed, e.Host.State())
	}

	d.LoadAll(ctx)
	names := make([]string, 0)
	for _, e := range d.Plugins() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Loose", "Namespace"}, names)
	assert.NotZero(t, other.events.At(bridge.EventStartMod))
	assert.Same(t, &other.events, d.Events())
}
