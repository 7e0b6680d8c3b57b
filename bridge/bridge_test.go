package bridge

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func recorder(name string, sig SignatureDescriptor, got *[]uint64) Function {
	return Function{
		Type:      "Namespace.Main",
		Name:      name,
		Signature: sig,
		Invoke: func(_ context.Context, params []uint64) ([]uint64, error) {
			*got = append([]uint64(nil), params...)
			return nil, nil
		},
	}
}

func TestSignatureKey(t *testing.T) {
	assert.Equal(t, "void", Sig(KindVoid).Key())
	assert.Equal(t, "void_handle", Sig(KindVoid, KindHandle).Key())
	assert.Equal(t, "uint32_pointer_pointer", Sig(KindUint32, KindPointer, KindPointer).Key())
}

func TestShapeCache(t *testing.T) {
	a, err := ShapeOf(Sig(KindVoid, KindHandle))
	require.NoError(t, err)
	n := Shapes()
	b, err := ShapeOf(SignatureDescriptor{Params: []Kind{KindHandle}})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, n, Shapes(), "an equal descriptor reuses its shape")

	c, err := ShapeOf(Sig(KindFloat, KindHandle))
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	for _, sig := range []SignatureDescriptor{
		Sig(KindVoid, KindOther),
		Sig(KindVoid, KindFloat, KindFloat),
		Sig(KindVoid, KindHandle, KindHandle, KindHandle),
		Sig(KindVoid, KindUint32, KindUint32, KindUint32, KindUint32),
	} {
		_, err = ShapeOf(sig)
		assert.ErrorIs(t, err, ErrUnsupportedSignature, sig.Key())
		assert.False(t, Supported(sig))
	}
}

func TestLower(t *testing.T) {
	cases := []struct {
		sig  SignatureDescriptor
		arg  Argument
		want []uint64
	}{
		{Sig(KindVoid), None{}, nil},
		{Sig(KindVoid), nil, nil},
		{Sig(KindVoid, KindFloat), Single{1.5}, []uint64{0x3fc00000}},
		{Sig(KindVoid, KindUint32), Integer{7}, []uint64{7}},
		{Sig(KindVoid, KindHandle), Pointer{0xbeef}, []uint64{0xbeef}},
		{Sig(KindVoid, KindHandle), Callback{Kind: ActorCursor, Params: []uintptr{3}}, []uint64{3}},
		{Sig(KindVoid, KindHandle, KindHandle), Callback{Kind: ActorKey, Params: []uintptr{1, 2}}, []uint64{1, 2}},
		{Sig(KindVoid, KindPointer, KindPointer, KindPointer, KindPointer), Callback{Kind: ComponentHit, Params: []uintptr{1, 2, 3, 4}}, []uint64{1, 2, 3, 4}},
	}
	for _, c := range cases {
		s, err := ShapeOf(c.sig)
		require.NoError(t, err)
		got, err := s.Lower(c.arg)
		require.NoError(t, err, c.sig.Key())
		assert.Equal(t, c.want, got, c.sig.Key())
	}
}

func TestLowerMismatch(t *testing.T) {
	cases := []struct {
		sig SignatureDescriptor
		arg Argument
	}{
		{Sig(KindVoid), Pointer{1}},
		{Sig(KindVoid, KindHandle), None{}},
		{Sig(KindVoid, KindHandle), Single{1}},
		{Sig(KindVoid, KindFloat), Integer{1}},
		{Sig(KindVoid, KindUint32), Pointer{1}},
		{Sig(KindVoid, KindHandle), Callback{Kind: ActorHit, Params: []uintptr{1, 2, 3, 4}}},
		{Sig(KindVoid, KindHandle, KindHandle), Callback{Kind: ActorOverlap, Params: []uintptr{1}}},
	}
	for _, c := range cases {
		s, err := ShapeOf(c.sig)
		require.NoError(t, err)
		_, err = s.Lower(c.arg)
		assert.ErrorIs(t, err, ErrArgumentMismatch, "%s %T", c.sig.Key(), c.arg)
	}
	s, _ := ShapeOf(Sig(KindVoid, KindHandle))
	_, err := s.Lower(Callback{Kind: 42, Params: []uintptr{1}})
	assert.ErrorIs(t, err, ErrUnknownCallback)
}

func TestCallbackArity(t *testing.T) {
	assert.Equal(t, 2, ActorOverlap.Arity())
	assert.Equal(t, 4, ActorHit.Arity())
	assert.Equal(t, 1, ActorCursor.Arity())
	assert.Equal(t, 2, ActorKey.Arity())
	assert.Equal(t, 2, ComponentOverlap.Arity())
	assert.Equal(t, 4, ComponentHit.Arity())
	assert.Equal(t, 1, ComponentCursor.Arity())
	assert.Equal(t, 2, ComponentKey.Arity())
	assert.Equal(t, 1, CharacterLanded.Arity())
	assert.Equal(t, 0, CallbackKind(9).Arity())
}

func TestArenaBind(t *testing.T) {
	var got []uint64
	fn := recorder("Foo", Sig(KindVoid, KindHandle), &got)
	a := NewArena("test")
	p1, err := a.Bind(fn)
	require.NoError(t, err)
	p2, err := a.Bind(fn)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2, "every bind is a new instance")
	assert.Same(t, mustLookup(t, p1).Shape(), mustLookup(t, p2).Shape())
	assert.Equal(t, 2, a.Len())

	require.NoError(t, Call(context.Background(), p1, Pointer{0x42}))
	assert.Equal(t, []uint64{0x42}, got)
	assert.ErrorIs(t, Call(context.Background(), p1, None{}), ErrArgumentMismatch)

	_, err = a.Bind(Function{Name: "Bad", Signature: Sig(KindVoid, KindOther), Invoke: fn.Invoke})
	assert.ErrorIs(t, err, ErrUnsupportedSignature)

	assert.False(t, a.Reclaimed())
	a.Drop()
	a.Drop()
	assert.True(t, a.Reclaimed())
	<-a.Idle()
	_, ok := Lookup(p1)
	assert.False(t, ok)
	assert.ErrorIs(t, Call(context.Background(), p2, Pointer{1}), ErrUnknownFunction)
	_, err = a.Bind(fn)
	assert.ErrorIs(t, err, ErrArenaDropped)
}

func TestArenaInFlight(t *testing.T) {
	a := NewArena("flight")
	release := make(chan struct{})
	entered := make(chan struct{})
	p, err := a.Bind(Function{Name: "Slow", Signature: Sig(KindVoid), Invoke: func(context.Context, []uint64) ([]uint64, error) {
		close(entered)
		<-release
		return nil, nil
	}})
	require.NoError(t, err)
	th := mustLookup(t, p)
	done := make(chan error)
	go func() { done <- th.Call(context.Background(), None{}) }()
	<-entered
	a.Drop()
	assert.False(t, a.Reclaimed(), "a running call holds the arena")
	select {
	case <-a.Idle():
		t.Fatal("idle while a call is running")
	default:
	}
	close(release)
	require.NoError(t, <-done)
	assert.True(t, a.Reclaimed())
	<-a.Idle()
	assert.ErrorIs(t, th.Call(context.Background(), None{}), ErrArenaDropped)
}

func TestAddressesNeverReused(t *testing.T) {
	seen := make(map[FuncPtr]struct{})
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "arenas")
		for i := 0; i < n; i++ {
			a := NewArena("gen")
			k := rapid.IntRange(0, 6).Draw(t, "functions")
			for j := 0; j < k; j++ {
				p, err := a.Bind(Function{Name: "F", Signature: Sig(KindVoid), Invoke: func(context.Context, []uint64) ([]uint64, error) { return nil, nil }})
				if err != nil {
					t.Fatal(err)
				}
				if _, dup := seen[p]; dup {
					t.Fatalf("address %s reused", p)
				}
				seen[p] = struct{}{}
			}
			if rapid.Bool().Draw(t, "drop") {
				a.Drop()
			}
		}
	})
}

func TestHostRegistry(t *testing.T) {
	var msg string
	p := RegisterHost(LogFunc(func(_ LogLevel, m []byte) { msg = string(m) }))
	f, ok := HostFunc(p)
	require.True(t, ok)
	f.(LogFunc)(LogError, []byte("boom"))
	assert.Equal(t, "boom", msg)
	_, ok = Lookup(p)
	assert.False(t, ok, "host functions are not trampolines")
	UnregisterHost(p)
	_, ok = HostFunc(p)
	assert.False(t, ok)
}

func TestEvents(t *testing.T) {
	i, ok := EventIndex("UnrealInit")
	assert.True(t, ok)
	assert.Equal(t, EventUnrealInit, i)
	_, ok = EventIndex("Foo")
	assert.False(t, ok)
	var e EventTable
	e[EventUpdate] = 9
	assert.Equal(t, FuncPtr(9), e.At(EventUpdate))
	assert.Zero(t, e.At(7))
	e.Clear()
	assert.Zero(t, e.At(EventUpdate))
}

func TestWireExecute(t *testing.T) {
	raw := EncodeExecute(0x1230, Pointer{0xdead})
	c, err := DecodeCommand(raw[:])
	require.NoError(t, err)
	assert.Equal(t, Execute{Function: 0x1230, Value: Pointer{0xdead}}, c)

	raw = EncodeExecute(0x10, Single{2.5})
	c, err = DecodeCommand(raw[:])
	require.NoError(t, err)
	assert.Equal(t, Single{2.5}, c.(Execute).Value)

	params := []uintptr{11, 22, 33, 44}
	raw = EncodeExecute(0x10, Callback{Kind: ActorHit, Params: params})
	c, err = DecodeCommand(raw[:])
	runtime.KeepAlive(params)
	require.NoError(t, err)
	assert.Equal(t, Callback{Kind: ActorHit, Params: []uintptr{11, 22, 33, 44}}, c.(Execute).Value)

	raw = EncodeExecute(0x10, None{})
	raw[commandArgOffset+argumentTagOffset] = 9
	_, err = DecodeCommand(raw[:])
	assert.ErrorIs(t, err, ErrUnknownArgument)
}

func TestWireFindAndInitialize(t *testing.T) {
	name := CString("Namespace.Main.Foo")
	raw := EncodeFind(name, true)
	c, err := DecodeCommand(raw[:])
	runtime.KeepAlive(name)
	require.NoError(t, err)
	assert.Equal(t, Find{Name: "Namespace.Main.Foo", Optional: true}, c)

	raw = EncodeTag(CommandFind)
	_, err = DecodeCommand(raw[:])
	assert.ErrorIs(t, err, ErrNullPointer)

	events := new(EventTable)
	buf := NewInitBuffer(0x777, events)
	raw = buf.Command(0x2F0)
	c, err = DecodeCommand(raw[:])
	runtime.KeepAlive(buf)
	require.NoError(t, err)
	ini := c.(Initialize)
	assert.Equal(t, FuncPtr(0x777), ini.Log)
	assert.Same(t, events, ini.Events)
	assert.Equal(t, int32(0x2F0), ini.Checksum)

	for _, tag := range []CommandType{CommandLoadAssemblies, CommandUnloadAssemblies} {
		raw = EncodeTag(tag)
		c, err = DecodeCommand(raw[:])
		require.NoError(t, err)
		assert.Equal(t, tag, c.Tag())
	}
	raw = EncodeTag(9)
	_, err = DecodeCommand(raw[:])
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = DecodeCommand(make([]byte, 12))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

type sample struct{ calls []Handle }

func (s *sample) Foo(h Handle)            { s.calls = append(s.calls, h) }
func (s *sample) Sum(a, b uint32) uint32  { return a + b }
func (s *sample) Scale(v float32) float32 { return v * 2 }
func (s *sample) Fail() error             { panic("broken") }
func (s *sample) Many(xs ...int)          {}

func TestReflect(t *testing.T) {
	s := new(sample)
	fns := Reflect("Namespace", s)
	byName := make(map[string]Function)
	for _, f := range fns {
		byName[f.QualifiedName()] = f
	}
	require.Len(t, byName, 4, "variadic methods are skipped")
	foo := byName["Namespace.sample.Foo"]
	assert.Equal(t, "void_handle", foo.Signature.Key())
	assert.Equal(t, "sample", foo.ShortType())
	_, err := foo.Invoke(context.Background(), []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, []Handle{5}, s.calls)

	sum := byName["Namespace.sample.Sum"]
	assert.Equal(t, "uint32_uint32_uint32", sum.Signature.Key())
	res, err := sum.Invoke(context.Background(), []uint64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, res)

	scale := byName["Namespace.sample.Scale"]
	assert.Equal(t, "float_float", scale.Signature.Key())

	fail := byName["Namespace.sample.Fail"]
	assert.Equal(t, "void", fail.Signature.Key())
	_, err = fail.Invoke(context.Background(), nil)
	assert.ErrorContains(t, err, "broken")

	_, err = foo.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrArgumentMismatch)
}

func mustLookup(t *testing.T, p FuncPtr) *Thunk {
	t.Helper()
	th, ok := Lookup(p)
	require.True(t, ok)
	return th
}
