package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// FuncPtr is the opaque address of a bound trampoline or a registered host function.
// Addresses are process wide and never reused.
type FuncPtr uintptr

func (p FuncPtr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

var (
	// ErrArenaDropped occurs when binding into, or calling through, a dropped arena.
	ErrArenaDropped = errors.New("arena dropped")
	// ErrUnknownFunction occurs when calling an address which is not bound.
	ErrUnknownFunction = errors.New("unknown function pointer")
)

const (
	addressBase = 0x10000
	addressStep = 0x10
)

var table = struct {
	sync.RWMutex
	next   uintptr
	thunks map[FuncPtr]*Thunk
	hosts  map[FuncPtr]any
}{
	next:   addressBase,
	thunks: make(map[FuncPtr]*Thunk),
	hosts:  make(map[FuncPtr]any),
}

// must hold table lock
func allocate() FuncPtr {
	p := FuncPtr(table.next)
	table.next += addressStep
	return p
}

// Thunk is a bound trampoline instance: one shape closed over one target.
type Thunk struct {
	addr  FuncPtr
	shape *Shape
	fn    Function
	arena *Arena
}

func (t *Thunk) Addr() FuncPtr      { return t.addr }
func (t *Thunk) Shape() *Shape      { return t.shape }
func (t *Thunk) Function() Function { return t.fn }
func (t *Thunk) Arena() *Arena      { return t.arena }

// Invoke lowers the argument and calls the target while holding a reference of its arena.
func (t *Thunk) Invoke(ctx context.Context, arg Argument) ([]uint64, error) {
	if !t.arena.Acquire() {
		return nil, fmt.Errorf("%w: %s %s", ErrArenaDropped, t.arena.name, t.fn.QualifiedName())
	}
	defer t.arena.Release()
	params, err := t.shape.Lower(arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.fn.QualifiedName(), err)
	}
	return t.fn.Invoke(ctx, params)
}

// Call is Invoke discarding results.
func (t *Thunk) Call(ctx context.Context, arg Argument) error {
	_, err := t.Invoke(ctx, arg)
	return err
}

// Lookup finds the live trampoline bound at the address.
func Lookup(p FuncPtr) (*Thunk, bool) {
	table.RLock()
	defer table.RUnlock()
	t, ok := table.thunks[p]
	return t, ok
}

// Call executes the trampoline bound at the address.
func Call(ctx context.Context, p FuncPtr, arg Argument) error {
	t, ok := Lookup(p)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, p)
	}
	return t.Call(ctx, arg)
}

// RegisterHost publishes a host side function under a new address.
func RegisterHost(fn any) FuncPtr {
	table.Lock()
	defer table.Unlock()
	p := allocate()
	table.hosts[p] = fn
	return p
}

// HostFunc returns the host function registered at the address.
func HostFunc(p FuncPtr) (any, bool) {
	table.RLock()
	defer table.RUnlock()
	f, ok := table.hosts[p]
	return f, ok
}

// UnregisterHost removes a host function.
func UnregisterHost(p FuncPtr) {
	table.Lock()
	defer table.Unlock()
	delete(table.hosts, p)
}

// Arena owns the trampoline instances of one domain generation.
//
// Dropping the arena unbinds all its instances at once; the arena is reclaimed when it is dropped
// and no call through one of its instances is still running.
type Arena struct {
	name    string
	mu      sync.Mutex
	thunks  []*Thunk
	refs    atomic.Int64
	dropped atomic.Bool
	idle    chan struct{}
	once    sync.Once
}

func NewArena(name string) *Arena {
	return &Arena{name: name, idle: make(chan struct{})}
}

func (a *Arena) Name() string { return a.name }

// Bind creates a new trampoline instance for the function.
func (a *Arena) Bind(fn Function) (FuncPtr, error) {
	s, err := ShapeOf(fn.Signature)
	if err != nil {
		return 0, fmt.Errorf("bind %s: %w", fn.QualifiedName(), err)
	}
	if fn.Invoke == nil {
		return 0, fmt.Errorf("bind %s: no invoker", fn.QualifiedName())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dropped.Load() {
		return 0, fmt.Errorf("%w: %s", ErrArenaDropped, a.name)
	}
	t := &Thunk{shape: s, fn: fn, arena: a}
	table.Lock()
	t.addr = allocate()
	table.thunks[t.addr] = t
	table.Unlock()
	a.thunks = append(a.thunks, t)
	return t.addr, nil
}

// Acquire takes a reference, it fails once the arena is dropped.
func (a *Arena) Acquire() bool {
	a.refs.Add(1)
	if a.dropped.Load() {
		a.Release()
		return false
	}
	return true
}

func (a *Arena) Release() {
	if a.refs.Add(-1) == 0 && a.dropped.Load() {
		a.once.Do(func() { close(a.idle) })
	}
}

// Idle is closed once the arena is reclaimed.
func (a *Arena) Idle() <-chan struct{} { return a.idle }

// Drop unbinds every instance of the arena. It is idempotent.
func (a *Arena) Drop() {
	if a.dropped.Swap(true) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	table.Lock()
	for _, t := range a.thunks {
		delete(table.thunks, t.addr)
	}
	table.Unlock()
	a.thunks = nil
	if a.refs.Load() == 0 {
		a.once.Do(func() { close(a.idle) })
	}
}

func (a *Arena) Dropped() bool { return a.dropped.Load() }

// Reclaimed reports whether the arena is dropped and no call is in flight.
func (a *Arena) Reclaimed() bool {
	return a.dropped.Load() && a.refs.Load() == 0
}

// Len is the number of bound instances.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.thunks)
}

// Pointers lists the addresses bound by the arena.
func (a *Arena) Pointers() []FuncPtr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]FuncPtr, len(a.thunks))
	for i, t := range a.thunks {
		out[i] = t.addr
	}
	return out
}
