// Package framework is the module shared by the host with every plugin.
//
// Wasm plugins import it as the host module "framework":
//
//	(import "framework" "log" (func (param i32 i32 i32)))          ;; level, message pointer, message length
//	(import "framework" "handle_valid" (func (param i64) (result i32)))
//
// Object plugins link against the host copy of this package.
package framework

import (
	"context"
	"runtime"
	"sync"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Name is the default logical name of the framework module.
const Name = "framework"

type (
	Handle   = bridge.Handle
	LogLevel = bridge.LogLevel
)

// Env is the host side implementation behind the framework functions.
type Env interface {
	Log(level LogLevel, message []byte)
	Valid(h Handle) bool
}

// Module is the framework as a host module of the pool.
type Module struct {
	name string
	env  Env
}

// New creates the framework module with the default name.
func New(env Env) *Module {
	return NewNamed(Name, env)
}

func NewNamed(name string, env Env) *Module {
	if env == nil {
		env = NewEnv(nil, nil)
	}
	return &Module{name: name, env: env}
}

func (m *Module) Name() string         { return m.name }
func (m *Module) References() []string { return nil }
func (m *Module) Env() Env             { return m.env }

// Functions are the entry points the framework registers into the host export table.
func (m *Module) Functions() []bridge.Function {
	return bridge.Reflect(m.name, &Framework{env: m.env})
}

// Instantiate defines the host module inside the runtime.
func (m *Module) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(m.name).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.log), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithParameterNames("level", "ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(m.handleValid), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).
		WithParameterNames("handle").
		Export("handle_valid").
		Instantiate(ctx)
	return err
}

func (m *Module) log(_ context.Context, mod api.Module, stack []uint64) {
	level := LogLevel(api.DecodeI32(stack[0]))
	ptr, n := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	buf, ok := mod.Memory().Read(ptr, n)
	if !ok {
		m.env.Log(bridge.LogError, []byte("framework.log: message out of memory range"))
		return
	}
	m.env.Log(level, append([]byte(nil), buf...))
}

func (m *Module) handleValid(_ context.Context, _ api.Module, stack []uint64) {
	if m.env.Valid(Handle(stack[0])) {
		stack[0] = 1
	} else {
		stack[0] = 0
	}
}

// Framework is the type root of the framework functions.
type Framework struct {
	env Env
}

// Collect runs a garbage collection.
func (f *Framework) Collect() {
	runtime.GC()
}

// IsValid reports 1 for a live handle.
func (f *Framework) IsValid(h Handle) uint32 {
	if f.env.Valid(h) {
		return 1
	}
	return 0
}

type env struct {
	log   bridge.LogFunc
	valid func(Handle) bool
}

// NewEnv adapts a log callback and a handle check, nil ones fall back to the zap logger and non zero handles.
func NewEnv(log bridge.LogFunc, valid func(Handle) bool) Env {
	if log == nil {
		log = ZapLog(nil)
	}
	if valid == nil {
		valid = func(h Handle) bool { return h != 0 }
	}
	return env{log: log, valid: valid}
}

func (e env) Log(level LogLevel, message []byte) { e.log(level, message) }
func (e env) Valid(h Handle) bool                { return e.valid(h) }

// ZapLog adapts a zap logger into a host log callback.
func ZapLog(log *zap.Logger) bridge.LogFunc {
	if log == nil {
		log = dynhost.Logger()
	}
	return func(level LogLevel, message []byte) {
		msg := string(message)
		switch level {
		case bridge.LogVerbose:
			log.Debug(msg)
		case bridge.LogWarning:
			log.Warn(msg)
		case bridge.LogError:
			log.Error(msg)
		default:
			log.Info(msg)
		}
	}
}

var (
	shareOnce sync.Once
	shareErr  error
)

// Share registers the framework types into the host symbol table once,
// object plugins created after it link against the host copy.
func Share() error {
	shareOnce.Do(func() {
		shareErr = dynhost.ShareTypes(new(Framework), Handle(0), LogLevel(0))
	})
	return shareErr
}
