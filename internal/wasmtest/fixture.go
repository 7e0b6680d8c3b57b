package wasmtest

import (
	"github.com/tetratelabs/wazero/api"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

// Dependency is an imported function of another wasm module, typed () -> ().
type Dependency struct {
	Module string
	Name   string
}

// Plugin describes a plugin module.
//
// With a framework it exports:
//
//	Main.StartMod ()     logs StartMessage at level Normal
//	Main.StopMod  ()     logs "stop"
//	Main.Foo      (i64)  passes the handle to framework.handle_valid
//	Main.Bar      (f64)  not exportable
//	Main.Baz      (i64, i64)
//	Main.Panic    ()     traps
//	Util.Ping     ()     logs "ping"
type Plugin struct {
	Framework    string // import module of the framework, empty for none
	StartMessage string // defaults to "start"
	BadLifecycle bool   // StartMod takes a parameter
	Dependencies []Dependency
}

const (
	startAt = 0
	stopAt  = 64
	pingAt  = 80
)

func (p Plugin) Module() *Module {
	m := New()
	start := p.StartMessage
	if start == "" {
		start = "start"
	}
	var logf, valid uint32
	if p.Framework != "" {
		logf = m.Import(p.Framework, "log", []api.ValueType{i32, i32, i32}, nil)
		valid = m.Import(p.Framework, "handle_valid", []api.ValueType{i64}, []api.ValueType{i32})
	}
	for _, d := range p.Dependencies {
		m.Import(d.Module, d.Name, nil, nil)
	}
	say := func(at uint32, msg string) []byte {
		if p.Framework == "" {
			return nil
		}
		var b []byte
		b = append(b, I32Const(1)...)
		b = append(b, I32Const(int32(at))...)
		b = append(b, I32Const(int32(len(msg)))...)
		return append(b, Call(logf)...)
	}
	if p.BadLifecycle {
		m.Func("Main.StartMod", []api.ValueType{i64}, nil, say(startAt, start))
	} else {
		m.Func("Main.StartMod", nil, nil, say(startAt, start))
	}
	m.Func("Main.StopMod", nil, nil, say(stopAt, "stop"))
	if p.Framework != "" {
		m.Func("Main.Foo", []api.ValueType{i64}, nil, LocalGet(0), Call(valid), Drop())
	} else {
		m.Func("Main.Foo", []api.ValueType{i64}, nil)
	}
	m.Func("Main.Bar", []api.ValueType{f64}, nil)
	m.Func("Main.Baz", []api.ValueType{i64, i64}, nil)
	m.Func("Main.Panic", nil, nil, Unreachable())
	m.Func("Util.Ping", nil, nil, say(pingAt, "ping"))
	m.Memory(1, "memory")
	m.Data(startAt, []byte(start))
	m.Data(stopAt, []byte("stop"))
	m.Data(pingAt, []byte("ping"))
	return m
}

func (p Plugin) Bytes() []byte { return p.Module().Bytes() }

func (p Plugin) Write(path string) error { return p.Module().Write(path) }

// Library is a dependency module exporting name as a () -> () function.
func Library(name string) *Module {
	m := New()
	m.Func(name, nil, nil)
	return m
}
