package domain

import (
	"context"
	"slices"
	"strings"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/pool"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Module is a module loaded by, or shared into, a Domain.
type Module interface {
	Name() string
	Path() string // empty for host modules
	Kind() dynhost.ModuleKind
	References() []string
	// Functions introspects the exported functions, their invokers are only valid while the domain is live.
	Functions() []bridge.Function
	Shared() bool // provided by the host pool
}

type wasmModule struct {
	name     string
	path     string
	refs     []string
	compiled wazero.CompiledModule
	mod      api.Module
}

func (w *wasmModule) Name() string             { return w.name }
func (w *wasmModule) Path() string             { return w.path }
func (w *wasmModule) Kind() dynhost.ModuleKind { return dynhost.ModuleWasm }
func (w *wasmModule) References() []string     { return w.refs }
func (w *wasmModule) Shared() bool             { return false }

// Functions maps export "Type.Func" to the function Func of type name.Type,
// exports without a dot belong to the type name.
func (w *wasmModule) Functions() []bridge.Function {
	defs := w.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	slices.Sort(names)
	out := make([]bridge.Function, 0, len(names))
	for _, export := range names {
		def := defs[export]
		typ, fn := w.name, export
		if i := strings.LastIndexByte(export, '.'); i > 0 {
			typ, fn = w.name+"."+export[:i], export[i+1:]
		}
		out = append(out, bridge.Function{
			Type:      typ,
			Name:      fn,
			Signature: wasmSignature(def),
			Invoke:    w.invoker(export),
		})
	}
	return out
}

func (w *wasmModule) invoker(export string) bridge.Invoker {
	return func(ctx context.Context, params []uint64) ([]uint64, error) {
		f := w.mod.ExportedFunction(export)
		if f == nil {
			return nil, ErrUnloaded
		}
		return f.Call(ctx, params...)
	}
}

func wasmSignature(def api.FunctionDefinition) bridge.SignatureDescriptor {
	sig := bridge.SignatureDescriptor{Result: bridge.KindVoid}
	for _, p := range def.ParamTypes() {
		sig.Params = append(sig.Params, wasmKind(p))
	}
	switch r := def.ResultTypes(); len(r) {
	case 0:
	case 1:
		sig.Result = wasmKind(r[0])
	default:
		sig.Result = bridge.KindOther
	}
	return sig
}

// wasmKind maps value types: i64 carries handles, i32 unsigned integers, f32 floats.
func wasmKind(t api.ValueType) bridge.Kind {
	switch t {
	case api.ValueTypeI64:
		return bridge.KindHandle
	case api.ValueTypeI32:
		return bridge.KindUint32
	case api.ValueTypeF32:
		return bridge.KindFloat
	default:
		return bridge.KindOther
	}
}

type objectModule struct {
	name string
	path string
	kind dynhost.ModuleKind
	refs []string
	dyn  dynhost.Dynamic
}

func (o *objectModule) Name() string             { return o.name }
func (o *objectModule) Path() string             { return o.path }
func (o *objectModule) Kind() dynhost.ModuleKind { return o.kind }
func (o *objectModule) References() []string     { return o.refs }
func (o *objectModule) Shared() bool             { return false }

// Functions reflects over the values returned by the Types symbol of the module.
func (o *objectModule) Functions() []bridge.Function {
	types, err := o.dyn.Types()
	if err != nil {
		return nil
	}
	return bridge.Reflect(o.name, types...)
}

type hostModule struct {
	pool.HostModule
}

func (h hostModule) Path() string             { return "" }
func (h hostModule) Kind() dynhost.ModuleKind { return dynhost.ModuleUnknown }
func (h hostModule) Shared() bool             { return true }
