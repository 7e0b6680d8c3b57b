package bridge

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"unsafe"
)

var (
	handleType = reflect.TypeOf(Handle(0))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// KindOf classifies a Go type, nil is Void.
func KindOf(t reflect.Type) Kind {
	if t == nil {
		return KindVoid
	}
	if t == handleType {
		return KindHandle
	}
	switch t.Kind() {
	case reflect.Float32:
		return KindFloat
	case reflect.Uint32:
		return KindUint32
	case reflect.Int32:
		return KindInt32
	case reflect.Int64:
		return KindInt64
	case reflect.Uintptr, reflect.UnsafePointer:
		return KindPointer
	default:
		return KindOther
	}
}

// Reflect introspects the exported methods of values.
//
// Every value is a type root of a module: its methods are the functions of the type
// namespace.TypeName. Variadic methods are skipped.
func Reflect(namespace string, values ...any) []Function {
	var out []Function
	for _, v := range values {
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		t := rv.Type()
		base := t
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		typ := base.Name()
		if namespace != "" {
			typ = namespace + "." + typ
		}
		for i := 0; i < t.NumMethod(); i++ {
			m := t.Method(i)
			bound := rv.Method(i)
			mt := bound.Type()
			if mt.IsVariadic() {
				continue
			}
			out = append(out, Function{
				Type:      typ,
				Name:      m.Name,
				Signature: signatureOf(mt),
				Invoke:    invoker(typ+"."+m.Name, bound),
			})
		}
	}
	return out
}

func signatureOf(mt reflect.Type) SignatureDescriptor {
	sig := SignatureDescriptor{Result: KindVoid}
	for j := 0; j < mt.NumIn(); j++ {
		sig.Params = append(sig.Params, KindOf(mt.In(j)))
	}
	outs := mt.NumOut()
	if outs > 0 && mt.Out(outs-1) == errorType {
		outs--
	}
	switch outs {
	case 0:
	case 1:
		sig.Result = KindOf(mt.Out(0))
	default:
		sig.Result = KindOther
	}
	return sig
}

func invoker(name string, fn reflect.Value) Invoker {
	mt := fn.Type()
	return func(_ context.Context, params []uint64) (res []uint64, err error) {
		if len(params) != mt.NumIn() {
			return nil, fmt.Errorf("%w: %s takes %d parameters, got %d", ErrArgumentMismatch, name, mt.NumIn(), len(params))
		}
		in := make([]reflect.Value, len(params))
		for j, raw := range params {
			if in[j], err = lift(mt.In(j), raw); err != nil {
				return nil, fmt.Errorf("%s parameter %d: %w", name, j, err)
			}
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panic: %v", name, r)
			}
		}()
		out := fn.Call(in)
		if n := len(out); n > 0 && mt.Out(n-1) == errorType {
			if e, _ := out[n-1].Interface().(error); e != nil {
				return nil, e
			}
			out = out[:n-1]
		}
		for _, o := range out {
			if v, ok := lower(o); ok {
				res = append(res, v)
			}
		}
		return res, nil
	}
}

func lift(t reflect.Type, raw uint64) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(uint32(raw))))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(raw))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		v.SetUint(raw)
	case reflect.Int32:
		v.SetInt(int64(int32(uint32(raw))))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int64:
		v.SetInt(int64(raw))
	case reflect.UnsafePointer:
		v.SetPointer(unsafe.Pointer(uintptr(raw)))
	case reflect.Bool:
		v.SetBool(raw != 0)
	default:
		return v, fmt.Errorf("%w: %s", ErrUnsupportedSignature, t)
	}
	return v, nil
}

func lower(v reflect.Value) (uint64, bool) {
	switch v.Kind() {
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float()))), true
	case reflect.Float64:
		return math.Float64bits(v.Float()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int()), true
	case reflect.UnsafePointer:
		return uint64(uintptr(v.UnsafePointer())), true
	case reflect.Bool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
