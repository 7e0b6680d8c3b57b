// Package bridge carries calls across the host boundary.
//
// Functions discovered in a loaded module are bound to trampolines: small adapters with a fixed
// calling shape whose opaque address (FuncPtr) is what the host stores and later executes.
// One adapter shape is shared per SignatureDescriptor, every bound target gets its own instance.
package bridge

import (
	"context"
	"strings"
)

// Kind is the semantic type of a parameter or a result.
type Kind uint8

const (
	KindVoid Kind = iota
	KindHandle
	KindFloat
	KindUint32
	KindInt32
	KindInt64
	KindPointer
	KindOther
)

var kindNames = [...]string{"void", "handle", "float", "uint32", "int32", "int64", "pointer", "other"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "other"
}

// Handle is an opaque reference to a host owned object.
type Handle uintptr

// SignatureDescriptor is the ordered parameter kinds and the result kind of a function.
type SignatureDescriptor struct {
	Params []Kind
	Result Kind
}

// Sig is a shortcut to build a SignatureDescriptor.
func Sig(result Kind, params ...Kind) SignatureDescriptor {
	return SignatureDescriptor{Params: params, Result: result}
}

// Key is the canonical cache key of the descriptor, like "void_handle".
func (s SignatureDescriptor) Key() string {
	b := new(strings.Builder)
	b.WriteString(s.Result.String())
	for _, p := range s.Params {
		b.WriteByte('_')
		b.WriteString(p.String())
	}
	return b.String()
}

func (s SignatureDescriptor) String() string {
	return s.Key()
}

// Invoker calls the target with lowered parameters and returns lowered results.
type Invoker func(ctx context.Context, params []uint64) ([]uint64, error)

// Function is one introspected function of a loaded module.
type Function struct {
	Type      string // qualified type name, like "Namespace.Main"
	Name      string
	Signature SignatureDescriptor
	Invoke    Invoker
}

// QualifiedName is Type.Name.
func (f Function) QualifiedName() string {
	if f.Type == "" {
		return f.Name
	}
	return f.Type + "." + f.Name
}

// ShortType is the last segment of the qualified type name.
func (f Function) ShortType() string {
	if i := strings.LastIndexByte(f.Type, '.'); i >= 0 {
		return f.Type[i+1:]
	}
	return f.Type
}
