package bridge

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrUnsupportedSignature occurs when no trampoline shape accepts the descriptor.
	ErrUnsupportedSignature = errors.New("unsupported signature")
	// ErrArgumentMismatch occurs when an Argument can not be lowered to the parameters of a shape.
	ErrArgumentMismatch = errors.New("argument does not match signature")
	// ErrUnknownCallback occurs when a Callback carries an unknown kind.
	ErrUnknownCallback = errors.New("unknown callback kind")
)

// Shape is the trampoline type of one SignatureDescriptor.
// It lowers an Argument into the raw parameters of its signature.
type Shape struct {
	key    string
	params []Kind
}

func (s *Shape) Key() string { return s.key }

// Arity is the parameter count of the shape.
func (s *Shape) Arity() int { return len(s.params) }

var shapes = struct {
	sync.Mutex
	m map[string]*Shape
}{m: make(map[string]*Shape)}

// ShapeOf returns the cached shape of the descriptor, creating it on first use.
func ShapeOf(sig SignatureDescriptor) (*Shape, error) {
	if !supported(sig.Params) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSignature, sig.Key())
	}
	key := sig.Key()
	shapes.Lock()
	defer shapes.Unlock()
	if s, ok := shapes.m[key]; ok {
		return s, nil
	}
	s := &Shape{key: key, params: append([]Kind(nil), sig.Params...)}
	shapes.m[key] = s
	return s, nil
}

// Shapes is the number of distinct shapes created so far.
func Shapes() int {
	shapes.Lock()
	defer shapes.Unlock()
	return len(shapes.m)
}

// Supported reports whether a trampoline shape exists for the descriptor.
func Supported(sig SignatureDescriptor) bool {
	return supported(sig.Params)
}

func supported(params []Kind) bool {
	switch len(params) {
	case 0:
		return true
	case 1:
		switch params[0] {
		case KindHandle, KindPointer, KindInt64, KindFloat, KindUint32, KindInt32:
			return true
		}
		return false
	case 2, 4:
		for _, p := range params {
			if !addressLike(p) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func addressLike(k Kind) bool {
	return k == KindHandle || k == KindPointer || k == KindInt64
}

// Lower converts the argument into raw parameters.
func (s *Shape) Lower(arg Argument) ([]uint64, error) {
	switch a := arg.(type) {
	case nil, None:
		if len(s.params) != 0 {
			return nil, s.mismatch(ArgumentNone)
		}
		return nil, nil
	case Single:
		if len(s.params) != 1 || s.params[0] != KindFloat {
			return nil, s.mismatch(a.Type())
		}
		return []uint64{uint64(math.Float32bits(a.Value))}, nil
	case Integer:
		if len(s.params) != 1 || (s.params[0] != KindUint32 && s.params[0] != KindInt32) {
			return nil, s.mismatch(a.Type())
		}
		return []uint64{uint64(a.Value)}, nil
	case Pointer:
		if len(s.params) != 1 || !addressLike(s.params[0]) {
			return nil, s.mismatch(a.Type())
		}
		return []uint64{uint64(a.Value)}, nil
	case Callback:
		n := a.Kind.Arity()
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCallback, a.Kind)
		}
		if len(s.params) != n || len(a.Params) < n || !addressLike(s.params[0]) {
			return nil, fmt.Errorf("%w: %s callback with %d parameters for %s", ErrArgumentMismatch, a.Kind, len(a.Params), s.key)
		}
		out := make([]uint64, n)
		for i := range out {
			out[i] = uint64(a.Params[i])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrArgumentMismatch, arg)
	}
}

func (s *Shape) mismatch(t ArgumentType) error {
	return fmt.Errorf("%w: %s argument for %s", ErrArgumentMismatch, t, s.key)
}
