package bridge

import "fmt"

// ArgumentType is the wire discriminant of an Argument.
type ArgumentType int32

const (
	ArgumentNone ArgumentType = iota
	ArgumentSingle
	ArgumentInteger
	ArgumentPointer
	ArgumentCallback
)

func (t ArgumentType) String() string {
	switch t {
	case ArgumentNone:
		return "none"
	case ArgumentSingle:
		return "single"
	case ArgumentInteger:
		return "integer"
	case ArgumentPointer:
		return "pointer"
	case ArgumentCallback:
		return "callback"
	default:
		return fmt.Sprintf("argument(%d)", int32(t))
	}
}

// Argument is the value passed to an executed function.
// It is one of None, Single, Integer, Pointer or Callback.
type Argument interface {
	Type() ArgumentType
	argument()
}

type (
	None    struct{}
	Single  struct{ Value float32 }
	Integer struct{ Value uint32 }
	Pointer struct{ Value uintptr }
	// Callback carries the parameters of an engine delegate, its kind fixes how many are used.
	Callback struct {
		Kind   CallbackKind
		Params []uintptr
	}
)

func (None) Type() ArgumentType     { return ArgumentNone }
func (Single) Type() ArgumentType   { return ArgumentSingle }
func (Integer) Type() ArgumentType  { return ArgumentInteger }
func (Pointer) Type() ArgumentType  { return ArgumentPointer }
func (Callback) Type() ArgumentType { return ArgumentCallback }

func (None) argument()     {}
func (Single) argument()   {}
func (Integer) argument()  {}
func (Pointer) argument()  {}
func (Callback) argument() {}

// CallbackKind is the engine delegate kind of a Callback.
type CallbackKind int32

const (
	ActorOverlap CallbackKind = iota
	ActorHit
	ActorCursor
	ActorKey
	ComponentOverlap
	ComponentHit
	ComponentCursor
	ComponentKey
	CharacterLanded
)

// Arity is the parameter count of the delegate kind, zero for unknown kinds.
func (k CallbackKind) Arity() int {
	switch k {
	case ActorOverlap, ComponentOverlap, ActorKey, ComponentKey:
		return 2
	case ActorHit, ComponentHit:
		return 4
	case ActorCursor, ComponentCursor, CharacterLanded:
		return 1
	default:
		return 0
	}
}

func (k CallbackKind) String() string {
	switch k {
	case ActorOverlap:
		return "ActorOverlap"
	case ActorHit:
		return "ActorHit"
	case ActorCursor:
		return "ActorCursor"
	case ActorKey:
		return "ActorKey"
	case ComponentOverlap:
		return "ComponentOverlap"
	case ComponentHit:
		return "ComponentHit"
	case ComponentCursor:
		return "ComponentCursor"
	case ComponentKey:
		return "ComponentKey"
	case CharacterLanded:
		return "CharacterLanded"
	default:
		return fmt.Sprintf("CallbackKind(%d)", int32(k))
	}
}
