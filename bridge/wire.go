package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// Wire sizes of the host structures.
const (
	CommandSize  = 40
	ArgumentSize = 24
	CallbackSize = 16

	commandTagOffset   = 32
	commandArgOffset   = 8
	argumentTagOffset  = 16
	callbackKindOffset = 8

	maxCString = 1 << 16

	wordSize = unsafe.Sizeof(uintptr(0))
)

var (
	// ErrShortBuffer occurs when decoding fewer bytes than the wire structure.
	ErrShortBuffer = errors.New("short buffer")
	// ErrUnknownCommand occurs on an unknown command tag.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnknownArgument occurs on an unknown argument type.
	ErrUnknownArgument = errors.New("unknown argument type")
	// ErrNullPointer occurs when a required pointer of the payload is null.
	ErrNullPointer = errors.New("null pointer")
)

var le = binary.LittleEndian

// DecodeCommand reads the 40 byte tagged command layout.
func DecodeCommand(raw []byte) (Command, error) {
	if len(raw) < CommandSize {
		return nil, fmt.Errorf("%w: command of %d bytes", ErrShortBuffer, len(raw))
	}
	word := uintptr(le.Uint64(raw[0:]))
	switch t := CommandType(le.Uint32(raw[commandTagOffset:])); t {
	case CommandInitialize:
		c := Initialize{Checksum: int32(le.Uint32(raw[8:]))}
		if word == 0 {
			return c, nil
		}
		if functions := readWord(word); functions != 0 {
			c.Log = FuncPtr(readWord(functions))
		}
		if events := readWord(word + wordSize); events != 0 {
			c.Events = (*EventTable)(unsafe.Pointer(events))
		}
		return c, nil
	case CommandLoadAssemblies:
		return LoadAssemblies{}, nil
	case CommandUnloadAssemblies:
		return UnloadAssemblies{}, nil
	case CommandFind:
		if word == 0 {
			return nil, fmt.Errorf("%w: find name", ErrNullPointer)
		}
		return Find{Name: ReadCString(word), Optional: int32(le.Uint32(raw[8:])) == 1}, nil
	case CommandExecute:
		arg, err := DecodeArgument(raw[commandArgOffset : commandArgOffset+ArgumentSize])
		if err != nil {
			return nil, err
		}
		return Execute{Function: FuncPtr(word), Value: arg}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, int32(t))
	}
}

// DecodeArgument reads the 24 byte tagged argument layout.
func DecodeArgument(raw []byte) (Argument, error) {
	if len(raw) < ArgumentSize {
		return nil, fmt.Errorf("%w: argument of %d bytes", ErrShortBuffer, len(raw))
	}
	switch t := ArgumentType(le.Uint32(raw[argumentTagOffset:])); t {
	case ArgumentNone:
		return None{}, nil
	case ArgumentSingle:
		return Single{Value: math.Float32frombits(le.Uint32(raw))}, nil
	case ArgumentInteger:
		return Integer{Value: le.Uint32(raw)}, nil
	case ArgumentPointer:
		return Pointer{Value: uintptr(le.Uint64(raw))}, nil
	case ArgumentCallback:
		kind := CallbackKind(le.Uint32(raw[callbackKindOffset:]))
		n := kind.Arity()
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCallback, kind)
		}
		params := uintptr(le.Uint64(raw))
		if params == 0 {
			return nil, fmt.Errorf("%w: %s parameters", ErrNullPointer, kind)
		}
		c := Callback{Kind: kind, Params: make([]uintptr, n)}
		for i := range c.Params {
			c.Params[i] = readWord(params + uintptr(i)*wordSize)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownArgument, int32(t))
	}
}

// EncodeArgument writes the 24 byte argument layout.
// A Callback refers to its Params storage, which must outlive the encoded bytes.
func EncodeArgument(arg Argument) (raw [ArgumentSize]byte) {
	switch a := arg.(type) {
	case Single:
		le.PutUint32(raw[:], math.Float32bits(a.Value))
	case Integer:
		le.PutUint32(raw[:], a.Value)
	case Pointer:
		le.PutUint64(raw[:], uint64(a.Value))
	case Callback:
		if len(a.Params) > 0 {
			le.PutUint64(raw[:], uint64(uintptr(unsafe.Pointer(&a.Params[0]))))
		}
		le.PutUint32(raw[callbackKindOffset:], uint32(a.Kind))
	}
	if arg != nil {
		le.PutUint32(raw[argumentTagOffset:], uint32(arg.Type()))
	}
	return
}

// EncodeExecute writes an Execute command.
func EncodeExecute(fn FuncPtr, arg Argument) (raw [CommandSize]byte) {
	le.PutUint64(raw[:], uint64(fn))
	a := EncodeArgument(arg)
	copy(raw[commandArgOffset:], a[:])
	le.PutUint32(raw[commandTagOffset:], uint32(CommandExecute))
	return
}

// EncodeFind writes a Find command, name must be a NUL terminated string kept alive by the caller.
func EncodeFind(name []byte, optional bool) (raw [CommandSize]byte) {
	if len(name) > 0 {
		le.PutUint64(raw[:], uint64(uintptr(unsafe.Pointer(&name[0]))))
	}
	if optional {
		le.PutUint32(raw[8:], 1)
	}
	le.PutUint32(raw[commandTagOffset:], uint32(CommandFind))
	return
}

// EncodeTag writes a payload free command.
func EncodeTag(t CommandType) (raw [CommandSize]byte) {
	le.PutUint32(raw[commandTagOffset:], uint32(t))
	return
}

// InitBuffer is the host side memory of an Initialize command.
type InitBuffer struct {
	functions [1]uintptr
	buffer    [2]uintptr
	events    *EventTable
}

// NewInitBuffer lays out the function table and the event table pointer.
func NewInitBuffer(log FuncPtr, events *EventTable) *InitBuffer {
	b := &InitBuffer{events: events}
	b.functions[0] = uintptr(log)
	b.buffer[0] = uintptr(unsafe.Pointer(&b.functions))
	if events != nil {
		b.buffer[1] = uintptr(unsafe.Pointer(events))
	}
	return b
}

// Command encodes the Initialize command pointing to the buffer.
func (b *InitBuffer) Command(checksum int32) (raw [CommandSize]byte) {
	le.PutUint64(raw[:], uint64(uintptr(unsafe.Pointer(&b.buffer))))
	le.PutUint32(raw[8:], uint32(checksum))
	le.PutUint32(raw[commandTagOffset:], uint32(CommandInitialize))
	return
}

// CString returns s as NUL terminated bytes.
func CString(s string) []byte {
	return append([]byte(s), 0)
}

// ReadCString reads a NUL terminated string at the address.
func ReadCString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for n < maxCString && *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

func readWord(p uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(p))
}
