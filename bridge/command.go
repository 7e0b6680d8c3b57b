package bridge

import "fmt"

// CommandType is the tag of a Command.
type CommandType int32

const (
	CommandInitialize       CommandType = 1
	CommandLoadAssemblies   CommandType = 2
	CommandUnloadAssemblies CommandType = 3
	CommandFind             CommandType = 4
	CommandExecute          CommandType = 5
)

func (t CommandType) String() string {
	switch t {
	case CommandInitialize:
		return "Initialize"
	case CommandLoadAssemblies:
		return "LoadAssemblies"
	case CommandUnloadAssemblies:
		return "UnloadAssemblies"
	case CommandFind:
		return "Find"
	case CommandExecute:
		return "Execute"
	default:
		return fmt.Sprintf("CommandType(%d)", int32(t))
	}
}

// Command is one request of the host, one of Initialize, LoadAssemblies, UnloadAssemblies,
// Find or Execute.
type Command interface {
	Tag() CommandType
}

type (
	// Initialize hands over the host function table and the shared lifecycle event table.
	Initialize struct {
		Log      FuncPtr // a LogFunc registered with RegisterHost, zero for none
		Events   *EventTable
		Checksum int32 // ignored
	}
	LoadAssemblies   struct{}
	UnloadAssemblies struct{}
	// Find looks up an exported function by its qualified name.
	Find struct {
		Name     string
		Optional bool
	}
	// Execute calls a function returned by Find or stored in the event table.
	Execute struct {
		Function FuncPtr
		Value    Argument
	}
)

func (Initialize) Tag() CommandType       { return CommandInitialize }
func (LoadAssemblies) Tag() CommandType   { return CommandLoadAssemblies }
func (UnloadAssemblies) Tag() CommandType { return CommandUnloadAssemblies }
func (Find) Tag() CommandType             { return CommandFind }
func (Execute) Tag() CommandType          { return CommandExecute }

// LogLevel of the host log callback.
type LogLevel int32

const (
	LogDefault LogLevel = iota
	LogNormal
	LogVerbose
	LogWarning
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDefault:
		return "default"
	case LogNormal:
		return "normal"
	case LogVerbose:
		return "verbose"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// LogFunc is the host log callback.
type LogFunc func(level LogLevel, message []byte)

// Lifecycle event positions.
const (
	EventStartMod = iota
	EventStopMod
	EventProgramStart
	EventUnrealInit
	EventUpdate
	EventCount
)

// LifecycleNames are the function names bound into the EventTable, by position.
var LifecycleNames = [EventCount]string{"StartMod", "StopMod", "ProgramStart", "UnrealInit", "Update"}

// EventIndex returns the position of a lifecycle function name.
func EventIndex(name string) (int, bool) {
	for i, n := range LifecycleNames {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// EventTable is the positional lifecycle callback table shared with the host, zero means absent.
type EventTable [EventCount]FuncPtr

func (e *EventTable) At(i int) FuncPtr {
	if i < 0 || i >= EventCount {
		return 0
	}
	return e[i]
}

func (e *EventTable) Clear() {
	*e = EventTable{}
}
