// Package export builds the tables through which the host reaches plugin functions.
//
// Functions of the type Main named after a lifecycle event go to the positional event table,
// the other eligible functions are registered under the hash of their qualified name.
package export

import (
	"cmp"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"

	"github.com/ZenLiuCN/dynhost/bridge"
)

// LifecycleType is the short type name holding lifecycle functions.
const LifecycleType = "Main"

var (
	// ErrHashCollision occurs when two distinct qualified names share a hash.
	ErrHashCollision = errors.New("export hash collision")
	// ErrDuplicate occurs when a qualified name is registered twice.
	ErrDuplicate = errors.New("duplicate export")
)

// ProtocolError is a function violating the calling protocol, it aborts loading its plugin.
type ProtocolError struct {
	Function string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s %s", e.Function, e.Reason)
}

// Hash is the 32 bit FNV-1a hash of a qualified name.
func Hash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// Entry is one exported function.
type Entry struct {
	Hash      uint32
	Name      string
	Signature bridge.SignatureDescriptor
	Addr      bridge.FuncPtr
}

// Table maps qualified names to trampoline addresses.
type Table struct {
	mu      sync.RWMutex
	entries map[uint32]Entry
	hash    func(string) uint32
}

func NewTable() *Table {
	return &Table{entries: make(map[uint32]Entry), hash: Hash}
}

// Add registers an entry, its Hash is computed from Name.
func (t *Table) Add(e Entry) error {
	e.Hash = t.hash(e.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if x, ok := t.entries[e.Hash]; ok {
		if x.Name == e.Name {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
		}
		return fmt.Errorf("%w: %s and %s hash to 0x%08x", ErrHashCollision, x.Name, e.Name, e.Hash)
	}
	t.entries[e.Hash] = e
	return nil
}

// Find returns the address of a qualified name.
func (t *Table) Find(name string) (bridge.FuncPtr, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[t.hash(name)]
	if !ok || e.Name != name {
		return 0, false
	}
	return e.Addr, true
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries ordered by hash.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Hash, b.Hash) })
	return out
}

// Contains reports whether an address is registered.
func (t *Table) Contains(p bridge.FuncPtr) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Addr == p {
			return true
		}
	}
	return false
}

// Eligible reports whether a function can be exported: no parameter or a single handle.
func Eligible(sig bridge.SignatureDescriptor) bool {
	switch len(sig.Params) {
	case 0:
		return true
	case 1:
		return sig.Params[0] == bridge.KindHandle
	default:
		return false
	}
}

// Build binds the functions into the arena.
// Lifecycle functions are written into events when it is not nil, the others into the returned table.
func Build(arena *bridge.Arena, fns []bridge.Function, events *bridge.EventTable) (*Table, error) {
	t := NewTable()
	for _, f := range fns {
		if f.ShortType() == LifecycleType {
			if i, ok := bridge.EventIndex(f.Name); ok {
				if len(f.Signature.Params) != 0 {
					return nil, &ProtocolError{Function: f.QualifiedName(), Reason: "should not have arguments"}
				}
				if events == nil {
					continue
				}
				p, err := arena.Bind(f)
				if err != nil {
					return nil, err
				}
				events[i] = p
				continue
			}
		}
		if !Eligible(f.Signature) {
			continue
		}
		p, err := arena.Bind(f)
		if err != nil {
			return nil, err
		}
		if err = t.Add(Entry{Name: f.QualifiedName(), Signature: f.Signature, Addr: p}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Merge registers the entries of plugin into host.
// An entry already present under the same name is replaced, a hash collision aborts the merge.
func Merge(host, plugin *Table) error {
	for _, e := range plugin.Entries() {
		host.mu.Lock()
		x, ok := host.entries[e.Hash]
		if ok && x.Name != e.Name {
			host.mu.Unlock()
			return fmt.Errorf("%w: %s and %s hash to 0x%08x", ErrHashCollision, x.Name, e.Name, e.Hash)
		}
		host.entries[e.Hash] = e
		host.mu.Unlock()
	}
	return nil
}
