package dynhost

import (
	"errors"
	"maps"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
)

type (
	// Symbols contains resolved symbols a Dynamic links against.
	//
	// If two Dynamic shares the same Symbols instance, it may depend on each other after link.
	Symbols interface {
		Symbols() []string                      //resolved symbol names
		Has(name string) bool                   //check a symbol exists
		RegisterSo(path string) error           //register symbols of a shared library
		RegisterTypes(types ...any)             //register runtime types
		Merge(d Dynamic) (added int)            //register symbols of a linked Dynamic which not exists yet
		Forget(d Dynamic) (removed int)         //remove symbols registered by Merge
		Clone() Symbols                         //create an independent copy
	}
	symbols map[string]uintptr
)

// NewSymbols create a Symbols with host symbols
func NewSymbols() (Symbols, error) {
	h, err := hostSymbols()
	if err != nil {
		return nil, err
	}
	return symbols(maps.Clone(h)), nil
}

// Symbols dump symbol names inside Symbol
func (s symbols) Symbols() []string {
	return fn.MapKeys(s)
}
func (s symbols) Has(name string) bool {
	_, ok := s[name]
	return ok
}
func (s symbols) RegisterSo(path string) error {
	return goloader.RegSymbolWithSo(s, path)
}
func (s symbols) RegisterTypes(types ...any) {
	goloader.RegTypes(s, types...)
}
func (s symbols) Merge(d Dynamic) (n int) {
	m := d.GetModule()
	if m == nil {
		return
	}
	for k, u := range m.Syms {
		if _, ok := s[k]; ok {
			continue
		}
		s[k] = u
		n++
	}
	return
}
func (s symbols) Forget(d Dynamic) (n int) {
	m := d.GetModule()
	if m == nil {
		return
	}
	for k, u := range m.Syms {
		if x, ok := s[k]; ok && x == u {
			delete(s, k)
			n++
		}
	}
	return
}
func (s symbols) Clone() Symbols {
	return symbols(maps.Clone(s))
}

var (
	// ErrMissingSymbol occurs when can't found a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrAlreadyInitialized occurs when a Dynamic reinitializing.
	ErrAlreadyInitialized = errors.New("already initialized dynamic")
	// ErrLinked occurs when a Dynamic relinking.
	ErrLinked = errors.New("already linked")
	// ErrUninitialized occurs use or link a Dynamic before initialized.
	ErrUninitialized = errors.New("module not initialized")
	// ErrMismatchPackages occurs when object files and package paths are not paired.
	ErrMismatchPackages = errors.New("object files and packages mismatch")
)
