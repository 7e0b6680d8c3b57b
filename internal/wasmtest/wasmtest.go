// Package wasmtest writes small core WebAssembly modules for tests.
package wasmtest

import (
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero/api"
)

type funcType struct {
	params, results []api.ValueType
}

type importFunc struct {
	module, name string
	typ          uint32
}

type function struct {
	export string
	typ    uint32
	body   []byte
}

type segment struct {
	offset uint32
	data   []byte
}

// Module is an incremental module encoder. Imports must be declared before functions.
type Module struct {
	types     []funcType
	imports   []importFunc
	funcs     []function
	pages     uint32
	memExport string
	data      []segment
}

func New() *Module { return new(Module) }

func (m *Module) typeOf(params, results []api.ValueType) uint32 {
	for i, t := range m.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params, results})
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: import after function")
	}
	m.imports = append(m.imports, importFunc{module, name, m.typeOf(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function, exported when name is not empty, and returns its function index.
func (m *Module) Func(name string, params, results []api.ValueType, body ...[]byte) uint32 {
	var b []byte
	for _, x := range body {
		b = append(b, x...)
	}
	m.funcs = append(m.funcs, function{name, m.typeOf(params, results), b})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory defines the memory, exported when name is not empty.
func (m *Module) Memory(pages uint32, name string) {
	m.pages, m.memExport = pages, name
}

// Data places bytes into memory at the offset.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, segment{offset, b})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if len(m.types) > 0 {
		var s []byte
		s = u32(s, uint32(len(m.types)))
		for _, t := range m.types {
			s = append(s, 0x60)
			s = valueTypes(s, t.params)
			s = valueTypes(s, t.results)
		}
		out = section(out, 1, s)
	}
	if len(m.imports) > 0 {
		var s []byte
		s = u32(s, uint32(len(m.imports)))
		for _, i := range m.imports {
			s = name(s, i.module)
			s = name(s, i.name)
			s = append(s, 0x00)
			s = u32(s, i.typ)
		}
		out = section(out, 2, s)
	}
	if len(m.funcs) > 0 {
		var s []byte
		s = u32(s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			s = u32(s, f.typ)
		}
		out = section(out, 3, s)
	}
	if m.pages > 0 {
		s := []byte{0x01, 0x00}
		s = u32(s, m.pages)
		out = section(out, 5, s)
	}
	var exports [][]byte
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		e := name(nil, f.export)
		e = append(e, 0x00)
		exports = append(exports, u32(e, uint32(len(m.imports)+i)))
	}
	if m.pages > 0 && m.memExport != "" {
		e := name(nil, m.memExport)
		exports = append(exports, append(e, 0x02, 0x00))
	}
	if len(exports) > 0 {
		s := u32(nil, uint32(len(exports)))
		for _, e := range exports {
			s = append(s, e...)
		}
		out = section(out, 7, s)
	}
	if len(m.funcs) > 0 {
		s := u32(nil, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			body := append([]byte{0x00}, f.body...)
			body = append(body, 0x0b)
			s = u32(s, uint32(len(body)))
			s = append(s, body...)
		}
		out = section(out, 10, s)
	}
	if len(m.data) > 0 {
		s := u32(nil, uint32(len(m.data)))
		for _, d := range m.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...)
			s = append(s, 0x0b)
			s = u32(s, uint32(len(d.data)))
			s = append(s, d.data...)
		}
		out = section(out, 11, s)
	}
	return out
}

// Write encodes the module into the file, creating parent directories.
func (m *Module) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, m.Bytes(), 0o644)
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = u32(out, uint32(len(content)))
	return append(out, content...)
}

func name(out []byte, s string) []byte {
	out = u32(out, uint32(len(s)))
	return append(out, s...)
}

func valueTypes(out []byte, ts []api.ValueType) []byte {
	out = u32(out, uint32(len(ts)))
	return append(out, ts...)
}

func u32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func s64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Instructions.

func LocalGet(i uint32) []byte { return u32([]byte{0x20}, i) }
func Call(f uint32) []byte     { return u32([]byte{0x10}, f) }
func I32Const(v int32) []byte  { return s64([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte  { return s64([]byte{0x42}, v) }
func Drop() []byte             { return []byte{0x1a} }
func Unreachable() []byte      { return []byte{0x00} }
