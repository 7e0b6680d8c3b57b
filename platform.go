package dynhost

import (
	"path/filepath"
	"runtime"
	"strings"
)

// ModuleKind classifies a loadable module file.
type ModuleKind int

const (
	ModuleUnknown ModuleKind = iota
	ModuleObject             // go relocatable object file
	ModuleArchive            // go archive
	ModuleWasm               // core WebAssembly module
)

func (k ModuleKind) String() string {
	switch k {
	case ModuleObject:
		return "object"
	case ModuleArchive:
		return "archive"
	case ModuleWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// Platform holds the native library naming conventions of an operating system.
type Platform struct {
	Prefixes   []string
	Extensions []string
}

var moduleExtensions = []string{".wasm", ".o", ".a"}

// PlatformFor returns the naming conventions for the GOOS value.
func PlatformFor(goos string) Platform {
	switch goos {
	case "windows":
		return Platform{Prefixes: []string{""}, Extensions: []string{".dll"}}
	case "darwin", "ios":
		return Platform{Prefixes: []string{"", "lib"}, Extensions: []string{".dylib"}}
	case "linux", "android", "freebsd", "netbsd", "openbsd", "dragonfly", "solaris", "illumos":
		return Platform{Prefixes: []string{"", "lib"}, Extensions: []string{".so", ".so.1"}}
	default:
		return Platform{}
	}
}

var current = PlatformFor(runtime.GOOS)

// NativeLibraryPrefixes of the running platform.
func NativeLibraryPrefixes() []string { return current.Prefixes }

// NativeLibraryExtensions of the running platform.
func NativeLibraryExtensions() []string { return current.Extensions }

// ModuleExtensions are the file extensions of loadable modules, in probing order.
func ModuleExtensions() []string { return moduleExtensions }

// ModuleKindOf classifies a file by its extension.
func ModuleKindOf(path string) ModuleKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wasm":
		return ModuleWasm
	case ".o":
		return ModuleObject
	case ".a":
		return ModuleArchive
	default:
		return ModuleUnknown
	}
}

// ModuleName is the logical name of a module file: its base name without extension.
func ModuleName(path string) string {
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}
