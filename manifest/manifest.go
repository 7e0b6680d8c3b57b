// Package manifest describes the private dependencies of a plugin main module.
//
// A manifest is read from `<main module without extension>.deps.hcl` placed next to the main module:
//
//	managed "github.com/acme/geometry" {
//	  version = "v1.2.0"
//	  asset   = "lib/geometry.wasm"
//	}
//
//	native "sqlite" {
//	  version = "3.45.0"
//	  asset   = "runtimes/linux-x64/native/libsqlite3.so"
//	}
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Suffix of a dependency manifest file.
const Suffix = ".deps.hcl"

var (
	// ErrDuplicate occurs when two entries of the same kind share a name.
	ErrDuplicate = errors.New("duplicate manifest entry")
	// ErrInvalidEntry occurs when an entry misses its package, version or asset.
	ErrInvalidEntry = errors.New("invalid manifest entry")
)

// ManagedLibrary is a module dependency entry.
type ManagedLibrary struct {
	Name                  string // logical module name
	AdditionalProbingPath string // relative path under a probing path
	AppLocalPath          string // relative path under the main module directory
}

// ManagedFromPackage derives a ManagedLibrary from a package id, version and asset path.
// Assets under lib/ are expected co-located with the main module by their file name.
func ManagedFromPackage(id, version, asset string) ManagedLibrary {
	local := asset
	if strings.HasPrefix(asset, "lib/") {
		local = path.Base(asset)
	}
	return ManagedLibrary{
		Name:                  strings.TrimSuffix(path.Base(asset), path.Ext(asset)),
		AdditionalProbingPath: filepath.Join(strings.ToLower(id), version, filepath.FromSlash(asset)),
		AppLocalPath:          filepath.FromSlash(local),
	}
}

// NativeLibrary is a platform shared library dependency entry.
type NativeLibrary struct {
	Name                  string
	AppLocalPath          string
	AdditionalProbingPath string
}

// NativeFromPackage derives a NativeLibrary from a package id, version and asset path.
func NativeFromPackage(id, version, asset string) NativeLibrary {
	return NativeLibrary{
		Name:                  strings.TrimSuffix(path.Base(asset), path.Ext(asset)),
		AppLocalPath:          filepath.FromSlash(asset),
		AdditionalProbingPath: filepath.Join(strings.ToLower(id), version, filepath.FromSlash(asset)),
	}
}

// Manifest is the parsed dependency manifest of a main module.
type Manifest struct {
	Managed []ManagedLibrary
	Native  []NativeLibrary
}

// FindManaged returns the managed entry with the name.
func (m *Manifest) FindManaged(name string) (ManagedLibrary, bool) {
	for _, l := range m.Managed {
		if l.Name == name {
			return l, true
		}
	}
	return ManagedLibrary{}, false
}

// FindNative returns the native entry with the name.
func (m *Manifest) FindNative(name string) (NativeLibrary, bool) {
	for _, l := range m.Native {
		if l.Name == name {
			return l, true
		}
	}
	return NativeLibrary{}, false
}

type hclFile struct {
	Managed []hclLibrary `hcl:"managed,block"`
	Native  []hclLibrary `hcl:"native,block"`
}

type hclLibrary struct {
	Package string `hcl:"package,label"`
	Version string `hcl:"version"`
	Asset   string `hcl:"asset"`
}

// PathFor returns the manifest file path of a main module.
func PathFor(mainModule string) string {
	return strings.TrimSuffix(mainModule, filepath.Ext(mainModule)) + Suffix
}

// Load reads the manifest of a main module, a missing file is an empty manifest.
func Load(mainModule string) (*Manifest, error) {
	p := PathFor(mainModule)
	src, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	} else if err != nil {
		return nil, err
	}
	return Parse(src, p)
}

// Parse decodes manifest source, filename is used in diagnostics.
func Parse(src []byte, filename string) (*Manifest, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filename, diags)
	}
	var raw hclFile
	if diags = gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", filename, diags)
	}
	m := new(Manifest)
	seen := make(map[string]struct{})
	for _, l := range raw.Managed {
		if err := l.validate(); err != nil {
			return nil, err
		}
		e := ManagedFromPackage(l.Package, l.Version, l.Asset)
		if _, ok := seen["m:"+e.Name]; ok {
			return nil, fmt.Errorf("%w: managed %s", ErrDuplicate, e.Name)
		}
		seen["m:"+e.Name] = struct{}{}
		m.Managed = append(m.Managed, e)
	}
	for _, l := range raw.Native {
		if err := l.validate(); err != nil {
			return nil, err
		}
		e := NativeFromPackage(l.Package, l.Version, l.Asset)
		if _, ok := seen["n:"+e.Name]; ok {
			return nil, fmt.Errorf("%w: native %s", ErrDuplicate, e.Name)
		}
		seen["n:"+e.Name] = struct{}{}
		m.Native = append(m.Native, e)
	}
	return m, nil
}

func (l hclLibrary) validate() error {
	switch {
	case l.Package == "":
		return fmt.Errorf("%w: empty package", ErrInvalidEntry)
	case l.Version == "":
		return fmt.Errorf("%w: %s has no version", ErrInvalidEntry, l.Package)
	case l.Asset == "" || path.IsAbs(l.Asset) || filepath.IsAbs(l.Asset):
		return fmt.Errorf("%w: %s asset must be a relative path", ErrInvalidEntry, l.Package)
	}
	return nil
}
