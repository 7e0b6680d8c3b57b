// Package resolver maps module names and native library names to files.
//
// Resolution is a pure lookup: files are only checked for existence, callers open them.
package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/manifest"
)

// Neutral is the locale of modules without a locale tag.
const Neutral = "neutral"

// Name is a module name with an optional locale tag.
type Name struct {
	Name   string
	Locale string
}

// Neutral reports whether the name carries no specific locale.
func (n Name) Neutral() bool {
	return n.Locale == "" || strings.EqualFold(n.Locale, Neutral)
}

func (n Name) String() string {
	if n.Neutral() {
		return n.Name
	}
	return n.Name + "@" + n.Locale
}

// Config is the frozen input of a Resolver.
type Config struct {
	MainModulePath       string
	Managed              map[string]manifest.ManagedLibrary
	Native               map[string]manifest.NativeLibrary
	ProbingPaths         []string
	ResourceProbingPaths []string
	Platform             dynhost.Platform
}

// Resolver resolves names inside the directory of a main module.
type Resolver struct {
	base          string
	managed       map[string]manifest.ManagedLibrary
	native        map[string]manifest.NativeLibrary
	probing       []string // base directory first
	resourceRoots []string // base directory first
	platform      dynhost.Platform
}

// New creates a Resolver, a zero Platform means the running platform.
func New(cfg Config) *Resolver {
	base := filepath.Dir(cfg.MainModulePath)
	p := cfg.Platform
	if p.Prefixes == nil && p.Extensions == nil {
		p = dynhost.Platform{Prefixes: dynhost.NativeLibraryPrefixes(), Extensions: dynhost.NativeLibraryExtensions()}
	}
	r := &Resolver{
		base:     base,
		managed:  cfg.Managed,
		native:   cfg.Native,
		platform: p,
	}
	r.probing = append([]string{base}, cfg.ProbingPaths...)
	r.resourceRoots = append([]string{base}, cfg.ResourceProbingPaths...)
	return r
}

// BaseDir is the directory of the main module.
func (r *Resolver) BaseDir() string {
	return r.base
}

// ResolveModule returns the file of a module.
func (r *Resolver) ResolveModule(n Name) (string, bool) {
	if n.Name == "" {
		return "", false
	}
	if lib, ok := r.managed[n.Name]; ok && n.Neutral() {
		return r.searchManaged(lib)
	}
	if !n.Neutral() {
		for _, root := range r.resourceRoots {
			for _, ext := range dynhost.ModuleExtensions() {
				if p := filepath.Join(root, n.Locale, n.Name+ext); exists(p) {
					return p, true
				}
			}
		}
		return "", false
	}
	for _, dir := range r.probing {
		for _, ext := range dynhost.ModuleExtensions() {
			if p := filepath.Join(dir, n.Name+ext); exists(p) {
				return p, true
			}
		}
	}
	return "", false
}

// ResolveNative returns the file of a platform shared library.
func (r *Resolver) ResolveNative(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, prefix := range r.platform.Prefixes {
		if lib, ok := r.native[prefix+name]; ok {
			if p, ok := r.searchNative(lib, prefix); ok {
				return p, true
			}
			continue
		}
		for _, suffix := range r.platform.Extensions {
			if strings.HasSuffix(strings.ToLower(name), suffix) {
				if lib, ok := r.native[prefix+name[:len(name)-len(suffix)]]; ok {
					if p, ok := r.searchNative(lib, prefix); ok {
						return p, true
					}
					continue
				}
			}
			for _, dir := range r.probing {
				if p := filepath.Join(dir, prefix+name+suffix); exists(p) {
					return p, true
				}
				if p := filepath.Join(dir, prefix+name); exists(p) {
					return p, true
				}
			}
		}
	}
	return "", false
}

func (r *Resolver) searchManaged(lib manifest.ManagedLibrary) (string, bool) {
	if p := filepath.Join(r.base, lib.AppLocalPath); exists(p) {
		return p, true
	}
	for _, dir := range r.probing[1:] {
		if p := filepath.Join(dir, lib.AdditionalProbingPath); exists(p) {
			return p, true
		}
	}
	for _, ext := range dynhost.ModuleExtensions() {
		if p := filepath.Join(r.base, lib.Name+ext); exists(p) {
			return p, true
		}
	}
	return "", false
}

func (r *Resolver) searchNative(lib manifest.NativeLibrary, prefix string) (string, bool) {
	for _, ext := range r.platform.Extensions {
		if p := filepath.Join(r.base, prefix+lib.Name+ext); exists(p) {
			return p, true
		}
	}
	if p := filepath.Join(r.base, lib.AppLocalPath); exists(p) {
		return p, true
	}
	for _, dir := range r.probing[1:] {
		if p := filepath.Join(dir, lib.AdditionalProbingPath); exists(p) {
			return p, true
		}
	}
	return "", false
}

func exists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
