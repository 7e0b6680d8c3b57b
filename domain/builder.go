package domain

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"

	"github.com/ZenLiuCN/dynhost/manifest"
	"github.com/ZenLiuCN/dynhost/pool"
	"go.uber.org/zap"
)

var (
	// ErrMissingMain occurs when building without a main module path.
	ErrMissingMain = errors.New("missing main module path, SetMainModulePath is required")
	// ErrInvalidPath occurs when a path argument is empty, or rooted where it must be relative or the reverse.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidArgument occurs on nil or empty arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Builder accumulates the configuration of domains.
//
// Methods chain; the first invalid argument is kept and returned by Build, later calls do nothing.
// Build may be called many times, every call creates a fresh Domain of the same configuration.
type Builder struct {
	main             string
	pool             *pool.Pool
	managed          map[string]manifest.ManagedLibrary
	native           map[string]manifest.NativeLibrary
	probing          []string
	resourceProbing  []string
	resourceSubpaths []string
	private          map[string]struct{}
	shared           []string
	preferDefault    bool
	lazy             bool
	unloadable       bool
	inMemory         bool
	shadowCopy       bool
	log              *zap.Logger
	err              error
}

func NewBuilder() *Builder {
	return &Builder{
		managed: make(map[string]manifest.ManagedLibrary),
		native:  make(map[string]manifest.NativeLibrary),
		private: make(map[string]struct{}),
	}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Err is the first configuration error.
func (b *Builder) Err() error { return b.err }

func absolute(what, p string) error {
	if p == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidPath, what)
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%w: %s %q must be a full path", ErrInvalidPath, what, p)
	}
	return nil
}

func relative(what, p string) error {
	if p == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidPath, what)
	}
	if filepath.IsAbs(p) || (len(p) > 0 && (p[0] == '/' || p[0] == '\\')) {
		return fmt.Errorf("%w: %s %q must not be a full path", ErrInvalidPath, what, p)
	}
	return nil
}

func (b *Builder) SetMainModulePath(p string) *Builder {
	if err := absolute("main module path", p); err != nil {
		return b.fail(err)
	}
	b.main = filepath.Clean(p)
	return b
}

// SetDefaultContext sets the host pool, pool.Default is used when never set.
func (b *Builder) SetDefaultContext(p *pool.Pool) *Builder {
	if p == nil {
		return b.fail(fmt.Errorf("%w: default context is nil", ErrInvalidArgument))
	}
	b.pool = p
	return b
}

func (b *Builder) AddManagedLibrary(lib manifest.ManagedLibrary) *Builder {
	if err := relative("managed library probing path", lib.AdditionalProbingPath); err != nil {
		return b.fail(err)
	}
	if lib.Name != "" {
		b.managed[lib.Name] = lib
	}
	return b
}

func (b *Builder) AddNativeLibrary(lib manifest.NativeLibrary) *Builder {
	if err := relative("native library local path", lib.AppLocalPath); err != nil {
		return b.fail(err)
	}
	if err := relative("native library probing path", lib.AdditionalProbingPath); err != nil {
		return b.fail(err)
	}
	b.native[lib.Name] = lib
	return b
}

// WithManifest adds every entry of the manifest.
func (b *Builder) WithManifest(m *manifest.Manifest) *Builder {
	if m == nil {
		return b
	}
	for _, l := range m.Managed {
		b.AddManagedLibrary(l)
	}
	for _, l := range m.Native {
		b.AddNativeLibrary(l)
	}
	return b
}

func (b *Builder) AddProbingPath(p string) *Builder {
	if err := absolute("probing path", p); err != nil {
		return b.fail(err)
	}
	b.probing = append(b.probing, p)
	return b
}

func (b *Builder) AddResourceProbingPath(p string) *Builder {
	if err := absolute("resource probing path", p); err != nil {
		return b.fail(err)
	}
	b.resourceProbing = append(b.resourceProbing, p)
	return b
}

// AddResourceProbingSubpath adds <probing path>/<p> for every probing path as resource root.
func (b *Builder) AddResourceProbingSubpath(p string) *Builder {
	if err := relative("resource probing subpath", p); err != nil {
		return b.fail(err)
	}
	b.resourceSubpaths = append(b.resourceSubpaths, p)
	return b
}

// PreferPrivate always loads the names from the domain's own files.
func (b *Builder) PreferPrivate(names ...string) *Builder {
	for _, n := range names {
		if n != "" {
			b.private[n] = struct{}{}
		}
	}
	return b
}

// PreferShared reuses the host copies of the names. References of a shared module are shared too:
// eagerly at build time, or on first use when loading lazily.
func (b *Builder) PreferShared(names ...string) *Builder {
	for _, n := range names {
		if n != "" {
			b.shared = append(b.shared, n)
		}
	}
	return b
}

// PreferDefaultContext prefers the host copy of every name not marked private.
func (b *Builder) PreferDefaultContext(v bool) *Builder {
	b.preferDefault = v
	return b
}

func (b *Builder) LazyLoadReferences(v bool) *Builder {
	b.lazy = v
	return b
}

func (b *Builder) EnableUnloading() *Builder {
	b.unloadable = true
	return b
}

func (b *Builder) PreloadIntoMemory() *Builder {
	b.inMemory = true
	return b
}

func (b *Builder) ShadowCopyNativeLibraries() *Builder {
	b.shadowCopy = true
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.log = l
	return b
}

// Build creates a live domain.
func (b *Builder) Build() (*Domain, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.main == "" {
		return nil, ErrMissingMain
	}
	p := b.pool
	if p == nil {
		p = pool.Default()
	}
	resources := append([]string(nil), b.resourceProbing...)
	for _, probe := range b.probing {
		for _, sub := range b.resourceSubpaths {
			resources = append(resources, filepath.Join(probe, sub))
		}
	}
	return New(Config{
		MainModulePath:       b.main,
		Managed:              maps.Clone(b.managed),
		Native:               maps.Clone(b.native),
		ProbingPaths:         append([]string(nil), b.probing...),
		ResourceProbingPaths: resources,
		Private:              maps.Clone(b.private),
		Shared:               b.sharedSet(p),
		PreferDefault:        b.preferDefault,
		Lazy:                 b.lazy,
		Unloadable:           b.unloadable,
		InMemory:             b.inMemory,
		ShadowCopy:           b.shadowCopy,
		Pool:                 p,
		Log:                  b.log,
	}), nil
}

// sharedSet expands the shared names with their references in the pool:
// the direct references when lazy, the whole closure otherwise.
func (b *Builder) sharedSet(p *pool.Pool) map[string]struct{} {
	set := make(map[string]struct{}, len(b.shared))
	for _, n := range b.shared {
		if b.lazy {
			set[n] = struct{}{}
			for _, r := range p.References(n) {
				set[r] = struct{}{}
			}
			continue
		}
		queue := []string{n}
		for len(queue) > 0 {
			x := queue[0]
			queue = queue[1:]
			if _, ok := set[x]; ok {
				continue
			}
			set[x] = struct{}{}
			queue = append(queue, p.References(x)...)
		}
	}
	return set
}
