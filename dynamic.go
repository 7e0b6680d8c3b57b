package dynhost

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/pkujhd/goloader"
	"go.uber.org/zap"
)

// TypesSymbol is the package level function an object plugin exports to expose its introspection roots.
//
// Its signature must be `func() []any`, every returned value contributes its exported methods.
const TypesSymbol = "Types"

type (
	//Sym is a simple alias of uintptr.
	Sym uintptr
	//Dynamic is one linked object module (go relocatable object file or go archive).
	//
	//Use Steps:
	//
	//	1. InitializeMany or Initialize to read the object files.
	//	2. [Dynamic.Link] to link the code against the Symbols it was created with.
	//	3. Use this module.
	//	4. Call [Dynamic.Free] to release the resources.
	//
	//Note:
	//
	//	1. Must fetch and use one symbol as desired type inside one specific goroutine.
	//	2. Dynamic itself can be used safe between goroutines, but not thread-safe.
	Dynamic interface {
		InitializeMany(file, pkg []string, types ...any) (err error) //Initialize from many object files
		Initialize(file, pkg string, types ...any) (err error)       //Initialize from one object file
		Link() (err error)                                           //link and create code module
		MissingSymbols() []string                                    //dump the missing symbols
		Fetch(sym string) (u Sym, ok bool)                           //fetch a symbol, which can cast to the desired type by As
		MustFetch(sym string) (u Sym)                                //fetch a symbol, panics with ErrUninitialized or ErrMissingSymbol
		Types() ([]any, error)                                       //call the TypesSymbol of the main package
		Packages() []string                                          //package paths of the linked object files
		Free(sync bool)                                              //release resources, sync parameter to sync the stdout or not
		GetModule() *goloader.CodeModule                             //fetch the internal [goloader.CodeModule], it is nil before [Dynamic.Link]
		internal()
	}
	dynamic struct {
		files []string
		pkg   []string
		symbols
		linker *goloader.Linker
		module *goloader.CodeModule
		log    *zap.Logger
	}
)

// NewDynamic create new dynamic which links against the provided Symbols.
func NewDynamic(sym Symbols, log *zap.Logger) (d Dynamic) {
	x := new(dynamic)
	x.symbols = sym.(symbols)
	if log == nil {
		log = Logger()
	}
	x.log = log
	return x
}
func (s *dynamic) internal() {}
func (s *dynamic) GetModule() *goloader.CodeModule {
	return s.module
}
func (s *dynamic) Packages() []string {
	return s.pkg
}
func (s *dynamic) InitializeMany(file, pkg []string, types ...any) (err error) {
	if s.linker != nil {
		return ErrAlreadyInitialized
	}
	if len(file) != len(pkg) {
		return fmt.Errorf("%w: %d files for %d packages", ErrMismatchPackages, len(file), len(pkg))
	}
	if len(types) > 0 {
		s.log.Debug("register types", zap.Int("count", len(types)))
		goloader.RegTypes(s.symbols, types...)
	}
	s.files = append(s.files, file...)
	s.pkg = append(s.pkg, pkg...)
	if s.linker, err = goloader.ReadObjs(file, pkg); err != nil {
		return
	}
	s.log.Debug("create linker", zap.Strings("files", file), zap.Strings("packages", pkg))
	return
}
func (s *dynamic) Initialize(file, pkg string, types ...any) (err error) {
	return s.InitializeMany([]string{file}, []string{pkg}, types...)
}

func (s *dynamic) Link() (err error) {
	if s.linker == nil {
		return ErrUninitialized
	}
	if s.module != nil {
		return ErrLinked
	}
	if s.module, err = goloader.Load(s.linker, s.symbols); err != nil {
		if missing := goloader.UnresolvedSymbols(s.linker, s.symbols); len(missing) > 0 {
			err = fmt.Errorf("%w: unresolved %s", err, strings.Join(missing, ", "))
		}
		return
	}
	s.log.Debug("create module", zap.Strings("packages", s.pkg), zap.Int("symbols", len(s.module.Syms)))
	return
}

func (s *dynamic) Fetch(sym string) (u Sym, ok bool) {
	if s.module == nil {
		ok = false
		return
	}
	sym = s.checkPackage(sym)
	var p uintptr
	p, ok = s.module.Syms[sym]
	if !ok {
		return
	}
	s.log.Debug("found symbol", zap.String("symbol", sym), zap.Uintptr("address", p))
	return (Sym)(unsafe.Pointer(&p)), ok
}

func (s *dynamic) checkPackage(sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		if len(s.pkg) > 0 {
			return s.pkg[0] + "." + sym
		}
		return "main." + sym
	}
	return sym
}
func (s *dynamic) MustFetch(sym string) (u Sym) {
	if s.module == nil {
		panic(ErrUninitialized)
	}
	u, ok := s.Fetch(sym)
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrMissingSymbol, sym))
	}
	return
}

func (s *dynamic) Types() (v []any, err error) {
	if s.module == nil {
		return nil, ErrUninitialized
	}
	p, ok := s.Fetch(TypesSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSymbol, s.checkPackage(TypesSymbol))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call %s: %v", s.checkPackage(TypesSymbol), r)
		}
	}()
	return As[func() []any](p)(), nil
}

func (s *dynamic) MissingSymbols() []string {
	if s.linker == nil {
		panic(ErrUninitialized)
	}
	return goloader.UnresolvedSymbols(s.linker, s.symbols)
}

func (s *dynamic) Free(sync bool) {
	if s.linker != nil {
		s.log.Debug("free dynamic", zap.Strings("packages", s.pkg))
		if s.module != nil {
			if sync {
				_ = os.Stdout.Sync()
			}
			s.module.Unload()
			s.module = nil
		}
		s.symbols = nil
		s.linker = nil
		{
			n := len(s.pkg)
			if n > 0 {
				if n < 10 {
					s.pkg = s.pkg[:0]
				} else {
					s.pkg = nil
				}
			}
		}
		{
			n := len(s.files)
			if n > 0 {
				if n < 10 {
					s.files = s.files[:0]
				} else {
					s.files = nil
				}
			}
		}
	}
}

// Use create a function to fetch and use symbol on the fly
func Use[T any](dyn Dynamic, sym string) func(func(t T, err error)) {
	log := dyn.(*dynamic).log
	return func(f func(t T, err error)) {
		var x T
		defer func() {
			switch y := recover().(type) {
			case nil:
				f(x, nil)
			case error:
				log.Debug("fetch failure", zap.String("symbol", sym), zap.Error(y))
				f(x, y)
			default:
				log.Debug("fetch failure", zap.String("symbol", sym), zap.Any("panic", y))
				f(x, fmt.Errorf("%v", y))
			}
		}()
		p := dyn.MustFetch(sym)
		x = As[T](p)
	}
}

// As convert fetched Sym to contract type
func As[T any](ptr Sym) (x T) {
	px := (*T)(unsafe.Pointer(&ptr))
	x = *px
	return
}
