package dynhost

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
	"go.uber.org/zap"
)

// CopyFile from src to dest with optional src file info
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(df)
	_, err = io.Copy(df, sf)
	if err == nil {
		if si == nil {
			si, err = os.Stat(src)
			if err != nil {
				return
			}
		}
		err = os.Chmod(dest, si.Mode())
	}
	return
}

// CopyDir from src to dest with optional src file info
func CopyDir(src string, dest string, si fs.FileInfo) (err error) {
	if si == nil {
		si, err = os.Stat(src)
		if err != nil {
			return err
		}
	}
	err = os.MkdirAll(dest, si.Mode())
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		sp, dp := filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())
		if info.IsDir() {
			err = CopyDir(sp, dp, info)
		} else {
			err = CopyFile(sp, dp, info)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Compile go sources into an object file inside working directory, the importcfg generated by Imports is required.
func Compile(log *zap.Logger, output string, sources []string) (err error) {
	args := []string{"tool", "compile", "-importcfg", "importcfg"}
	if output != "" {
		args = append(args, "-o", output)
	}
	cmd := exec.Command("go", append(args, sources...)...)
	log.Debug("execute", zap.Strings("args", cmd.Args))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err = cmd.Run(); err == nil {
		err = os.Remove("importcfg")
	}
	return
}

// Imports generate import cfg as importcfg file in current working directory.
func Imports(log *zap.Logger, f []string) (err error) {
	log.Debug("sources", zap.Strings("files", f))
	var cfg *os.File
	if cfg, err = os.OpenFile("importcfg", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err != nil {
		return
	}
	defer fn.IgnoreClose(cfg)
	cmd := exec.Command("go", append([]string{"list", "-export", "-f", "{{.Imports}}"}, f...)...)
	log.Debug("execute", zap.Strings("args", cmd.Args))
	var out string
	var bout []byte
	if bout, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect imports: %w\nout:%s", err, string(bout))
	}
	out = strings.TrimSpace(string(bout))
	if out != "" && out[0] == '[' {
		out = out[1 : len(out)-1]
	}
	in := strings.Fields(out)
	log.Debug("dependencies", zap.Strings("packages", in))
	cmd = exec.Command("go", append([]string{"list", "-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, in...)...)
	log.Debug("execute", zap.Strings("args", cmd.Args))
	if bout, err = cmd.Output(); err != nil {
		return fmt.Errorf("inspect dependencies: %w\nout:%s", err, string(bout))
	}
	_, err = cfg.Write(bout)
	return
}

// ObjectImports resolve all imported packages and version (only if it's a module) of an object file.
func ObjectImports(file, pkgPath string) (info *Info, err error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol, 0), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err = v.Symbols(); err != nil {
		return
	}
	info = parseInfo(v)
	info.File = file
	info.PkgPath = v.PkgPath
	return
}

// Infos is a stringer slice of Info
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}

// Info contains the import information of an object file
type Info struct {
	File    string
	PkgPath string
	Imports map[string]string // with pairs of package import path and version
}

// Packages returns the imported package paths in order.
func (i Info) Packages() []string {
	v := fn.MapKeys(i.Imports)
	slices.Sort(v)
	return v
}

func (i Info) String() string {
	s := strings.Builder{}
	for _, p := range i.Packages() {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

func parseInfo(v *obj.Pkg) (i *Info) {
	i = new(Info)
	i.Imports = make(map[string]string)
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	k := fn.MapKeys(i.Imports)
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = parseName(f)
		}
		for _, s := range k {
			x := strings.Index(f, s)
			if x >= 0 {
				f = f[x:]
				if i.Imports[s] == "" {
					y := strings.IndexByte(f, '@')
					if y < 0 {
						continue
					}
					ver := f[y+1:]
					if y = strings.IndexByte(ver, '/'); y >= 0 {
						ver = ver[:y]
					}
					i.Imports[s] = ver
				}
			}
		}
	}
	return
}

// parseName decodes the module cache escaping, where '!x' stands for 'X'.
func parseName(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}

// Inspect display symbols inside an object file
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}
