package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/domain"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/ZenLiuCN/dynhost/manifest"
	"github.com/ZenLiuCN/dynhost/plugin"
	"github.com/ZenLiuCN/dynhost/pool"
	"github.com/ZenLiuCN/dynhost/resolver"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

func exports(ctx *cli.Context) (err error) {
	s := current(ctx)
	c := background(ctx)
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing plugin modules")
	}
	p := pool.New(s.log)
	defer func() { err = multierr.Append(err, p.Close(c)) }()
	if err = p.Provide(framework.NewNamed(s.cfg.Framework, framework.NewEnv(framework.ZapLog(s.log), nil))); err != nil {
		return
	}
	out := ctx.App.Writer
	for _, file := range ctx.Args().Slice() {
		var abs string
		if abs, err = filepath.Abs(file); err != nil {
			return
		}
		var cfg *plugin.Config
		if cfg, err = plugin.NewConfig(abs); err != nil {
			return
		}
		if err = s.cfg.Apply(cfg); err != nil {
			return
		}
		cfg.EnableHotReload = false
		cfg.Unloadable = true
		cfg.DefaultContext = p
		cfg.SharedModules = append(cfg.SharedModules, s.cfg.Framework)
		var h *plugin.Host
		if h, err = plugin.New(*cfg, plugin.WithLogger(s.log)); err != nil {
			return
		}
		g, e := h.Load(c)
		if e != nil {
			return multierr.Append(e, h.Dispose(c))
		}
		fmt.Fprintf(out, "%s\n", abs)
		for i, name := range bridge.LifecycleNames {
			if fp := g.Events.At(i); fp != 0 {
				fmt.Fprintf(out, "  event[%d] %-12s %s\n", i, name, fp)
			}
		}
		entries := g.Exports.Entries()
		for _, e := range entries {
			fmt.Fprintf(out, "  0x%08x %-40s %-24s %s\n", e.Hash, e.Name, e.Signature.Key(), e.Addr)
		}
		if ctx.Bool("dump") {
			spew.Fdump(out, entries)
		}
		if err = h.Dispose(c); err != nil {
			return
		}
	}
	return
}

func resolve(ctx *cli.Context) (err error) {
	s := current(ctx)
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: resolve <main module> <name>...")
	}
	mainPath, err := filepath.Abs(ctx.Args().First())
	if err != nil {
		return
	}
	m, err := manifest.Load(mainPath)
	if err != nil {
		return
	}
	b := domain.NewBuilder().SetMainModulePath(mainPath).WithManifest(m).WithLogger(s.log)
	for _, p := range s.cfg.ProbingPaths {
		b.AddProbingPath(p)
	}
	d, err := b.Build()
	if err != nil {
		return
	}
	r := d.Resolver()
	out := ctx.App.Writer
	for _, name := range ctx.Args().Tail() {
		var p string
		var ok bool
		if ctx.Bool("native") {
			p, ok = r.ResolveNative(name)
		} else {
			p, ok = r.ResolveModule(resolver.Name{Name: name, Locale: ctx.String("locale")})
		}
		if !ok {
			p = "not found"
		}
		fmt.Fprintf(out, "%s => %s\n", name, p)
	}
	return
}

func imports(ctx *cli.Context) (err error) {
	out := ctx.App.Writer
	for _, f := range ctx.Args().Slice() {
		if ctx.Bool("symbols") {
			var syms []string
			if syms, err = dynhost.Inspect(f, ctx.String("pkg")); err != nil {
				return
			}
			fmt.Fprintf(out, "%s\n  %s\n", f, strings.Join(syms, "\n  "))
			continue
		}
		var v *dynhost.Info
		if v, err = dynhost.ObjectImports(f, ctx.String("pkg")); err != nil {
			return
		}
		fmt.Fprintf(out, "%s\n", v.String())
	}
	return
}

func compile(ctx *cli.Context) (err error) {
	s := current(ctx)
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return fmt.Errorf("missing target sources list")
	}
	if len(o) == 1 && o[0] == "." {
		if o, err = lookup(); err != nil {
			return
		}
		s.log.Sugar().Debugf("found go sources at working directory: %v", o)
	}
	if _, err = exec.LookPath("go"); err != nil {
		return fmt.Errorf("missing go sdk: %w", err)
	}
	if err = dynhost.Imports(s.log, o); err != nil {
		return fmt.Errorf("generate importcfg: %w", err)
	}
	return dynhost.Compile(s.log, ctx.String("output"), o)
}

func lookup() (v []string, err error) {
	e, err := os.ReadDir(".")
	if err != nil {
		return
	}
	for _, entry := range e {
		n := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	return
}

func clean(ctx *cli.Context) (err error) {
	s := current(ctx).log.Sugar()
	dir := os.ExpandEnv("$GOROOT/src/cmd/objfile")
	if _, err = os.Stat(dir); err == nil {
		err = os.RemoveAll(dir)
		s.Debugf("removed %s", dir)
	} else {
		s.Debugf("did nothing for %s", dir)
		err = nil
	}
	return
}

func prepare(ctx *cli.Context) (err error) {
	s := current(ctx).log.Sugar()
	src := os.ExpandEnv("$GOROOT/src/cmd/internal")
	dir := os.ExpandEnv("$GOROOT/src/cmd/objfile")
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = dynhost.CopyDir(src, dir, nil)
		s.Debugf("copied %s from %s", dir, src)
	} else {
		s.Debugf("did nothing for %s", dir)
		err = nil
	}
	if err != nil {
		log.Printf("prepare go sdk from %s to %s: %s", src, dir, err)
	}
	return
}
