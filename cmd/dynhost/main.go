package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZenLiuCN/dynhost"
	"github.com/ZenLiuCN/dynhost/bridge"
	"github.com/ZenLiuCN/dynhost/config"
	"github.com/ZenLiuCN/dynhost/dispatch"
	"github.com/ZenLiuCN/dynhost/framework"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "dynhost"
	app.Usage = "plugin host"
	app.Description = "loads plugins into isolated domains and drives them through the host command protocol"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.FileName, Usage: "configuration file, ignored when absent"},
		&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Usage: "plugins root, overrides the configuration"},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	app.Before = setup
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Action: run,
			Usage:  "load every plugin and fire StartMod, then StopMod and unload",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "keep running with hot reload until interrupted"},
			},
		},
		{
			Name:      "exports",
			Action:    exports,
			Usage:     "list the export table of plugin modules",
			ArgsUsage: "<module>...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump entries"},
			},
		},
		{
			Name:      "resolve",
			Action:    resolve,
			Usage:     "resolve dependency names as the domain of a main module does",
			ArgsUsage: "<main module> <name>...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "native", Aliases: []string{"n"}, Usage: "resolve native libraries"},
				&cli.StringFlag{Name: "locale", Aliases: []string{"l"}, Usage: "locale of resource modules"},
			},
		},
		{
			Name:      "imports",
			Action:    imports,
			Usage:     "display imports of go object files or archives",
			ArgsUsage: "<file>...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
				&cli.BoolFlag{Name: "symbols", Aliases: []string{"s"}, Usage: "list symbols instead"},
			},
		},
		{
			Name:      "compile",
			Action:    compile,
			Usage:     "compile go sources into an object plugin, '.' uses the sources of the working directory",
			ArgsUsage: "<source>...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "object file"},
			},
		},
		{Name: "prepare", Action: prepare, Usage: "copy internals of go sdk"},
		{Name: "clean", Action: clean, Usage: "remove copied internals of go sdk"},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

type settings struct {
	cfg *config.Config
	log *zap.Logger
}

func setup(ctx *cli.Context) (err error) {
	s := new(settings)
	if _, e := os.Stat(ctx.String("config")); e == nil {
		if s.cfg, err = config.Load(ctx.String("config")); err != nil {
			return
		}
	} else {
		s.cfg = config.Default()
	}
	if r := ctx.String("root"); r != "" {
		s.cfg.PluginsRoot = r
	}
	if ctx.Bool("debug") {
		s.cfg.LogLevel = "debug"
	}
	if s.log, err = s.cfg.Logger(); err != nil {
		return
	}
	dynhost.SetLogger(s.log)
	ctx.App.Metadata = map[string]any{"settings": s}
	return
}

func current(ctx *cli.Context) *settings {
	return ctx.App.Metadata["settings"].(*settings)
}

func run(ctx *cli.Context) (err error) {
	s := current(ctx)
	dc, err := s.cfg.Dispatcher(s.log)
	if err != nil {
		return
	}
	if ctx.Bool("watch") {
		dc.Plugin.EnableHotReload = true
	}
	c := background(ctx)
	var events bridge.EventTable
	logp := bridge.RegisterHost(framework.ZapLog(s.log.Named("plugin")))
	defer bridge.UnregisterHost(logp)

	d := dispatch.New(dc)
	d.Handle(c, bridge.Initialize{Log: logp, Events: &events})
	d.Handle(c, bridge.LoadAssemblies{})
	defer d.Handle(c, bridge.UnloadAssemblies{})
	active := d.Active()
	if active == nil {
		return fmt.Errorf("no plugin loaded from %s", dc.Root)
	}
	s.log.Info("active plugin", zap.String("name", active.Name))
	fire := func(i int) {
		if p := d.Events().At(i); p != 0 {
			d.Handle(c, bridge.Execute{Function: p, Value: bridge.None{}})
		}
	}
	fire(bridge.EventStartMod)
	if ctx.Bool("watch") {
		wait, stop := signal.NotifyContext(c, os.Interrupt, syscall.SIGTERM)
		defer stop()
		s.log.Info("watching, interrupt to stop", zap.String("root", dc.Root))
		<-wait.Done()
	}
	fire(bridge.EventStopMod)
	return
}

// background is used by commands running without the cli context.
func background(ctx *cli.Context) context.Context {
	if ctx.Context != nil {
		return ctx.Context
	}
	return context.Background()
}
