// policysyncd keeps a local view of a network-policy controller in sync and
// serves it to host applications.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/xtxerr/policysync/internal/api"
	"github.com/xtxerr/policysync/internal/console"
	"github.com/xtxerr/policysync/internal/controller"
	"github.com/xtxerr/policysync/internal/engine"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/journal"
	"github.com/xtxerr/policysync/internal/loader"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/wire"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "API listen address (overrides config)")
	address := flag.String("controller", "", "controller address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	eventsOut := flag.String("events-out", "", "append length-delimited protobuf events to this file")
	legacyOut := flag.String("legacy-out", "", "append legacy JSON-lines events to this file")
	interactive := flag.Bool("console", false, "run the interactive console")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("policysyncd", Version)
		return
	}

	if err := run(*cfgPath, overrides{
		listen:      *listen,
		address:     *address,
		logLevel:    *logLevel,
		eventsOut:   *eventsOut,
		legacyOut:   *legacyOut,
		interactive: *interactive,
	}); err != nil {
		logging.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type overrides struct {
	listen      string
	address     string
	logLevel    string
	eventsOut   string
	legacyOut   string
	interactive bool
}

func run(cfgPath string, o overrides) error {
	started := time.Now()

	// Load config
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	if o.listen != "" {
		cfg.API.Listen = o.listen
	}
	if o.address != "" {
		cfg.Controller.Address = o.address
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cfg.Controller.APIKey == "" {
		cfg.Controller.APIKey = os.Getenv("POLICYSYNC_API_KEY")
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}
	if o.interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("console requires a terminal")
	}

	initLogging(cfg, o.interactive)
	logging.Info("policysyncd starting", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Controller and Engine
	// =========================================================================

	client, err := controller.NewClient(loader.ToControllerConfig(cfg))
	if err != nil {
		return fmt.Errorf("controller client: %w", err)
	}

	bus := notify.NewBus(cfg.API.SubscriberBuffer)
	defer bus.Close()

	eng := engine.New(client, loader.ToEngineConfig(cfg), bus)

	// =========================================================================
	// Journal (DuckDB + Parquet archive)
	// =========================================================================

	var jr *journal.Journal
	if jcfg := loader.ToJournalConfig(cfg); jcfg != nil {
		jr, err = journal.Open(jcfg)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jr.Close()
		eng.AddSink(jr)
		logging.Info("journal enabled", "path", jcfg.Path, "retention", jcfg.Retention)
	}

	if o.eventsOut != "" {
		f, err := os.OpenFile(o.eventsOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		defer f.Close()
		eng.AddSink(wire.NewWriter(f))
	}

	if o.legacyOut != "" {
		f, err := os.OpenFile(o.legacyOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open legacy events file: %w", err)
		}
		defer f.Close()
		eng.AddSink(notify.NewLegacyJSONSink(f))
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	eng.Start(gctx)

	if jr != nil {
		g.Go(func() error {
			jr.Run(gctx)
			return nil
		})
	}

	// A nil *journal.Journal must not become a non-nil interface
	var history api.Journal
	if jr != nil {
		history = jr
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(&api.Config{Listen: cfg.API.Listen}, eng, history, bus)
		g.Go(srv.ListenAndServe)
	}

	if o.interactive {
		g.Go(func() error {
			console.New(eng, history, os.Stdout).Run(gctx)
			stop()
			return nil
		})
	}

	// Shutdown: API first, then the engine
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")

		drain := cfg.Sync.DrainTimeout.Duration()
		sctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()

		if srv != nil {
			if err := srv.Shutdown(sctx); err != nil {
				logging.Warn("api shutdown", "error", err)
			}
		}
		if err := eng.Stop(sctx); err != nil {
			logging.Warn("engine stop", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logging.Info("policysyncd stopped", "uptime", time.Since(started).Round(time.Second))
	return err
}

// initLogging selects the log format. Auto uses text on a terminal and JSON
// otherwise; the console always logs text to stderr.
func initLogging(cfg *loader.Config, interactive bool) {
	level := loader.LogLevel(cfg)

	if interactive {
		logging.InitWithHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return
	}

	jsonFormat := false
	switch cfg.Log.Format {
	case "json":
		jsonFormat = true
	case "auto", "":
		jsonFormat = !term.IsTerminal(int(os.Stdout.Fd()))
	}
	logging.Init(level, jsonFormat)
}
