// vlxmqttha bridges a Velux KLF200 gateway to MQTT and registers every
// opening device with Home Assistant through MQTT discovery.
//
// Usage:
//
//	vlxmqttha [flags] <config_file>   Run the bridge
//	vlxmqttha version                 Print version and build information
//	vlxmqttha init [dir]              Write an example config to dir
//	vlxmqttha -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjaehnel/vlxmqttha/internal/bridge"
	"github.com/tjaehnel/vlxmqttha/internal/buildinfo"
	"github.com/tjaehnel/vlxmqttha/internal/config"
	"github.com/tjaehnel/vlxmqttha/internal/connwatch"
	"github.com/tjaehnel/vlxmqttha/internal/events"
	"github.com/tjaehnel/vlxmqttha/internal/klf200"
	"github.com/tjaehnel/vlxmqttha/internal/mqtt"
	"github.com/tjaehnel/vlxmqttha/internal/registry"
	"github.com/tjaehnel/vlxmqttha/internal/web"
)

const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx triggers the same graceful
// shutdown as SIGINT or SIGTERM. Arguments are parsed by hand so run
// holds no package-level flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		configPath string
		outputFmt  = "text"
		positional []string
	)

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			positional = append(positional, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch {
	case len(positional) == 1 && positional[0] == "version":
		return runVersion(stdout, outputFmt)
	case len(positional) > 0 && positional[0] == "init":
		if len(positional) > 2 {
			return fmt.Errorf("unexpected arguments: %s", strings.Join(positional[2:], " "))
		}
		dir := "."
		if len(positional) == 2 {
			dir = positional[1]
		}
		return runInit(stdout, dir)
	case len(positional) > 1:
		return fmt.Errorf("unexpected arguments: %s", strings.Join(positional[1:], " "))
	case len(positional) == 1:
		if configPath != "" && configPath != positional[0] {
			return fmt.Errorf("config given twice: %s and %s", configPath, positional[0])
		}
		configPath = positional[0]
	}
	return runBridge(ctx, stdout, stderr, configPath)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	delete(info, "uptime")
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "vlxmqttha - Velux KLF200 to MQTT bridge with Home Assistant discovery")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vlxmqttha [flags] <config_file>")
	fmt.Fprintln(w, "       vlxmqttha version")
	fmt.Fprintln(w, "       vlxmqttha init [dir]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format for version: text (default) or json")
	fmt.Fprintln(w, "  -h, --help        Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runBridge loads the configuration and runs the bridge until ctx is
// cancelled or a signal arrives.
//
// Shutdown order:
//  1. the gateway session ends and publishes gateway offline
//  2. cover workers stop
//  3. the bridge publishes its own offline status and disconnects MQTT
//  4. the status server drains
func runBridge(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	out := stdout
	if cfg.Log.LogFile != "" {
		f, err := os.OpenFile(cfg.Log.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	logger := cfg.Log.NewLogger(out, cfg.Log.EffectiveLevel())
	klfLogger := cfg.Log.NewLogger(out, cfg.Log.KLF200Level()).With("component", "klf200")

	logger.Info("starting vlxmqttha",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.BrokerURL(),
		"klf200", cfg.Velux.Host,
		"data_dir", cfg.DataDir,
	)
	if cfg.Log.Verbose {
		logger.Debug("debug logging enabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	release, err := acquirePidFile(cfg.PidFilePath())
	if err != nil {
		return err
	}
	defer release()

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}

	// The registry is an optimisation; the bridge runs without it.
	var reg bridge.Registry
	store, err := registry.Open(filepath.Join(cfg.DataDir, "entities.db"))
	if err != nil {
		logger.Warn("entity registry unavailable, stale entities will not be removed", "error", err)
	} else {
		defer store.Close()
		reg = store
	}

	bus := events.New()
	pub := mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
	gw := klf200.New(klf200.Config{
		Host:              cfg.Velux.Host,
		Port:              cfg.Velux.Port,
		Password:          cfg.Velux.Password,
		HeartbeatInterval: cfg.Velux.HeartbeatInterval,
		CommandRate:       cfg.Velux.CommandRate,
		CommandBurst:      cfg.Velux.CommandBurst,
		Logger:            klfLogger,
	})
	br := bridge.New(gw, pub, reg, bus, bridge.Options{
		HAPrefix:        cfg.MQTT.HAPrefix,
		InversePosition: cfg.Velux.InversePosition,
		ViaDevice:       "vlxmqttha-" + instanceID,
	}, logger.With("component", "bridge"))

	pub.OnConnectionChange(func(up bool) {
		kind := events.KindDisconnected
		if up {
			kind = events.KindConnected
		}
		bus.Emit(events.SourceMQTT, kind, map[string]any{"broker": cfg.MQTT.BrokerURL()})
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	connMgr := connwatch.NewManager(logger.With("component", "connwatch"))

	g.Go(func() error {
		if err := pub.Start(gctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		return nil
	})

	connMgr.Watch(gctx, connwatch.WatcherConfig{
		Name:    "klf200",
		Session: br.RunSession,
		Backoff: connwatch.Backoff{Jitter: 0.1},
		OnChange: func(state connwatch.State, err error) {
			if state == connwatch.StateDown {
				logger.Warn("klf200 session lost", "addr", gw.Addr(), "error", err)
			}
		},
	})
	connMgr.Watch(gctx, connwatch.WatcherConfig{
		Name:         "mqtt",
		Probe:        pub.AwaitConnection,
		PollInterval: 5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	})

	if cfg.Listen.Port > 0 {
		srv := web.NewServer(web.Config{
			Address: cfg.Listen.Address,
			Port:    cfg.Listen.Port,
			Health:  connMgr.Status,
			Covers:  br.Snapshot,
			Bus:     bus,
			Logger:  logger.With("component", "web"),
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		connMgr.Stop()
		br.Shutdown()

		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer scancel()
		if err := pub.Stop(sctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("vlxmqttha stopped", "uptime", buildinfo.Uptime().String())
	return err
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
