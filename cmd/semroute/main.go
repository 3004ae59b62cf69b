// Package main runs the semroute message pipeline router: it subscribes to
// an MQTT or NATS broker, routes each message through the pipelines whose
// topic pattern matches, and serves an administrative HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pvorotnikov/open-iot-sub001/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semroute"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	slog.Info("Starting semroute",
		"version", Version,
		"build_time", BuildTime,
		"config", cliCfg.ConfigPaths,
		"transport", cfg.Transport.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cliCfg.Validate {
		return validateOnly(ctx, cfg, logger)
	}

	shutdownTimeout := cfg.Admin.ShutdownTimeout
	if cliCfg.ShutdownTimeout > 0 {
		shutdownTimeout = cliCfg.ShutdownTimeout
	}

	a, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.buildBroker(); err != nil {
		_ = a.shutdown(shutdownTimeout)
		return err
	}
	if err := a.start(ctx); err != nil {
		if shutdownErr := a.shutdown(shutdownTimeout); shutdownErr != nil {
			slog.Warn("Cleanup after failed start incomplete", "error", shutdownErr)
		}
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal", "timeout", shutdownTimeout)

	if err := a.shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("semroute shutdown complete")
	return nil
}

// loadConfig layers the config files and environment, then applies flag overrides
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.SeedFile != "" {
		cfg.Definitions.SeedFile = cliCfg.SeedFile
	}
	return cfg, nil
}

// validateOnly installs the configured modules and applies the seed file to
// in-memory stores without touching any broker
func validateOnly(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdownModules(ctx)

	doc, ok, err := a.seedDocument()
	if err != nil {
		return err
	}
	if ok {
		if err := a.stores.Apply(doc); err != nil {
			return fmt.Errorf("apply definitions: %w", err)
		}
	}

	slog.Info("Configuration is valid",
		"modules", cfg.ModuleIDs(),
		"tags", len(doc.Tags),
		"rules", len(doc.Rules),
		"pipelines", len(doc.Pipelines))
	return nil
}
