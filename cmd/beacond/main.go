package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BeaconWorks/beacon/config"
	"github.com/BeaconWorks/beacon/gateway"
	"github.com/BeaconWorks/beacon/keystore"
	"github.com/BeaconWorks/beacon/ratelimit"
	"github.com/BeaconWorks/beacon/tokens"
	"github.com/fatih/color"
)

func main() {
	var (
		configFile string
		genConfig  string
		debug      bool
	)

	fs := flag.NewFlagSet("beacond", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "beacon.yaml", "Path to the gateway configuration file.")
	fs.StringVar(&genConfig, "new-cfg", "", "Generate a fresh configuration file to a given path and exit.")
	fs.BoolVar(&debug, "debug", false, "Enable debug logging.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if genConfig != "" {
		if err := config.Generate().Save(genConfig); err != nil {
			color.HiRed("Failed to generate configuration: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated configuration at %s\n", color.CyanString(genConfig))
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", gateway.ServiceName)
	slog.SetDefault(logger)

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configFile, "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, initiating shutdown...", "signal", sig)
		appCancel()
	}()

	keys := keystore.New(keystore.Config{
		Logger:                    logger.With("component", "keystore"),
		SnapshotPath:              cfg.SnapshotPath,
		Debounce:                  cfg.PersistDebounce,
		DefaultRateLimitPerMinute: cfg.RateLimits.RequestsPerMinute,
		DefaultBurst:              cfg.RateLimits.Burst,
	})
	if err := keys.Load(os.Getenv(config.EnvBootstrapKeys)); err != nil {
		if errors.Is(err, keystore.ErrNoKeys) {
			color.HiRed("No API keys available. Provide a snapshot at %s or set %s.", cfg.SnapshotPath, config.EnvBootstrapKeys)
		}
		logger.Error("Failed to load API keys", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := keys.Close(); err != nil {
			logger.Error("Failed to flush key snapshot on shutdown", "error", err)
		}
	}()

	core := gateway.New(
		appCtx,
		logger.With("component", "gateway"),
		cfg,
		keys,
		ratelimit.NewRegistry(logger.With("component", "ratelimit")),
		tokens.NewHMAC([]byte(cfg.Secret), cfg.TokenTTL),
	)

	scheme := "http"
	if cfg.TLS.Cert != "" {
		scheme = "https"
	}
	color.HiGreen("%s %s listening on %s://%s", gateway.ServiceName, gateway.Version, scheme, cfg.Binding)

	if err := core.Run(); err != nil {
		logger.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Application exiting.")
}
