// labfeedd is the experiment feed server daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labfeed/labfeed/config"
	"github.com/labfeed/labfeed/internal/coordinator"
	"github.com/labfeed/labfeed/internal/loader"
	"github.com/labfeed/labfeed/internal/logging"
	"github.com/labfeed/labfeed/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "registry database path (overrides config)")
	dataDir := flag.String("data-dir", "", "sample data directory (overrides config)")
	token := flag.String("token", "", "admin auth token (or LABFEED_TOKEN env)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON lines")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = loader.DefaultConfig()
		} else {
			slog.Error("load config failed", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Registry.Path = *dbPath
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logJSON {
		cfg.Log.JSON = true
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("LABFEED_TOKEN")
	}
	if authToken != "" && len(cfg.Auth.Tokens) == 0 {
		cfg.Auth.Tokens = []loader.TokenConfig{{User: "admin", Token: authToken, Admin: true}}
	}

	logging.Init(parseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("labfeedd")
	log.Info("starting", "version", Version)

	if err := loader.Validate(cfg); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// =========================================================================
	// Durable Storage and Coordinator
	// =========================================================================

	log.Info("opening durable store", "dir", cfg.SegmentDir())
	durableStore, err := loader.OpenDurable(cfg)
	if err != nil {
		log.Error("open durable store failed", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.New(loader.ToCoordinatorConfig(cfg, durableStore))
	if err != nil {
		log.Error("create coordinator failed", "error", err)
		os.Exit(1)
	}
	if err := coord.Start(context.Background()); err != nil {
		log.Error("start coordinator failed", "error", err)
		os.Exit(1)
	}
	log.Info("coordinator started",
		"registry", cfg.Registry.Path, "wal", cfg.WALDir())

	// =========================================================================
	// Server
	// =========================================================================

	srv := server.New(loader.ToServerConfig(cfg, coord))

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")

		// Stop accepting new work first.
		srv.Shutdown()

		// Drain the store: final flush of all feeds, bounded. Anything
		// not flushed in time stays recoverable from the WAL.
		drain := time.Duration(cfg.Shutdown.DrainTimeoutSec) * time.Second
		if drain <= 0 {
			drain = time.Duration(config.DefaultDrainTimeoutSec) * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := coord.Stop(ctx); err != nil {
			log.Warn("coordinator stop", "error", err)
		}

		if err := durableStore.Close(); err != nil {
			log.Warn("durable store close", "error", err)
		}
	}()

	// =========================================================================
	// Run
	// =========================================================================

	log.Info("listening", "address", cfg.Listen)
	if err := srv.Run(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
