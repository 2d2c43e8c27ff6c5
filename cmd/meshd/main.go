// Package main is the entry point for the mesh control daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/mesh"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runMesh(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("MESH_CONFIG_PATH", "configs/mesh.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("MESH_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("MESH_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avamesh version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration. A missing
// config file falls back to the defaults.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.MeshConfig {
	logger.Info("starting avamesh",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("config file not found, using defaults",
				observability.String("config", configPath))
			return config.DefaultConfig()
		}
		logger.Error("failed to load configuration", observability.Error(err))
		os.Exit(1)
	}

	if err := config.Validate(cfg); err != nil {
		logger.Error("invalid configuration", observability.Error(err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		observability.String("node", cfg.Node),
		observability.String("strategy", cfg.LoadBalancing.Strategy),
		observability.String("breaker_preset", cfg.CircuitBreaker.Preset),
		observability.Int("rate_limit_rules", len(cfg.RateLimit.Rules)),
		observability.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
	)

	return cfg
}

// application holds all application components.
type application struct {
	manager *mesh.Manager
	admin   *adminServer
	config  *config.MeshConfig
}

// initApplication initializes all application components.
func initApplication(cfg *config.MeshConfig, logger observability.Logger) *application {
	manager, err := mesh.New(cfg, mesh.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create mesh manager", observability.Error(err))
		os.Exit(1)
	}

	admin := newAdminServer(manager, cfg.Admin, logger)

	return &application{
		manager: manager,
		admin:   admin,
		config:  cfg,
	}
}

// runMesh runs the mesh and handles shutdown.
func runMesh(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	if err := app.manager.Start(ctx); err != nil {
		logger.Error("failed to start mesh manager", observability.Error(err))
		os.Exit(1)
	}

	app.admin.Start()
	startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	if !app.config.Metrics.Enabled {
		return
	}

	path := app.config.Admin.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	addr := app.config.Admin.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}

	go startMetricsServer(addr, path, logger)
}

// startConfigWatcher starts the configuration watcher. Config changes
// apply the load balancing strategy at runtime.
func startConfigWatcher(
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.MeshConfig) {
		logger.Info("configuration changed, reloading")
		if reloadErr := app.manager.SetStrategy(newCfg.LoadBalancing.Strategy); reloadErr != nil {
			logger.Error("failed to apply new strategy", observability.Error(reloadErr))
		}
		if reloadErr := app.manager.ApplyRateLimitRules(newCfg.RateLimit.Rules); reloadErr != nil {
			logger.Error("failed to apply new rate limit rules", observability.Error(reloadErr))
		}
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		app.config.Admin.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.admin.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop admin server gracefully", observability.Error(err))
	}

	app.manager.Stop()

	logger.Info("mesh stopped")
}

// startMetricsServer starts the metrics HTTP server.
func startMetricsServer(addr, path string, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
