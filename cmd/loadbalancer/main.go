// Load balancer server. Serves the virtual BBB API in front of the fleet
// and runs the background health poller.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/conferencetools/bbb-loadbalancer/pkg/api"
	"github.com/conferencetools/bbb-loadbalancer/pkg/balancer"
	"github.com/conferencetools/bbb-loadbalancer/pkg/config"
	"github.com/conferencetools/bbb-loadbalancer/pkg/database"
	"github.com/conferencetools/bbb-loadbalancer/pkg/metrics"
	"github.com/conferencetools/bbb-loadbalancer/pkg/migrator"
	"github.com/conferencetools/bbb-loadbalancer/pkg/placement"
	"github.com/conferencetools/bbb-loadbalancer/pkg/player"
	"github.com/conferencetools/bbb-loadbalancer/pkg/poller"
	"github.com/conferencetools/bbb-loadbalancer/pkg/registry"
	"github.com/conferencetools/bbb-loadbalancer/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogger writes structured logs to stderr and, when a log directory is
// configured, to a file as well.
func setupLogger(logDir string) *slog.Logger {
	var out io.Writer = os.Stderr
	if logDir != "" {
		path := filepath.Join(logDir, "loadbalancer.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("Could not open log file, logging to stderr only",
				"path", path, "error", err)
		} else {
			out = io.MultiWriter(os.Stderr, file)
		}
	}
	return slog.New(slog.NewTextHandler(out, nil))
}

func main() {
	configPath := flag.String("config",
		getEnv("LOADBALANCER_CONFIG", "./config.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env next to the config file, if present.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogDir)
	slog.SetDefault(logger)

	logger.Info("Starting load balancer",
		"version", version.Full(),
		"http_port", httpPort,
		"hostname", cfg.Hostname)

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	reg := registry.New(dbClient.DB())
	picker := placement.New(reg)
	bal := balancer.New(reg, picker, cfg.Hostname, cfg.Secret, logger)
	mig := migrator.New(reg, picker, bal, logger)
	playerClient := player.New(cfg.Player.APIURL, cfg.Player.RCPSecret)
	m := metrics.New()

	healthPoller := poller.New(cfg, reg, mig, m, logger)
	healthPoller.Start(ctx)
	defer healthPoller.Stop()

	gateway := api.NewServer(cfg, dbClient.DB(), reg, bal, mig, playerClient, m, logger)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
