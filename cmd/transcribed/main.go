package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"elida-transcribe/internal/config"
	"elida-transcribe/internal/control"
	"elida-transcribe/internal/convmanager"
	"elida-transcribe/internal/convstore"
	"elida-transcribe/internal/external"
	"elida-transcribe/internal/lockservice"
	"elida-transcribe/internal/audio/provider"
	"elida-transcribe/internal/session"
	"elida-transcribe/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/transcribe.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting transcription core",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"lock_store", cfg.Lock.Store,
		"stt_default_provider", cfg.STT.DefaultProvider,
	)

	var lock lockservice.Lock
	var redisLock *lockservice.RedisLock
	switch cfg.Lock.Store {
	case "redis":
		redisLock, err = lockservice.NewRedisLock(cfg.Lock)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		lock = redisLock
		slog.Info("using Redis lock service", "addr", cfg.Lock.Addr)
	default:
		lock = lockservice.NewMemoryLock()
		slog.Info("using in-memory lock service")
	}

	dataDir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "error", err, "path", dataDir)
		os.Exit(1)
	}
	store, err := convstore.New(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to initialize conversation store", "error", err)
		os.Exit(1)
	}
	slog.Info("conversation store opened", "path", cfg.Store.Path)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	users := external.NewMemoryUserStore()
	notifier := external.NoopNotifier{}
	usage := external.NoopUsageSink{}
	vision := external.NoopVisionDescriber{}
	profiles := external.NoopProfileStorage{}
	geo := external.NoopGeoResolver{}
	downstream := external.IdentityProcessor{}
	integrations := external.NoopIntegrationsTrigger{}

	manager := convmanager.New(store, lock, downstream, integrations, geo, *cfg)

	table := provider.NewDefaultTable(cfg.STT)

	registry := session.NewRegistry()
	listenHandler := session.NewHandler(*cfg, table, manager, registry, users, notifier, usage, vision, profiles, tp)

	controlHandler := control.NewWithAuth(registry, cfg.Control.Enabled && os.Getenv("TRANSCRIBE_CONTROL_API_KEY") != "", os.Getenv("TRANSCRIBE_CONTROL_API_KEY"))

	listenServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      listenHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming connections must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("listen server starting", "addr", cfg.Listen)
		if err := listenServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("listen server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := listenServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("listen server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	if redisLock != nil {
		if err := redisLock.Close(); err != nil {
			slog.Error("redis lock close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("conversation store close error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("transcription core stopped")
}
