package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialcast/dialcast/internal/agent"
	"github.com/dialcast/dialcast/internal/api"
	"github.com/dialcast/dialcast/internal/archive"
	"github.com/dialcast/dialcast/internal/campaign"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/hub"
	"github.com/dialcast/dialcast/internal/lifecycle"
	"github.com/dialcast/dialcast/internal/metrics"
	"github.com/dialcast/dialcast/internal/recording"
	"github.com/dialcast/dialcast/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))

	slog.Info("starting dialcast",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_base_url", cfg.PublicBaseURL,
	)

	if cfg.PublicBaseURL == "" {
		slog.Warn("no public-base-url configured, carrier callbacks and media streams will not reach this server")
	}

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := database.NewStore(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	startTime := time.Now()

	// Realtime fan-out hub and transcript typewriter.
	h := hub.New()
	typewriter := hub.NewTypewriter(h)

	// Carrier and agent provider clients.
	dialer := telephony.NewClient(cfg.CarrierAccountSID, cfg.CarrierAuthToken, cfg.CarrierAPIBase)
	agentClient := agent.NewClient(cfg.AgentAPIKey, cfg.AgentAPIBase)

	// Call lifecycle manager with the carrier-facing callback URLs.
	manager := lifecycle.NewManager(dialer, store, h, lifecycle.URLs{
		MediaStream:       cfg.MediaStreamURL(),
		StatusCallback:    cfg.StatusCallbackURL(),
		RecordingCallback: cfg.RecordingCallbackURL(),
	})

	// Campaign scheduler; finalized calls feed back into their runner.
	scheduler := campaign.NewScheduler(store, manager, h)
	manager.OnFinalized(scheduler.CallFinalized)

	// Local recording cache with optional retention cleanup.
	cache, err := recording.NewCache(filepath.Join(cfg.DataDir, "recordings"), dialer)
	if err != nil {
		slog.Error("failed to create recording cache", "error", err)
		os.Exit(1)
	}
	recording.StartCleanupTicker(appCtx, store.Recordings, cache, cfg.RecordingMaxDays, time.Hour)

	// Optional long-term event archive in PostgreSQL.
	if cfg.EventArchiveDSN != "" {
		arch, err := archive.New(cfg.EventArchiveDSN)
		if err != nil {
			slog.Error("failed to open event archive", "error", err)
			os.Exit(1)
		}
		defer arch.Close()
		go arch.Run(appCtx, store.CallEvents)
	}

	// Prometheus registry: call/subscriber gauges plus bridge counters.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(manager, store.Calls, h, startTime))
	bridgeMetrics := metrics.NewBridgeMetrics(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		Store:         store,
		Config:        cfg,
		Manager:       manager,
		Scheduler:     scheduler,
		Hub:           h,
		Typewriter:    typewriter,
		Agent:         agentClient,
		Recordings:    cache,
		BridgeMetrics: bridgeMetrics,
		Metrics:       metricsHandler,
		JWTSecret:     jwtSecret,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// Media streams and dashboard sockets are long-lived; no write
		// timeout, the WS handlers enforce their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: stop accepting work, hang up active calls, drain
	// transcript streams, then close the HTTP listener.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down")
	scheduler.Shutdown()
	manager.Shutdown(ctx)
	typewriter.Wait()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("dialcast stopped")
}
