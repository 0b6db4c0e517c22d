package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/config"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/database"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/model"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/stream"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/version"
	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = "streamd-" + uuid.NewString()[:8]
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stream_url", cfg.Stream.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Stream manager
	streamCfg := stream.Config{
		URL:               cfg.Stream.URL,
		Token:             cfg.Stream.Token,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		MaxReconnectDelay: cfg.Stream.MaxReconnectDelay,
		BackoffFactor:     cfg.Stream.BackoffFactor,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		AckTimeout:        cfg.Stream.AckTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		BufferSize:        cfg.Stream.BufferSize,
	}
	manager := stream.NewManager(streamCfg, logger.With("component", "stream"))

	// Writers
	writerCfg := writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		BufferSize:    cfg.Writers.BufferSize,
	}
	signalWriter := writer.NewSignalWriter(writerCfg, pool, logger.With("component", "signal_writer"))
	tradeWriter := writer.NewTradeWriter(writerCfg, pool, logger.With("component", "trade_writer"))

	if err := signalWriter.Start(ctx); err != nil {
		logger.Error("failed to start signal writer", "error", err)
		os.Exit(1)
	}
	if err := tradeWriter.Start(ctx); err != nil {
		logger.Error("failed to start trade writer", "error", err)
		os.Exit(1)
	}

	// Route stream events into the writers
	manager.On("signal", func(ev stream.Event) {
		s, err := model.DecodeSignal(ev.Payload)
		if err != nil {
			logger.Warn("bad signal payload", "error", err)
			return
		}
		signalWriter.Enqueue(s)
	})
	manager.On("trade", func(ev stream.Event) {
		t, err := model.DecodeTrade(ev.Payload)
		if err != nil {
			logger.Warn("bad trade payload", "error", err)
			return
		}
		tradeWriter.Enqueue(t)
	})
	manager.On("strategy_status", func(ev stream.Event) {
		s, err := model.DecodeStrategyStatus(ev.Payload)
		if err != nil {
			logger.Warn("bad strategy_status payload", "error", err)
			return
		}
		logger.Info("strategy status", "status", s.Status, "detail", s.Detail)
	})
	manager.On(stream.EventError, func(ev stream.Event) {
		logger.Warn("stream error event", "detail", string(ev.Payload))
	})

	// Metrics and health server
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	mux.Handle("/health", healthHandler(pool, manager))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Connect the stream; reconnection is handled internally
	manager.Connect()

	logger.Info("streamd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	manager.Disconnect()
	manager.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	signalWriter.Stop(shutdownCtx)
	tradeWriter.Stop(shutdownCtx)
	httpServer.Shutdown(shutdownCtx)

	logger.Info("streamd stopped")
}

// healthHandler reports database and stream connectivity.
func healthHandler(pool *pgxpool.Pool, manager *stream.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		if manager.IsConnected() {
			health.Components["stream"] = "connected"
		} else {
			health.Components["stream"] = "reconnecting"
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}
