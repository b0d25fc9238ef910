// Signal Gateway — an HTTP service that turns TradingView-style webhook
// alerts into broker orders.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	api/server.go       — HTTP surface: webhook + manual ingress, order/position/config endpoints, /ws stream
//	api/stream.go       — WebSocket hub pushing order lifecycle events to subscribers
//	signal/processor.go — validates raw signals against configured policy, normalizes to order params
//	broker/             — Oanda v20 and Alpaca v2 REST integrations behind one interface
//	store/store.go      — SQLite order journal; the durable system of record
//	position/           — net positions per instrument, derived from recorded fills
//	config/             — YAML file + env overlay for secrets, editable at runtime through the API
//
// A signal arrives, is validated and journaled, goes to exactly one broker,
// and the broker's reply is reconciled back onto the journal before the
// caller gets its answer. Positions are never mutated directly; they are a
// view over recorded fills, so they survive restarts with the journal.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signal-gateway/internal/api"
	"signal-gateway/internal/broker"
	"signal-gateway/internal/config"
	"signal-gateway/internal/position"
	"signal-gateway/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}
	envPath := ".env"
	if p := os.Getenv("GATEWAY_ENV_FILE"); p != "" {
		envPath = p
	}

	// Boot logger; replaced once the config says what the operator wants.
	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(cfgPath, envPath, bootLogger)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	sc := cfg.ServerConfig()
	opts := &slog.HandlerOptions{Level: parseLogLevel(sc.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(sc.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.GetString("store.path", "gateway_orders.db"), logger)
	if err != nil {
		logger.Error("failed to open order store", "error", err)
		os.Exit(1)
	}

	b, err := broker.New(cfg, logger)
	if err != nil {
		logger.Error("failed to configure broker", "error", err)
		os.Exit(1)
	}

	// Probe the broker but keep serving if it is down: signals still get
	// journaled, recording ERROR_SUBMITTING until the broker comes back.
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := b.CheckConnection(probeCtx); err != nil {
		logger.Warn("broker connection check failed", "broker", b.Name(), "error", err)
	} else {
		logger.Info("broker connection verified", "broker", b.Name())
	}
	cancel()

	srv := api.NewServer(cfg, st, position.NewView(st, logger), b, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("signal gateway started",
		"addr", srv.Addr(),
		"broker", b.Name(),
		"config", cfg.Path(),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := srv.Stop(); err != nil {
		logger.Error("failed to stop gateway server", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("failed to close order store", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
