package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"signal-gateway/internal/broker"
	"signal-gateway/internal/config"
	"signal-gateway/internal/position"
	"signal-gateway/internal/store"
)

// Server runs the gateway's HTTP and WebSocket surface
type Server struct {
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Store,
	st *store.Store,
	pos *position.View,
	b broker.Broker,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, st, pos, b, hub, logger)

	mux := http.NewServeMux()

	// Signal ingress
	mux.HandleFunc("POST /webhook", handlers.HandleWebhook)
	mux.HandleFunc("POST /orders", handlers.HandleManualOrder)

	// Order lifecycle
	mux.HandleFunc("GET /orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /orders/{internal_id}", handlers.HandleGetOrder)
	mux.HandleFunc("POST /orders/{internal_id}/cancel", handlers.HandleCancelOrder)

	// Positions
	mux.HandleFunc("GET /positions", handlers.HandlePositions)
	mux.HandleFunc("GET /positions/{instrument}", handlers.HandlePosition)

	// Configuration and diagnostics
	mux.HandleFunc("GET /config", handlers.HandleGetConfig)
	mux.HandleFunc("POST /config", handlers.HandleUpdateConfig)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /broker/status", handlers.HandleBrokerStatus)

	// Order event stream
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	sc := cfg.ServerConfig()
	addr := net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port))

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		// No blanket read/write timeouts: /ws connections are long-lived and
		// order submission legitimately waits out a 15s broker round-trip.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		hub:      hub,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the API server and the stream hub, blocking until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("gateway server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server, then the stream hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	return err
}
