package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"signal-gateway/internal/broker"
	"signal-gateway/internal/config"
	"signal-gateway/internal/position"
	"signal-gateway/internal/signal"
	"signal-gateway/internal/store"
	"signal-gateway/pkg/types"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	cfg       *config.Store
	store     *store.Store
	positions *position.View
	broker    broker.Broker
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Store, st *store.Store, pos *position.View, b broker.Broker, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		store:     st,
		positions: pos,
		broker:    b,
		hub:       hub,
		logger:    logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple liveness response. It touches no dependency,
// so it stays useful when the broker or store is down.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.logger, map[string]string{
		"status":  "ok",
		"message": "Signal gateway is running.",
	})
}

// HandleWebhook ingests an automated trade signal. The shared secret is
// enforced when configured.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingestSignal(w, r, true, http.StatusOK)
}

// HandleManualOrder ingests an operator-submitted signal. Same pipeline as
// the webhook, but no secret check and a 201 on success.
func (h *Handlers) HandleManualOrder(w http.ResponseWriter, r *http.Request) {
	h.ingestSignal(w, r, false, http.StatusCreated)
}

// ingestSignal runs the full pipeline: decode, authenticate, validate,
// persist, submit to the broker, reconcile the reply, respond.
func (h *Handlers) ingestSignal(w http.ResponseWriter, r *http.Request, checkSecret bool, successCode int) {
	receivedAt := types.Now()

	if !isJSONRequest(r) {
		h.writeError(w, http.StatusBadRequest, "Request was not JSON")
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var sig map[string]any
	if err := dec.Decode(&sig); err != nil {
		h.writeError(w, http.StatusBadRequest, "Request body is not valid JSON: "+err.Error())
		return
	}

	if checkSecret {
		if secret := h.cfg.GetString("webhook_server.shared_secret", ""); secret != "" {
			got, _ := sig["webhook_secret"].(string)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				h.logger.Warn("webhook rejected: invalid shared secret", "remote_addr", r.RemoteAddr)
				h.writeError(w, http.StatusForbidden, "Unauthorized: Invalid webhook secret in payload")
				return
			}
		}
		// Never let the secret reach the stored signal.
		delete(sig, "webhook_secret")
	}

	params, err := signal.Process(sig, h.cfg)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Signal processing error: "+err.Error())
		return
	}

	rawSignal, err := json.Marshal(sig)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Request body is not valid JSON: "+err.Error())
		return
	}

	// From here on the work must survive a caller disconnect: once an order
	// record exists, the broker call and its result have to be recorded
	// regardless of whether anyone is still waiting on the response.
	opCtx := context.WithoutCancel(r.Context())

	order, err := h.store.Create(opCtx, receivedAt, rawSignal, params)
	if err != nil {
		h.logger.Error("failed to create order record", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create internal order record.")
		return
	}
	h.hub.BroadcastEvent(newOrderEvent(eventOrderCreated, order))

	h.logger.Info("submitting order",
		"internal_id", order.InternalID,
		"instrument", params.Instrument,
		"units", params.Units,
		"type", params.OrderType)

	reply, callErr := h.placeOrder(opCtx, params)
	outcome := broker.Reconcile(h.broker, reply, callErr)

	updated, applyErr := h.store.ApplyReply(opCtx, order.InternalID, outcome)
	if applyErr != nil {
		h.logger.Error("failed to record broker reply, manual reconciliation required",
			"internal_id", order.InternalID,
			"outcome", outcome.Kind,
			"reason", outcome.Reason,
			"reply", string(outcome.Reply),
			"error", applyErr)
		writeJSON(w, http.StatusInternalServerError, h.logger, orderResult{
			Status:          statusError,
			Message:         "Order submitted but the result could not be recorded. Manual reconciliation required.",
			InternalOrderID: order.InternalID,
			BrokerReply:     outcome.Reply,
		})
		return
	}
	h.hub.BroadcastEvent(newOrderEvent(eventOrderUpdated, updated))

	switch outcome.Kind {
	case types.OutcomeRejected, types.OutcomeFailed:
		h.logger.Warn("order not placed",
			"internal_id", updated.InternalID,
			"status", updated.Status,
			"reason", updated.ErrorMessage)
		writeJSON(w, http.StatusBadGateway, h.logger, orderResult{
			Status:          statusError,
			Message:         "Broker order placement failed.",
			InternalOrderID: updated.InternalID,
			BrokerError:     updated.ErrorMessage,
			BrokerReply:     updated.BrokerReply,
		})
	default:
		h.logger.Info("order processed",
			"internal_id", updated.InternalID,
			"status", updated.Status,
			"broker_order_id", updated.BrokerOrderID)
		writeJSON(w, successCode, h.logger, orderResult{
			Status:          statusSuccess,
			Message:         "Trade signal processed and order submitted to broker.",
			InternalOrderID: updated.InternalID,
			BrokerReply:     updated.BrokerReply,
		})
	}
}

// placeOrder dispatches on order type. Price is guaranteed non-nil for
// LIMIT and STOP by signal validation.
func (h *Handlers) placeOrder(ctx context.Context, p types.Params) (json.RawMessage, error) {
	br := broker.Brackets{StopLoss: p.StopLoss, TakeProfit: p.TakeProfit}
	switch p.OrderType {
	case types.Limit:
		return h.broker.PlaceLimitOrder(ctx, p.Instrument, p.Units, *p.Price, br)
	case types.Stop:
		return h.broker.PlaceStopOrder(ctx, p.Instrument, p.Units, *p.Price, br)
	default:
		return h.broker.PlaceMarketOrder(ctx, p.Instrument, p.Units, br)
	}
}

// HandleListOrders returns every order record, newest first.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read orders.")
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, h.logger, ordersResponse{Status: statusSuccess, Orders: orders})
}

// HandleGetOrder returns one order by its internal id.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	internalID := r.PathValue("internal_id")
	order, err := h.store.Get(r.Context(), internalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		h.logger.Error("failed to read order", "internal_id", internalID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read order.")
		return
	}
	writeJSON(w, http.StatusOK, h.logger, orderResponse{Status: statusSuccess, Order: order})
}

// HandleCancelOrder cancels a resting order at the broker and records the
// result. Only ORDER_ACCEPTED records with a broker order id qualify.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	internalID := r.PathValue("internal_id")
	order, err := h.store.Get(r.Context(), internalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		h.logger.Error("failed to read order", "internal_id", internalID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to read order.")
		return
	}

	if order.BrokerOrderID == "" {
		h.writeError(w, http.StatusBadRequest, "Order has no broker order id; there is nothing to cancel.")
		return
	}
	if order.Status != types.StatusOrderAccepted {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Order in status %s cannot be cancelled.", order.Status))
		return
	}

	opCtx := context.WithoutCancel(r.Context())
	reply, callErr := h.broker.CancelOrder(opCtx, order.BrokerOrderID)
	outcome := broker.Reconcile(h.broker, reply, callErr)

	updated, applyErr := h.store.ApplyReply(opCtx, internalID, outcome)
	if applyErr != nil {
		if errors.Is(applyErr, store.ErrConflict) {
			// The order settled between the status check and the cancel ack,
			// e.g. it filled first. The settled record wins.
			h.logger.Warn("cancel raced a settlement",
				"internal_id", internalID, "status", updated.Status)
			writeJSON(w, http.StatusConflict, h.logger, orderResult{
				Status:          statusError,
				Message:         fmt.Sprintf("Order already settled as %s; cancel result not applied.", updated.Status),
				InternalOrderID: internalID,
				BrokerReply:     updated.BrokerReply,
			})
			return
		}
		h.logger.Error("failed to record broker reply, manual reconciliation required",
			"internal_id", internalID,
			"outcome", outcome.Kind,
			"reason", outcome.Reason,
			"reply", string(outcome.Reply),
			"error", applyErr)
		writeJSON(w, http.StatusInternalServerError, h.logger, orderResult{
			Status:          statusError,
			Message:         "Cancel submitted but the result could not be recorded. Manual reconciliation required.",
			InternalOrderID: internalID,
			BrokerReply:     outcome.Reply,
		})
		return
	}
	h.hub.BroadcastEvent(newOrderEvent(eventOrderUpdated, updated))

	switch outcome.Kind {
	case types.OutcomeRejected, types.OutcomeFailed:
		writeJSON(w, http.StatusBadGateway, h.logger, orderResult{
			Status:          statusError,
			Message:         "Broker cancel failed.",
			InternalOrderID: internalID,
			BrokerError:     updated.ErrorMessage,
			BrokerReply:     updated.BrokerReply,
		})
	default:
		h.logger.Info("order cancelled",
			"internal_id", internalID, "status", updated.Status)
		writeJSON(w, http.StatusOK, h.logger, orderResult{
			Status:          statusSuccess,
			Message:         "Order cancellation processed.",
			InternalOrderID: internalID,
			BrokerReply:     updated.BrokerReply,
		})
	}
}

// HandlePositions returns net position per instrument, computed from fills.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	nets, err := h.positions.Positions(r.Context())
	if err != nil {
		h.logger.Error("failed to compute positions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to compute positions.")
		return
	}
	writeJSON(w, http.StatusOK, h.logger, positionsResponse{
		Status:    statusSuccess,
		Positions: positionsWire(nets),
	})
}

// HandlePosition returns one instrument's net position; flat reads as 0.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	instrument := strings.ToUpper(r.PathValue("instrument"))
	net, err := h.positions.Position(r.Context(), instrument)
	if err != nil {
		h.logger.Error("failed to compute position", "instrument", instrument, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to compute position.")
		return
	}
	writeJSON(w, http.StatusOK, h.logger, positionResponse{
		Status:     statusSuccess,
		Instrument: instrument,
		Position:   json.Number(net.String()),
	})
}

// HandleGetConfig returns the editable configuration tree. Environment
// overrides (credentials) never appear here.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.logger, configResponse{
		Status: statusSuccess,
		Config: h.cfg.FileTree(),
	})
}

// HandleUpdateConfig replaces the configuration file with the posted tree
// and reloads it.
func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if !isJSONRequest(r) {
		h.writeError(w, http.StatusBadRequest, "Request was not JSON")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Request body is not valid JSON: "+err.Error())
		return
	}
	// Accept both the bare tree and the {"config": {...}} envelope that GET
	// /config returns, so a client can round-trip the document.
	if len(body) == 1 {
		if inner, ok := body["config"].(map[string]any); ok {
			body = inner
		}
	}
	if err := h.cfg.Save(body); err != nil {
		h.logger.Error("failed to save config", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to save configuration: "+err.Error())
		return
	}
	h.logger.Info("configuration updated", "path", h.cfg.Path())
	writeJSON(w, http.StatusOK, h.logger, messageResponse{
		Status:  statusSuccess,
		Message: "Configuration saved. Changes to some settings (e.g. broker.name) require a restart to take full effect.",
	})
}

// HandleBrokerStatus probes the configured broker with an account summary
// request and reports reachability.
func (h *Handlers) HandleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	account, err := h.broker.GetAccountSummary(r.Context())
	if err != nil {
		h.logger.Warn("broker status check failed", "broker", h.broker.Name(), "error", err)
		writeJSON(w, http.StatusBadGateway, h.logger, brokerStatusResponse{
			Status:    statusError,
			Broker:    h.broker.Name(),
			Connected: false,
			Message:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.logger, brokerStatusResponse{
		Status:    statusSuccess,
		Broker:    h.broker.Name(),
		Connected: true,
		Account:   account,
	})
}

// HandleWebSocket upgrades the connection and creates a new order stream
// client. The client receives a state snapshot first, then live events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			allowed := h.cfg.GetStringSlice("webhook_server.allowed_origins", nil)
			return isOriginAllowed(r.Header.Get("Origin"), allowed, r.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Send initial snapshot to the client
	data, err := json.Marshal(newSnapshotEvent(h.buildSnapshot(r.Context())))
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

// isOriginAllowed applies the stream's origin policy. No Origin header means
// a non-browser client, which is allowed. An explicit allow-list, when
// configured, is authoritative. Otherwise local and same-host origins pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}

// isJSONRequest accepts application/json plus any +json media subtype.
func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func writeJSON(w http.ResponseWriter, code int, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, h.logger, messageResponse{Status: statusError, Message: message})
}
