package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signal-gateway/internal/config"
	"signal-gateway/pkg/types"
)

// Alpaca talks to an Alpaca v2 trading account. The v2 dialect: direction
// rides on a side field with an unsigned qty, prices travel as JSON numbers,
// protective levels promote the order to a bracket, and every reply is an
// order entity keyed by a status string.
type Alpaca struct {
	http   *resty.Client
	cfg    *config.Store
	rl     *Limiter
	logger *slog.Logger
}

// NewAlpaca builds the v2 client. All three of api_key_id, api_secret_key
// and base_url must be configured (file tree or environment).
func NewAlpaca(cfg *config.Store, logger *slog.Logger) (*Alpaca, error) {
	keyID := cfg.GetString("brokers.alpaca.api_key_id", "")
	secretKey := cfg.GetString("brokers.alpaca.api_secret_key", "")
	baseURL := cfg.GetString("brokers.alpaca.base_url", "")
	if keyID == "" || secretKey == "" || baseURL == "" {
		return nil, errors.New("alpaca: api_key_id, api_secret_key and base_url must all be configured")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(mutationTimeout).
		SetHeader("APCA-API-KEY-ID", keyID).
		SetHeader("APCA-API-SECRET-KEY", secretKey).
		SetHeader("Content-Type", "application/json")

	return &Alpaca{
		http:   httpClient,
		cfg:    cfg,
		rl:     newAlpacaLimiter(),
		logger: logger.With("component", "broker", "broker", "alpaca"),
	}, nil
}

// Name identifies the integration.
func (a *Alpaca) Name() string { return "alpaca" }

// CheckConnection succeeds exactly when the account document is readable.
func (a *Alpaca) CheckConnection(ctx context.Context) error {
	_, err := a.GetAccountSummary(ctx)
	return err
}

// GetAccountSummary returns GET /v2/account verbatim.
func (a *Alpaca) GetAccountSummary(ctx context.Context) (json.RawMessage, error) {
	if err := a.rl.Read.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: account summary: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	resp, err := a.http.R().
		SetContext(ctx).
		Get("/v2/account")
	if err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: account summary: %v", err))
	}
	if resp.IsError() {
		return nil, a.replyError(resp, "account summary")
	}
	return resp.Body(), nil
}

// alpacaOrder is the v2 order body. Numeric fields use json.Number so exact
// decimals serialize as JSON numbers, matching the v2 convention.
type alpacaOrder struct {
	Symbol      string            `json:"symbol"`
	Qty         json.Number       `json:"qty"`
	Side        string            `json:"side"`
	Type        string            `json:"type"`
	TimeInForce string            `json:"time_in_force"`
	LimitPrice  json.Number       `json:"limit_price,omitempty"`
	StopPrice   json.Number       `json:"stop_price,omitempty"`
	OrderClass  string            `json:"order_class,omitempty"`
	StopLoss    *alpacaStopLoss   `json:"stop_loss,omitempty"`
	TakeProfit  *alpacaTakeProfit `json:"take_profit,omitempty"`
}

type alpacaStopLoss struct {
	StopPrice json.Number `json:"stop_price"`
}

type alpacaTakeProfit struct {
	LimitPrice json.Number `json:"limit_price"`
}

// sideAndQty splits signed units into the v2 side/qty pair.
func sideAndQty(units decimal.Decimal) (string, json.Number) {
	if units.IsNegative() {
		return "sell", json.Number(units.Neg().String())
	}
	return "buy", json.Number(units.String())
}

// PlaceMarketOrder submits a day market order.
func (a *Alpaca) PlaceMarketOrder(ctx context.Context, instrument string, units decimal.Decimal, br Brackets) (json.RawMessage, error) {
	side, qty := sideAndQty(units)
	order := alpacaOrder{
		Symbol:      instrument,
		Qty:         qty,
		Side:        side,
		Type:        "market",
		TimeInForce: "day",
	}
	a.attachBrackets(&order, br)
	return a.submit(ctx, order)
}

// PlaceLimitOrder submits a resting limit order at price.
func (a *Alpaca) PlaceLimitOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error) {
	side, qty := sideAndQty(units)
	order := alpacaOrder{
		Symbol:      instrument,
		Qty:         qty,
		Side:        side,
		Type:        "limit",
		TimeInForce: a.restingTIF(),
		LimitPrice:  json.Number(price.String()),
	}
	a.attachBrackets(&order, br)
	return a.submit(ctx, order)
}

// PlaceStopOrder submits a stop order triggering at price.
func (a *Alpaca) PlaceStopOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error) {
	side, qty := sideAndQty(units)
	order := alpacaOrder{
		Symbol:      instrument,
		Qty:         qty,
		Side:        side,
		Type:        "stop",
		TimeInForce: a.restingTIF(),
		StopPrice:   json.Number(price.String()),
	}
	a.attachBrackets(&order, br)
	return a.submit(ctx, order)
}

// restingTIF is the v2 lowercase time-in-force for limit and stop orders.
func (a *Alpaca) restingTIF() string {
	return strings.ToLower(a.cfg.GetString("trading.defaults.time_in_force", "gtc"))
}

// attachBrackets promotes the order to order_class bracket when protective
// levels were requested.
func (a *Alpaca) attachBrackets(order *alpacaOrder, br Brackets) {
	if br.StopLoss == nil && br.TakeProfit == nil {
		return
	}
	order.OrderClass = "bracket"
	if br.StopLoss != nil {
		order.StopLoss = &alpacaStopLoss{StopPrice: json.Number(br.StopLoss.String())}
	}
	if br.TakeProfit != nil {
		order.TakeProfit = &alpacaTakeProfit{LimitPrice: json.Number(br.TakeProfit.String())}
	}
}

func (a *Alpaca) submit(ctx context.Context, order alpacaOrder) (json.RawMessage, error) {
	if err := a.rl.Mutate.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: place order: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	a.logger.Info("placing order",
		"type", order.Type, "symbol", order.Symbol, "side", order.Side, "qty", order.Qty)

	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(order).
		Post("/v2/orders")
	if err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: place order: %v", err))
	}
	if resp.IsError() {
		return nil, a.replyError(resp, "place order")
	}
	return resp.Body(), nil
}

// CancelOrder issues DELETE /v2/orders/{orderID}. v2 answers 204 No Content,
// so an empty 2xx synthesizes the cancellation_requested ack the classifier
// recognizes.
func (a *Alpaca) CancelOrder(ctx context.Context, brokerOrderID string) (json.RawMessage, error) {
	if err := a.rl.Mutate.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: cancel order: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	a.logger.Info("cancelling order", "broker_order_id", brokerOrderID)

	resp, err := a.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + brokerOrderID)
	if err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: cancel order: %v", err))
	}
	if resp.IsError() {
		return nil, a.replyError(resp, "cancel order")
	}
	if body := bytes.TrimSpace(resp.Body()); len(body) > 0 {
		return body, nil
	}
	reply, err := json.Marshal(map[string]string{
		"status":   "cancellation_requested",
		"order_id": brokerOrderID,
	})
	if err != nil {
		return nil, internalError(resp.StatusCode(), nil,
			fmt.Sprintf("alpaca: cancel order: encode ack: %v", err))
	}
	return reply, nil
}

// GetOrderStatus returns GET /v2/orders/{orderID} verbatim.
func (a *Alpaca) GetOrderStatus(ctx context.Context, brokerOrderID string) (json.RawMessage, error) {
	if err := a.rl.Read.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: order status: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	resp, err := a.http.R().
		SetContext(ctx).
		Get("/v2/orders/" + brokerOrderID)
	if err != nil {
		return nil, transportError(fmt.Sprintf("alpaca: order status: %v", err))
	}
	if resp.IsError() {
		return nil, a.replyError(resp, "order status")
	}
	return resp.Body(), nil
}

// replyError classifies a non-2xx answer: v2 error bodies carry a message
// field; anything without one is an internal error.
func (a *Alpaca) replyError(resp *resty.Response, op string) *Error {
	body := resp.Body()
	var details struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &details); err == nil && details.Message != "" {
		return refusalError(resp.StatusCode(), body,
			fmt.Sprintf("alpaca: %s refused: %s", op, details.Message))
	}
	return internalError(resp.StatusCode(), body,
		fmt.Sprintf("alpaca: %s: status %d: %s", op, resp.StatusCode(), resp.String()))
}

// ClassifyReply maps a v2 order entity (or the synthesized cancel ack) onto
// the normalized outcome. v2 reports filled_qty unsigned with direction on
// side, so sells negate the quantity before it reaches the books.
func (a *Alpaca) ClassifyReply(reply json.RawMessage) types.Outcome {
	if len(reply) == 0 {
		return types.UnrecognizedOutcome(reply)
	}
	var msg struct {
		ID             string          `json:"id"`
		ClientOrderID  string          `json:"client_order_id"`
		Status         string          `json:"status"`
		Side           string          `json:"side"`
		FilledQty      decimal.Decimal `json:"filled_qty"`
		FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
		OrderID        string          `json:"order_id"`
	}
	if err := json.Unmarshal(reply, &msg); err != nil {
		return types.UnrecognizedOutcome(reply)
	}

	if msg.Status == "cancellation_requested" && msg.OrderID != "" {
		return types.CancelAckOutcome(msg.OrderID, "", reply)
	}
	if msg.ID == "" || msg.ClientOrderID == "" {
		return types.UnrecognizedOutcome(reply)
	}
	switch msg.Status {
	case "accepted", "new", "pending_new":
		return types.AcceptedOutcome(msg.ID, reply)
	case "filled":
		qty := msg.FilledQty
		if msg.Side == "sell" {
			qty = qty.Neg()
		}
		return types.FillOutcome(msg.ID, "", msg.FilledAvgPrice, qty, reply)
	default:
		return types.UnrecognizedOutcome(reply)
	}
}
