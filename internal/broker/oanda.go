package broker

import (
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

// Oanda talks to an Oanda v20 account. The v20 dialect: one signed units
// string carries direction, order bodies ride inside an {"order": ...}
// wrapper, and replies encode the result in which transaction objects are
// present rather than in a status field.
type Oanda struct {
	http      *resty.Client
	cfg       *config.Store
	accountID string
	rl        *Limiter
	logger    *slog.Logger
}

// NewOanda builds the v20 client. All three of api_key, account_id and
// base_url must be configured (file tree or environment).
func NewOanda(cfg *config.Store, logger *slog.Logger) (*Oanda, error) {
	apiKey := cfg.GetString("brokers.oanda.api_key", "")
	accountID := cfg.GetString("brokers.oanda.account_id", "")
	baseURL := cfg.GetString("brokers.oanda.base_url", "")
	if apiKey == "" || accountID == "" || baseURL == "" {
		return nil, errors.New("oanda: api_key, account_id and base_url must all be configured")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(mutationTimeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")

	return &Oanda{
		http:      httpClient,
		cfg:       cfg,
		accountID: accountID,
		rl:        newOandaLimiter(),
		logger:    logger.With("component", "broker", "broker", "oanda"),
	}, nil
}

// Name identifies the integration.
func (o *Oanda) Name() string { return "oanda" }

// CheckConnection succeeds exactly when the account summary is readable.
func (o *Oanda) CheckConnection(ctx context.Context) error {
	_, err := o.GetAccountSummary(ctx)
	return err
}

// GetAccountSummary returns GET /v3/accounts/{id}/summary verbatim.
func (o *Oanda) GetAccountSummary(ctx context.Context) (json.RawMessage, error) {
	if err := o.rl.Read.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("oanda: account summary: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	resp, err := o.http.R().
		SetContext(ctx).
		Get("/v3/accounts/" + o.accountID + "/summary")
	if err != nil {
		return nil, transportError(fmt.Sprintf("oanda: account summary: %v", err))
	}
	if resp.IsError() {
		return nil, o.replyError(resp, "account summary")
	}
	return resp.Body(), nil
}

// oandaOrder is the v20 order body, sent inside an {"order": ...} wrapper.
// All numbers are decimal strings per the v20 wire convention.
type oandaOrder struct {
	Type             string      `json:"type"`
	Instrument       string      `json:"instrument"`
	Units            string      `json:"units"`
	Price            string      `json:"price,omitempty"`
	TimeInForce      string      `json:"timeInForce"`
	PositionFill     string      `json:"positionFill"`
	StopLossOnFill   *oandaLevel `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *oandaLevel `json:"takeProfitOnFill,omitempty"`
}

// oandaLevel is a protective price attached at fill time.
type oandaLevel struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
}

// PlaceMarketOrder submits a fill-or-kill market order.
func (o *Oanda) PlaceMarketOrder(ctx context.Context, instrument string, units decimal.Decimal, br Brackets) (json.RawMessage, error) {
	order := oandaOrder{
		Type:         "MARKET",
		Instrument:   instrument,
		Units:        units.String(),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	o.attachBrackets(&order, br)
	return o.submit(ctx, order)
}

// PlaceLimitOrder submits a resting limit order at price.
func (o *Oanda) PlaceLimitOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error) {
	order := oandaOrder{
		Type:         "LIMIT",
		Instrument:   instrument,
		Units:        units.String(),
		Price:        price.String(),
		TimeInForce:  o.restingTIF(),
		PositionFill: "DEFAULT",
	}
	o.attachBrackets(&order, br)
	return o.submit(ctx, order)
}

// PlaceStopOrder submits a stop-entry order triggering at price.
func (o *Oanda) PlaceStopOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error) {
	order := oandaOrder{
		Type:         "STOP",
		Instrument:   instrument,
		Units:        units.String(),
		Price:        price.String(),
		TimeInForce:  o.restingTIF(),
		PositionFill: "DEFAULT",
	}
	o.attachBrackets(&order, br)
	return o.submit(ctx, order)
}

// restingTIF is the time-in-force for resting orders and protective levels.
// Looked up per call so a config edit applies without a restart.
func (o *Oanda) restingTIF() string {
	return strings.ToUpper(o.cfg.GetString("trading.defaults.time_in_force", "GTC"))
}

func (o *Oanda) attachBrackets(order *oandaOrder, br Brackets) {
	tif := o.restingTIF()
	if br.StopLoss != nil {
		order.StopLossOnFill = &oandaLevel{Price: br.StopLoss.String(), TimeInForce: tif}
	}
	if br.TakeProfit != nil {
		order.TakeProfitOnFill = &oandaLevel{Price: br.TakeProfit.String(), TimeInForce: tif}
	}
}

func (o *Oanda) submit(ctx context.Context, order oandaOrder) (json.RawMessage, error) {
	if err := o.rl.Mutate.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("oanda: place order: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	o.logger.Info("placing order",
		"type", order.Type, "instrument", order.Instrument, "units", order.Units)

	resp, err := o.http.R().
		SetContext(ctx).
		SetBody(map[string]oandaOrder{"order": order}).
		Post("/v3/accounts/" + o.accountID + "/orders")
	if err != nil {
		return nil, transportError(fmt.Sprintf("oanda: place order: %v", err))
	}
	if resp.IsError() {
		return nil, o.replyError(resp, "place order")
	}
	return resp.Body(), nil
}

// CancelOrder issues PUT /v3/accounts/{id}/orders/{orderID}/cancel.
func (o *Oanda) CancelOrder(ctx context.Context, brokerOrderID string) (json.RawMessage, error) {
	if err := o.rl.Mutate.Wait(ctx); err != nil {
		return nil, transportError(fmt.Sprintf("oanda: cancel order: %v", err))
	}
	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	o.logger.Info("cancelling order", "broker_order_id", brokerOrderID)

	resp, err := o.http.R().
		SetContext(ctx).
		Put("/v3/accounts/" + o.accountID + "/orders/" + brokerOrderID + "/cancel")
	if err != nil {
		return nil, transportError(fmt.Sprintf("oanda: cancel order: %v", err))
	}
	if resp.IsError() {
		return nil, o.replyError(resp, "cancel order")
	}
	return resp.Body(), nil
}

// GetOrderStatus is not wired for v20; the gateway reconciles from placement
// and cancel replies alone.
func (o *Oanda) GetOrderStatus(ctx context.Context, brokerOrderID string) (json.RawMessage, error) {
	return nil, fmt.Errorf("oanda: order status: %w", ErrUnimplemented)
}

// replyError classifies a non-2xx answer: a body carrying v20 refusal
// vocabulary (errorMessage or a reject transaction) becomes a refusal with
// the broker's stated reason, anything else an internal error.
func (o *Oanda) replyError(resp *resty.Response, op string) *Error {
	body := resp.Body()
	var details struct {
		ErrorMessage string `json:"errorMessage"`
		Reject       struct {
			RejectReason string `json:"rejectReason"`
		} `json:"orderRejectTransaction"`
		CancelReject struct {
			RejectReason string `json:"rejectReason"`
		} `json:"orderCancelRejectTransaction"`
	}
	if err := json.Unmarshal(body, &details); err == nil {
		reason := details.ErrorMessage
		if reason == "" {
			reason = details.Reject.RejectReason
		}
		if reason == "" {
			reason = details.CancelReject.RejectReason
		}
		if reason != "" {
			return refusalError(resp.StatusCode(), body,
				fmt.Sprintf("oanda: %s refused: %s", op, reason))
		}
	}
	return internalError(resp.StatusCode(), body,
		fmt.Sprintf("oanda: %s: status %d: %s", op, resp.StatusCode(), resp.String()))
}

// ClassifyReply maps a v20 reply onto the normalized outcome. v20 replies can
// carry several transaction objects at once; precedence is fill, create,
// cancel, reject, matching how definitive each is about the order's fate.
func (o *Oanda) ClassifyReply(reply json.RawMessage) types.Outcome {
	if len(reply) == 0 {
		return types.UnrecognizedOutcome(reply)
	}
	var tx struct {
		Fill *struct {
			ID          string          `json:"id"`
			OrderID     string          `json:"orderID"`
			Price       decimal.Decimal `json:"price"`
			Units       decimal.Decimal `json:"units"`
			TradeOpened *struct {
				TradeID string `json:"tradeID"`
			} `json:"tradeOpened"`
		} `json:"orderFillTransaction"`
		Create *struct {
			ID string `json:"id"`
		} `json:"orderCreateTransaction"`
		Cancel *struct {
			OrderID string `json:"orderID"`
			Reason  string `json:"reason"`
		} `json:"orderCancelTransaction"`
		Reject *struct {
			RejectReason string `json:"rejectReason"`
		} `json:"orderRejectTransaction"`
	}
	if err := json.Unmarshal(reply, &tx); err != nil {
		return types.UnrecognizedOutcome(reply)
	}

	switch {
	case tx.Fill != nil:
		orderID := tx.Fill.OrderID
		if orderID == "" {
			orderID = tx.Fill.ID
		}
		tradeID := ""
		if tx.Fill.TradeOpened != nil {
			tradeID = tx.Fill.TradeOpened.TradeID
		}
		return types.FillOutcome(orderID, tradeID, tx.Fill.Price, tx.Fill.Units, reply)
	case tx.Create != nil:
		return types.AcceptedOutcome(tx.Create.ID, reply)
	case tx.Cancel != nil:
		return types.CancelAckOutcome(tx.Cancel.OrderID,
			"Order cancelled by broker. Reason: "+tx.Cancel.Reason, reply)
	case tx.Reject != nil:
		return types.RejectedOutcome(tx.Reject.RejectReason, reply)
	default:
		return types.UnrecognizedOutcome(reply)
	}
}
