package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"signal-gateway/pkg/types"
)

// Every response body carries a status discriminator so callers can branch
// without inspecting HTTP codes. Health reports "ok"; everything else uses
// success/error.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// orderResult answers signal ingress and cancel calls. BrokerError is set
// only on the failure path; BrokerReply rides along whenever the broker
// produced a body, success or not.
type orderResult struct {
	Status          string          `json:"status"`
	Message         string          `json:"message,omitempty"`
	InternalOrderID string          `json:"internal_order_id,omitempty"`
	BrokerError     string          `json:"broker_error,omitempty"`
	BrokerReply     json.RawMessage `json:"broker_reply,omitempty"`
}

// messageResponse is the generic status+message body used by errors, health,
// and config saves.
type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ordersResponse struct {
	Status string        `json:"status"`
	Orders []types.Order `json:"orders"`
}

type orderResponse struct {
	Status string      `json:"status"`
	Order  types.Order `json:"order"`
}

// Positions serialize as exact JSON numbers (via json.Number) rather than
// the quoted-string form decimals take inside order records.
type positionsResponse struct {
	Status    string                 `json:"status"`
	Positions map[string]json.Number `json:"positions"`
}

type positionResponse struct {
	Status     string      `json:"status"`
	Instrument string      `json:"instrument"`
	Position   json.Number `json:"position"`
}

type configResponse struct {
	Status string         `json:"status"`
	Config map[string]any `json:"config"`
}

type brokerStatusResponse struct {
	Status    string          `json:"status"`
	Broker    string          `json:"broker"`
	Connected bool            `json:"connected"`
	Message   string          `json:"message,omitempty"`
	Account   json.RawMessage `json:"account,omitempty"`
}

// positionsWire converts the position view's decimals to wire numbers.
func positionsWire(nets map[string]decimal.Decimal) map[string]json.Number {
	out := make(map[string]json.Number, len(nets))
	for instrument, net := range nets {
		out[instrument] = json.Number(net.String())
	}
	return out
}
