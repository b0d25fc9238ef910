// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway: the durable order
// record, normalized trade parameters, lifecycle statuses, and the
// reconciliation outcome produced by broker reply classification. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Status is the lifecycle state of an order record.
type Status string

const (
	StatusPendingSubmission Status = "PENDING_SUBMISSION"  // created, broker not yet called
	StatusFilled            Status = "FILLED"              // broker confirmed an execution
	StatusOrderAccepted     Status = "ORDER_ACCEPTED"      // resting on the broker's book
	StatusCancelled         Status = "CANCELLED"           // cancelled before (or instead of) filling
	StatusRejectedByBroker  Status = "REJECTED_BY_BROKER"  // broker refused the order
	StatusErrorSubmitting   Status = "ERROR_SUBMITTING"    // transport or local failure
	StatusSubmittedToBroker Status = "SUBMITTED_TO_BROKER" // sent, reply shape not recognized
)

// Terminal reports whether no further transitions are permitted from s.
// SUBMITTED_TO_BROKER is deliberately non-terminal: it marks an order whose
// reply could not be classified and may still be reconciled by an operator.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejectedByBroker, StatusErrorSubmitting:
		return true
	default:
		return false
	}
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// NeedsPrice reports whether the order type requires an explicit price.
func (o OrderType) NeedsPrice() bool {
	return o == Limit || o == Stop
}

// ————————————————————————————————————————————————————————————————————————
// Timestamps
// ————————————————————————————————————————————————————————————————————————

// TimestampLayout is the storage and wire form of all timestamps: UTC,
// microsecond precision, fixed width so lexicographic order equals
// chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimestampLayout, converting to UTC first.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Now returns the current time in TimestampLayout.
func Now() string {
	return FormatTime(time.Now())
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Params are the normalized trade parameters the signal processor produces.
// Units carry direction: positive = buy, negative = sell. Price is present
// only for LIMIT and STOP orders; StopLoss and TakeProfit only when the
// signal requested them.
type Params struct {
	Instrument string           `json:"instrument"`
	Units      decimal.Decimal  `json:"units"`
	OrderType  OrderType        `json:"order_type"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// Order is the durable record of one submission: the raw signal as received,
// the normalized parameters, and everything reconciliation captured from the
// broker. Timestamps are TimestampLayout strings; BrokerOrderID and
// BrokerTradeID are empty until the broker assigns them.
type Order struct {
	InternalID    string           `json:"internal_id"`
	ReceivedAt    string           `json:"received_at"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
	Signal        json.RawMessage  `json:"signal"`
	Params        Params           `json:"params"`
	Status        Status           `json:"status"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	BrokerTradeID string           `json:"broker_trade_id,omitempty"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	FillQuantity  *decimal.Decimal `json:"fill_quantity,omitempty"`
	BrokerReply   json.RawMessage  `json:"broker_reply,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation outcomes
// ————————————————————————————————————————————————————————————————————————

// OutcomeKind tags the normalized result of classifying a broker reply
// (or the error from the broker call).
type OutcomeKind string

const (
	OutcomeFill         OutcomeKind = "FILL"         // immediate execution
	OutcomeAccepted     OutcomeKind = "ACCEPTED"     // order resting at the broker
	OutcomeCancelAck    OutcomeKind = "CANCEL_ACK"   // cancellation confirmed
	OutcomeRejected     OutcomeKind = "REJECTED"     // broker refused the order
	OutcomeFailed       OutcomeKind = "FAILED"       // transport or local failure
	OutcomeUnrecognized OutcomeKind = "UNRECOGNIZED" // reply shape not understood
)

// Outcome is the tagged variant the store consumes when applying a broker
// reply. Only the fields relevant to its Kind are populated; Reply always
// carries the raw payload (when one exists) for audit.
type Outcome struct {
	Kind          OutcomeKind
	BrokerOrderID string
	BrokerTradeID string
	FillPrice     decimal.Decimal
	FillQuantity  decimal.Decimal
	Reason        string
	Reply         json.RawMessage
}

// FillOutcome records an immediate execution.
func FillOutcome(orderID, tradeID string, price, qty decimal.Decimal, reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeFill, BrokerOrderID: orderID, BrokerTradeID: tradeID, FillPrice: price, FillQuantity: qty, Reply: reply}
}

// AcceptedOutcome records a resting order the broker acknowledged.
func AcceptedOutcome(orderID string, reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeAccepted, BrokerOrderID: orderID, Reply: reply}
}

// CancelAckOutcome records a confirmed cancellation. The broker's stated
// reason lands in the record's error_message for audit.
func CancelAckOutcome(orderID, reason string, reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeCancelAck, BrokerOrderID: orderID, Reason: reason, Reply: reply}
}

// RejectedOutcome records a broker refusal.
func RejectedOutcome(reason string, reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason, Reply: reply}
}

// FailedOutcome records a transport or local failure.
func FailedOutcome(reason string, reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Reply: reply}
}

// UnrecognizedOutcome records a reply whose shape no classifier understood.
func UnrecognizedOutcome(reply json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeUnrecognized, Reply: reply}
}
