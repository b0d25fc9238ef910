// Package broker routes orders to the configured brokerage over its REST API.
//
// Broker is the capability set the gateway needs: place market/limit/stop
// orders, cancel, read the account, and classify replies into the normalized
// Outcome the order store applies. Two implementations exist:
//   - Oanda:  v20 REST (forex; signed units carry direction)
//   - Alpaca: v2 REST (equities; direction rides on a side field)
//
// Each shapes requests in its broker's native vocabulary, returns the raw
// reply body verbatim for audit, and fails with a typed *Error whose Kind
// separates transport faults from broker refusals. Reconcile is the single
// entry point that turns a (reply, error) pair into an Outcome; nothing is
// retried automatically, since a blind retry after a timeout could double an
// order. New selects the implementation from the broker.name config key.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"signal-gateway/pkg/types"
)

// Call deadlines: reads are quick account/status probes, mutations are order
// placements and cancels that the broker may hold slightly longer.
const (
	readTimeout     = 10 * time.Second
	mutationTimeout = 15 * time.Second
)

// ErrUnimplemented marks an optional capability the selected broker does not
// provide.
var ErrUnimplemented = errors.New("not supported by this broker")

// Brackets carries the optional protective levels attached to an entry order.
type Brackets struct {
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Broker is implemented by each brokerage integration. All methods are safe
// for concurrent use, honor ctx, and return the broker's raw reply body
// untouched; errors from any call are *Error values (or wrap ErrUnimplemented
// for optional capabilities).
type Broker interface {
	// Name identifies the integration ("oanda", "alpaca").
	Name() string
	// CheckConnection verifies credentials and reachability.
	CheckConnection(ctx context.Context) error
	// GetAccountSummary returns the broker's account document verbatim.
	GetAccountSummary(ctx context.Context) (json.RawMessage, error)
	// PlaceMarketOrder submits an immediate-execution order. Units are
	// signed: positive buys, negative sells.
	PlaceMarketOrder(ctx context.Context, instrument string, units decimal.Decimal, br Brackets) (json.RawMessage, error)
	// PlaceLimitOrder submits a resting order at price.
	PlaceLimitOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error)
	// PlaceStopOrder submits a stop-entry order triggering at price.
	PlaceStopOrder(ctx context.Context, instrument string, units, price decimal.Decimal, br Brackets) (json.RawMessage, error)
	// CancelOrder cancels a resting order by the broker's own order id.
	CancelOrder(ctx context.Context, brokerOrderID string) (json.RawMessage, error)
	// GetOrderStatus fetches the broker's view of one order. Optional:
	// implementations without it return ErrUnimplemented.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (json.RawMessage, error)
	// ClassifyReply maps a raw reply body onto the normalized outcome.
	// Unknown shapes classify as unrecognized, never as an error.
	ClassifyReply(reply json.RawMessage) types.Outcome
}

// ErrorKind separates the failure modes of a broker call.
type ErrorKind string

const (
	// KindTransport is a network fault, timeout, or cancellation before a
	// usable reply arrived. The order may or may not have reached the broker.
	KindTransport ErrorKind = "transport"
	// KindRefusal is a non-2xx answer whose body carries the broker's own
	// refusal vocabulary. The broker definitively did not take the order.
	KindRefusal ErrorKind = "refusal"
	// KindInternal is any other exceptional path: unexpected status with an
	// unrecognizable body, a malformed reply, and the like.
	KindInternal ErrorKind = "internal"
)

// Error is the typed failure returned by every broker call. Body holds the
// reply payload when the broker answered at all, so audit data survives the
// error path.
type Error struct {
	Kind   ErrorKind
	Status int             // HTTP status when the broker answered, else 0
	Body   json.RawMessage // reply body when one exists
	msg    string
}

func (e *Error) Error() string { return e.msg }

func transportError(msg string) *Error {
	return &Error{Kind: KindTransport, msg: msg}
}

func refusalError(status int, body []byte, msg string) *Error {
	return &Error{Kind: KindRefusal, Status: status, Body: body, msg: msg}
}

func internalError(status int, body []byte, msg string) *Error {
	return &Error{Kind: KindInternal, Status: status, Body: body, msg: msg}
}

// Reconcile normalizes the result of a broker call into the outcome the
// store applies. A clean reply goes through the broker's classifier. A
// refusal is classified from its body when possible (brokers like Oanda put
// the reject transaction in the error reply), otherwise recorded with the
// error text as the reason. Transport and internal failures become FAILED,
// keeping whatever payload exists for audit.
func Reconcile(b Broker, reply json.RawMessage, err error) types.Outcome {
	if err == nil {
		return b.ClassifyReply(reply)
	}
	var berr *Error
	if errors.As(err, &berr) {
		if berr.Kind == KindRefusal {
			if len(berr.Body) > 0 {
				if oc := b.ClassifyReply(berr.Body); oc.Kind == types.OutcomeRejected {
					return oc
				}
			}
			return types.RejectedOutcome(berr.Error(), berr.Body)
		}
		return types.FailedOutcome(berr.Error(), berr.Body)
	}
	return types.FailedOutcome(err.Error(), reply)
}
