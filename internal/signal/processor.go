// Package signal validates raw trade signals and normalizes them into order
// parameters.
//
// Process is pure: it reads policy from configuration (allow-list, default
// quantity and order type, per-instrument bounds) and either returns the
// normalized params or the first validation failure, in a fixed order:
// required fields, instrument allow-list, action, order type, price and
// SL/TP well-formedness, quantity resolution, per-instrument bounds. It
// never touches the store or the broker.
package signal

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"signal-gateway/internal/config"
	"signal-gateway/pkg/types"
)

// ValidationError is a client-side rejection: the signal itself is invalid
// under current policy. The HTTP surface maps it to a 400.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Process validates signal against the configured trading policy and builds
// the normalized parameters. Unknown keys are ignored; webhook_secret is the
// HTTP surface's concern and plays no role here.
func Process(signal map[string]any, cfg *config.Store) (types.Params, error) {
	for _, field := range []string{"instrument", "action"} {
		if _, ok := signal[field]; !ok {
			return types.Params{}, errf("Missing required signal field: %s", field)
		}
	}

	instrument := strings.ToUpper(asString(signal["instrument"]))
	action := strings.ToLower(asString(signal["action"]))

	allowed := cfg.GetStringSlice("trading.allowed_instruments", nil)
	if instrument == "" || (len(allowed) > 0 && !slices.Contains(allowed, instrument)) {
		return types.Params{}, errf("Instrument '%s' is not in the allowed_instruments list.", instrument)
	}
	if action != "buy" && action != "sell" {
		return types.Params{}, errf("Invalid action: '%s'. Must be 'buy' or 'sell'.", action)
	}

	orderType := types.OrderType(strings.ToUpper(cfg.GetString("trading.defaults.order_type", string(types.Market))))
	if raw, ok := signal["type"]; ok && raw != nil {
		orderType = types.OrderType(strings.ToUpper(asString(raw)))
	}
	switch orderType {
	case types.Market, types.Limit, types.Stop:
	default:
		return types.Params{}, errf("Unsupported order type: '%s'. Supported types: [MARKET LIMIT STOP]", orderType)
	}

	var price *decimal.Decimal
	if orderType.NeedsPrice() {
		p, ok := asDecimal(signal["price"])
		if !ok || !p.IsPositive() {
			return types.Params{}, errf("Invalid or missing 'price' for %s order. Received: %v", orderType, signal["price"])
		}
		price = &p
	}

	var stopLoss *decimal.Decimal
	if raw, ok := signal["stop_loss"]; ok && raw != nil {
		p, ok := asDecimal(raw)
		if !ok || !p.IsPositive() {
			return types.Params{}, errf("Invalid 'stop_loss' price provided: %v", raw)
		}
		stopLoss = &p
	}

	var takeProfit *decimal.Decimal
	if raw, ok := signal["take_profit"]; ok && raw != nil {
		p, ok := asDecimal(raw)
		if !ok || !p.IsPositive() {
			return types.Params{}, errf("Invalid 'take_profit' price provided: %v", raw)
		}
		takeProfit = &p
	}

	// Quantity: signal value, else the instrument's configured default, else
	// the global default. Validation happens after resolution, like bounds.
	var quantity decimal.Decimal
	if raw, ok := signal["quantity"]; ok && raw != nil {
		q, ok := asDecimal(raw)
		if !ok || !q.IsPositive() {
			return types.Params{}, errf("Invalid quantity: %v. Must be a positive number.", raw)
		}
		quantity = q
	} else {
		globalDefault := cfg.GetDecimal("trading.defaults.quantity", decimal.NewFromInt(1))
		quantity = cfg.GetDecimal("trading.instrument_settings."+instrument+".default_quantity", globalDefault)
		if !quantity.IsPositive() {
			return types.Params{}, errf("Invalid quantity: %v. Must be a positive number.", quantity)
		}
	}

	if minPath := "trading.instrument_settings." + instrument + ".min_quantity"; cfg.Has(minPath) {
		if minQty := cfg.GetDecimal(minPath, decimal.Zero); quantity.LessThan(minQty) {
			return types.Params{}, errf("Quantity %s for %s is below minimum allowed (%s).", quantity, instrument, minQty)
		}
	}
	if maxPath := "trading.instrument_settings." + instrument + ".max_quantity"; cfg.Has(maxPath) {
		if maxQty := cfg.GetDecimal(maxPath, decimal.Zero); quantity.GreaterThan(maxQty) {
			return types.Params{}, errf("Quantity %s for %s exceeds maximum allowed (%s).", quantity, instrument, maxQty)
		}
	}

	units := quantity
	if action == "sell" {
		units = quantity.Neg()
	}

	return types.Params{
		Instrument: instrument,
		Units:      units,
		OrderType:  orderType,
		Price:      price,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}, nil
}

// asString narrows a decoded JSON value to a string; anything else becomes
// "" and fails the subsequent validation with the value named in the error.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asDecimal converts a decoded JSON number to an exact decimal. Bodies are
// decoded with json.Number so nothing has passed through a float64; plain
// float64/int are still handled for callers that build maps directly.
// Strings deliberately fail: a quoted "100" is not a number.
func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	default:
		return decimal.Decimal{}, false
	}
}
