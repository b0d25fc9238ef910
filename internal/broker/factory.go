package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"signal-gateway/internal/config"
)

// New selects and constructs the broker named by the broker.name config key.
// Exactly one broker serves a gateway process; switching requires a restart.
// Unknown names and missing credentials fail here so a misconfigured gateway
// never comes up half-working.
func New(cfg *config.Store, logger *slog.Logger) (Broker, error) {
	name := strings.ToLower(cfg.GetString("broker.name", ""))
	switch name {
	case "":
		return nil, errors.New("broker.name is not configured")
	case "oanda":
		return NewOanda(cfg, logger)
	case "alpaca":
		return NewAlpaca(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker %q (supported: oanda, alpaca)", name)
	}
}
