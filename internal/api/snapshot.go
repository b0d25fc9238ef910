package api

import (
	"context"
	"encoding/json"
	"time"

	"signal-gateway/pkg/types"
)

// snapshotOrderLimit caps how many recent orders ride along in the
// connect-time snapshot; older history stays behind GET /orders.
const snapshotOrderLimit = 50

// Snapshot is the state pushed to a stream client right after it connects.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Broker    string                 `json:"broker"`
	Orders    []types.Order          `json:"orders"`
	Positions map[string]json.Number `json:"positions"`
}

// buildSnapshot assembles the current gateway state. Sections degrade
// independently: if a read fails, that section ships empty instead of the
// whole snapshot failing.
func (h *Handlers) buildSnapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Broker:    h.broker.Name(),
		Orders:    []types.Order{},
		Positions: map[string]json.Number{},
	}

	orders, err := h.store.ListAll(ctx)
	if err != nil {
		h.logger.Error("snapshot: failed to list orders", "error", err)
	} else if len(orders) > 0 {
		if len(orders) > snapshotOrderLimit {
			orders = orders[:snapshotOrderLimit]
		}
		snap.Orders = orders
	}

	nets, err := h.positions.Positions(ctx)
	if err != nil {
		h.logger.Error("snapshot: failed to compute positions", "error", err)
	} else {
		snap.Positions = positionsWire(nets)
	}

	return snap
}
