// Package position derives net positions from the order store.
//
// A position is not a persisted entity: it is the exact decimal sum of
// fill_quantity over FILLED orders, grouped by instrument. Buys carry
// positive quantities and sells negative ones, so the sum is the signed net.
package position

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"signal-gateway/internal/store"
)

// View answers position queries against a store. Stateless and safe for
// concurrent use.
type View struct {
	store  *store.Store
	logger *slog.Logger
}

// NewView creates a position view over st.
func NewView(st *store.Store, logger *slog.Logger) *View {
	return &View{store: st, logger: logger.With("component", "position")}
}

// Position returns the signed net quantity for one instrument; zero when
// nothing has filled.
func (v *View) Position(ctx context.Context, instrument string) (decimal.Decimal, error) {
	fills, err := v.store.FillsFor(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, f := range fills {
		net = net.Add(f.Quantity)
	}
	v.logger.Debug("position computed", "instrument", instrument, "net", net)
	return net, nil
}

// Positions returns the signed net quantity per instrument, omitting
// instruments that net to zero.
func (v *View) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	fills, err := v.store.Fills(ctx)
	if err != nil {
		return nil, err
	}
	nets := make(map[string]decimal.Decimal, len(fills))
	for _, f := range fills {
		nets[f.Instrument] = nets[f.Instrument].Add(f.Quantity)
	}
	for instrument, net := range nets {
		if net.IsZero() {
			delete(nets, instrument)
		}
	}
	return nets, nil
}
