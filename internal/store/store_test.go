package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"signal-gateway/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orders.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func marketParams(instrument string, units int64) types.Params {
	return types.Params{
		Instrument: instrument,
		Units:      decimal.NewFromInt(units),
		OrderType:  types.Market,
	}
}

func mustCreate(t *testing.T, s *Store, params types.Params) types.Order {
	t.Helper()
	o, err := s.Create(context.Background(), "", json.RawMessage(`{"instrument":"EUR_USD","action":"buy"}`), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return o
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	price := decimal.RequireFromString("1.1000")
	sl := decimal.RequireFromString("1.1050")
	params := types.Params{
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(-50),
		OrderType:  types.Limit,
		Price:      &price,
		StopLoss:   &sl,
	}
	created, err := s.Create(ctx, "2026-02-01T09:00:00.000000Z", json.RawMessage(`{"action":"sell"}`), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.InternalID == "" {
		t.Fatal("Create assigned no internal_id")
	}
	if created.Status != types.StatusPendingSubmission {
		t.Errorf("status = %s, want PENDING_SUBMISSION", created.Status)
	}
	if created.ReceivedAt != "2026-02-01T09:00:00.000000Z" {
		t.Errorf("received_at = %s, want the ingress timestamp", created.ReceivedAt)
	}
	if created.CreatedAt != created.UpdatedAt {
		t.Errorf("fresh record has created_at %s != updated_at %s", created.CreatedAt, created.UpdatedAt)
	}

	got, err := s.Get(ctx, created.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantParams, _ := json.Marshal(created.Params)
	gotParams, _ := json.Marshal(got.Params)
	if string(wantParams) != string(gotParams) {
		t.Errorf("params round trip = %s, want %s", gotParams, wantParams)
	}
	if string(got.Signal) != `{"action":"sell"}` {
		t.Errorf("signal round trip = %s", got.Signal)
	}
	if got.BrokerOrderID != "" || got.FillPrice != nil || got.FillQuantity != nil {
		t.Errorf("fresh record carries broker fields: %+v", got)
	}
}

func TestApplyReplyFill(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, marketParams("EUR_USD", 100))
	reply := json.RawMessage(`{"orderFillTransaction":{"orderID":"o1"}}`)
	oc := types.FillOutcome("o1", "tr1",
		decimal.RequireFromString("1.0950"), decimal.NewFromInt(100), reply)

	got, err := s.ApplyReply(ctx, o.InternalID, oc)
	if err != nil {
		t.Fatalf("ApplyReply: %v", err)
	}
	if got.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if got.BrokerOrderID != "o1" || got.BrokerTradeID != "tr1" {
		t.Errorf("broker ids = (%q, %q), want (o1, tr1)", got.BrokerOrderID, got.BrokerTradeID)
	}
	if got.FillPrice == nil || !got.FillPrice.Equal(decimal.RequireFromString("1.0950")) {
		t.Errorf("fill_price = %v, want 1.0950", got.FillPrice)
	}
	if got.FillQuantity == nil || !got.FillQuantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fill_quantity = %v, want 100", got.FillQuantity)
	}
	if string(got.BrokerReply) != string(reply) {
		t.Errorf("broker_reply = %s, want %s", got.BrokerReply, reply)
	}
	if got.UpdatedAt < got.CreatedAt {
		t.Errorf("updated_at %s < created_at %s", got.UpdatedAt, got.CreatedAt)
	}

	// The same record reads back identically.
	read, err := s.Get(ctx, o.InternalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if read.Status != types.StatusFilled || read.UpdatedAt != got.UpdatedAt {
		t.Errorf("persisted record = (%s, %s), want (FILLED, %s)", read.Status, read.UpdatedAt, got.UpdatedAt)
	}
}

func TestTerminalStatusNeverTransitionsOut(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	terminal := []types.Outcome{
		types.FillOutcome("o1", "", decimal.NewFromInt(1), decimal.NewFromInt(100), nil),
		types.CancelAckOutcome("o1", "CLIENT_REQUESTED_CANCELLATION", nil),
		types.RejectedOutcome("INSUFFICIENT_MARGIN", nil),
		types.FailedOutcome("connection refused", nil),
	}
	for _, first := range terminal {
		o := mustCreate(t, s, marketParams("EUR_USD", 100))
		settled, err := s.ApplyReply(ctx, o.InternalID, first)
		if err != nil {
			t.Fatalf("ApplyReply(%s): %v", first.Kind, err)
		}
		if !settled.Status.Terminal() {
			t.Fatalf("outcome %s produced non-terminal status %s", first.Kind, settled.Status)
		}

		_, err = s.ApplyReply(ctx, o.InternalID, types.AcceptedOutcome("o9", nil))
		if !errors.Is(err, ErrConflict) {
			t.Errorf("update after %s: err = %v, want ErrConflict", settled.Status, err)
		}
		got, err := s.Get(ctx, o.InternalID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != settled.Status || got.BrokerOrderID != settled.BrokerOrderID {
			t.Errorf("record mutated after conflict: %+v", got)
		}
	}
}

func TestBrokerOrderIDSetAtMostOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, marketParams("EUR_USD", 100))
	if _, err := s.ApplyReply(ctx, o.InternalID, types.AcceptedOutcome("o1", nil)); err != nil {
		t.Fatalf("ApplyReply accepted: %v", err)
	}

	// A different id is a conflict and must not touch the record.
	fill := types.FillOutcome("o2", "", decimal.NewFromInt(1), decimal.NewFromInt(100), nil)
	if _, err := s.ApplyReply(ctx, o.InternalID, fill); !errors.Is(err, ErrConflict) {
		t.Fatalf("reassignment err = %v, want ErrConflict", err)
	}
	got, _ := s.Get(ctx, o.InternalID)
	if got.Status != types.StatusOrderAccepted || got.BrokerOrderID != "o1" {
		t.Errorf("record after rejected reassignment = (%s, %q), want (ORDER_ACCEPTED, o1)", got.Status, got.BrokerOrderID)
	}

	// The matching id passes.
	fill.BrokerOrderID = "o1"
	updated, err := s.ApplyReply(ctx, o.InternalID, fill)
	if err != nil {
		t.Fatalf("ApplyReply matching fill: %v", err)
	}
	if updated.Status != types.StatusFilled || updated.BrokerOrderID != "o1" {
		t.Errorf("fill after accept = (%s, %q), want (FILLED, o1)", updated.Status, updated.BrokerOrderID)
	}
}

func TestApplyReplyNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.ApplyReply(context.Background(), "no-such-id", types.AcceptedOutcome("o1", nil))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = s.Get(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestCancelAfterAccepted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, marketParams("EUR_USD", -50))
	if _, err := s.ApplyReply(ctx, o.InternalID, types.AcceptedOutcome("o2", nil)); err != nil {
		t.Fatalf("ApplyReply accepted: %v", err)
	}
	got, err := s.ApplyReply(ctx, o.InternalID,
		types.CancelAckOutcome("o2", "CLIENT_REQUESTED_CANCELLATION", json.RawMessage(`{"orderCancelTransaction":{}}`)))
	if err != nil {
		t.Fatalf("ApplyReply cancel: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	if got.ErrorMessage != "CLIENT_REQUESTED_CANCELLATION" {
		t.Errorf("error_message = %q, want the cancel reason", got.ErrorMessage)
	}
}

func TestUnrecognizedReplyParksOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := mustCreate(t, s, marketParams("EUR_USD", 100))
	got, err := s.ApplyReply(ctx, o.InternalID, types.UnrecognizedOutcome(json.RawMessage(`{"weird":true}`)))
	if err != nil {
		t.Fatalf("ApplyReply: %v", err)
	}
	if got.Status != types.StatusSubmittedToBroker {
		t.Errorf("status = %s, want SUBMITTED_TO_BROKER", got.Status)
	}

	// Parked is not terminal: a later reconciliation may still land.
	fill := types.FillOutcome("o1", "", decimal.NewFromInt(1), decimal.NewFromInt(100), nil)
	updated, err := s.ApplyReply(ctx, o.InternalID, fill)
	if err != nil {
		t.Fatalf("ApplyReply after parking: %v", err)
	}
	if updated.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", updated.Status)
	}
}

func TestListAllNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, marketParams("EUR_USD", 1))
	b := mustCreate(t, s, marketParams("USD_JPY", 2))
	c := mustCreate(t, s, marketParams("GBP_USD", 3))

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAll returned %d orders, want 3", len(all))
	}
	wantIDs := []string{c.InternalID, b.InternalID, a.InternalID}
	for i, want := range wantIDs {
		if all[i].InternalID != want {
			t.Errorf("ListAll[%d] = %s, want %s", i, all[i].InternalID, want)
		}
	}
}

func TestFillsOnlyCountFilledRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	fill := func(instrument string, qty int64) {
		o := mustCreate(t, s, marketParams(instrument, qty))
		oc := types.FillOutcome("", "", decimal.NewFromInt(1), decimal.NewFromInt(qty), nil)
		if _, err := s.ApplyReply(ctx, o.InternalID, oc); err != nil {
			t.Fatalf("fill %s: %v", instrument, err)
		}
	}
	fill("EUR_USD", 100)
	fill("EUR_USD", -25)
	fill("USD_JPY", -500)

	// Accepted and rejected rows must not appear.
	o := mustCreate(t, s, marketParams("AUD_USD", 1000))
	if _, err := s.ApplyReply(ctx, o.InternalID, types.AcceptedOutcome("o5", nil)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	o = mustCreate(t, s, marketParams("EUR_USD", 9))
	if _, err := s.ApplyReply(ctx, o.InternalID, types.RejectedOutcome("NO", nil)); err != nil {
		t.Fatalf("reject: %v", err)
	}

	fills, err := s.Fills(ctx)
	if err != nil {
		t.Fatalf("Fills: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("Fills returned %d rows, want 3: %+v", len(fills), fills)
	}

	eur, err := s.FillsFor(ctx, "EUR_USD")
	if err != nil {
		t.Fatalf("FillsFor: %v", err)
	}
	sum := decimal.Zero
	for _, f := range eur {
		sum = sum.Add(f.Quantity)
	}
	if !sum.Equal(decimal.NewFromInt(75)) {
		t.Errorf("EUR_USD fill sum = %s, want 75", sum)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "orders.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := mustCreate(t, s, marketParams("EUR_USD", 100))
	oc := types.FillOutcome("o1", "tr1", decimal.RequireFromString("1.0950"), decimal.NewFromInt(100), nil)
	if _, err := s.ApplyReply(ctx, o.InternalID, oc); err != nil {
		t.Fatalf("ApplyReply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, o.InternalID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != types.StatusFilled || got.FillQuantity == nil || !got.FillQuantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("record after restart = %+v, want the FILLED record back", got)
	}
}
