// Package store provides durable order persistence in SQLite.
//
// Every submission is one row in a single orders table: the raw signal and
// normalized params as JSON text, lifecycle status, and whatever
// reconciliation captured from the broker. Quantities and prices are stored
// as TEXT and summed in decimal upstream, so accounting stays exact across
// crash restarts. ApplyReply is the only mutation path after creation; it
// runs in an immediate transaction and enforces the two update rules: a
// terminal status is never transitioned out of, and broker_order_id is set
// at most once.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"signal-gateway/pkg/types"
)

var (
	// ErrNotFound means no order row matches the internal id.
	ErrNotFound = errors.New("order not found")
	// ErrConflict means the update would transition out of a terminal status
	// or reassign broker_order_id; the stored record is preserved.
	ErrConflict = errors.New("conflicting order update")
	// ErrUnavailable wraps failures of the underlying engine.
	ErrUnavailable = errors.New("order store unavailable")
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	internal_id     TEXT PRIMARY KEY,
	received_at     TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	signal          TEXT NOT NULL,
	params          TEXT NOT NULL,
	status          TEXT NOT NULL,
	broker_order_id TEXT,
	broker_trade_id TEXT,
	fill_price      TEXT,
	fill_quantity   TEXT,
	broker_reply    TEXT,
	error_message   TEXT
);
CREATE INDEX IF NOT EXISTS idx_orders_status     ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_instrument ON orders(instrument);
`

const orderColumns = `internal_id, received_at, created_at, updated_at, signal, params, status,
	broker_order_id, broker_trade_id, fill_price, fill_quantity, broker_reply, error_message`

// Store persists order records. Safe for concurrent use: the pool hands each
// call its own connection, WAL keeps readers off the writer's back, and
// immediate transactions plus the busy timeout serialize writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create writes a new PENDING_SUBMISSION row and returns the full record.
// receivedAt is the ingress timestamp from the HTTP surface; when empty, the
// write time is used.
func (s *Store) Create(ctx context.Context, receivedAt string, signal json.RawMessage, params types.Params) (types.Order, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return types.Order{}, fmt.Errorf("marshal params: %w", err)
	}
	if len(signal) == 0 {
		signal = json.RawMessage(`{}`)
	}

	now := types.Now()
	if receivedAt == "" {
		receivedAt = now
	}
	o := types.Order{
		InternalID: uuid.NewString(),
		ReceivedAt: receivedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
		Signal:     signal,
		Params:     params,
		Status:     types.StatusPendingSubmission,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (internal_id, received_at, created_at, updated_at, instrument, signal, params, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.InternalID, o.ReceivedAt, o.CreatedAt, o.UpdatedAt,
		params.Instrument, string(signal), string(paramsJSON), string(o.Status),
	)
	if err != nil {
		return types.Order{}, fmt.Errorf("%w: insert order: %v", ErrUnavailable, err)
	}

	s.logger.Info("order created",
		"internal_id", o.InternalID,
		"instrument", params.Instrument,
		"units", params.Units,
		"order_type", params.OrderType,
	)
	return o, nil
}

// ApplyReply maps a reconciliation outcome onto the record and writes the
// update atomically. It is the sole status-transition path after creation.
// Returns ErrNotFound when no row matches, ErrConflict when the record is
// already terminal or the outcome would reassign broker_order_id.
func (s *Store) ApplyReply(ctx context.Context, internalID string, oc types.Outcome) (types.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Order{}, fmt.Errorf("%w: begin update: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	cur, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE internal_id = ?`, internalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Order{}, fmt.Errorf("%w: %s", ErrNotFound, internalID)
		}
		return types.Order{}, err
	}

	if cur.Status.Terminal() {
		s.logger.Warn("update of terminal order rejected",
			"internal_id", internalID, "status", cur.Status, "outcome", oc.Kind)
		return cur, fmt.Errorf("%w: order %s already %s", ErrConflict, internalID, cur.Status)
	}

	next := cur
	switch oc.Kind {
	case types.OutcomeFill:
		next.Status = types.StatusFilled
		price, qty := oc.FillPrice, oc.FillQuantity
		next.FillPrice = &price
		next.FillQuantity = &qty
		if oc.BrokerTradeID != "" {
			next.BrokerTradeID = oc.BrokerTradeID
		}
	case types.OutcomeAccepted:
		next.Status = types.StatusOrderAccepted
	case types.OutcomeCancelAck:
		next.Status = types.StatusCancelled
		next.ErrorMessage = oc.Reason
	case types.OutcomeRejected:
		next.Status = types.StatusRejectedByBroker
		next.ErrorMessage = oc.Reason
	case types.OutcomeFailed:
		next.Status = types.StatusErrorSubmitting
		next.ErrorMessage = oc.Reason
	case types.OutcomeUnrecognized:
		next.Status = types.StatusSubmittedToBroker
		s.logger.Warn("broker reply not recognized, order parked",
			"internal_id", internalID, "reply", string(oc.Reply))
	default:
		return cur, fmt.Errorf("unknown outcome kind %q", oc.Kind)
	}

	if oc.BrokerOrderID != "" {
		if cur.BrokerOrderID != "" && cur.BrokerOrderID != oc.BrokerOrderID {
			s.logger.Warn("broker_order_id reassignment rejected",
				"internal_id", internalID, "have", cur.BrokerOrderID, "got", oc.BrokerOrderID)
			return cur, fmt.Errorf("%w: broker_order_id already %q, reply carries %q",
				ErrConflict, cur.BrokerOrderID, oc.BrokerOrderID)
		}
		next.BrokerOrderID = oc.BrokerOrderID
	}
	if len(oc.Reply) > 0 {
		next.BrokerReply = oc.Reply
	}
	next.UpdatedAt = types.Now()
	if next.UpdatedAt < cur.UpdatedAt {
		next.UpdatedAt = cur.UpdatedAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET updated_at = ?, status = ?, broker_order_id = ?, broker_trade_id = ?,
		    fill_price = ?, fill_quantity = ?, broker_reply = ?, error_message = ?
		WHERE internal_id = ?`,
		next.UpdatedAt, string(next.Status),
		nullable(next.BrokerOrderID), nullable(next.BrokerTradeID),
		nullableDecimal(next.FillPrice), nullableDecimal(next.FillQuantity),
		nullableRaw(next.BrokerReply), nullable(next.ErrorMessage),
		internalID,
	)
	if err != nil {
		return types.Order{}, fmt.Errorf("%w: update order: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return types.Order{}, fmt.Errorf("%w: commit update: %v", ErrUnavailable, err)
	}

	s.logger.Info("order reconciled",
		"internal_id", internalID,
		"from", cur.Status, "to", next.Status,
		"broker_order_id", next.BrokerOrderID,
	)
	return next, nil
}

// Get returns one order by internal id.
func (s *Store) Get(ctx context.Context, internalID string) (types.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE internal_id = ?`, internalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Order{}, fmt.Errorf("%w: %s", ErrNotFound, internalID)
		}
		return types.Order{}, err
	}
	return o, nil
}

// ListAll returns every order, newest first.
func (s *Store) ListAll(ctx context.Context) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Fill is one executed quantity, the raw material of the position view.
type Fill struct {
	Instrument string
	Quantity   decimal.Decimal
}

// Fills returns (instrument, fill_quantity) for every FILLED order.
func (s *Store) Fills(ctx context.Context) ([]Fill, error) {
	return s.queryFills(ctx,
		`SELECT instrument, fill_quantity FROM orders
		 WHERE status = ? AND fill_quantity IS NOT NULL`, string(types.StatusFilled))
}

// FillsFor returns the fill quantities of one instrument's FILLED orders.
func (s *Store) FillsFor(ctx context.Context, instrument string) ([]Fill, error) {
	return s.queryFills(ctx,
		`SELECT instrument, fill_quantity FROM orders
		 WHERE status = ? AND instrument = ? AND fill_quantity IS NOT NULL`,
		string(types.StatusFilled), instrument)
}

func (s *Store) queryFills(ctx context.Context, query string, args ...any) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query fills: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var (
			f   Fill
			raw string
		)
		if err := rows.Scan(&f.Instrument, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan fill: %v", ErrUnavailable, err)
		}
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt fill_quantity %q: %v", ErrUnavailable, raw, err)
		}
		f.Quantity = qty
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query fills: %v", ErrUnavailable, err)
	}
	return out, nil
}

// rowScanner lets scanOrder read from both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (types.Order, error) {
	var (
		o                       types.Order
		signal, params, status  string
		brokerOrderID, tradeID  sql.NullString
		fillPrice, fillQuantity sql.NullString
		brokerReply, errMsg     sql.NullString
	)
	err := r.Scan(&o.InternalID, &o.ReceivedAt, &o.CreatedAt, &o.UpdatedAt,
		&signal, &params, &status,
		&brokerOrderID, &tradeID, &fillPrice, &fillQuantity, &brokerReply, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Order{}, err
		}
		return types.Order{}, fmt.Errorf("%w: scan order: %v", ErrUnavailable, err)
	}

	o.Signal = json.RawMessage(signal)
	o.Status = types.Status(status)
	if err := json.Unmarshal([]byte(params), &o.Params); err != nil {
		return types.Order{}, fmt.Errorf("%w: decode stored params: %v", ErrUnavailable, err)
	}
	o.BrokerOrderID = brokerOrderID.String
	o.BrokerTradeID = tradeID.String
	if fillPrice.Valid {
		d, err := decimal.NewFromString(fillPrice.String)
		if err != nil {
			return types.Order{}, fmt.Errorf("%w: corrupt fill_price %q: %v", ErrUnavailable, fillPrice.String, err)
		}
		o.FillPrice = &d
	}
	if fillQuantity.Valid {
		d, err := decimal.NewFromString(fillQuantity.String)
		if err != nil {
			return types.Order{}, fmt.Errorf("%w: corrupt fill_quantity %q: %v", ErrUnavailable, fillQuantity.String, err)
		}
		o.FillQuantity = &d
	}
	if brokerReply.Valid {
		o.BrokerReply = json.RawMessage(brokerReply.String)
	}
	o.ErrorMessage = errMsg.String
	return o, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
