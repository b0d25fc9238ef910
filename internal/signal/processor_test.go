package signal

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"signal-gateway/internal/config"
	"signal-gateway/pkg/types"
)

const policyYAML = `trading:
  allowed_instruments: [EUR_USD, USD_JPY, TSLA]
  defaults:
    quantity: 1
    order_type: MARKET
  instrument_settings:
    EUR_USD:
      default_quantity: 250
      min_quantity: 1
      max_quantity: 10000
`

func newTestConfig(t *testing.T, yaml string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.Load(path, filepath.Join(t.TempDir(), ".env"), logger)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	return cfg
}

// sig decodes a JSON object the way the HTTP surface does, with numbers kept
// exact via json.Number.
func sig(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	return m
}

func TestProcessNormalizesValidSignals(t *testing.T) {
	cfg := newTestConfig(t, policyYAML)

	tests := []struct {
		name string
		raw  string
		want string // marshaled params
	}{
		{
			name: "market buy with explicit quantity",
			raw:  `{"instrument":"EUR_USD","action":"buy","quantity":100,"type":"market","webhook_secret":"s"}`,
			want: `{"instrument":"EUR_USD","units":"100","order_type":"MARKET"}`,
		},
		{
			name: "lowercase instrument and uppercase action normalize",
			raw:  `{"instrument":"eur_usd","action":"BUY","quantity":100}`,
			want: `{"instrument":"EUR_USD","units":"100","order_type":"MARKET"}`,
		},
		{
			name: "sell maps to negative units",
			raw:  `{"instrument":"TSLA","action":"sell","quantity":5}`,
			want: `{"instrument":"TSLA","units":"-5","order_type":"MARKET"}`,
		},
		{
			name: "instrument default quantity applies",
			raw:  `{"instrument":"EUR_USD","action":"buy"}`,
			want: `{"instrument":"EUR_USD","units":"250","order_type":"MARKET"}`,
		},
		{
			name: "global default quantity applies",
			raw:  `{"instrument":"USD_JPY","action":"sell"}`,
			want: `{"instrument":"USD_JPY","units":"-1","order_type":"MARKET"}`,
		},
		{
			name: "limit sell with SL and TP",
			raw:  `{"instrument":"EUR_USD","action":"sell","quantity":50,"type":"limit","price":1.1000,"stop_loss":1.1050,"take_profit":1.0900}`,
			want: `{"instrument":"EUR_USD","units":"-50","order_type":"LIMIT","price":"1.1","stop_loss":"1.105","take_profit":"1.09"}`,
		},
		{
			name: "stop buy keeps the trigger price",
			raw:  `{"instrument":"USD_JPY","action":"buy","quantity":1000,"type":"STOP","price":146.25}`,
			want: `{"instrument":"USD_JPY","units":"1000","order_type":"STOP","price":"146.25"}`,
		},
		{
			name: "price on a market order is ignored",
			raw:  `{"instrument":"EUR_USD","action":"buy","quantity":10,"price":1.2}`,
			want: `{"instrument":"EUR_USD","units":"10","order_type":"MARKET"}`,
		},
		{
			name: "fractional quantity stays exact",
			raw:  `{"instrument":"EUR_USD","action":"buy","quantity":1.5}`,
			want: `{"instrument":"EUR_USD","units":"1.5","order_type":"MARKET"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := Process(sig(t, tt.raw), cfg)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			got, _ := json.Marshal(params)
			if string(got) != tt.want {
				t.Errorf("params = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProcessRejectsInvalidSignals(t *testing.T) {
	cfg := newTestConfig(t, policyYAML)

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "missing instrument",
			raw:     `{"action":"buy","quantity":100}`,
			wantErr: "Missing required signal field: instrument",
		},
		{
			name:    "missing action",
			raw:     `{"instrument":"EUR_USD","quantity":100}`,
			wantErr: "Missing required signal field: action",
		},
		{
			name:    "instrument not in allow-list",
			raw:     `{"instrument":"NON_EXISTENT","action":"buy","quantity":100}`,
			wantErr: "'NON_EXISTENT' is not in the allowed_instruments list",
		},
		{
			name:    "invalid action",
			raw:     `{"instrument":"EUR_USD","action":"hold","quantity":100}`,
			wantErr: "Invalid action: 'hold'",
		},
		{
			name:    "unsupported order type",
			raw:     `{"instrument":"EUR_USD","action":"buy","type":"TRAILING"}`,
			wantErr: "Unsupported order type: 'TRAILING'",
		},
		{
			name:    "limit without price",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":10,"type":"limit"}`,
			wantErr: "Invalid or missing 'price' for LIMIT order",
		},
		{
			name:    "stop with non-positive price",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":10,"type":"stop","price":0}`,
			wantErr: "Invalid or missing 'price' for STOP order",
		},
		{
			name:    "negative stop_loss",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":10,"stop_loss":-1.05}`,
			wantErr: "Invalid 'stop_loss' price provided",
		},
		{
			name:    "zero take_profit",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":10,"take_profit":0}`,
			wantErr: "Invalid 'take_profit' price provided",
		},
		{
			name:    "zero quantity",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":0}`,
			wantErr: "Invalid quantity: 0",
		},
		{
			name:    "negative quantity",
			raw:     `{"instrument":"EUR_USD","action":"sell","quantity":-5}`,
			wantErr: "Invalid quantity: -5",
		},
		{
			name:    "quantity as string",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":"100"}`,
			wantErr: "Invalid quantity: 100",
		},
		{
			name:    "below instrument minimum",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":0.5}`,
			wantErr: "below minimum allowed (1)",
		},
		{
			name:    "above instrument maximum",
			raw:     `{"instrument":"EUR_USD","action":"buy","quantity":20000}`,
			wantErr: "exceeds maximum allowed (10000)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Process(sig(t, tt.raw), cfg)
			if err == nil {
				t.Fatal("Process accepted an invalid signal")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestProcessEmptyAllowListDisablesFilter(t *testing.T) {
	cfg := newTestConfig(t, "trading:\n  defaults:\n    quantity: 2\n")

	params, err := Process(sig(t, `{"instrument":"ANYTHING","action":"buy"}`), cfg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if params.Instrument != "ANYTHING" || !params.Units.Equal(decimal.NewFromInt(2)) {
		t.Errorf("params = %+v, want ANYTHING x2", params)
	}
}

func TestProcessConfiguredDefaultOrderType(t *testing.T) {
	cfg := newTestConfig(t, "trading:\n  defaults:\n    quantity: 1\n    order_type: LIMIT\n")

	// The configured default order type makes price mandatory even when the
	// signal does not name a type.
	_, err := Process(sig(t, `{"instrument":"EUR_USD","action":"buy"}`), cfg)
	if err == nil || !strings.Contains(err.Error(), "'price' for LIMIT order") {
		t.Fatalf("err = %v, want missing price for LIMIT", err)
	}

	params, err := Process(sig(t, `{"instrument":"EUR_USD","action":"buy","price":1.08}`), cfg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if params.OrderType != types.Limit || params.Price == nil {
		t.Errorf("params = %+v, want LIMIT with price", params)
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	cfg := newTestConfig(t, policyYAML)
	raw := `{"instrument":"eur_usd","action":"sell","quantity":50,"type":"limit","price":1.1,"stop_loss":1.105,"take_profit":1.09}`

	first, err := Process(sig(t, raw), cfg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	a, _ := json.Marshal(first)
	for i := 0; i < 10; i++ {
		again, err := Process(sig(t, raw), cfg)
		if err != nil {
			t.Fatalf("Process run %d: %v", i, err)
		}
		b, _ := json.Marshal(again)
		if string(a) != string(b) {
			t.Fatalf("run %d produced %s, first run produced %s", i, b, a)
		}
	}
}
