package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func seedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.Seed(Instrument{
		Exchange:    "BINANCE_SPOT",
		Symbol:      "BTC/USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromFloat(10),
	})
	return r
}

func TestRoundPriceBuyFloorsSellCeils(t *testing.T) {
	r := seedRegistry(t)

	buy, err := r.RoundPrice("BINANCE_SPOT", "BTC/USDT", decimal.NewFromFloat(100.127), SideBuy)
	if err != nil {
		t.Fatalf("round price buy: %v", err)
	}
	if !buy.Equal(decimal.NewFromFloat(100.12)) {
		t.Errorf("expected buy to floor to 100.12, got %s", buy)
	}

	sell, err := r.RoundPrice("BINANCE_SPOT", "BTC/USDT", decimal.NewFromFloat(100.121), SideSell)
	if err != nil {
		t.Fatalf("round price sell: %v", err)
	}
	if !sell.Equal(decimal.NewFromFloat(100.13)) {
		t.Errorf("expected sell to ceil to 100.13, got %s", sell)
	}
}

func TestRoundQtyFloorsToStep(t *testing.T) {
	r := seedRegistry(t)
	qty, err := r.RoundQty("BINANCE_SPOT", "BTC/USDT", decimal.NewFromFloat(0.00019))
	if err != nil {
		t.Fatalf("round qty: %v", err)
	}
	if !qty.Equal(decimal.NewFromFloat(0.0001)) {
		t.Errorf("expected qty floored to 0.0001, got %s", qty)
	}
}

func TestValidateOrderRejectsBelowMinNotional(t *testing.T) {
	r := seedRegistry(t)
	ok, reason := r.ValidateOrder("BINANCE_SPOT", "BTC/USDT", decimal.NewFromFloat(0.0001), decimal.NewFromFloat(100))
	if ok {
		t.Error("expected rejection: notional 0.01 is below min_notional 10")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}
}

func TestValidateOrderAcceptsValidOrder(t *testing.T) {
	r := seedRegistry(t)
	ok, reason := r.ValidateOrder("BINANCE_SPOT", "BTC/USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(50000))
	if !ok {
		t.Errorf("expected acceptance, got rejection: %s", reason)
	}
}

func TestValidateOrderUnknownInstrument(t *testing.T) {
	r := seedRegistry(t)
	ok, reason := r.ValidateOrder("BINANCE_SPOT", "DOGE/USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	if ok {
		t.Error("expected rejection for unknown instrument")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}
}

func TestSymbolOk(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"BTC/USDT", true},
		{"AAPL", true},
		{"btc/usdt", false}, // lowercase rejected
		{"", false},
		{"this-symbol-is-definitely-far-too-long-to-be-valid", false},
	}
	for _, tc := range cases {
		if got := SymbolOk(tc.raw); got != tc.want {
			t.Errorf("SymbolOk(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestLoadYAMLSeedsInstruments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")
	content := `
instruments:
  - exchange: BINANCE_SPOT
    symbol: ETH/USDT
    tick_size: "0.01"
    step_size: "0.001"
    min_qty: "0.001"
    min_notional: "10"
    supports_futures: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write instruments.yaml: %v", err)
	}

	r := New()
	if err := r.LoadYAML(path); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !r.Has("BINANCE_SPOT", "ETH/USDT") {
		t.Error("expected ETH/USDT to be loaded")
	}
}
