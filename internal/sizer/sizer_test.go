package sizer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"signalrouter/internal/pricecache"
	"signalrouter/internal/registry"
)

func newTestSizer(t *testing.T) (*Sizer, *registry.Registry, *pricecache.Cache) {
	t.Helper()
	reg := registry.New()
	reg.Seed(registry.Instrument{
		Exchange:    "BINANCE_SPOT",
		Symbol:      "BTC/USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromFloat(10),
	})
	prices := pricecache.New()
	return New(reg, prices, nil), reg, prices
}

// TestPercentOfCapitalSizing reproduces P8 from spec.md: notional equals
// qty_per% * allocated_capital * leverage (up to precision rounding).
func TestPercentOfCapitalSizing(t *testing.T) {
	s, _, prices := newTestSizer(t)
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))

	res, err := s.Size(context.Background(), Request{
		Exchange:         "BINANCE_SPOT",
		Market:           "SPOT",
		Symbol:           "BTC/USDT",
		AssetClass:       AssetCrypto,
		Side:             registry.SideBuy,
		QtyPer:           decimal.NewFromInt(10),
		AllocatedCapital: decimal.NewFromInt(1000),
		Leverage:         decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	// 10% of 1000 = 100 notional / 50000 price = 0.002 BTC, step=0.0001 -> 0.002.
	if !res.Quantity.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("expected qty 0.002, got %s", res.Quantity)
	}
	if res.Side != registry.SideBuy {
		t.Errorf("expected side buy, got %s", res.Side)
	}
}

func TestPercentOfCapitalWithLeverage(t *testing.T) {
	s, _, prices := newTestSizer(t)
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))

	res, err := s.Size(context.Background(), Request{
		Exchange:         "BINANCE_SPOT",
		Market:           "SPOT",
		Symbol:           "BTC/USDT",
		AssetClass:       AssetCrypto,
		Side:             registry.SideBuy,
		QtyPer:           decimal.NewFromInt(10),
		AllocatedCapital: decimal.NewFromInt(1000),
		Leverage:         decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	// 10% of 1000 * 5x leverage = 500 notional / 50000 = 0.01 BTC.
	if !res.Quantity.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("expected qty 0.01, got %s", res.Quantity)
	}
}

func TestFullLiquidationInfersSellFromLongPosition(t *testing.T) {
	s, _, prices := newTestSizer(t)
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))

	res, err := s.Size(context.Background(), Request{
		Exchange:        "BINANCE_SPOT",
		Market:          "SPOT",
		Symbol:          "BTC/USDT",
		AssetClass:      AssetCrypto,
		QtyPer:          decimal.NewFromInt(-100),
		CurrentPosition: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if res.Side != registry.SideSell {
		t.Errorf("expected inferred side sell for a long position, got %s", res.Side)
	}
	if !res.Quantity.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected qty 0.5, got %s", res.Quantity)
	}
}

func TestFullLiquidationInfersBuyFromShortPosition(t *testing.T) {
	s, _, prices := newTestSizer(t)
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))

	res, err := s.Size(context.Background(), Request{
		Exchange:        "BINANCE_SPOT",
		Market:          "SPOT",
		Symbol:          "BTC/USDT",
		AssetClass:      AssetCrypto,
		QtyPer:          decimal.NewFromInt(-100),
		CurrentPosition: decimal.NewFromFloat(-0.5),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if res.Side != registry.SideBuy {
		t.Errorf("expected inferred side buy for a short position, got %s", res.Side)
	}
}

func TestFullLiquidationOnFlatPositionRejected(t *testing.T) {
	s, _, _ := newTestSizer(t)

	_, err := s.Size(context.Background(), Request{
		Exchange:        "BINANCE_SPOT",
		Market:          "SPOT",
		Symbol:          "BTC/USDT",
		AssetClass:      AssetCrypto,
		QtyPer:          decimal.NewFromInt(-100),
		CurrentPosition: decimal.Zero,
	})
	if !errors.Is(err, ErrNoPositionToClose) {
		t.Errorf("expected ErrNoPositionToClose, got %v", err)
	}
}

func TestSecuritiesSizingUsesIntegerShareCount(t *testing.T) {
	reg := registry.New()
	reg.Seed(registry.Instrument{
		Exchange:    "KRX",
		Symbol:      "005930",
		TickSize:    decimal.NewFromInt(1),
		StepSize:    decimal.NewFromInt(1),
		MinQty:      decimal.NewFromInt(1),
		MinNotional: decimal.Zero,
	})
	prices := pricecache.New()
	prices.Set(pricecache.Key{Exchange: "KRX", Market: "SECURITIES", Symbol: "005930"}, decimal.NewFromInt(70000))
	s := New(reg, prices, nil)

	res, err := s.Size(context.Background(), Request{
		Exchange:   "KRX",
		Market:     "SECURITIES",
		Symbol:     "005930",
		AssetClass: AssetSecurities,
		Side:       registry.SideBuy,
		QtyPer:     decimal.NewFromFloat(10.0),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if !res.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected 10 shares, got %s", res.Quantity)
	}
}

func TestRejectsBelowMinNotional(t *testing.T) {
	s, _, prices := newTestSizer(t)
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))

	_, err := s.Size(context.Background(), Request{
		Exchange:         "BINANCE_SPOT",
		Market:           "SPOT",
		Symbol:           "BTC/USDT",
		AssetClass:       AssetCrypto,
		Side:             registry.SideBuy,
		QtyPer:           decimal.NewFromFloat(0.001),
		AllocatedCapital: decimal.NewFromInt(1000),
		Leverage:         decimal.NewFromInt(1),
	})
	if err == nil {
		t.Fatal("expected rejection below min notional")
	}
}

type fakeFetcher struct {
	price decimal.Decimal
	err   error
}

func (f fakeFetcher) FetchLastPrice(ctx context.Context, exchange, market, symbol string) (decimal.Decimal, error) {
	return f.price, f.err
}

func TestFallsBackToRESTWhenCacheMisses(t *testing.T) {
	reg := registry.New()
	reg.Seed(registry.Instrument{
		Exchange:    "BINANCE_SPOT",
		Symbol:      "BTC/USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromFloat(10),
	})
	prices := pricecache.New() // empty, so GetFresh always misses
	s := New(reg, prices, fakeFetcher{price: decimal.NewFromInt(50000)})

	res, err := s.Size(context.Background(), Request{
		Exchange:         "BINANCE_SPOT",
		Market:           "SPOT",
		Symbol:           "BTC/USDT",
		AssetClass:       AssetCrypto,
		Side:             registry.SideBuy,
		QtyPer:           decimal.NewFromInt(10),
		AllocatedCapital: decimal.NewFromInt(1000),
		Leverage:         decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if !res.Quantity.Equal(decimal.NewFromFloat(0.002)) {
		t.Errorf("expected qty 0.002 from fallback price, got %s", res.Quantity)
	}
}

func TestNoFallbackConfiguredErrorsOnCacheMiss(t *testing.T) {
	s, _, _ := newTestSizer(t)
	_, err := s.Size(context.Background(), Request{
		Exchange:         "BINANCE_SPOT",
		Market:           "SPOT",
		Symbol:           "BTC/USDT",
		AssetClass:       AssetCrypto,
		Side:             registry.SideBuy,
		QtyPer:           decimal.NewFromInt(10),
		AllocatedCapital: decimal.NewFromInt(1000),
		Leverage:         decimal.NewFromInt(1),
	})
	if err == nil {
		t.Fatal("expected error when no fresh price and no fallback")
	}
}
