// Package sizer implements the C6 Sizer: translates a webhook's quirky
// `qty_per` sizing contract into an exchange-valid, rounded, validated
// order quantity. Grounded on the teacher's capital/leverage math in
// `internal/risk/manager.go` (position sizing against allocated capital),
// generalized from the teacher's float64 percent-of-equity calculation to
// shopspring/decimal, and wired directly into C2 (internal/registry) for
// rounding/validation and C3 (internal/pricecache) for the last-price
// lookup with staleness fallback.
package sizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signalrouter/internal/pricecache"
	"signalrouter/internal/registry"
)

// ErrNoPositionToClose is returned for a full-liquidation request
// (qty_per == -100) against a flat position, per spec.md §4.6.
var ErrNoPositionToClose = errors.New("no-position-to-close")

// PriceFetcher performs a synchronous REST price fetch, invoked only when
// the price cache has no fresh entry for the requested instrument.
type PriceFetcher interface {
	FetchLastPrice(ctx context.Context, exchange, market, symbol string) (decimal.Decimal, error)
}

// Sizer converts qty_per into a rounded, validated order quantity.
type Sizer struct {
	registry *registry.Registry
	prices   *pricecache.Cache
	fallback PriceFetcher
}

// New builds a Sizer wired to the shared registry and price cache, with
// fallback used when the cache has no fresh price for an instrument.
func New(reg *registry.Registry, prices *pricecache.Cache, fallback PriceFetcher) *Sizer {
	return &Sizer{registry: reg, prices: prices, fallback: fallback}
}

// Request carries everything the Sizer needs to resolve one order's
// quantity. AssetClass distinguishes the securities integer-share path
// from the crypto percent-of-capital path.
type Request struct {
	Exchange         string
	Market           string
	Symbol           string
	AssetClass       AssetClass
	Side             registry.Side
	QtyPer           decimal.Decimal
	AllocatedCapital decimal.Decimal
	Leverage         decimal.Decimal
	CurrentPosition  decimal.Decimal // signed: >0 long, <0 short, 0 flat
}

// AssetClass selects which qty_per interpretation applies.
type AssetClass string

const (
	AssetCrypto     AssetClass = "CRYPTO"
	AssetSecurities AssetClass = "SECURITIES"
)

// Result is the Sizer's output: a rounded quantity plus the side to use
// (which may be inferred, for full-liquidation requests).
type Result struct {
	Quantity decimal.Decimal
	Side     registry.Side
	Price    decimal.Decimal
}

// Size resolves req.QtyPer into a final, rounded, validated quantity.
func (s *Sizer) Size(ctx context.Context, req Request) (Result, error) {
	if req.QtyPer.Equal(decimal.NewFromInt(-100)) {
		return s.sizeFullLiquidation(ctx, req)
	}
	if req.AssetClass == AssetSecurities {
		return s.sizeSecurities(req)
	}
	return s.sizePercentOfCapital(ctx, req)
}

func (s *Sizer) sizeFullLiquidation(ctx context.Context, req Request) (Result, error) {
	if req.CurrentPosition.IsZero() {
		return Result{}, ErrNoPositionToClose
	}
	side := registry.SideSell
	if req.CurrentPosition.IsNegative() {
		side = registry.SideBuy
	}
	qty := req.CurrentPosition.Abs()

	price, err := s.lastPrice(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return s.finalize(req, qty, side, price)
}

func (s *Sizer) sizeSecurities(req Request) (Result, error) {
	// Securities qty_per is a literal integer share count -- truncate any
	// fractional input rather than reject, since a webhook author may send
	// "10.0" for clarity.
	qty := req.QtyPer.Truncate(0)
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{}, fmt.Errorf("sizer: qty_per %s resolves to non-positive share count", req.QtyPer)
	}
	// Securities have no leveraged notional concept; price is still needed
	// for min-notional validation downstream.
	price, ok := s.prices.GetFresh(pricecache.Key{Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol})
	if !ok {
		var err error
		price, err = s.fallbackFetch(context.Background(), req)
		if err != nil {
			return Result{}, err
		}
	}
	return s.finalize(req, qty, req.Side, price)
}

func (s *Sizer) sizePercentOfCapital(ctx context.Context, req Request) (Result, error) {
	if req.QtyPer.LessThanOrEqual(decimal.Zero) {
		return Result{}, fmt.Errorf("sizer: qty_per must be positive for an opening order, got %s", req.QtyPer)
	}
	price, err := s.lastPrice(ctx, req)
	if err != nil {
		return Result{}, err
	}

	leverage := req.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}
	// notional = qty_per% * allocated_capital * leverage
	pct := req.QtyPer.Div(decimal.NewFromInt(100))
	notional := pct.Mul(req.AllocatedCapital).Mul(leverage)
	if price.IsZero() {
		return Result{}, fmt.Errorf("sizer: last price for %s/%s is zero", req.Exchange, req.Symbol)
	}
	qty := notional.Div(price)

	return s.finalize(req, qty, req.Side, price)
}

func (s *Sizer) lastPrice(ctx context.Context, req Request) (decimal.Decimal, error) {
	key := pricecache.Key{Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol}
	if price, ok := s.prices.GetFresh(key); ok {
		return price, nil
	}
	return s.fallbackFetch(ctx, req)
}

func (s *Sizer) fallbackFetch(ctx context.Context, req Request) (decimal.Decimal, error) {
	if s.fallback == nil {
		return decimal.Zero, fmt.Errorf("sizer: no fresh price for %s/%s and no fallback configured", req.Exchange, req.Symbol)
	}
	price, err := s.fallback.FetchLastPrice(ctx, req.Exchange, req.Market, req.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizer: fallback price fetch: %w", err)
	}
	s.prices.Set(pricecache.Key{Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol}, price)
	return price, nil
}

func (s *Sizer) finalize(req Request, rawQty decimal.Decimal, side registry.Side, price decimal.Decimal) (Result, error) {
	qty, err := s.registry.RoundQty(req.Exchange, req.Symbol, rawQty)
	if err != nil {
		return Result{}, err
	}
	if qty.IsZero() {
		return Result{}, fmt.Errorf("sizer: rounded quantity is zero for %s/%s", req.Exchange, req.Symbol)
	}
	roundedPrice, err := s.registry.RoundPrice(req.Exchange, req.Symbol, price, side)
	if err != nil {
		return Result{}, err
	}
	ok, reason := s.registry.ValidateOrder(req.Exchange, req.Symbol, qty, roundedPrice)
	if !ok {
		return Result{}, fmt.Errorf("sizer: %s", reason)
	}
	return Result{Quantity: qty, Side: side, Price: roundedPrice}, nil
}
