// Package reconciler implements the C7 Reconciler: four concurrent loops
// that keep the Order Store's view of exchange state correct despite WS
// drops, missed events, and crashed processes. Grounded directly on the
// teacher's internal/reconciliation/service.go (ticker-driven loop
// skeleton, the 📊/✅/❌/🔄/⚠️ emoji-tagged operational logging kept as the
// teacher's own texture) and internal/order/user_stream_spot.go (L1's
// private-WS-subscription-plus-reconnect shape).
package reconciler

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/internal/events"
	"signalrouter/internal/notifier"
	"signalrouter/internal/store"
)

// FillEvent is the narrow event shape L1/L2 feed into UpsertFromFeed,
// mirroring pkg/exchange/common.FillEvent without importing that package.
type FillEvent struct {
	ExchangeOrderID string
	Symbol          string
	Side            string
	Status          store.OrderStatus
	FilledQuantity  decimal.Decimal
	FillQuantity    decimal.Decimal
	FillPrice       decimal.Decimal
	Timestamp       time.Time
	IsFillEvent     bool
}

// OpenOrderView is the adapter's view of one still-open order, as returned
// by FetchOpenOrders for L2's polling pass.
type OpenOrderView struct {
	ExchangeOrderID string
	Status          store.OrderStatus
	FilledQuantity  decimal.Decimal
}

// Gateway is the subset of common.Gateway the reconciler drives: private
// fill subscription (L1), open-order polling (L2), and cancellation (L3).
type Gateway interface {
	WSSubscribePrivateOrders(ctx context.Context, account store.Account, cb func(FillEvent)) error
	FetchOpenOrders(ctx context.Context, symbol string, market store.MarketType) ([]OpenOrderView, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market store.MarketType) error
}

// GatewayProvider resolves the Gateway for one account.
type GatewayProvider interface {
	GatewayFor(ctx context.Context, account store.Account) (Gateway, error)
}

// Config carries the four loops' intervals/thresholds, named after
// spec.md §4.7's T_* constants.
type Config struct {
	PollInterval      time.Duration // T_poll, default 5s
	CancelInterval    time.Duration // T_cancel, default 10s
	SweepInterval     time.Duration // T_sweep, default 60s
	OrphanAge         time.Duration // T_orphan, default 120s
	MaxCancelRetries  int           // default 5
	CancelBatchSize   int           // default 50
	RebalanceEpsilon  decimal.Decimal
	ReconnectMinDelay time.Duration // default 500ms
	ReconnectMaxDelay time.Duration // default 30s
}

// DefaultConfig returns spec.md §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		CancelInterval:    10 * time.Second,
		SweepInterval:     60 * time.Second,
		OrphanAge:         120 * time.Second,
		MaxCancelRetries:  5,
		CancelBatchSize:   50,
		RebalanceEpsilon:  decimal.NewFromFloat(0.05),
		ReconnectMinDelay: 500 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
	}
}

// Reconciler owns the four loops (L1-L4) and shares the Store's
// concurrency contract; none of the loops bypasses it.
type Reconciler struct {
	store    *store.Store
	gateways GatewayProvider
	cfg      Config
	bus      *events.Bus
}

// New builds a Reconciler. Publishing to the Notifier's events.Bus is
// optional -- call SetBus to wire it in; a nil bus is a no-op.
func New(st *store.Store, gateways GatewayProvider, cfg Config) *Reconciler {
	return &Reconciler{store: st, gateways: gateways, cfg: cfg}
}

// SetBus wires the shared events.Bus so feedInto can republish every
// fill as events.EventTradeExecuted for the Notifier (C9) subscriber,
// per spec.md §6's Notifier interface. Optional: a Reconciler built
// without calling this still reconciles correctly, it just never
// notifies.
func (r *Reconciler) SetBus(bus *events.Bus) {
	r.bus = bus
}

// Start launches all four loops as background goroutines until ctx is
// cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.runL1(ctx)
	go r.runL2(ctx)
	go r.runL3(ctx)
	go r.runL4(ctx)
	log.Printf("✓ reconciler started (poll=%v cancel=%v sweep=%v orphan=%v)",
		r.cfg.PollInterval, r.cfg.CancelInterval, r.cfg.SweepInterval, r.cfg.OrphanAge)
}

// feedInto maps a reconciler FillEvent into a store.FeedEvent and calls
// UpsertFromFeed -- the one call both L1 and L2 funnel through, per
// spec.md §4.4.
func (r *Reconciler) feedInto(ctx context.Context, ev FillEvent) {
	err := r.store.UpsertFromFeed(ctx, store.FeedEvent{
		ExchangeOrderID: ev.ExchangeOrderID,
		Status:          ev.Status,
		FilledQuantity:  ev.FilledQuantity,
		FillPrice:       ev.FillPrice,
		FillQuantity:    ev.FillQuantity,
		TradeTimestamp:  ev.Timestamp,
		IsFillEvent:     ev.IsFillEvent,
	})
	if err != nil {
		log.Printf("❌ reconciler: upsert_from_feed failed for %s: %v", ev.ExchangeOrderID, err)
		return
	}
	if r.bus != nil && ev.IsFillEvent && !ev.FillQuantity.IsZero() {
		r.bus.Publish(events.EventTradeExecuted, notifier.TradeExecuted{
			Symbol:          ev.Symbol,
			Side:            ev.Side,
			Quantity:        ev.FillQuantity,
			Price:           ev.FillPrice,
			ExchangeOrderID: ev.ExchangeOrderID,
			ExecutedAt:      ev.Timestamp,
		})
	}
}

func backoffWithJitter(attempt int, min, max time.Duration) time.Duration {
	d := min << attempt
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(float64(d) * 0.1 * (rand.Float64()*2 - 1))
	return d + jitter
}
