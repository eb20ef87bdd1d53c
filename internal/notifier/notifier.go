// Package notifier implements C9: a thin Sink interface plus a
// subscriber goroutine that forwards {trade_executed, daily_report}
// events off the internal events.Bus to whatever Sink is configured.
// The core never reads anything back from the Sink -- this is a
// one-way, best-effort fan-out, mirroring the teacher's own
// bus.Subscribe-then-range-in-a-goroutine wiring in main.go.
package notifier

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/internal/events"
)

// TradeExecuted is the payload published on events.EventTradeExecuted,
// one per Trade row the reconciler persists.
type TradeExecuted struct {
	StrategyAccountID string          `json:"strategy_account_id"`
	Symbol            string          `json:"symbol"`
	Side              string          `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	ExchangeOrderID   string          `json:"exchange_order_id"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// DailyReport is the payload published on events.EventDailyReport.
type DailyReport struct {
	Date            string          `json:"date"`
	TotalTrades     int             `json:"total_trades"`
	TotalNotional   decimal.Decimal `json:"total_notional"`
	FailedOrders    int             `json:"failed_orders"`
	ActiveAccounts  int             `json:"active_accounts"`
}

// Sink is where notifier events ultimately go.
type Sink interface {
	Notify(ctx context.Context, topic events.Event, payload any) error
}

// NoopSink discards every event; the default when no external sink is
// configured, per spec.md's "the core consumes no feedback" -- a missing
// Sink must never block or fail publication.
type NoopSink struct{}

func (NoopSink) Notify(ctx context.Context, topic events.Event, payload any) error { return nil }

// Subscriber forwards Bus events of interest to a Sink from a background
// goroutine, started by Start and stopped by cancelling ctx.
type Subscriber struct {
	bus  *events.Bus
	sink Sink
}

// New builds a Subscriber. A nil sink is replaced with NoopSink so
// callers never need a nil check.
func New(bus *events.Bus, sink Sink) *Subscriber {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Subscriber{bus: bus, sink: sink}
}

// Start subscribes to trade_executed and daily_report and forwards every
// message to the Sink until ctx is cancelled, following the teacher's
// "subscribe, then range over the channel in a goroutine" pattern from
// main.go.
func (s *Subscriber) Start(ctx context.Context) {
	tradeSub, unsubTrade := s.bus.Subscribe(events.EventTradeExecuted, 100)
	reportSub, unsubReport := s.bus.Subscribe(events.EventDailyReport, 100)

	go func() {
		defer unsubTrade()
		defer unsubReport()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-tradeSub:
				if !ok {
					return
				}
				s.forward(ctx, events.EventTradeExecuted, msg)
			case msg, ok := <-reportSub:
				if !ok {
					return
				}
				s.forward(ctx, events.EventDailyReport, msg)
			}
		}
	}()
}

func (s *Subscriber) forward(ctx context.Context, topic events.Event, payload any) {
	if err := s.sink.Notify(ctx, topic, payload); err != nil {
		log.Printf("⚠️ notifier: sink rejected %s event: %v", topic, err)
	}
}

// marshalPayload is a small helper HTTPSink uses to turn the typed
// payload structs above into the JSON body it posts. It is unexported,
// so only Sinks inside this package share the encoding.
func marshalPayload(topic events.Event, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Topic   events.Event `json:"topic"`
		Payload any          `json:"payload"`
	}{Topic: topic, Payload: payload})
}
