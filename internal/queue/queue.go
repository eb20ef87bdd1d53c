// Package queue defines the OrderQueue contract shared by the dispatcher
// (producer) and the reconciler's drain loop (consumer), plus the
// QueuedOrder payload both implementations carry. This replaces the
// teacher's inconsistent order.OrderQueue -- referenced throughout its
// main.go/internal/engine/internal/api but never actually defined as an
// interface, with mismatched Enqueue return types between order.Queue
// (no return) and order.PersistentQueue (bool) and a PendingNotional
// method present on PersistentQueue but missing from Queue -- with one
// interface both concrete queues below satisfy identically.
package queue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// QueuedOrder is the unit of work a queue carries: a fully-sized order
// intent awaiting dispatch to an exchange adapter, generalized from the
// teacher's order.Order (which hardcoded float64 fields and a single
// implicit exchange/account).
type QueuedOrder struct {
	ID                string
	StrategyAccountID string
	Symbol            string
	Side              string
	OrderType         string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	Notional          decimal.Decimal
	Priority          int
	CreatedAt         time.Time
}

// OrderQueue is the corrected, single interface both memqueue.Queue and
// walqueue.Queue satisfy (see SPEC_FULL.md §4.4).
type OrderQueue interface {
	Enqueue(ctx context.Context, o QueuedOrder) bool
	Drain(ctx context.Context, handler func(QueuedOrder))
	Len() int
	PendingNotional() decimal.Decimal
	Close()
}
