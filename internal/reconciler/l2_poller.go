package reconciler

import (
	"context"
	"log"
	"time"

	"signalrouter/internal/store"
)

// runL2 is the authoritative REST-polling fallback for L1: every
// T_poll, every account with at least one non-terminal OpenOrder gets its
// open orders re-fetched and fed through the same UpsertFromFeed path WS
// uses, since WS may drop silently. Grounded on the same ticker-loop
// skeleton as the teacher's reconciliation.Service.Start.
func (r *Reconciler) runL2(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) {
	open, err := r.store.ListOpenOrdersByStatus(ctx,
		store.StatusNew, store.StatusOpen, store.StatusPartiallyFilled)
	if err != nil {
		log.Printf("❌ reconciler L2: list open orders: %v", err)
		return
	}
	if len(open) == 0 {
		return
	}

	bySymbolAccount := make(map[string][]store.OpenOrder)
	for _, o := range open {
		key := o.StrategyAccountID + "|" + o.Symbol
		bySymbolAccount[key] = append(bySymbolAccount[key], o)
	}

	for _, orders := range bySymbolAccount {
		r.pollGroup(ctx, orders)
	}
}

func (r *Reconciler) pollGroup(ctx context.Context, orders []store.OpenOrder) {
	first := orders[0]
	account, err := r.store.AccountForStrategyAccount(ctx, first.StrategyAccountID)
	if err != nil {
		log.Printf("❌ reconciler L2: account lookup for %s: %v", first.StrategyAccountID, err)
		return
	}
	gw, err := r.gateways.GatewayFor(ctx, account)
	if err != nil {
		log.Printf("⚠️ reconciler L2: no gateway for account %s: %v", account.ID, err)
		return
	}

	views, err := gw.FetchOpenOrders(ctx, first.Symbol, first.MarketType)
	if err != nil {
		log.Printf("❌ reconciler L2: fetch_open_orders(%s) for account %s: %v", first.Symbol, account.ID, err)
		return
	}

	byExchangeID := make(map[string]OpenOrderView, len(views))
	for _, v := range views {
		byExchangeID[v.ExchangeOrderID] = v
	}

	for _, o := range orders {
		view, ok := byExchangeID[o.ExchangeOrderID]
		if !ok {
			// Exchange no longer reports this order open; it either
			// filled or was cancelled out-of-band. Leave its status as is
			// rather than guessing a terminal status; L2 does not probe it.
			continue
		}
		if view.Status == o.Status {
			continue
		}
		r.feedInto(ctx, FillEvent{
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Status:          view.Status,
			FilledQuantity:  view.FilledQuantity,
			IsFillEvent:     false,
		})
	}
}
