package reconciler

import (
	"context"
	"log"
	"time"

	"signalrouter/internal/store"
)

// runL3 drains the cancel queue every T_cancel: claim a bounded batch of
// PENDING rows (store.ClaimCancelBatch emulates skip-locked via a
// claim-then-act UPDATE, see SPEC_FULL.md §3), call the exchange cancel,
// and mark the result. On success, L1/L2 are expected to observe the
// OpenOrder's own status advance; on failure, retry_count is incremented
// and the row returns to PENDING until MaxCancelRetries, at which point
// the row is marked FAILED. A returned row is claimed again on the next
// tick: there is no backoff delay between attempts beyond T_cancel.
func (r *Reconciler) runL3(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CancelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainCancelsOnce(ctx)
		}
	}
}

func (r *Reconciler) drainCancelsOnce(ctx context.Context) {
	batch, err := r.store.ClaimCancelBatch(ctx, r.cfg.CancelBatchSize)
	if err != nil {
		log.Printf("❌ reconciler L3: claim_cancel_batch: %v", err)
		return
	}
	for _, c := range batch {
		r.processCancel(ctx, c)
	}
}

func (r *Reconciler) processCancel(ctx context.Context, c store.CancelQueue) {
	order, err := r.store.GetOpenOrder(ctx, c.OrderID)
	if err != nil {
		log.Printf("❌ reconciler L3: cancel %d: order %s lookup: %v", c.ID, c.OrderID, err)
		_ = r.store.MarkCancelResult(ctx, c.ID, false, r.cfg.MaxCancelRetries)
		return
	}
	if store.IsTerminal(order.Status) {
		// Order already reached a terminal state via L1/L2 before this
		// cancel was claimed; nothing left to cancel.
		_ = r.store.MarkCancelResult(ctx, c.ID, true, r.cfg.MaxCancelRetries)
		return
	}

	account, err := r.store.GetAccount(ctx, c.AccountID)
	if err != nil {
		log.Printf("❌ reconciler L3: cancel %d: account lookup: %v", c.ID, err)
		_ = r.store.MarkCancelResult(ctx, c.ID, false, r.cfg.MaxCancelRetries)
		return
	}
	gw, err := r.gateways.GatewayFor(ctx, account)
	if err != nil {
		log.Printf("⚠️ reconciler L3: no gateway for account %s: %v", account.ID, err)
		_ = r.store.MarkCancelResult(ctx, c.ID, false, r.cfg.MaxCancelRetries)
		return
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = gw.CancelOrder(cancelCtx, order.ExchangeOrderID, order.Symbol, order.MarketType)
	cancel()
	if err != nil {
		log.Printf("⚠️ reconciler L3: cancel order %s failed (retry %d/%d): %v",
			order.ExchangeOrderID, c.RetryCount+1, r.cfg.MaxCancelRetries, err)
		if markErr := r.store.MarkCancelResult(ctx, c.ID, false, r.cfg.MaxCancelRetries); markErr != nil {
			log.Printf("❌ reconciler L3: mark_cancel_result failed: %v", markErr)
		}
		return
	}

	log.Printf("✅ reconciler L3: cancelled order %s (account %s)", order.ExchangeOrderID, account.ID)
	if err := r.store.MarkCancelResult(ctx, c.ID, true, r.cfg.MaxCancelRetries); err != nil {
		log.Printf("❌ reconciler L3: mark_cancel_result failed: %v", err)
	}
}
