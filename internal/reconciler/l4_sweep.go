package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/internal/store"
)

// runL4 runs every T_sweep: (a) transition orphaned PENDING orders to
// FAILED, (b) rebalance capital across active subscriptions whose
// utilization has drifted past RebalanceEpsilon from target. Grounded on
// the teacher's reconciliation.Service ticker-loop skeleton for the
// sweep cadence, and on internal/risk/manager.go's DB-backed
// read-then-write config pattern for the rebalance step -- the rebalance
// formula itself is an Open Question the spec leaves unresolved; this
// reconciler implements the simplest faithful reading (equal-weight
// target per active subscription) and records that decision in
// DESIGN.md.
func (r *Reconciler) runL4(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOrphans(ctx)
			r.rebalanceCapital(ctx)
		}
	}
}

func (r *Reconciler) sweepOrphans(ctx context.Context) {
	n, err := r.store.SweepOrphans(ctx, r.cfg.OrphanAge)
	if err != nil {
		log.Printf("❌ reconciler L4: sweep_orphans: %v", err)
		return
	}
	if n > 0 {
		log.Printf("⚠️ reconciler L4: swept %d orphaned PENDING orders to FAILED", n)
	}
}

// rebalanceCapital reallocates a strategy's total allocated capital
// equally across its active subscriptions whenever one account's share of
// that total drifts past RebalanceEpsilon from the equal-weight target.
// TotalCapital is tracked as the sum of each subscription's current
// allocated_capital + current_pnl -- the pool this strategy is entitled to
// redistribute, not a global balance fetch.
func (r *Reconciler) rebalanceCapital(ctx context.Context) {
	groups, err := r.store.ListActiveStrategyIDs(ctx)
	if err != nil {
		log.Printf("❌ reconciler L4: list_active_strategy_ids: %v", err)
		return
	}
	for _, strategyID := range groups {
		r.rebalanceStrategy(ctx, strategyID)
	}
}

func (r *Reconciler) rebalanceStrategy(ctx context.Context, strategyID string) {
	subs, err := r.store.ListSubscribedAccounts(ctx, strategyID)
	if err != nil || len(subs) == 0 {
		return
	}

	total := decimal.Zero
	for _, s := range subs {
		total = total.Add(s.Capital.AllocatedCapital).Add(s.Capital.CurrentPnL)
	}
	if total.IsZero() {
		return
	}
	target := total.Div(decimal.NewFromInt(int64(len(subs))))

	for _, s := range subs {
		current := s.Capital.AllocatedCapital.Add(s.Capital.CurrentPnL)
		if current.IsZero() {
			continue
		}
		deviation := current.Sub(target).Div(target).Abs()
		if deviation.LessThanOrEqual(r.cfg.RebalanceEpsilon) {
			continue
		}
		if err := r.store.UpsertCapital(ctx, s.StrategyAccount.ID, target, decimal.Zero); err != nil {
			log.Printf("❌ reconciler L4: rebalance subscription %s: %v", s.StrategyAccount.ID, err)
			continue
		}
		log.Printf("🔄 reconciler L4: rebalanced subscription %s from %s to %s (strategy %s)",
			s.StrategyAccount.ID, current, target, strategyID)
	}
}
