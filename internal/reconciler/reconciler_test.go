package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOneSubscription(t *testing.T, s *store.Store, allocated string) (strategyID, strategyAccountID, accountID string) {
	t.Helper()
	ctx := context.Background()
	execOrFatal := func(query string, args ...any) {
		if _, err := s.DB().ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	execOrFatal(`INSERT INTO users (id) VALUES ('u1')`)
	execOrFatal(`INSERT INTO strategies (id, user_id, group_name, market_type, webhook_token) VALUES ('strat1', 'u1', 'g1', 'SPOT', 'tok')`)
	execOrFatal(`INSERT INTO accounts (id, user_id, exchange, name, public_key, secret_key_enc) VALUES ('acct1', 'u1', 'BINANCE_SPOT', 'main', 'pub', 'enc')`)
	execOrFatal(`INSERT INTO strategy_accounts (id, strategy_id, account_id, weight, leverage) VALUES ('sa1', 'strat1', 'acct1', '1.0', '1')`)
	execOrFatal(`INSERT INTO strategy_capital (strategy_account_id, allocated_capital, current_pnl) VALUES ('sa1', ?, '0')`, allocated)
	return "strat1", "sa1", "acct1"
}

type noopGatewayProvider struct{}

func (noopGatewayProvider) GatewayFor(ctx context.Context, account store.Account) (Gateway, error) {
	return nil, fmt.Errorf("no gateway configured in test")
}

func TestSweepOrphansTransitionsToFailed(t *testing.T) {
	s := newTestStore(t)
	_, saID, _ := seedOneSubscription(t, s, "1000")
	ctx := context.Background()

	pending, err := s.CreatePendingOrder(ctx, store.OpenOrder{
		StrategyAccountID: saID,
		Symbol:            "BTC/USDT",
		Side:              store.SideBuy,
		OrderType:         store.OrderTypeMarket,
		Quantity:          decimal.NewFromFloat(0.01),
		MarketType:        store.MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	// Back-date created_at past the orphan threshold.
	if _, err := s.DB().ExecContext(ctx, `UPDATE open_orders SET created_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), pending.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	r := New(s, noopGatewayProvider{}, DefaultConfig())
	r.sweepOrphans(ctx)

	got, err := s.GetOpenOrder(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get open order: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("expected FAILED after orphan sweep, got %s", got.Status)
	}
}

func TestSweepOrphansLeavesFreshPendingAlone(t *testing.T) {
	s := newTestStore(t)
	_, saID, _ := seedOneSubscription(t, s, "1000")
	ctx := context.Background()

	pending, err := s.CreatePendingOrder(ctx, store.OpenOrder{
		StrategyAccountID: saID,
		Symbol:            "BTC/USDT",
		Side:              store.SideBuy,
		OrderType:         store.OrderTypeMarket,
		Quantity:          decimal.NewFromFloat(0.01),
		MarketType:        store.MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	r := New(s, noopGatewayProvider{}, DefaultConfig())
	r.sweepOrphans(ctx)

	got, err := s.GetOpenOrder(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get open order: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("expected a fresh PENDING order left alone, got %s", got.Status)
	}
}

func TestRebalanceSkipsWhenWithinEpsilon(t *testing.T) {
	s := newTestStore(t)
	seedOneSubscription(t, s, "1000")
	ctx := context.Background()

	r := New(s, noopGatewayProvider{}, DefaultConfig())
	r.rebalanceCapital(ctx)

	cap, err := s.ListSubscribedAccounts(ctx, "strat1")
	if err != nil {
		t.Fatalf("list subscribed accounts: %v", err)
	}
	// Single subscription: target == its own total, deviation is zero,
	// so allocated_capital should remain untouched at 1000.
	if !cap[0].Capital.AllocatedCapital.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected capital untouched at 1000, got %s", cap[0].Capital.AllocatedCapital)
	}
}

func TestRebalanceEqualizesAcrossSkewedSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	execOrFatal := func(query string, args ...any) {
		if _, err := s.DB().ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	execOrFatal(`INSERT INTO users (id) VALUES ('u1')`)
	execOrFatal(`INSERT INTO strategies (id, user_id, group_name, market_type, webhook_token) VALUES ('strat1', 'u1', 'g1', 'SPOT', 'tok')`)
	execOrFatal(`INSERT INTO accounts (id, user_id, exchange, name, public_key, secret_key_enc) VALUES ('acct1', 'u1', 'BINANCE_SPOT', 'a', 'pub', 'enc')`)
	execOrFatal(`INSERT INTO accounts (id, user_id, exchange, name, public_key, secret_key_enc) VALUES ('acct2', 'u1', 'BINANCE_SPOT', 'b', 'pub', 'enc')`)
	execOrFatal(`INSERT INTO strategy_accounts (id, strategy_id, account_id, weight, leverage) VALUES ('sa1', 'strat1', 'acct1', '1.0', '1')`)
	execOrFatal(`INSERT INTO strategy_accounts (id, strategy_id, account_id, weight, leverage) VALUES ('sa2', 'strat1', 'acct2', '1.0', '1')`)
	execOrFatal(`INSERT INTO strategy_capital (strategy_account_id, allocated_capital, current_pnl) VALUES ('sa1', '1800', '0')`)
	execOrFatal(`INSERT INTO strategy_capital (strategy_account_id, allocated_capital, current_pnl) VALUES ('sa2', '200', '0')`)

	r := New(s, noopGatewayProvider{}, DefaultConfig())
	r.rebalanceCapital(ctx)

	subs, err := s.ListSubscribedAccounts(ctx, "strat1")
	if err != nil {
		t.Fatalf("list subscribed accounts: %v", err)
	}
	for _, sub := range subs {
		if !sub.Capital.AllocatedCapital.Equal(decimal.NewFromInt(1000)) {
			t.Errorf("expected rebalanced capital 1000 for %s, got %s", sub.StrategyAccount.ID, sub.Capital.AllocatedCapital)
		}
	}
}

func TestL3CancelMarksTerminalOrderSuccessWithoutCallingGateway(t *testing.T) {
	s := newTestStore(t)
	_, saID, acctID := seedOneSubscription(t, s, "1000")
	ctx := context.Background()

	pending, err := s.CreatePendingOrder(ctx, store.OpenOrder{
		StrategyAccountID: saID,
		Symbol:            "BTC/USDT",
		Side:              store.SideBuy,
		OrderType:         store.OrderTypeLimit,
		Quantity:          decimal.NewFromFloat(0.01),
		MarketType:        store.MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := s.PromotePending(ctx, pending.ID, "EX-1", store.StatusFilled, decimal.NewFromFloat(0.01)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := s.EnqueueCancel(ctx, pending.ID, "strat1", acctID); err != nil {
		t.Fatalf("enqueue cancel: %v", err)
	}

	r := New(s, noopGatewayProvider{}, DefaultConfig())
	r.drainCancelsOnce(ctx)

	var status string
	if err := s.DB().QueryRowContext(ctx, `SELECT status FROM cancel_queue WHERE order_id = ?`, pending.ID).Scan(&status); err != nil {
		t.Fatalf("query cancel status: %v", err)
	}
	if status != string(store.CancelSuccess) {
		t.Errorf("expected cancel marked SUCCESS for already-terminal order, got %s", status)
	}
}
