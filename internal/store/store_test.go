package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSubscription(t *testing.T, s *Store) (strategyID, strategyAccountID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id) VALUES ('u1')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, user_id, group_name, market_type, webhook_token)
		VALUES ('strat1', 'u1', 'momentum', 'SPOT', 'tok123')
	`); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, exchange, name, public_key, secret_key_enc)
		VALUES ('acct1', 'u1', 'BINANCE_SPOT', 'main', 'pub', 'enc')
	`); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_accounts (id, strategy_id, account_id, weight, leverage)
		VALUES ('sa1', 'strat1', 'acct1', '1.0', '1')
	`); err != nil {
		t.Fatalf("seed strategy_account: %v", err)
	}
	return "strat1", "sa1"
}

func TestCreatePendingOrderUsesSentinel(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	o, err := s.CreatePendingOrder(ctx, OpenOrder{
		StrategyAccountID: saID,
		Symbol:            "BTC/USDT",
		Side:              SideBuy,
		OrderType:         OrderTypeMarket,
		Quantity:          decimal.NewFromFloat(0.01),
		MarketType:        MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending order: %v", err)
	}
	if o.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", o.Status)
	}
	if len(o.ExchangeOrderID) < len("PENDING:") || o.ExchangeOrderID[:8] != "PENDING:" {
		t.Errorf("expected PENDING: sentinel, got %s", o.ExchangeOrderID)
	}
}

func TestPromotePendingSwapsSentinel(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	o, err := s.CreatePendingOrder(ctx, OpenOrder{
		StrategyAccountID: saID, Symbol: "BTC/USDT", Side: SideBuy,
		OrderType: OrderTypeMarket, Quantity: decimal.NewFromFloat(0.01), MarketType: MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	if err := s.PromotePending(ctx, o.ID, "123456", StatusNew, decimal.Zero); err != nil {
		t.Fatalf("promote pending: %v", err)
	}

	got, err := s.GetOpenOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get open order: %v", err)
	}
	if got.ExchangeOrderID != "123456" {
		t.Errorf("expected exchange_order_id 123456, got %s", got.ExchangeOrderID)
	}
	if got.Status != StatusNew {
		t.Errorf("expected NEW, got %s", got.Status)
	}

	// Promoting again must fail: no longer in PENDING state.
	if err := s.PromotePending(ctx, o.ID, "999999", StatusNew, decimal.Zero); err == nil {
		t.Error("expected error re-promoting an already-promoted order")
	}
}

func TestFailPendingWritesFailedOrder(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	o, err := s.CreatePendingOrder(ctx, OpenOrder{
		StrategyAccountID: saID, Symbol: "BTC/USDT", Side: SideBuy,
		OrderType: OrderTypeMarket, Quantity: decimal.NewFromFloat(0.01), MarketType: MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	if err := s.FailPending(ctx, o.ID, "insufficient balance", "exchange says no"); err != nil {
		t.Fatalf("fail pending: %v", err)
	}

	got, err := s.GetOpenOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get open order: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM failed_orders WHERE original_order_id = ?`, o.ID).Scan(&count); err != nil {
		t.Fatalf("count failed_orders: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 failed_order row, got %d", count)
	}
}

func TestUpsertFromFeedDedupesTradeOnRaceDelivery(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	o, err := s.CreatePendingOrder(ctx, OpenOrder{
		StrategyAccountID: saID, Symbol: "BTC/USDT", Side: SideBuy,
		OrderType: OrderTypeMarket, Quantity: decimal.NewFromFloat(1), MarketType: MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if err := s.PromotePending(ctx, o.ID, "eo-1", StatusNew, decimal.Zero); err != nil {
		t.Fatalf("promote: %v", err)
	}

	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	ev := FeedEvent{
		ExchangeOrderID: "eo-1", Status: StatusFilled,
		FilledQuantity: decimal.NewFromFloat(1), FillPrice: decimal.NewFromFloat(50000),
		FillQuantity: decimal.NewFromFloat(1), TradeTimestamp: ts, IsFillEvent: true,
	}

	// WS delivers first.
	if err := s.UpsertFromFeed(ctx, ev); err != nil {
		t.Fatalf("upsert from feed (ws): %v", err)
	}
	// Poller redelivers the identical event moments later -- must be a no-op.
	if err := s.UpsertFromFeed(ctx, ev); err != nil {
		t.Fatalf("upsert from feed (poller race): %v", err)
	}

	var tradeCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE exchange_order_id = ?`, "eo-1").Scan(&tradeCount); err != nil {
		t.Fatalf("count trades: %v", err)
	}
	if tradeCount != 1 {
		t.Errorf("expected exactly 1 trade row after duplicate delivery, got %d", tradeCount)
	}

	pos, err := s.GetPosition(ctx, saID, "BTC/USDT")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(1)) {
		t.Errorf("expected position qty 1 (applied once), got %s", pos.Quantity)
	}
}

func TestApplyFillWeightedAverageEntry(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	if _, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(100)); err != nil {
		t.Fatalf("apply fill 1: %v", err)
	}
	pos, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(200))
	if err != nil {
		t.Fatalf("apply fill 2: %v", err)
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(2)) {
		t.Errorf("expected qty 2, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromFloat(150)) {
		t.Errorf("expected weighted avg entry 150, got %s", pos.EntryPrice)
	}
}

func TestApplyFillFlipThroughZeroResetsEntry(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	if _, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(1), decimal.NewFromFloat(100)); err != nil {
		t.Fatalf("open long: %v", err)
	}
	// Sell 2: closes the long and opens a 1-unit short at the sell price.
	pos, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(-2), decimal.NewFromFloat(120))
	if err != nil {
		t.Fatalf("flip fill: %v", err)
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(-1)) {
		t.Errorf("expected qty -1 after flip, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromFloat(120)) {
		t.Errorf("expected entry reset to flip price 120, got %s", pos.EntryPrice)
	}
}

func TestApplyFillReducingFillKeepsEntryPrice(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	if _, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(2), decimal.NewFromFloat(100)); err != nil {
		t.Fatalf("open long: %v", err)
	}
	pos, err := s.ApplyFill(ctx, saID, "BTC/USDT", decimal.NewFromFloat(-1), decimal.NewFromFloat(500))
	if err != nil {
		t.Fatalf("reduce fill: %v", err)
	}
	if !pos.Quantity.Equal(decimal.NewFromFloat(1)) {
		t.Errorf("expected qty 1 after reduce, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromFloat(100)) {
		t.Errorf("expected entry unchanged at 100, got %s", pos.EntryPrice)
	}
}

func TestSweepOrphansTransitionsStalePending(t *testing.T) {
	s := newTestStore(t)
	_, saID := seedSubscription(t, s)
	ctx := context.Background()

	o, err := s.CreatePendingOrder(ctx, OpenOrder{
		StrategyAccountID: saID, Symbol: "BTC/USDT", Side: SideBuy,
		OrderType: OrderTypeMarket, Quantity: decimal.NewFromFloat(1), MarketType: MarketSpot,
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	// Backdate created_at to simulate an orphaned order.
	if _, err := s.db.ExecContext(ctx, `UPDATE open_orders SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), o.ID); err != nil {
		t.Fatalf("backdate order: %v", err)
	}

	n, err := s.SweepOrphans(ctx, 2*time.Minute)
	if err != nil {
		t.Fatalf("sweep orphans: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan swept, got %d", n)
	}

	got, err := s.GetOpenOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get open order: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected FAILED after orphan sweep, got %s", got.Status)
	}
}

func TestEnqueueCancelIsIdempotentWhileInflight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueCancel(ctx, "order-1", "strat1", "acct1"); err != nil {
		t.Fatalf("enqueue cancel 1: %v", err)
	}
	if err := s.EnqueueCancel(ctx, "order-1", "strat1", "acct1"); err != nil {
		t.Fatalf("enqueue cancel 2: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cancel_queue WHERE order_id = ?`, "order-1").Scan(&count); err != nil {
		t.Fatalf("count cancel_queue: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 inflight cancel row (I5), got %d", count)
	}
}

func TestClaimCancelBatchFlipsToProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2", "o3"} {
		if err := s.EnqueueCancel(ctx, id, "strat1", "acct1"); err != nil {
			t.Fatalf("enqueue cancel %s: %v", id, err)
		}
	}

	claimed, err := s.ClaimCancelBatch(ctx, 2)
	if err != nil {
		t.Fatalf("claim cancel batch: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", len(claimed))
	}
	for _, c := range claimed {
		if c.Status != CancelProcessing {
			t.Errorf("expected PROCESSING, got %s", c.Status)
		}
	}

	remaining, err := s.ClaimCancelBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim cancel batch 2: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 remaining PENDING row, got %d", len(remaining))
	}
}

func TestMarkCancelResultRetriesThenFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueCancel(ctx, "order-x", "strat1", "acct1"); err != nil {
		t.Fatalf("enqueue cancel: %v", err)
	}
	claimed, err := s.ClaimCancelBatch(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim cancel batch: %v %v", claimed, err)
	}
	id := claimed[0].ID

	const maxRetries = 2
	if err := s.MarkCancelResult(ctx, id, false, maxRetries); err != nil {
		t.Fatalf("mark cancel result 1: %v", err)
	}
	var status string
	var retryCount int
	if err := s.db.QueryRowContext(ctx, `SELECT status, retry_count FROM cancel_queue WHERE id = ?`, id).Scan(&status, &retryCount); err != nil {
		t.Fatalf("query cancel_queue: %v", err)
	}
	if status != string(CancelPending) || retryCount != 1 {
		t.Errorf("expected PENDING/retry=1, got %s/%d", status, retryCount)
	}

	if err := s.MarkCancelResult(ctx, id, false, maxRetries); err != nil {
		t.Fatalf("mark cancel result 2: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT status, retry_count FROM cancel_queue WHERE id = ?`, id).Scan(&status, &retryCount); err != nil {
		t.Fatalf("query cancel_queue: %v", err)
	}
	if status != string(CancelFailed) || retryCount != 2 {
		t.Errorf("expected FAILED/retry=2 once maxRetries reached, got %s/%d", status, retryCount)
	}
}

func TestCanTransitionRejectsBackwardMoves(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusNew, true},
		{StatusNew, StatusFilled, true},
		{StatusFilled, StatusNew, false},
		{StatusCancelled, StatusOpen, false},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusFailed, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
