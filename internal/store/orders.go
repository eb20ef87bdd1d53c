package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// decStr renders a decimal for storage; nil pointers store as empty string.
func decStr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreatePendingOrder inserts an OpenOrder row with status=PENDING and a
// `PENDING:<uuid>` sentinel exchange_order_id, before the exchange call is
// made -- the DB-first pattern from spec.md §4.4 that prevents orphaning an
// order the process crashes after submitting but before recording.
func (s *Store) CreatePendingOrder(ctx context.Context, o OpenOrder) (OpenOrder, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	sentinel := PendingSentinel(uuid.NewString())
	o.ExchangeOrderID = sentinel
	o.Status = StatusPending
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO open_orders (
			id, strategy_account_id, exchange_order_id, symbol, side, order_type,
			price, stop_price, quantity, filled_quantity, status, market_type,
			error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.StrategyAccountID, o.ExchangeOrderID, o.Symbol, o.Side, o.OrderType,
		decStr(o.Price), decStr(o.StopPrice), o.Quantity.String(), "0", o.Status, o.MarketType,
		o.ErrorMessage, o.CreatedAt)
	if err != nil {
		return OpenOrder{}, fmt.Errorf("create pending order: %w", err)
	}
	return o, nil
}

// PromotePending swaps the PENDING sentinel for the real exchange order id
// and advances status. If the exchange returned a terminal status directly
// (FILLED/CANCELLED/FAILED), that is written here rather than NEW/OPEN.
func (s *Store) PromotePending(ctx context.Context, pendingID, realExchangeOrderID string, status OrderStatus, filledQty decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE open_orders
		SET exchange_order_id = ?, status = ?, filled_quantity = ?
		WHERE id = ? AND status = ?
	`, realExchangeOrderID, status, filledQty.String(), pendingID, StatusPending)
	if err != nil {
		return fmt.Errorf("promote pending: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("promote pending: order %s not in PENDING state (already promoted or unknown)", pendingID)
	}
	return nil
}

// FailPending transitions PENDING -> FAILED and records a retryable
// FailedOrder(operation_type=CREATE) row in the same logical operation.
func (s *Store) FailPending(ctx context.Context, pendingID, reason, exchangeError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var o OpenOrder
	var price, stopPrice sql.NullString
	var qty string
	err = tx.QueryRowContext(ctx, `
		SELECT strategy_account_id, symbol, side, order_type, quantity, price, stop_price
		FROM open_orders WHERE id = ? AND status = ?
	`, pendingID, StatusPending).Scan(&o.StrategyAccountID, &o.Symbol, &o.Side, &o.OrderType, &qty, &price, &stopPrice)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fail pending: order %s not in PENDING state", pendingID)
	}
	if err != nil {
		return fmt.Errorf("fail pending: lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE open_orders SET status = ?, error_message = ? WHERE id = ? AND status = ?
	`, StatusFailed, reason, pendingID, StatusPending); err != nil {
		return fmt.Errorf("fail pending: update: %w", err)
	}

	priceDec, _ := parseDecPtr(price)
	stopDec, _ := parseDecPtr(stopPrice)
	qtyDec, err := decimal.NewFromString(qty)
	if err != nil {
		return fmt.Errorf("fail pending: parse quantity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_orders (
			id, strategy_account_id, symbol, side, order_type, quantity, price,
			stop_price, reason, exchange_error, operation_type, original_order_id,
			retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, uuid.NewString(), o.StrategyAccountID, o.Symbol, o.Side, o.OrderType, qtyDec.String(),
		decStr(priceDec), decStr(stopDec), reason, exchangeError, OpCreate, pendingID, time.Now().UTC()); err != nil {
		return fmt.Errorf("fail pending: insert failed_order: %w", err)
	}

	return tx.Commit()
}

// FeedEvent is a normalized fill/status update delivered by either the
// WS private feed or the REST poller -- both call UpsertFromFeed, and
// delivery is expected to race and duplicate.
type FeedEvent struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	FillPrice        decimal.Decimal
	FillQuantity     decimal.Decimal
	TradeTimestamp   time.Time
	IsFillEvent      bool // false for a pure status update with no new trade
}

// UpsertFromFeed advances an OpenOrder's status strictly forward along the
// state machine and, if the event carries a fill, inserts a deduplicated
// Trade row and applies it to the strategy position. Called by both the WS
// handler and the REST poller; safe under concurrent duplicate delivery
// because the Trade UNIQUE constraint makes the insert a no-op the second
// time and ApplyFill is gated on that insert succeeding (spec.md I2/I3).
func (s *Store) UpsertFromFeed(ctx context.Context, ev FeedEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id, strategyAccountID, symbol, side, orderType, marketType, curStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT id, strategy_account_id, symbol, side, order_type, market_type, status
		FROM open_orders WHERE exchange_order_id = ?
	`, ev.ExchangeOrderID).Scan(&id, &strategyAccountID, &symbol, &side, &orderType, &marketType, &curStatus)
	if err == sql.ErrNoRows {
		return fmt.Errorf("upsert from feed: unknown exchange_order_id %s", ev.ExchangeOrderID)
	}
	if err != nil {
		return fmt.Errorf("upsert from feed: lookup: %w", err)
	}

	from := OrderStatus(curStatus)
	if !CanTransition(from, ev.Status) {
		// Stale or backward event; silently ignored per spec.md §4.4.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE open_orders SET status = ?, filled_quantity = ? WHERE id = ?
	`, ev.Status, ev.FilledQuantity.String(), id); err != nil {
		return fmt.Errorf("upsert from feed: update status: %w", err)
	}

	if ev.IsFillEvent {
		tradeID := uuid.NewString()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades (
				id, strategy_account_id, exchange_order_id, symbol, side, order_type,
				price, quantity, timestamp, is_entry, market_type
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(exchange_order_id, price, quantity, timestamp) DO NOTHING
		`, tradeID, strategyAccountID, ev.ExchangeOrderID, symbol, side, orderType,
			ev.FillPrice.String(), ev.FillQuantity.String(), ev.TradeTimestamp, marketType)
		if err != nil {
			return fmt.Errorf("upsert from feed: insert trade: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			signedDelta := ev.FillQuantity
			if Side(side) == SideSell {
				signedDelta = signedDelta.Neg()
			}
			if err := applyFillTx(ctx, tx, strategyAccountID, symbol, signedDelta, ev.FillPrice); err != nil {
				return fmt.Errorf("upsert from feed: apply fill: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetOpenOrder fetches an OpenOrder by its internal id.
func (s *Store) GetOpenOrder(ctx context.Context, id string) (OpenOrder, error) {
	var o OpenOrder
	var price, stopPrice sql.NullString
	var qty, filledQty string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_account_id, exchange_order_id, symbol, side, order_type,
		       price, stop_price, quantity, filled_quantity, status, market_type,
		       COALESCE(error_message, ''), created_at
		FROM open_orders WHERE id = ?
	`, id).Scan(&o.ID, &o.StrategyAccountID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.OrderType,
		&price, &stopPrice, &qty, &filledQty, &o.Status, &o.MarketType, &o.ErrorMessage, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return OpenOrder{}, fmt.Errorf("open order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return OpenOrder{}, fmt.Errorf("get open order: %w", err)
	}
	o.Price, _ = parseDecPtr(price)
	o.StopPrice, _ = parseDecPtr(stopPrice)
	o.Quantity, err = decimal.NewFromString(qty)
	if err != nil {
		return OpenOrder{}, fmt.Errorf("get open order: parse quantity: %w", err)
	}
	o.FilledQuantity, err = decimal.NewFromString(filledQty)
	if err != nil {
		return OpenOrder{}, fmt.Errorf("get open order: parse filled_quantity: %w", err)
	}
	return o, nil
}

// ListOpenOrdersByStatus is used by the reconciler's orphan sweep and the
// REST poller fallback to find orders still awaiting a terminal state.
func (s *Store) ListOpenOrdersByStatus(ctx context.Context, statuses ...OrderStatus) ([]OpenOrder, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, strategy_account_id, exchange_order_id, symbol, side, order_type,
		       price, stop_price, quantity, filled_quantity, status, market_type,
		       COALESCE(error_message, ''), created_at
		FROM open_orders WHERE status IN (` + placeholders(len(statuses)) + `)`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []OpenOrder
	for rows.Next() {
		var o OpenOrder
		var price, stopPrice sql.NullString
		var qty, filledQty string
		if err := rows.Scan(&o.ID, &o.StrategyAccountID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.OrderType,
			&price, &stopPrice, &qty, &filledQty, &o.Status, &o.MarketType, &o.ErrorMessage, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		o.Price, _ = parseDecPtr(price)
		o.StopPrice, _ = parseDecPtr(stopPrice)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.FilledQuantity, _ = decimal.NewFromString(filledQty)
		out = append(out, o)
	}
	return out, rows.Err()
}

// SweepOrphans transitions any PENDING order older than olderThan straight
// to FAILED with reason="orphan-timeout" (spec.md invariant I6), recording a
// FailedOrder(operation_type=CREATE) row per swept order in the same
// transaction -- mirrors FailPending's insert so an orphaned CREATE is
// retryable/auditable exactly like any other failed create.
func (s *Store) SweepOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, strategy_account_id, symbol, side, order_type, quantity, price, stop_price
		FROM open_orders WHERE status = ? AND created_at < ?
	`, StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep orphans: select: %w", err)
	}
	type orphan struct {
		id, accountID, symbol, side, orderType, qty string
		price, stopPrice                            sql.NullString
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.accountID, &o.symbol, &o.side, &o.orderType, &o.qty, &o.price, &o.stopPrice); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep orphans: scan: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sweep orphans: rows: %w", err)
	}
	if len(orphans) == 0 {
		return 0, tx.Commit()
	}

	var swept int64
	for _, o := range orphans {
		res, err := tx.ExecContext(ctx, `
			UPDATE open_orders SET status = ?, error_message = 'orphan-timeout'
			WHERE id = ? AND status = ?
		`, StatusFailed, o.id, StatusPending)
		if err != nil {
			return 0, fmt.Errorf("sweep orphans: update %s: %w", o.id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		swept += n

		priceDec, _ := parseDecPtr(o.price)
		stopDec, _ := parseDecPtr(o.stopPrice)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failed_orders (
				id, strategy_account_id, symbol, side, order_type, quantity, price,
				stop_price, reason, exchange_error, operation_type, original_order_id,
				retry_count, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, uuid.NewString(), o.accountID, o.symbol, o.side, o.orderType, o.qty,
			decStr(priceDec), decStr(stopDec), "orphan-timeout", "", OpCreate, o.id, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("sweep orphans: insert failed_order for %s: %w", o.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep orphans: commit: %w", err)
	}
	return swept, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
