package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueCancel inserts a CancelQueue row iff no PENDING/PROCESSING row
// already exists for order_id, enforcing invariant I5 (at most one inflight
// cancel per order).
func (s *Store) EnqueueCancel(ctx context.Context, orderID, strategyID, accountID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM cancel_queue
		WHERE order_id = ? AND status IN (?, ?)
	`, orderID, CancelPending, CancelProcessing).Scan(&exists)
	if err != nil {
		return fmt.Errorf("enqueue cancel: check existing: %w", err)
	}
	if exists > 0 {
		return nil // already inflight, I5 satisfied by no-op
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cancel_queue (order_id, strategy_id, account_id, retry_count, status)
		VALUES (?, ?, ?, 0, ?)
	`, orderID, strategyID, accountID, CancelPending)
	if err != nil {
		return fmt.Errorf("enqueue cancel: insert: %w", err)
	}
	return nil
}

// ClaimCancelBatch flips up to `limit` PENDING rows to PROCESSING and
// returns them, emulating SELECT...FOR UPDATE SKIP LOCKED as a
// claim-then-act UPDATE since SQLite has no row-lock primitive (see
// SPEC_FULL.md §3's single-writer note). Safe under concurrent callers in
// the same process because SQLite serializes writers; safe across
// processes sharing one file because the UPDATE is atomic per the
// filesystem-level WAL lock.
func (s *Store) ClaimCancelBatch(ctx context.Context, limit int) ([]CancelQueue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM cancel_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, CancelPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim cancel batch: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim cancel batch: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	query := `UPDATE cancel_queue SET status = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, CancelProcessing)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("claim cancel batch: update: %w", err)
	}

	selectQuery := `
		SELECT id, order_id, strategy_id, account_id, retry_count, status, created_at
		FROM cancel_queue WHERE id IN (` + placeholders(len(ids)) + `)`
	selectArgs := make([]any, len(ids))
	for i, id := range ids {
		selectArgs[i] = id
	}
	claimRows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("claim cancel batch: reselect: %w", err)
	}
	defer claimRows.Close()

	var out []CancelQueue
	for claimRows.Next() {
		var c CancelQueue
		if err := claimRows.Scan(&c.ID, &c.OrderID, &c.StrategyID, &c.AccountID, &c.RetryCount, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("claim cancel batch: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := claimRows.Err(); err != nil {
		return nil, err
	}

	return out, tx.Commit()
}

// MarkCancelResult transitions a claimed CancelQueue row to SUCCESS, or back
// to PENDING with an incremented retry_count (or FAILED once MAX_CANCEL_RETRIES
// is reached) on failure. The caller (internal/reconciler) supplies the cap
// as maxRetries; retry_count is re-read inside the transaction. When the
// final retry is exhausted, a FailedOrder(operation_type=CANCEL,
// original_order_id=cancel_queue.order_id) row is inserted in the same
// transaction, mirroring FailPending's CREATE-side insert (orders.go).
func (s *Store) MarkCancelResult(ctx context.Context, id int64, success bool, maxRetries int) error {
	if success {
		_, err := s.db.ExecContext(ctx, `UPDATE cancel_queue SET status = ? WHERE id = ?`, CancelSuccess, id)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark cancel result: begin: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	var orderID string
	if err := tx.QueryRowContext(ctx, `
		SELECT retry_count, order_id FROM cancel_queue WHERE id = ?
	`, id).Scan(&retryCount, &orderID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mark cancel result: %w", ErrNotFound)
		}
		return fmt.Errorf("mark cancel result: lookup: %w", err)
	}

	retryCount++
	status := CancelPending
	exhausted := retryCount >= maxRetries
	if exhausted {
		status = CancelFailed
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cancel_queue SET status = ?, retry_count = ? WHERE id = ?
	`, status, retryCount, id); err != nil {
		return fmt.Errorf("mark cancel result: update: %w", err)
	}

	if exhausted {
		var accountID, symbol, side, orderType, qty string
		var price, stopPrice sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT strategy_account_id, symbol, side, order_type, quantity, price, stop_price
			FROM open_orders WHERE id = ?
		`, orderID).Scan(&accountID, &symbol, &side, &orderType, &qty, &price, &stopPrice)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("mark cancel result: lookup order %s: %w", orderID, err)
		}
		if err == nil {
			priceDec, _ := parseDecPtr(price)
			stopDec, _ := parseDecPtr(stopPrice)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO failed_orders (
					id, strategy_account_id, symbol, side, order_type, quantity, price,
					stop_price, reason, exchange_error, operation_type, original_order_id,
					retry_count, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, uuid.NewString(), accountID, symbol, side, orderType, qty,
				decStr(priceDec), decStr(stopDec), "cancel-retries-exhausted", "", OpCancel, orderID,
				retryCount, time.Now().UTC()); err != nil {
				return fmt.Errorf("mark cancel result: insert failed_order: %w", err)
			}
		}
	}

	return tx.Commit()
}
