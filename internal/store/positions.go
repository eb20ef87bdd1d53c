package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyFill acquires the (strategy_account_id, symbol) row and merges a
// signed fill quantity into StrategyPosition. Ported in semantics, unchanged
// in algorithm, from the teacher's state.Manager.RecordFill: weighted-average
// entry price for fills that add to a position, unchanged entry price for
// fills that reduce it, and entry price reset to the fill price on a flip
// through zero -- translated here from float64 to decimal.Decimal per
// spec.md's precision invariants.
func (s *Store) ApplyFill(ctx context.Context, strategyAccountID, symbol string, signedDeltaQty, fillPrice decimal.Decimal) (StrategyPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StrategyPosition{}, err
	}
	defer tx.Rollback()

	if err := applyFillTx(ctx, tx, strategyAccountID, symbol, signedDeltaQty, fillPrice); err != nil {
		return StrategyPosition{}, err
	}

	pos, err := getPositionTx(ctx, tx, strategyAccountID, symbol)
	if err != nil {
		return StrategyPosition{}, err
	}
	if err := tx.Commit(); err != nil {
		return StrategyPosition{}, err
	}
	return pos, nil
}

func getPositionTx(ctx context.Context, tx *sql.Tx, strategyAccountID, symbol string) (StrategyPosition, error) {
	var p StrategyPosition
	var qty, entry string
	err := tx.QueryRowContext(ctx, `
		SELECT strategy_account_id, symbol, quantity, entry_price, last_updated
		FROM strategy_positions WHERE strategy_account_id = ? AND symbol = ?
	`, strategyAccountID, symbol).Scan(&p.StrategyAccountID, &p.Symbol, &qty, &entry, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return StrategyPosition{StrategyAccountID: strategyAccountID, Symbol: symbol}, nil
	}
	if err != nil {
		return StrategyPosition{}, fmt.Errorf("get position: %w", err)
	}
	p.Quantity, err = decimal.NewFromString(qty)
	if err != nil {
		return StrategyPosition{}, fmt.Errorf("get position: parse quantity: %w", err)
	}
	p.EntryPrice, err = decimal.NewFromString(entry)
	if err != nil {
		return StrategyPosition{}, fmt.Errorf("get position: parse entry_price: %w", err)
	}
	return p, nil
}

// applyFillTx is the transactional core shared by ApplyFill and
// UpsertFromFeed (the latter calls it only after the Trade insert has been
// confirmed to be new, so duplicate WS/poller delivery never double-applies
// a fill).
func applyFillTx(ctx context.Context, tx *sql.Tx, strategyAccountID, symbol string, signedDeltaQty, fillPrice decimal.Decimal) error {
	cur, err := getPositionTx(ctx, tx, strategyAccountID, symbol)
	if err != nil {
		return err
	}

	oldQty := cur.Quantity
	oldEntry := cur.EntryPrice
	newQty := oldQty.Add(signedDeltaQty)
	var newEntry decimal.Decimal

	switch {
	case newQty.IsZero():
		newEntry = decimal.Zero
	case oldQty.Sign() >= 0 && signedDeltaQty.Sign() > 0:
		// Adding to long, or opening long from flat: quantity-weighted average.
		if newQty.Sign() > 0 {
			oldNotional := oldEntry.Mul(oldQty)
			addNotional := fillPrice.Mul(signedDeltaQty)
			newEntry = oldNotional.Add(addNotional).Div(newQty)
		} else {
			newEntry = fillPrice
		}
	case oldQty.Sign() <= 0 && signedDeltaQty.Sign() < 0:
		// Adding to short, or opening short from flat.
		if newQty.Sign() < 0 {
			oldNotional := oldEntry.Mul(oldQty.Abs())
			addNotional := fillPrice.Mul(signedDeltaQty.Abs())
			newEntry = oldNotional.Add(addNotional).Div(newQty.Abs())
		} else {
			newEntry = fillPrice
		}
	default:
		// Reducing fill (opposite sign to current position).
		if sameSign(oldQty, newQty) {
			newEntry = oldEntry // still long/short, entry price unchanged
		} else {
			newEntry = fillPrice // flipped through zero
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_account_id, symbol, quantity, entry_price, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_account_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			entry_price = excluded.entry_price,
			last_updated = excluded.last_updated
	`, strategyAccountID, symbol, newQty.String(), newEntry.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("apply fill: upsert position: %w", err)
	}
	return nil
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.Sign() >= 0) == (b.Sign() >= 0)
}

// GetPosition returns the current position snapshot, zero-valued if none
// exists yet.
func (s *Store) GetPosition(ctx context.Context, strategyAccountID, symbol string) (StrategyPosition, error) {
	var p StrategyPosition
	var qty, entry string
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_account_id, symbol, quantity, entry_price, last_updated
		FROM strategy_positions WHERE strategy_account_id = ? AND symbol = ?
	`, strategyAccountID, symbol).Scan(&p.StrategyAccountID, &p.Symbol, &qty, &entry, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return StrategyPosition{StrategyAccountID: strategyAccountID, Symbol: symbol}, nil
	}
	if err != nil {
		return StrategyPosition{}, fmt.Errorf("get position: %w", err)
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	return p, nil
}
