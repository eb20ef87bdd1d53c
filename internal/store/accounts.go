package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// GetStrategyByToken resolves the Strategy a webhook payload's token
// authenticates against. internal/webhook does not call it: it looks the
// Strategy up by group_name and constant-time-compares the token itself,
// since a plain WHERE clause leaks timing information about partial
// matches via index seek patterns.
func (s *Store) GetStrategyByToken(ctx context.Context, token string) (Strategy, error) {
	var st Strategy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, group_name, market_type, webhook_token, is_active, is_public, created_at
		FROM strategies WHERE webhook_token = ?
	`, token).Scan(&st.ID, &st.UserID, &st.GroupName, &st.MarketType, &st.WebhookToken, &st.IsActive, &st.IsPublic, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return Strategy{}, fmt.Errorf("strategy by token: %w", ErrNotFound)
	}
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy by token: %w", err)
	}
	return st, nil
}

// GetStrategyByGroupName resolves a Strategy by its external group_name.
func (s *Store) GetStrategyByGroupName(ctx context.Context, groupName string) (Strategy, error) {
	var st Strategy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, group_name, market_type, webhook_token, is_active, is_public, created_at
		FROM strategies WHERE group_name = ?
	`, groupName).Scan(&st.ID, &st.UserID, &st.GroupName, &st.MarketType, &st.WebhookToken, &st.IsActive, &st.IsPublic, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return Strategy{}, fmt.Errorf("strategy by group_name %s: %w", groupName, ErrNotFound)
	}
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy by group_name: %w", err)
	}
	return st, nil
}

// SubscribedAccount bundles a StrategyAccount subscription with its Account
// credentials and current capital allocation -- exactly the shape the
// dispatcher needs per fanout target, assembled in one join rather than
// three round trips per account.
type SubscribedAccount struct {
	StrategyAccount StrategyAccount
	Account         Account
	Capital         StrategyCapital
}

// ListSubscribedAccounts returns every active account subscribed to
// strategyID, the dispatcher's fan-out target list for one webhook.
func (s *Store) ListSubscribedAccounts(ctx context.Context, strategyID string) ([]SubscribedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.leverage, sa.max_symbols, sa.created_at,
			a.id, a.user_id, a.exchange, a.name, a.public_key, a.secret_key_enc, COALESCE(a.passphrase_enc, ''),
			a.is_active, a.is_testnet, a.created_at, a.updated_at,
			COALESCE(sc.allocated_capital, '0'), COALESCE(sc.current_pnl, '0'), sc.last_updated
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		LEFT JOIN strategy_capital sc ON sc.strategy_account_id = sa.id
		WHERE sa.strategy_id = ? AND a.is_active = 1
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list subscribed accounts: %w", err)
	}
	defer rows.Close()

	var out []SubscribedAccount
	for rows.Next() {
		var sub SubscribedAccount
		var weight, leverage, allocated, pnl string
		var lastUpdated sql.NullTime
		if err := rows.Scan(
			&sub.StrategyAccount.ID, &sub.StrategyAccount.StrategyID, &sub.StrategyAccount.AccountID,
			&weight, &leverage, &sub.StrategyAccount.MaxSymbols, &sub.StrategyAccount.CreatedAt,
			&sub.Account.ID, &sub.Account.UserID, &sub.Account.Exchange, &sub.Account.Name,
			&sub.Account.PublicKey, &sub.Account.SecretKeyEnc, &sub.Account.PassphraseEnc,
			&sub.Account.IsActive, &sub.Account.IsTestnet, &sub.Account.CreatedAt, &sub.Account.UpdatedAt,
			&allocated, &pnl, &lastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan subscribed account: %w", err)
		}
		sub.StrategyAccount.Weight, _ = decimal.NewFromString(weight)
		sub.StrategyAccount.Leverage, _ = decimal.NewFromString(leverage)
		sub.Capital.StrategyAccountID = sub.StrategyAccount.ID
		sub.Capital.AllocatedCapital, _ = decimal.NewFromString(allocated)
		sub.Capital.CurrentPnL, _ = decimal.NewFromString(pnl)
		if lastUpdated.Valid {
			sub.Capital.LastUpdated = lastUpdated.Time
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertCapital writes the allocated_capital/current_pnl pair for a
// subscription, used by the reconciler's capital auto-rebalancer (C7).
func (s *Store) UpsertCapital(ctx context.Context, strategyAccountID string, allocated, pnl decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_capital (strategy_account_id, allocated_capital, current_pnl, last_updated)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id) DO UPDATE SET
			allocated_capital = excluded.allocated_capital,
			current_pnl = excluded.current_pnl,
			last_updated = CURRENT_TIMESTAMP
	`, strategyAccountID, allocated.String(), pnl.String())
	if err != nil {
		return fmt.Errorf("upsert capital: %w", err)
	}
	return nil
}

// GetAccount fetches a single Account row by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, name, public_key, secret_key_enc, COALESCE(passphrase_enc, ''),
		       is_active, is_testnet, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Exchange, &a.Name, &a.PublicKey, &a.SecretKeyEnc, &a.PassphraseEnc,
		&a.IsActive, &a.IsTestnet, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListActiveAccounts returns every active Account, the fan-out target list
// for L1's one-private-WS-subscription-per-account loop (C7).
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, name, public_key, secret_key_enc, COALESCE(passphrase_enc, ''),
		       is_active, is_testnet, created_at, updated_at
		FROM accounts WHERE is_active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Exchange, &a.Name, &a.PublicKey, &a.SecretKeyEnc, &a.PassphraseEnc,
			&a.IsActive, &a.IsTestnet, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountForStrategyAccount resolves the Account backing one
// strategy_account_id, used by L2's poller and L3's cancel drainer to find
// the Gateway to call for an OpenOrder/CancelQueue row that only carries
// the subscription id.
func (s *Store) AccountForStrategyAccount(ctx context.Context, strategyAccountID string) (Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.user_id, a.exchange, a.name, a.public_key, a.secret_key_enc, COALESCE(a.passphrase_enc, ''),
		       a.is_active, a.is_testnet, a.created_at, a.updated_at
		FROM accounts a
		JOIN strategy_accounts sa ON sa.account_id = a.id
		WHERE sa.id = ?
	`, strategyAccountID).Scan(&a.ID, &a.UserID, &a.Exchange, &a.Name, &a.PublicKey, &a.SecretKeyEnc, &a.PassphraseEnc,
		&a.IsActive, &a.IsTestnet, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return Account{}, fmt.Errorf("account for strategy_account %s: %w", strategyAccountID, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("account for strategy_account: %w", err)
	}
	return a, nil
}

// ListActiveStrategyIDs returns every active Strategy id, the iteration
// set for the reconciler's per-strategy capital auto-rebalance pass (C7).
func (s *Store) ListActiveStrategyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM strategies WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active strategy ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan strategy id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LogWebhook appends one audit row for an ingress attempt (C8), regardless
// of outcome.
func (s *Store) LogWebhook(ctx context.Context, payload, status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_log (payload, status, message) VALUES (?, ?, ?)
	`, payload, status, message)
	if err != nil {
		return fmt.Errorf("log webhook: %w", err)
	}
	return nil
}
