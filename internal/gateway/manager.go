// Package gateway adapts the teacher's connection-keyed Gateway pool
// (internal/gateway/manager.go: LRU eviction, idle cleanup, and a
// failure-count circuit breaker over a map[connectionID]*CachedGateway)
// into an account-keyed pool: this router has no multi-connection
// concept, every Account owns exactly one set of exchange credentials,
// so GetOrCreate is keyed by Account.ID instead of a separate
// connection id. The LRU/health-check/circuit-breaker machinery itself
// is carried over unchanged in shape.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signalrouter/internal/store"
	"signalrouter/pkg/crypto"
	"signalrouter/pkg/exchange/common"
)

var (
	ErrAccountNotFound  = errors.New("account not found in gateway pool")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway   common.Gateway
	AccountID string
	Exchange  string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle gateway is evicted
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy gateway
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of common.Gateway instances keyed by Account.ID,
// with LRU eviction and health checks, exactly the lifecycle policy the
// teacher's connection-keyed Manager implements.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // accountID -> cached gateway
	lruOrder []string                  // oldest first

	config  Config
	crypto  *crypto.KeyManager
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager. cryptoMgr may be nil, in which case
// Account.SecretKeyEnc/PassphraseEnc are used as plaintext -- matching
// the teacher's own "fallback to plaintext (legacy)" path for
// environments that haven't configured an encryption key yet.
func NewManager(cryptoMgr *crypto.KeyManager, factory Factory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		crypto:   cryptoMgr,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background cleanup and health-check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager and closes every cached gateway.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the cached Gateway for account, or builds and
// caches one via the Factory.
func (m *Manager) GetOrCreate(ctx context.Context, account store.Account) (common.Gateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[account.ID]; ok {
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrGatewayUnhealthy
			}
		}
		m.mu.RUnlock()
		m.touchLRU(account.ID)
		return cached.Gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, account)
}

func (m *Manager) createGateway(ctx context.Context, account store.Account) (common.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[account.ID]; ok {
		m.touchLRULocked(account.ID)
		return cached.Gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	apiKey := account.PublicKey
	apiSecret, passphrase := account.SecretKeyEnc, account.PassphraseEnc
	if m.crypto != nil {
		var err error
		apiSecret, err = m.crypto.Decrypt(account.SecretKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret key: %w", err)
		}
		if account.PassphraseEnc != "" {
			passphrase, err = m.crypto.Decrypt(account.PassphraseEnc)
			if err != nil {
				return nil, fmt.Errorf("decrypt passphrase: %w", err)
			}
		}
	}

	gw, err := m.factory(account, apiKey, apiSecret, passphrase)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[account.ID] = &CachedGateway{
		Gateway:   gw,
		AccountID: account.ID,
		Exchange:  account.Exchange,
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
		Failures:  0,
	}
	m.lruOrder = append(m.lruOrder, account.ID)

	return gw, nil
}

// Remove evicts one account's cached gateway.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[accountID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, accountID)
		m.removeLRULocked(accountID)
	}
}

// RecordFailure increments account's failure counter, feeding the
// circuit breaker GetOrCreate checks.
func (m *Manager) RecordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[accountID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets account's failure counter.
func (m *Manager) RecordSuccess(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[accountID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
type Stats struct {
	TotalGateways  int
	MaxSize        int
	ByExchange     map[string]int
	UnhealthyCount int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalGateways: len(m.gateways),
		MaxSize:       m.config.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchange[cached.Exchange]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- internal helpers (LRU bookkeeping, unchanged in shape from the
// teacher's connection-keyed implementation) ---

func (m *Manager) touchLRU(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(accountID)
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.gateways[accountID]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldestID := m.lruOrder[0]
	if cached, ok := m.gateways[oldestID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		if cached, ok := m.gateways[id]; ok {
			if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(accountID string) {
	m.mu.RLock()
	cached, ok := m.gateways[accountID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := cached.Gateway.FetchBalance(ctx, common.MarketSpot)
	cancel()

	if err != nil {
		m.RecordFailure(accountID)
	} else {
		m.RecordSuccess(accountID)
	}
}
