// Package dispatcher implements the C5 Dispatcher: resolves a webhook's
// target strategy, fans the payload out across every subscribed account
// through a bounded worker pool, and runs each (sub-order, account) pair
// in its own isolated transaction scope so one account's failure never
// aborts its siblings. Grounded on the teacher's bounded worker pool and
// channel-based fan-out in internal/order/queue.go and the goroutine
// wiring in main.go, generalized from "one engine consuming one queue"
// to "fan one webhook out across N accounts".
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/internal/queue"
	"signalrouter/internal/registry"
	"signalrouter/internal/sizer"
	"signalrouter/internal/store"
)

// DefaultFanout is DISPATCH_FANOUT's default: at most 32 concurrent
// account-dispatches per webhook, per spec.md §4.5.
const DefaultFanout = 32

// DefaultMarketOrderTimeout bounds every fast-path exchange call
// (MARKET create, CANCEL_ALL_ORDER) per spec.md §5.
const DefaultMarketOrderTimeout = 10 * time.Second

// Gateway is the subset of common.Gateway the dispatcher drives directly;
// kept narrow here so this package doesn't import pkg/exchange/common and
// pull in the full adapter surface for what is really two calls, plus
// FetchOpenOrders so a CreateOrder timeout can be probed instead of
// blindly retried (spec.md §5).
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelAll(ctx context.Context, symbol string, side *string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrderView, error)
}

// OpenOrderView is the venue-agnostic view of a still-live order the
// timeout probe matches against, mirroring reconciler.OpenOrderView's
// shape for the same reason: this package never imports pkg/exchange/common.
type OpenOrderView struct {
	ExchangeOrderID string
	Side            string
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
}

// OrderRequest is the venue-agnostic order intent the dispatcher builds
// from a sized SubOrder before handing it to a Gateway.
type OrderRequest struct {
	Symbol    string
	Side      string
	OrderType string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	ClientID  string
	Leverage  int
}

// OrderAck is the venue's synchronous response to CreateOrder.
type OrderAck struct {
	ExchangeOrderID string
	Status          store.OrderStatus
	FilledQty       decimal.Decimal
}

// GatewayProvider resolves the Gateway for one account, generalizing the
// teacher's gateway.Manager.GetOrCreate (keyed by connection) to be keyed
// by Account instead.
type GatewayProvider interface {
	GatewayFor(ctx context.Context, account store.Account) (Gateway, error)
}

// Dispatcher is C5.
type Dispatcher struct {
	store              *store.Store
	sizer              *sizer.Sizer
	registry           *registry.Registry
	gateways           GatewayProvider
	slow               queue.OrderQueue
	fanout             int
	marketOrderTimeout time.Duration
}

// Config controls the worker pool width and the fast-path exchange call
// deadline; zero-value Fanout/MarketOrderTimeout fall back to
// DefaultFanout/DefaultMarketOrderTimeout.
type Config struct {
	Fanout             int
	MarketOrderTimeout time.Duration
}

// New builds a Dispatcher. slow is the background queue LIMIT/STOP
// sub-orders are handed to for asynchronous execution.
func New(st *store.Store, sz *sizer.Sizer, reg *registry.Registry, gateways GatewayProvider, slow queue.OrderQueue, cfg Config) *Dispatcher {
	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	timeout := cfg.MarketOrderTimeout
	if timeout <= 0 {
		timeout = DefaultMarketOrderTimeout
	}
	return &Dispatcher{store: st, sizer: sz, registry: reg, gateways: gateways, slow: slow, fanout: fanout, marketOrderTimeout: timeout}
}

// AccountResult is one (sub-order, account) outcome, aggregated into a
// Summary.
type AccountResult struct {
	AccountID string
	SubOrder  SubOrder
	Queued    bool // true if handed to the slow-path background queue
	Error     error
}

// Summary is the per-webhook aggregate spec.md §4.5 step 7 requires.
type Summary struct {
	Total      int
	Successful int
	Failed     int
	Results    []AccountResult
}

// Dispatch resolves strategy's subscribed accounts, expands payload into
// priority-ordered sub-orders, and fans every (sub-order, account) pair
// out through the bounded worker pool. One account's panic or error never
// aborts another's work.
func (d *Dispatcher) Dispatch(ctx context.Context, strategy store.Strategy, payload Payload) (Summary, error) {
	accounts, err := d.store.ListSubscribedAccounts(ctx, strategy.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("dispatch: list subscribed accounts: %w", err)
	}

	subOrders := payload.Expand()

	type job struct {
		sub     SubOrder
		account store.SubscribedAccount
	}
	jobs := make([]job, 0, len(subOrders)*len(accounts))
	for _, sub := range subOrders {
		for _, acct := range accounts {
			jobs = append(jobs, job{sub: sub, account: acct})
		}
	}

	results := make([]AccountResult, len(jobs))
	sem := make(chan struct{}, d.fanout)
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, j job) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = d.runIsolated(ctx, strategy, j.sub, j.account)
		}(i, j)
	}
	wg.Wait()

	summary := Summary{Total: len(results), Results: results}
	for _, r := range results {
		if r.Error != nil {
			summary.Failed++
		} else {
			summary.Successful++
		}
	}
	return summary, nil
}

// runIsolated runs one (sub-order, account) job in its own panic-recovered
// scope -- grounded on the same defensive recover() pattern the teacher
// uses around its WS read-loop goroutines, generalized here to an
// account-dispatch worker. A recovered panic surfaces as an AccountResult
// error exactly like any other failure, so the caller's Summary treats it
// the same way: this account failed, its siblings still ran.
func (d *Dispatcher) runIsolated(ctx context.Context, strategy store.Strategy, sub SubOrder, account store.SubscribedAccount) (result AccountResult) {
	result = AccountResult{AccountID: account.Account.ID, SubOrder: sub}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ dispatcher: panic in account %s worker: %v", account.Account.ID, r)
			result.Error = fmt.Errorf("panic: %v", r)
		}
	}()

	if IsFastPath(sub.OrderType) {
		result.Error = d.runFastPath(ctx, strategy, sub, account)
		return result
	}

	result.Queued = true
	notional := sub.QtyPer.Mul(account.Capital.AllocatedCapital).Div(decimal.NewFromInt(100))
	ok := d.slow.Enqueue(ctx, queue.QueuedOrder{
		ID:                account.StrategyAccount.ID + ":" + sub.Symbol,
		StrategyAccountID: account.StrategyAccount.ID,
		Symbol:            sub.Symbol,
		Side:              sub.Side,
		OrderType:         sub.OrderType,
		Notional:          notional,
		Priority:          priorityRank(sub.OrderType),
		CreatedAt:         time.Now().UTC(),
	})
	if !ok {
		result.Error = fmt.Errorf("slow-path queue rejected order for account %s", account.Account.ID)
	}
	return result
}

// runFastPath executes MARKET/CANCEL_ALL_ORDER synchronously with the HTTP
// response: size, create the DB-first PENDING row, call the exchange,
// then promote or fail the row, per spec.md §4.5 step 5.
func (d *Dispatcher) runFastPath(ctx context.Context, strategy store.Strategy, sub SubOrder, account store.SubscribedAccount) error {
	gw, err := d.gateways.GatewayFor(ctx, account.Account)
	if err != nil {
		return fmt.Errorf("gateway for account %s: %w", account.Account.ID, err)
	}

	if sub.OrderType == "CANCEL_ALL_ORDER" {
		var side *string
		if sub.Side != "" {
			side = &sub.Side
		}
		cancelCtx, cancel := context.WithTimeout(ctx, d.marketOrderTimeout)
		err := gw.CancelAll(cancelCtx, sub.Symbol, side)
		cancel()
		if err != nil {
			return fmt.Errorf("cancel_all for account %s: %w", account.Account.ID, err)
		}
		return nil
	}

	position, err := d.store.GetPosition(ctx, account.StrategyAccount.ID, sub.Symbol)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}

	sized, err := d.sizer.Size(ctx, sizer.Request{
		Exchange:         account.Account.Exchange,
		Market:           string(strategy.MarketType),
		Symbol:           sub.Symbol,
		AssetClass:       assetClassFor(strategy.MarketType),
		Side:             registry.Side(normalizeSide(sub.Side)),
		QtyPer:           sub.QtyPer,
		AllocatedCapital: account.Capital.AllocatedCapital,
		Leverage:         account.StrategyAccount.Leverage,
		CurrentPosition:  position.Quantity,
	})
	if err != nil {
		return fmt.Errorf("size order for account %s: %w", account.Account.ID, err)
	}

	pending, err := d.store.CreatePendingOrder(ctx, store.OpenOrder{
		StrategyAccountID: account.StrategyAccount.ID,
		Symbol:            sub.Symbol,
		Side:              store.Side(sized.Side),
		OrderType:         store.OrderType(sub.OrderType),
		Quantity:          sized.Quantity,
		MarketType:        strategy.MarketType,
	})
	if err != nil {
		return fmt.Errorf("create pending order: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, d.marketOrderTimeout)
	ack, err := gw.CreateOrder(createCtx, OrderRequest{
		Symbol:    sub.Symbol,
		Side:      string(sized.Side),
		OrderType: sub.OrderType,
		Qty:       sized.Quantity,
		Price:     sized.Price,
		ClientID:  pending.ExchangeOrderID,
		Leverage:  int(account.StrategyAccount.Leverage.IntPart()),
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return d.handleCreateTimeout(ctx, pending, sub, account)
		}
		if failErr := d.store.FailPending(ctx, pending.ID, "exchange rejected order", err.Error()); failErr != nil {
			log.Printf("❌ dispatcher: fail_pending also failed for %s: %v", pending.ID, failErr)
		}
		return fmt.Errorf("create order on exchange for account %s: %w", account.Account.ID, err)
	}

	if err := d.store.PromotePending(ctx, pending.ID, ack.ExchangeOrderID, ack.Status, ack.FilledQty); err != nil {
		return fmt.Errorf("promote pending order: %w", err)
	}
	log.Printf("✅ dispatcher: account %s order %s promoted to %s", account.Account.ID, ack.ExchangeOrderID, ack.Status)
	return nil
}

// handleCreateTimeout runs when CreateOrder blows its deadline without a
// definitive ack. Per spec.md §5, the fast path probes the venue's open
// orders for this symbol/side rather than blindly retrying -- a blind
// retry risks a duplicate fill if the first CreateOrder actually landed.
// Qty/side is the best correlation available since the real venue order
// id is unknown until an ack arrives; no match within the window means
// the order never reached the venue and is failed outright.
func (d *Dispatcher) handleCreateTimeout(ctx context.Context, pending store.OpenOrder, sub SubOrder, account store.SubscribedAccount) error {
	gw, err := d.gateways.GatewayFor(ctx, account.Account)
	if err != nil {
		log.Printf("⚠️ dispatcher: create_order timeout probe: gateway lookup failed for %s: %v", account.Account.ID, err)
		return d.failTimedOutPending(ctx, pending, "create-order-timeout-unconfirmed")
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.marketOrderTimeout)
	open, err := gw.FetchOpenOrders(probeCtx, sub.Symbol)
	cancel()
	if err != nil {
		log.Printf("⚠️ dispatcher: create_order timeout probe failed for account %s: %v", account.Account.ID, err)
		return d.failTimedOutPending(ctx, pending, "create-order-timeout-unconfirmed")
	}

	for _, o := range open {
		if o.Side == string(pending.Side) && o.Qty.Equal(pending.Quantity) {
			if err := d.store.PromotePending(ctx, pending.ID, o.ExchangeOrderID, store.StatusOpen, o.FilledQty); err != nil {
				return fmt.Errorf("promote pending order after timeout probe: %w", err)
			}
			log.Printf("✅ dispatcher: create_order timeout probe found order %s for account %s", o.ExchangeOrderID, account.Account.ID)
			return nil
		}
	}

	log.Printf("⚠️ dispatcher: create_order timeout, no matching order found on venue for account %s", account.Account.ID)
	return d.failTimedOutPending(ctx, pending, "create-order-timeout-unconfirmed")
}

func (d *Dispatcher) failTimedOutPending(ctx context.Context, pending store.OpenOrder, reason string) error {
	if failErr := d.store.FailPending(ctx, pending.ID, reason, "market order timeout"); failErr != nil {
		log.Printf("❌ dispatcher: fail_pending also failed for %s: %v", pending.ID, failErr)
	}
	return fmt.Errorf("%s for order %s", reason, pending.ID)
}

func normalizeSide(side string) string {
	switch side {
	case "buy", "BUY":
		return "BUY"
	case "sell", "SELL":
		return "SELL"
	default:
		return side
	}
}

func assetClassFor(market store.MarketType) sizer.AssetClass {
	if market == store.MarketSecurities {
		return sizer.AssetSecurities
	}
	return sizer.AssetCrypto
}
