package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signalrouter/internal/dispatcher"
	"signalrouter/internal/reconciler"
	"signalrouter/internal/sizer"
	"signalrouter/internal/store"
	"signalrouter/pkg/exchange/common"
)

// DispatcherProvider adapts Manager to dispatcher.GatewayProvider,
// narrowing every call down to the three methods the Dispatcher actually
// drives (CreateOrder, CancelAll, FetchOpenOrders) so that package never needs to import
// pkg/exchange/common.
type DispatcherProvider struct {
	Manager *Manager
}

func (p DispatcherProvider) GatewayFor(ctx context.Context, account store.Account) (dispatcher.Gateway, error) {
	gw, err := p.Manager.GetOrCreate(ctx, account)
	if err != nil {
		return nil, err
	}
	return dispatcherGateway{gw: gw, manager: p.Manager, accountID: account.ID}, nil
}

type dispatcherGateway struct {
	gw        common.Gateway
	manager   *Manager
	accountID string
}

func (g dispatcherGateway) CreateOrder(ctx context.Context, req dispatcher.OrderRequest) (dispatcher.OrderAck, error) {
	result, err := g.gw.CreateOrder(ctx, common.OrderRequest{
		Symbol:    req.Symbol,
		Side:      common.Side(req.Side),
		Type:      common.OrderType(req.OrderType),
		Qty:       req.Qty,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		ClientID:  req.ClientID,
		Leverage:  req.Leverage,
	})
	if err != nil {
		g.manager.RecordFailure(g.accountID)
		return dispatcher.OrderAck{}, err
	}
	g.manager.RecordSuccess(g.accountID)
	return dispatcher.OrderAck{
		ExchangeOrderID: result.ExchangeOrderID,
		Status:          store.OrderStatus(result.Status),
		FilledQty:       result.FilledQty,
	}, nil
}

func (g dispatcherGateway) CancelAll(ctx context.Context, symbol string, side *string) error {
	var s *common.Side
	if side != nil {
		v := common.Side(*side)
		s = &v
	}
	return g.gw.CancelAll(ctx, symbol, s, common.MarketSpot)
}

// FetchOpenOrders backs the dispatcher's CreateOrder timeout probe
// (internal/dispatcher/dispatcher.go handleCreateTimeout).
func (g dispatcherGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]dispatcher.OpenOrderView, error) {
	views, err := g.gw.FetchOpenOrders(ctx, symbol, common.MarketSpot)
	if err != nil {
		return nil, err
	}
	out := make([]dispatcher.OpenOrderView, len(views))
	for i, v := range views {
		out[i] = dispatcher.OpenOrderView{
			ExchangeOrderID: v.ExchangeOrderID,
			Side:            string(v.Side),
			Qty:             v.Qty,
			FilledQty:       v.FilledQty,
		}
	}
	return out, nil
}

// ReconcilerProvider adapts Manager to reconciler.GatewayProvider.
type ReconcilerProvider struct {
	Manager *Manager
}

func (p ReconcilerProvider) GatewayFor(ctx context.Context, account store.Account) (reconciler.Gateway, error) {
	gw, err := p.Manager.GetOrCreate(ctx, account)
	if err != nil {
		return nil, err
	}
	return reconcilerGateway{gw: gw}, nil
}

type reconcilerGateway struct {
	gw common.Gateway
}

func (g reconcilerGateway) WSSubscribePrivateOrders(ctx context.Context, account store.Account, cb func(reconciler.FillEvent)) error {
	return g.gw.WSSubscribePrivateOrders(ctx, common.AccountContext{
		AccountID:  account.ID,
		PublicKey:  account.PublicKey,
		SecretKey:  account.SecretKeyEnc,
		Passphrase: account.PassphraseEnc,
		Testnet:    account.IsTestnet,
	}, func(ev common.FillEvent) {
		cb(reconciler.FillEvent{
			ExchangeOrderID: ev.ExchangeOrderID,
			Symbol:          ev.Symbol,
			Side:            string(ev.Side),
			Status:          store.OrderStatus(ev.Status),
			FillQuantity:    ev.Qty,
			FillPrice:       ev.Price,
			Timestamp:       ev.Timestamp,
			IsFillEvent:     true,
		})
	})
}

func (g reconcilerGateway) FetchOpenOrders(ctx context.Context, symbol string, market store.MarketType) ([]reconciler.OpenOrderView, error) {
	views, err := g.gw.FetchOpenOrders(ctx, symbol, common.MarketType(market))
	if err != nil {
		return nil, err
	}
	out := make([]reconciler.OpenOrderView, len(views))
	for i, v := range views {
		out[i] = reconciler.OpenOrderView{
			ExchangeOrderID: v.ExchangeOrderID,
			Status:          store.OrderStatus(v.Status),
			FilledQuantity:  v.FilledQty,
		}
	}
	return out, nil
}

func (g reconcilerGateway) CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market store.MarketType) error {
	return g.gw.CancelOrder(ctx, exchangeOrderID, symbol, common.MarketType(market))
}

// accountLister is the slice of *store.Store the PriceFetcherProvider
// needs, narrowed down for testability.
type accountLister interface {
	ListActiveAccounts(ctx context.Context) ([]store.Account, error)
}

// PriceFetcherProvider adapts Manager into sizer.PriceFetcher, closing
// the synchronous REST fallback path sizer.Sizer calls when the price
// cache has no fresh entry (internal/sizer/sizer.go fallbackFetch):
// it picks any active account on the requested exchange, borrows its
// pooled Gateway, and issues one FetchPrice call.
type PriceFetcherProvider struct {
	Manager *Manager
	Store   accountLister
}

func (p PriceFetcherProvider) FetchLastPrice(ctx context.Context, exchange, market, symbol string) (decimal.Decimal, error) {
	accounts, err := p.Store.ListActiveAccounts(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price fetcher: list active accounts: %w", err)
	}
	var account store.Account
	found := false
	for _, a := range accounts {
		if a.Exchange == exchange {
			account = a
			found = true
			break
		}
	}
	if !found {
		return decimal.Zero, fmt.Errorf("price fetcher: no active account for exchange %s", exchange)
	}

	gw, err := p.Manager.GetOrCreate(ctx, account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price fetcher: gateway for %s: %w", exchange, err)
	}

	quote, err := gw.FetchPrice(ctx, symbol, common.MarketType(market))
	if err != nil {
		p.Manager.RecordFailure(account.ID)
		return decimal.Zero, fmt.Errorf("price fetcher: fetch price %s/%s: %w", exchange, symbol, err)
	}
	p.Manager.RecordSuccess(account.ID)
	return quote.Price, nil
}

var _ sizer.PriceFetcher = PriceFetcherProvider{}
