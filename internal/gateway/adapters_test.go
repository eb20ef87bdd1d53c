package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"signalrouter/internal/store"
	"signalrouter/pkg/exchange/common"
)

type fakeAccountLister struct {
	accounts []store.Account
	err      error
}

func (f fakeAccountLister) ListActiveAccounts(ctx context.Context) ([]store.Account, error) {
	return f.accounts, f.err
}

type priceStubGateway struct {
	stubGateway
	price decimal.Decimal
	err   error
}

func (g *priceStubGateway) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	if g.err != nil {
		return common.Quote{}, g.err
	}
	return common.Quote{Symbol: symbol, Market: market, Price: g.price}, nil
}

// TestPriceFetcherProviderFetchesLastPrice grounds the sizer's mandatory
// synchronous REST fallback (internal/sizer/sizer.go fallbackFetch):
// given an active account on the requested exchange, it borrows the
// pooled Gateway and returns its price.
func TestPriceFetcherProviderFetchesLastPrice(t *testing.T) {
	account := store.Account{ID: "acct1", Exchange: "BINANCE_SPOT", IsActive: true}
	price := decimal.NewFromInt(50000)
	factory := func(a store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error) {
		return &priceStubGateway{price: price}, nil
	}
	mgr := NewManager(nil, factory, DefaultConfig())
	p := PriceFetcherProvider{Manager: mgr, Store: fakeAccountLister{accounts: []store.Account{account}}}

	got, err := p.FetchLastPrice(context.Background(), "BINANCE_SPOT", "SPOT", "BTC/USDT")
	if err != nil {
		t.Fatalf("fetch last price: %v", err)
	}
	if !got.Equal(price) {
		t.Errorf("expected price %s, got %s", price, got)
	}
}

func TestPriceFetcherProviderNoActiveAccountForExchange(t *testing.T) {
	factory := func(a store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error) {
		return &priceStubGateway{}, nil
	}
	mgr := NewManager(nil, factory, DefaultConfig())
	p := PriceFetcherProvider{Manager: mgr, Store: fakeAccountLister{accounts: nil}}

	_, err := p.FetchLastPrice(context.Background(), "BYBIT_LINEAR", "LINEAR", "BTC/USDT")
	if err == nil {
		t.Fatal("expected an error when no active account matches the exchange")
	}
}

func TestPriceFetcherProviderPropagatesFetchError(t *testing.T) {
	account := store.Account{ID: "acct1", Exchange: "BINANCE_SPOT", IsActive: true}
	factory := func(a store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error) {
		return &priceStubGateway{err: fmt.Errorf("venue unreachable")}, nil
	}
	mgr := NewManager(nil, factory, DefaultConfig())
	p := PriceFetcherProvider{Manager: mgr, Store: fakeAccountLister{accounts: []store.Account{account}}}

	_, err := p.FetchLastPrice(context.Background(), "BINANCE_SPOT", "SPOT", "BTC/USDT")
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}
