// Package mock provides an in-memory common.Gateway for USE_MOCK_EXCHANGE,
// standing in for a real exchange adapter in local development and tests
// without hitting any network. Grounded on the teacher's own dry-run
// philosophy (internal/order/dry_run.go: fills every order immediately at
// the requested price, no real venue call) but conforming to this
// module's Gateway interface instead of the teacher's Binance-only executor.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

// Gateway fills every order immediately at the submitted price (or a
// fixed synthetic price for MARKET orders with no price given).
type Gateway struct {
	mu      sync.Mutex
	orders  map[string]common.OpenOrderView
	counter uint64
}

// New builds a mock Gateway. credentials are ignored -- there is nothing
// to authenticate against.
func New() *Gateway {
	return &Gateway{orders: make(map[string]common.OpenOrderView)}
}

func (g *Gateway) Variant() common.Variant { return "mock" }

func (g *Gateway) Capabilities() common.Capabilities {
	return common.Capabilities{SupportsFutures: true, SupportsLeverage: true, MaxSymbolsPerBulk: 100}
}

func (g *Gateway) FetchBalance(ctx context.Context, market common.MarketType) ([]common.Balance, error) {
	return []common.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1_000_000), Total: decimal.NewFromInt(1_000_000)}}, nil
}

func (g *Gateway) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	return common.Quote{Symbol: symbol, Market: market, Price: decimal.NewFromInt(100), Timestamp: time.Now()}, nil
}

func (g *Gateway) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	out := make([]common.Quote, len(symbols))
	for i, s := range symbols {
		out[i] = common.Quote{Symbol: s, Market: market, Price: decimal.NewFromInt(100), Timestamp: time.Now()}
	}
	return out, nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := atomic.AddUint64(&g.counter, 1)
	orderID := fmt.Sprintf("MOCK-%d", id)

	price := req.Price
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}

	g.orders[orderID] = common.OpenOrderView{
		ExchangeOrderID: orderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          common.StatusFilled,
		Qty:             req.Qty,
		FilledQty:       req.Qty,
		AvgPrice:        price,
	}

	return common.OrderResult{
		ExchangeOrderID: orderID,
		Status:          common.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        price,
	}, nil
}

func (g *Gateway) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	results := make([]common.OrderResult, len(reqs))
	for i, r := range reqs {
		res, _ := g.CreateOrder(ctx, r)
		results[i] = res
	}
	return common.BatchResult{Success: true, Results: results}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[exchangeOrderID]; ok {
		o.Status = common.StatusCancelled
		g.orders[exchangeOrderID] = o
	}
	return nil
}

func (g *Gateway) CancelAll(ctx context.Context, symbol string, side *common.Side, market common.MarketType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, o := range g.orders {
		if o.Symbol != symbol {
			continue
		}
		if side != nil && o.Side != *side {
			continue
		}
		o.Status = common.StatusCancelled
		g.orders[id] = o
	}
	return nil
}

func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string, market common.MarketType) ([]common.OpenOrderView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.OpenOrderView
	for _, o := range g.orders {
		if o.Symbol == symbol && o.Status != common.StatusFilled && o.Status != common.StatusCancelled {
			out = append(out, o)
		}
	}
	return out, nil
}

func (g *Gateway) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok {
		return common.OpenOrderView{}, fmt.Errorf("order %s not found", exchangeOrderID)
	}
	return o, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (g *Gateway) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (g *Gateway) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (g *Gateway) NormalizeStatus(raw string) common.StandardOrderStatus { return common.StatusFilled }
