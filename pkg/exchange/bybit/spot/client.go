// Package spot implements the Bybit Spot adapter variant of common.Gateway,
// wrapping the v5 REST+WS core in pkg/exchange/bybit/shared.
package spot

import (
	"context"

	"signalrouter/pkg/exchange/bybit/shared"
	"signalrouter/pkg/exchange/common"
)

// Client is the Bybit Spot exchange adapter.
type Client struct {
	core *shared.Client
}

// New builds a Bybit Spot Client.
func New(cfg shared.Config) *Client {
	return &Client{core: shared.New(cfg, shared.CategorySpot, common.VariantBybitSpot)}
}

func (c *Client) Variant() common.Variant { return common.VariantBybitSpot }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportsFutures:     false,
		SupportsLeverage:    false,
		SupportsNativeBatch: false,
		OrdersPerSecond:     10,
	}
}

func (c *Client) NormalizeStatus(raw string) common.StandardOrderStatus {
	return common.NormalizeStatus(common.VariantBybitSpot, raw)
}

func (c *Client) FetchBalance(ctx context.Context, market common.MarketType) ([]common.Balance, error) {
	return c.core.FetchBalance(ctx, "UNIFIED")
}

func (c *Client) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	wire, err := common.EncodeSymbol(common.VariantBybitSpot, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	price, err := c.core.FetchPrice(ctx, wire)
	if err != nil {
		return common.Quote{}, err
	}
	return common.Quote{Exchange: common.VariantBybitSpot, Market: common.MarketSpot, Symbol: symbol, Price: price}, nil
}

func (c *Client) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	all, err := c.core.FetchAllTickers(ctx)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, s := range symbols {
		if wire, err := common.EncodeSymbol(common.VariantBybitSpot, s); err == nil {
			want[wire] = true
		}
	}
	var out []common.Quote
	for wire, price := range all {
		if len(want) > 0 && !want[wire] {
			continue
		}
		canonical, err := common.DecodeSymbol(common.VariantBybitSpot, wire, common.DefaultQuoteCandidates)
		if err != nil {
			continue
		}
		out = append(out, common.Quote{Exchange: common.VariantBybitSpot, Market: common.MarketSpot, Symbol: canonical, Price: price})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	wire, err := common.EncodeSymbol(common.VariantBybitSpot, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	return c.core.CreateOrder(ctx, wire, req)
}

// CreateBatchOrders serializes calls under the shared BatchLock; Bybit
// Spot has no native batch-order endpoint on this tier.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	res := common.BatchResult{Success: true}
	for _, r := range reqs {
		if err := c.core.BatchLock().Acquire(ctx); err != nil {
			return res, err
		}
		ores, err := c.CreateOrder(ctx, r)
		if err != nil {
			res.Success = false
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Results = append(res.Results, ores)
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) error {
	wire, err := common.EncodeSymbol(common.VariantBybitSpot, symbol)
	if err != nil {
		return err
	}
	return c.core.CancelOrder(ctx, exchangeOrderID, wire)
}

func (c *Client) CancelAll(ctx context.Context, symbol string, side *common.Side, market common.MarketType) error {
	wire, err := common.EncodeSymbol(common.VariantBybitSpot, symbol)
	if err != nil {
		return err
	}
	return c.core.CancelAll(ctx, wire)
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market common.MarketType) ([]common.OpenOrderView, error) {
	wire := ""
	if symbol != "" {
		var err error
		wire, err = common.EncodeSymbol(common.VariantBybitSpot, symbol)
		if err != nil {
			return nil, err
		}
	}
	return c.core.FetchOpenOrders(ctx, wire)
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	wire, err := common.EncodeSymbol(common.VariantBybitSpot, symbol)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	return c.core.FetchOrder(ctx, exchangeOrderID, wire)
}

// SetLeverage is rejected: spot carries no leverage concept.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: "spot does not support leverage"}
}

func (c *Client) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
	wireToCanonical := map[string]string{}
	for _, s := range symbols {
		if wire, err := common.EncodeSymbol(common.VariantBybitSpot, s); err == nil {
			wireToCanonical[wire] = s
		}
	}
	return c.core.WSSubscribePublicTickers(ctx, wireToCanonical, cb)
}

func (c *Client) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	return c.core.WSSubscribePrivateOrders(ctx, acct, cb)
}
