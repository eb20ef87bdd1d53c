// Package bithumb implements the Bithumb Spot (KRW market) adapter variant
// of common.Gateway. Bithumb's private API signs with HMAC-SHA512 over
// "path\0body\0nonce", base64-encoded, in the same doSigned/set-header
// shape as the Binance adapter.
package bithumb

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

// Config holds Bithumb credentials.
type Config struct {
	ConnectionKey string
	SecretKey     string

	// RedisClient, when set, backs the rate limiter with a distributed
	// token bucket shared across every process trading this variant.
	RedisClient *redis.Client
}

// Client is the Bithumb exchange adapter. Bithumb has no sandbox/testnet.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    common.Limiter
	batchLock  *common.BatchLock
	nonce      int64
}

// New builds a Bithumb Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://api.bithumb.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    common.NewLimiter(cfg.RedisClient, common.VariantBithumb, 10),
		batchLock:  common.NewBatchLock(100 * time.Millisecond),
	}
}

func (c *Client) Variant() common.Variant { return common.VariantBithumb }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportsFutures:     false,
		SupportsLeverage:    false,
		SupportsNativeBatch: false,
		OrdersPerSecond:     10,
		MaxSymbolsPerBulk:   100, // advertised only; FetchPricesBulk does not read it or chunk
	}
}

func (c *Client) NormalizeStatus(raw string) common.StandardOrderStatus {
	return common.NormalizeStatus(common.VariantBithumb, raw)
}

func (c *Client) nextNonce() string {
	now := time.Now().UnixMilli()
	if now <= c.nonce {
		now = c.nonce + 1
	}
	c.nonce = now
	return strconv.FormatInt(now, 10)
}

func (c *Client) doSigned(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("endpoint", path)
	body := params.Encode()
	nonce := c.nextNonce()

	signSrc := path + string(rune(0)) + body + string(rune(0)) + nonce
	mac := hmac.New(sha512.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(signSrc))
	sig := hex.EncodeToString(mac.Sum(nil))
	sig64 := base64.StdEncoding.EncodeToString([]byte(sig))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Api-Key", c.cfg.ConnectionKey)
	req.Header.Set("Api-Sign", sig64)
	req.Header.Set("Api-Nonce", nonce)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	rbody, _ := io.ReadAll(res.Body)

	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rbody, &env); err != nil {
		return nil, fmt.Errorf("decode bithumb envelope: %w", err)
	}
	if err := statusErr(c.Variant(), env.Status, env.Message); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) doPublic(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	rbody, _ := io.ReadAll(res.Body)
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rbody, &env); err != nil {
		return nil, fmt.Errorf("decode bithumb envelope: %w", err)
	}
	if err := statusErr(c.Variant(), env.Status, env.Message); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func statusErr(v common.Variant, status, message string) error {
	if status == "0000" || status == "" {
		return nil
	}
	switch status {
	case "5600":
		return &common.Error{Kind: common.KindRejected, Venue: v, Message: message}
	case "5300":
		return &common.Error{Kind: common.KindAuthError, Venue: v, Message: message}
	case "8300", "9100":
		return &common.Error{Kind: common.KindThrottled, Venue: v, Message: message}
	default:
		return &common.Error{Kind: common.KindRejected, Venue: v, Message: fmt.Sprintf("status=%s %s", status, message)}
	}
}

func (c *Client) FetchBalance(ctx context.Context, market common.MarketType) ([]common.Balance, error) {
	params := url.Values{}
	params.Set("currency", "ALL")
	body, err := c.doSigned(ctx, "/info/balance", params)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	assets := map[string]*common.Balance{}
	for k, v := range raw {
		var field, asset string
		switch {
		case strings.HasPrefix(k, "total_"):
			field, asset = "total", strings.TrimPrefix(k, "total_")
		case strings.HasPrefix(k, "available_"):
			field, asset = "available", strings.TrimPrefix(k, "available_")
		case strings.HasPrefix(k, "in_use_"):
			field, asset = "in_use", strings.TrimPrefix(k, "in_use_")
		default:
			continue
		}
		asset = strings.ToUpper(asset)
		b, ok := assets[asset]
		if !ok {
			b = &common.Balance{Asset: asset}
			assets[asset] = b
		}
		val, _ := decimal.NewFromString(v)
		switch field {
		case "total":
			b.Total = val
		case "available":
			b.Free = val
		case "in_use":
			b.Used = val
		}
	}
	out := make([]common.Balance, 0, len(assets))
	for _, b := range assets {
		out = append(out, *b)
	}
	return out, nil
}

func (c *Client) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	wire, err := common.EncodeSymbol(common.VariantBithumb, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	parts := strings.SplitN(wire, "_", 2)
	body, err := c.doPublic(ctx, fmt.Sprintf("/public/ticker/%s_%s", parts[0], parts[1]))
	if err != nil {
		return common.Quote{}, err
	}
	var raw struct {
		ClosingPrice string `json:"closing_price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Quote{}, fmt.Errorf("decode ticker: %w", err)
	}
	price, _ := decimal.NewFromString(raw.ClosingPrice)
	return common.Quote{Exchange: common.VariantBithumb, Market: common.MarketSpot, Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

// FetchPricesBulk fetches Bithumb's /public/ticker/ALL_KRW once and
// filters the whole KRW market down to the requested set (all of it when
// symbols is empty). The symbol list is not split into chunks and
// Capabilities().MaxSymbolsPerBulk is not consulted; only KRW-quoted
// symbols can be returned.
func (c *Client) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	body, err := c.doPublic(ctx, "/public/ticker/ALL_KRW")
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode bulk ticker: %w", err)
	}
	want := map[string]bool{}
	for _, s := range symbols {
		if wire, err := common.EncodeSymbol(common.VariantBithumb, s); err == nil {
			parts := strings.SplitN(wire, "_", 2)
			want[parts[0]] = true
		}
	}
	now := time.Now()
	var out []common.Quote
	for base, v := range raw {
		if base == "date" {
			continue
		}
		if len(want) > 0 && !want[base] {
			continue
		}
		var t struct {
			ClosingPrice string `json:"closing_price"`
		}
		if err := json.Unmarshal(v, &t); err != nil {
			continue
		}
		price, err := decimal.NewFromString(t.ClosingPrice)
		if err != nil {
			continue
		}
		out = append(out, common.Quote{Exchange: common.VariantBithumb, Market: common.MarketSpot, Symbol: base + "/KRW", Price: price, Timestamp: now})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	wire, err := common.EncodeSymbol(common.VariantBithumb, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	parts := strings.SplitN(wire, "_", 2)

	if req.Type == common.OrderTypeMarket {
		path := "/trade/market_sell"
		if req.Side == common.SideBuy {
			path = "/trade/market_buy"
		}
		params := url.Values{}
		params.Set("order_currency", parts[0])
		params.Set("payment_currency", parts[1])
		params.Set("units", req.Qty.String())
		body, err := c.doSigned(ctx, path, params)
		if err != nil {
			return common.OrderResult{}, err
		}
		var resp struct {
			OrderID string `json:"order_id"`
		}
		json.Unmarshal(body, &resp)
		return common.OrderResult{ExchangeOrderID: resp.OrderID, Status: common.StatusNew}, nil
	}

	params := url.Values{}
	params.Set("order_currency", parts[0])
	params.Set("payment_currency", parts[1])
	params.Set("units", req.Qty.String())
	params.Set("price", req.Price.String())
	params.Set("type", toBithumbSide(req.Side))
	body, err := c.doSigned(ctx, "/trade/place", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	json.Unmarshal(body, &resp)
	return common.OrderResult{ExchangeOrderID: resp.OrderID, Status: common.StatusNew}, nil
}

// CreateBatchOrders serializes calls under BatchLock: Bithumb has no
// native multi-order endpoint.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	res := common.BatchResult{Success: true}
	for _, r := range reqs {
		if err := c.batchLock.Acquire(ctx); err != nil {
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
	wire, err := common.EncodeSymbol(common.VariantBithumb, symbol)
	if err != nil {
		return err
	}
	parts := strings.SplitN(wire, "_", 2)
	params := url.Values{}
	params.Set("order_id", exchangeOrderID)
	params.Set("order_currency", parts[0])
	params.Set("payment_currency", parts[1])
	_, err = c.doSigned(ctx, "/trade/cancel", params)
	return err
}

func (c *Client) CancelAll(ctx context.Context, symbol string, side *common.Side, market common.MarketType) error {
	open, err := c.FetchOpenOrders(ctx, symbol, market)
	if err != nil {
		return err
	}
	for _, o := range open {
		if side != nil && o.Side != *side {
			continue
		}
		if err := c.batchLock.Acquire(ctx); err != nil {
			return err
		}
		if err := c.CancelOrder(ctx, o.ExchangeOrderID, symbol, market); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market common.MarketType) ([]common.OpenOrderView, error) {
	wire, err := common.EncodeSymbol(common.VariantBithumb, symbol)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(wire, "_", 2)
	params := url.Values{}
	params.Set("order_currency", parts[0])
	params.Set("payment_currency", parts[1])
	body, err := c.doSigned(ctx, "/info/orders", params)
	if err != nil {
		return nil, err
	}
	var raw []bithumbOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrderView, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toView(c.Variant(), symbol))
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	wire, err := common.EncodeSymbol(common.VariantBithumb, symbol)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	parts := strings.SplitN(wire, "_", 2)
	params := url.Values{}
	params.Set("order_id", exchangeOrderID)
	params.Set("order_currency", parts[0])
	params.Set("payment_currency", parts[1])
	body, err := c.doSigned(ctx, "/info/order_detail", params)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	var o bithumbOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return common.OpenOrderView{}, fmt.Errorf("decode order detail: %w", err)
	}
	return o.toView(c.Variant(), symbol), nil
}

// SetLeverage is rejected: Bithumb is spot-only.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: "bithumb spot does not support leverage"}
}

type bithumbOrder struct {
	OrderID      string `json:"order_id"`
	Type         string `json:"type"`
	Units        string `json:"units"`
	UnitsRemaining string `json:"units_remaining"`
	Price        string `json:"price"`
	OrderStatus  string `json:"order_status"`
}

func (o bithumbOrder) toView(v common.Variant, symbol string) common.OpenOrderView {
	units, _ := decimal.NewFromString(o.Units)
	remaining, _ := decimal.NewFromString(o.UnitsRemaining)
	filled := units.Sub(remaining)
	price, _ := decimal.NewFromString(o.Price)
	status := o.OrderStatus
	if status == "" {
		status = "bid"
		if remaining.IsZero() {
			status = "fill"
		}
	}
	return common.OpenOrderView{
		ExchangeOrderID: o.OrderID,
		Symbol:          symbol,
		Side:            toBithumbCommonSide(o.Type),
		Status:          common.NormalizeStatus(v, status),
		Qty:             units,
		FilledQty:       filled,
		AvgPrice:        price,
	}
}

func toBithumbSide(s common.Side) string {
	if s == common.SideBuy {
		return "bid"
	}
	return "ask"
}

func toBithumbCommonSide(t string) common.Side {
	if t == "bid" {
		return common.SideBuy
	}
	return common.SideSell
}
