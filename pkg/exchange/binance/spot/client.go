// Package spot implements the Binance Spot REST+WS adapter variant of
// common.Gateway.
package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

// Config holds Binance Spot credentials and deployment target.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	// RedisClient, when set, backs the rate limiter with a distributed
	// token bucket shared across every process trading this variant
	// instead of an in-process one (see common.NewLimiter).
	RedisClient *redis.Client
}

// Client is the Binance Spot exchange adapter.
type Client struct {
	cfg         Config
	baseURL     string
	wsHost      string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	limiter     common.Limiter
	batchLock   *common.BatchLock
}

// New builds a Binance Spot Client.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	wsHost := "stream.binance.com:9443"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
		wsHost = "testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		wsHost:     wsHost,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    common.NewLimiter(cfg.RedisClient, common.VariantBinanceSpot, 18), // ~1200 weight/min budgeted conservatively
		batchLock:  common.NewBatchLock(50 * time.Millisecond),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	return c
}

func (c *Client) Variant() common.Variant { return common.VariantBinanceSpot }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportsFutures:     false,
		SupportsLeverage:    false,
		SupportsNativeBatch: false,
		MaxBatchSize:        0,
		OrdersPerSecond:     18,
		MaxSymbolsPerBulk:   0, // Binance's /ticker/price with no symbol returns all markets in one call
	}
}

func (c *Client) NormalizeStatus(raw string) common.StandardOrderStatus {
	return common.NormalizeStatus(common.VariantBinanceSpot, raw)
}

func (c *Client) timestamp() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs params with HMAC-SHA256 and executes the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	endpoint := c.baseURL + path
	var req *http.Request
	var err error
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: "http do", Cause: err}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode == 418 {
		return nil, &common.Error{Kind: common.KindThrottled, Venue: c.Variant(), Message: fmt.Sprintf("status %d", res.StatusCode)}
	}
	if res.StatusCode == http.StatusUnauthorized {
		return nil, &common.Error{Kind: common.KindAuthError, Venue: c.Variant(), Message: string(body)}
	}
	if res.StatusCode >= 500 {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: fmt.Sprintf("status %d: %s", res.StatusCode, body)}
	}
	if res.StatusCode >= 400 {
		return nil, &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: fmt.Sprintf("status %d: %s", res.StatusCode, body)}
	}
	return body, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if params != nil && len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: fmt.Sprintf("status %d", res.StatusCode)}
	}
	if res.StatusCode >= 400 {
		return nil, &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: string(body)}
	}
	return body, nil
}

// GetServerTime fetches Binance server time (ms), used by TimeSync.
func (c *Client) GetServerTime() (int64, error) {
	body, err := c.doPublic(context.Background(), "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) FetchBalance(ctx context.Context, market common.MarketType) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make([]common.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, _ := decimal.NewFromString(b.Free)
		used, _ := decimal.NewFromString(b.Locked)
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Used: used, Total: free.Add(used)})
	}
	return out, nil
}

func (c *Client) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceSpot, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return common.Quote{}, err
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Quote{}, fmt.Errorf("decode price: %w", err)
	}
	price, _ := decimal.NewFromString(res.Price)
	return common.Quote{Exchange: common.VariantBinanceSpot, Market: market, Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

// FetchPricesBulk fetches every market in one call, since Binance's
// ticker/price endpoint with no symbol param returns the full list.
func (c *Client) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", nil)
	if err != nil {
		return nil, err
	}
	var res []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode bulk prices: %w", err)
	}

	want := map[string]bool{}
	for _, s := range symbols {
		wire, err := common.EncodeSymbol(common.VariantBinanceSpot, s)
		if err == nil {
			want[wire] = true
		}
	}

	now := time.Now()
	var out []common.Quote
	for _, r := range res {
		if len(want) > 0 && !want[r.Symbol] {
			continue
		}
		canonical, err := common.DecodeSymbol(common.VariantBinanceSpot, r.Symbol, common.DefaultQuoteCandidates)
		if err != nil {
			continue
		}
		price, _ := decimal.NewFromString(r.Price)
		out = append(out, common.Quote{Exchange: common.VariantBinanceSpot, Market: market, Symbol: canonical, Price: price, Timestamp: now})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceSpot, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("side", string(req.Side))
	params.Set("type", toBinanceOrderType(req.Type))
	params.Set("quantity", req.Qty.String())

	if req.Type == common.OrderTypeLimit || req.Type == common.OrderTypeStopLimit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeStopLimit {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp struct {
		OrderID           int64  `json:"orderId"`
		ClientOrderID     string `json:"clientOrderId"`
		Status            string `json:"status"`
		ExecutedQty       string `json:"executedQty"`
		CummulativeQuote  string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	filled, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuote)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = quote.Div(filled)
	}

	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          c.NormalizeStatus(resp.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
	}, nil
}

// CreateBatchOrders serializes calls under the batch lock since Binance
// Spot has no native multi-order endpoint on this tier.
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
	wire, err := common.EncodeSymbol(common.VariantBinanceSpot, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)
	_, err = c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

func (c *Client) CancelAll(ctx context.Context, symbol string, side *common.Side, market common.MarketType) error {
	wire, err := common.EncodeSymbol(common.VariantBinanceSpot, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	_, err = c.doSigned(ctx, http.MethodDelete, "/api/v3/openOrders", params)
	return err
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market common.MarketType) ([]common.OpenOrderView, error) {
	params := url.Values{}
	if symbol != "" {
		wire, err := common.EncodeSymbol(common.VariantBinanceSpot, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", wire)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol      string `json:"symbol"`
		OrderID     int64  `json:"orderId"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrderView, 0, len(raw))
	for _, r := range raw {
		qty, _ := decimal.NewFromString(r.OrigQty)
		filled, _ := decimal.NewFromString(r.ExecutedQty)
		price, _ := decimal.NewFromString(r.Price)
		canonical, _ := common.DecodeSymbol(common.VariantBinanceSpot, r.Symbol, common.DefaultQuoteCandidates)
		out = append(out, common.OpenOrderView{
			ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
			Symbol:          canonical,
			Side:            common.Side(r.Side),
			Status:          c.NormalizeStatus(r.Status),
			Qty:             qty,
			FilledQty:       filled,
			AvgPrice:        price,
		})
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceSpot, symbol)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	var r struct {
		OrderID     int64  `json:"orderId"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return common.OpenOrderView{}, fmt.Errorf("decode order: %w", err)
	}
	qty, _ := decimal.NewFromString(r.OrigQty)
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	price, _ := decimal.NewFromString(r.Price)
	return common.OpenOrderView{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		Symbol:          symbol,
		Side:            common.Side(r.Side),
		Status:          c.NormalizeStatus(r.Status),
		Qty:             qty,
		FilledQty:       filled,
		AvgPrice:        price,
	}, nil
}

// SetLeverage is a no-op for spot; this variant never reports SupportsLeverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: "spot does not support leverage"}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func toBinanceOrderType(t common.OrderType) string {
	switch t {
	case common.OrderTypeMarket:
		return "MARKET"
	case common.OrderTypeLimit:
		return "LIMIT"
	case common.OrderTypeStopMarket:
		return "STOP_LOSS"
	case common.OrderTypeStopLimit:
		return "STOP_LOSS_LIMIT"
	default:
		return "LIMIT"
	}
}
