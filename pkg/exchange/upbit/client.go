// Package upbit implements the Upbit Spot (KRW market) adapter variant of
// common.Gateway. Upbit's REST API authenticates with a JWT bearing a hash
// of the query string rather than Binance/Bybit's raw-HMAC-over-query
// scheme, so this adapter is grounded on the teacher's doSigned shape
// (sign, set header, doRequest) with the signature step swapped for JWT.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

// Config holds Upbit credentials.
type Config struct {
	AccessKey string
	SecretKey string

	// RedisClient, when set, backs the rate limiter with a distributed
	// token bucket shared across every process trading this variant.
	RedisClient *redis.Client
}

// Client is the Upbit exchange adapter. Upbit has no sandbox/testnet.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    common.Limiter
	batchLock  *common.BatchLock
}

// New builds an Upbit Client. Upbit's REST rate limit for order endpoints
// is 8 requests/second, and there is no native batch-order endpoint.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://api.upbit.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    common.NewLimiter(cfg.RedisClient, common.VariantUpbit, 8),
		batchLock:  common.NewBatchLock(125 * time.Millisecond),
	}
}

func (c *Client) Variant() common.Variant { return common.VariantUpbit }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportsFutures:     false,
		SupportsLeverage:    false,
		SupportsNativeBatch: false,
		OrdersPerSecond:     8,
		MaxSymbolsPerBulk:   0, // FetchPricesBulk sends every requested market in one /v1/ticker call
	}
}

func (c *Client) NormalizeStatus(raw string) common.StandardOrderStatus {
	return common.NormalizeStatus(common.VariantUpbit, raw)
}

// jwtFor builds the Upbit auth token: access/secret key plus, for
// parameterized requests, a SHA512 hash of the query string bound into
// the claims so the server can detect tampering.
func (c *Client) jwtFor(params url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.cfg.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if len(params) > 0 {
		h := sha512.Sum512([]byte(params.Encode()))
		claims["query_hash"] = hex.EncodeToString(h[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.SecretKey))
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	tok, err := c.jwtFor(params)
	if err != nil {
		return nil, fmt.Errorf("sign upbit request: %w", err)
	}

	endpoint := c.baseURL + path
	var req *http.Request
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &common.Error{Kind: common.KindThrottled, Venue: c.Variant(), Message: string(body)}
	case res.StatusCode == http.StatusUnauthorized:
		return nil, &common.Error{Kind: common.KindAuthError, Venue: c.Variant(), Message: string(body)}
	case res.StatusCode >= 500:
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: fmt.Sprintf("status %d: %s", res.StatusCode, body)}
	case res.StatusCode >= 400:
		return nil, &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: fmt.Sprintf("status %d: %s", res.StatusCode, body)}
	}
	return body, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
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
	if res.StatusCode >= 400 {
		return nil, &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: string(body)}
	}
	return body, nil
}

func (c *Client) FetchBalance(ctx context.Context, market common.MarketType) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/v1/accounts", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	out := make([]common.Balance, 0, len(raw))
	for _, a := range raw {
		free, _ := decimal.NewFromString(a.Balance)
		locked, _ := decimal.NewFromString(a.Locked)
		out = append(out, common.Balance{Asset: a.Currency, Free: free, Used: locked, Total: free.Add(locked)})
	}
	return out, nil
}

func (c *Client) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	wire, err := common.EncodeSymbol(common.VariantUpbit, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	params := url.Values{}
	params.Set("markets", wire)
	body, err := c.doPublic(ctx, "/v1/ticker", params)
	if err != nil {
		return common.Quote{}, err
	}
	var raw []struct {
		Market        string  `json:"market"`
		TradePrice    float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Quote{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(raw) == 0 {
		return common.Quote{}, &common.Error{Kind: common.KindNotFound, Venue: c.Variant(), Message: wire}
	}
	return common.Quote{
		Exchange:  common.VariantUpbit,
		Market:    common.MarketSpot,
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(raw[0].TradePrice),
		Timestamp: time.Now(),
	}, nil
}

// FetchPricesBulk fetches the requested markets in one /v1/ticker call
// with an explicit markets= list -- Upbit requires that list, unlike
// Binance's no-symbol-means-all. An empty symbols list returns no quotes.
func (c *Client) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	wireToCanonical := map[string]string{}
	wires := make([]string, 0, len(symbols))
	for _, s := range symbols {
		wire, err := common.EncodeSymbol(common.VariantUpbit, s)
		if err != nil {
			continue
		}
		wireToCanonical[wire] = s
		wires = append(wires, wire)
	}
	if len(wires) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("markets", strings.Join(wires, ","))
	body, err := c.doPublic(ctx, "/v1/ticker", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Market     string  `json:"market"`
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode bulk ticker: %w", err)
	}
	now := time.Now()
	out := make([]common.Quote, 0, len(raw))
	for _, r := range raw {
		canonical, ok := wireToCanonical[r.Market]
		if !ok {
			continue
		}
		out = append(out, common.Quote{Exchange: common.VariantUpbit, Market: common.MarketSpot, Symbol: canonical, Price: decimal.NewFromFloat(r.TradePrice), Timestamp: now})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	wire, err := common.EncodeSymbol(common.VariantUpbit, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("market", wire)
	params.Set("side", toUpbitSide(req.Side))
	params.Set("ord_type", toUpbitOrdType(req.Type, req.Side))
	switch req.Type {
	case common.OrderTypeMarket:
		if req.Side == common.SideBuy {
			// Upbit market buys are denominated in the quote currency (KRW notional), not base qty.
			params.Set("price", req.Qty.String())
		} else {
			params.Set("volume", req.Qty.String())
		}
	default:
		params.Set("volume", req.Qty.String())
		params.Set("price", req.Price.String())
	}
	if req.ClientID != "" {
		params.Set("identifier", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/v1/orders", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp struct {
		UUID  string `json:"uuid"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return common.OrderResult{ExchangeOrderID: resp.UUID, Status: c.NormalizeStatus(resp.State)}, nil
}

// CreateBatchOrders serializes calls under BatchLock: Upbit has no native
// multi-order endpoint.
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
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/v1/order", params)
	return err
}

// CancelAll cancels every open order on symbol one at a time: Upbit's
// cancel endpoint is single-order only, so this fetches the open set and
// drives individual cancels under the batch lock.
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
	params := url.Values{}
	params.Set("state", "wait")
	if symbol != "" {
		wire, err := common.EncodeSymbol(common.VariantUpbit, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("market", wire)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/v1/orders", params)
	if err != nil {
		return nil, err
	}
	var raw []upbitOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrderView, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toView(c.Variant()))
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/v1/order", params)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	var o upbitOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return common.OpenOrderView{}, fmt.Errorf("decode order: %w", err)
	}
	return o.toView(c.Variant()), nil
}

// SetLeverage is rejected: Upbit is spot-only.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: "upbit spot does not support leverage"}
}

type upbitOrder struct {
	UUID            string `json:"uuid"`
	Side            string `json:"side"`
	State           string `json:"state"`
	Market          string `json:"market"`
	Volume          string `json:"volume"`
	ExecutedVolume  string `json:"executed_volume"`
	Price           string `json:"price"`
}

func (o upbitOrder) toView(v common.Variant) common.OpenOrderView {
	qty, _ := decimal.NewFromString(o.Volume)
	filled, _ := decimal.NewFromString(o.ExecutedVolume)
	price, _ := decimal.NewFromString(o.Price)
	canonical, err := common.DecodeSymbol(v, o.Market, common.DefaultQuoteCandidates)
	if err != nil {
		canonical = o.Market
	}
	return common.OpenOrderView{
		ExchangeOrderID: o.UUID,
		Symbol:          canonical,
		Side:            toCommonSide(o.Side),
		Status:          common.NormalizeStatus(v, o.State),
		Qty:             qty,
		FilledQty:       filled,
		AvgPrice:        price,
	}
}

func toUpbitSide(s common.Side) string {
	if s == common.SideBuy {
		return "bid"
	}
	return "ask"
}

func toCommonSide(s string) common.Side {
	if s == "bid" {
		return common.SideBuy
	}
	return common.SideSell
}

// toUpbitOrdType picks between Upbit's two market-order codes: "price"
// (market buy, quantity denominated in KRW notional) and "market" (market
// sell, quantity denominated in base volume). Limit orders on either side
// use "limit".
func toUpbitOrdType(t common.OrderType, side common.Side) string {
	if t != common.OrderTypeMarket {
		return "limit"
	}
	if side == common.SideBuy {
		return "price"
	}
	return "market"
}
