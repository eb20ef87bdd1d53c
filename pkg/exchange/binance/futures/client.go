// Package futures implements the Binance USDT-M Futures REST+WS adapter
// variant of common.Gateway.
package futures

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

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	// RedisClient, when set, backs the rate limiter with a distributed
	// token bucket shared across every process trading this variant.
	RedisClient *redis.Client
}

// Client is the Binance USDT-M Futures exchange adapter.
type Client struct {
	cfg        Config
	baseURL    string
	wsHost     string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    common.Limiter
	batchLock  *common.BatchLock
}

// New builds a Binance USDT-M Futures Client.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	wsHost := "fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		wsHost = "stream.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		wsHost:     wsHost,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    common.NewLimiter(cfg.RedisClient, common.VariantBinanceFutures, 20),
		batchLock:  common.NewBatchLock(40 * time.Millisecond),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	return c
}

func (c *Client) Variant() common.Variant { return common.VariantBinanceFutures }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportsFutures:     true,
		SupportsLeverage:    true,
		SupportsNativeBatch: true,
		MaxBatchSize:        5,
		OrdersPerSecond:     20,
		MaxSymbolsPerBulk:   0,
	}
}

func (c *Client) NormalizeStatus(raw string) common.StandardOrderStatus {
	return common.NormalizeStatus(common.VariantBinanceFutures, raw)
}

func (c *Client) timestamp() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

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
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == 418:
		return nil, &common.Error{Kind: common.KindThrottled, Venue: c.Variant(), Message: fmt.Sprintf("status %d", res.StatusCode)}
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
	if res.StatusCode >= 500 {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant(), Message: fmt.Sprintf("status %d", res.StatusCode)}
	}
	if res.StatusCode >= 400 {
		return nil, &common.Error{Kind: common.KindRejected, Venue: c.Variant(), Message: string(body)}
	}
	return body, nil
}

func (c *Client) GetServerTime() (int64, error) {
	body, err := c.doPublic(context.Background(), "/fapi/v1/time", nil)
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
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset  string `json:"asset"`
		Balance string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode futures balance: %w", err)
	}
	out := make([]common.Balance, 0, len(raw))
	for _, b := range raw {
		total, _ := decimal.NewFromString(b.Balance)
		free, _ := decimal.NewFromString(b.AvailableBalance)
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Used: total.Sub(free), Total: total})
	}
	return out, nil
}

func (c *Client) FetchPrice(ctx context.Context, symbol string, market common.MarketType) (common.Quote, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", params)
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
	return common.Quote{Exchange: common.VariantBinanceFutures, Market: common.MarketFutures, Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

func (c *Client) FetchPricesBulk(ctx context.Context, symbols []string, market common.MarketType) ([]common.Quote, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", nil)
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
		if wire, err := common.EncodeSymbol(common.VariantBinanceFutures, s); err == nil {
			want[wire] = true
		}
	}
	now := time.Now()
	var out []common.Quote
	for _, r := range res {
		if len(want) > 0 && !want[r.Symbol] {
			continue
		}
		canonical, err := common.DecodeSymbol(common.VariantBinanceFutures, r.Symbol, common.DefaultQuoteCandidates)
		if err != nil {
			continue
		}
		price, _ := decimal.NewFromString(r.Price)
		out = append(out, common.Quote{Exchange: common.VariantBinanceFutures, Market: common.MarketFutures, Symbol: canonical, Price: price, Timestamp: now})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	params := buildOrderParams(wire, req)
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderAck
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return ackToResult(resp, c.NormalizeStatus(resp.Status)), nil
}

// CreateBatchOrders uses Binance futures' native batchOrders endpoint
// (up to 5 orders per call) rather than serializing under BatchLock.
func (c *Client) CreateBatchOrders(ctx context.Context, reqs []common.OrderRequest) (common.BatchResult, error) {
	res := common.BatchResult{Success: true}
	const chunkSize = 5
	for start := 0; start < len(reqs); start += chunkSize {
		end := start + chunkSize
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		batch := make([]url.Values, 0, len(chunk))
		for _, r := range chunk {
			wire, err := common.EncodeSymbol(common.VariantBinanceFutures, r.Symbol)
			if err != nil {
				res.Success = false
				res.Errors = append(res.Errors, err)
				continue
			}
			batch = append(batch, buildOrderParams(wire, r))
		}
		payload, err := json.Marshal(paramsToMaps(batch))
		if err != nil {
			return res, err
		}
		params := url.Values{}
		params.Set("batchOrders", string(payload))

		body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/batchOrders", params)
		if err != nil {
			res.Success = false
			res.Errors = append(res.Errors, err)
			continue
		}
		var acks []orderAck
		if err := json.Unmarshal(body, &acks); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Errorf("decode batch response: %w", err))
			continue
		}
		for _, a := range acks {
			res.Results = append(res.Results, ackToResult(a, c.NormalizeStatus(a.Status)))
		}
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) error {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)
	_, err = c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func (c *Client) CancelAll(ctx context.Context, symbol string, side *common.Side, market common.MarketType) error {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	_, err = c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string, market common.MarketType) ([]common.OpenOrderView, error) {
	params := url.Values{}
	if symbol != "" {
		wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", wire)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []orderAck
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrderView, 0, len(raw))
	for _, r := range raw {
		out = append(out, ackToView(r, c.NormalizeStatus(r.Status)))
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market common.MarketType) (common.OpenOrderView, error) {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	var r orderAck
	if err := json.Unmarshal(body, &r); err != nil {
		return common.OpenOrderView{}, fmt.Errorf("decode order: %w", err)
	}
	return ackToView(r, c.NormalizeStatus(r.Status)), nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	wire, err := common.EncodeSymbol(common.VariantBinanceFutures, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err = c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

type orderAck struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrigQty     string `json:"origQty"`
}

func ackToResult(a orderAck, status common.StandardOrderStatus) common.OrderResult {
	filled, _ := decimal.NewFromString(a.ExecutedQty)
	avg, _ := decimal.NewFromString(a.AvgPrice)
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(a.OrderID, 10),
		Status:          status,
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

func ackToView(a orderAck, status common.StandardOrderStatus) common.OpenOrderView {
	qty, _ := decimal.NewFromString(a.OrigQty)
	filled, _ := decimal.NewFromString(a.ExecutedQty)
	avg, _ := decimal.NewFromString(a.AvgPrice)
	canonical, err := common.DecodeSymbol(common.VariantBinanceFutures, a.Symbol, common.DefaultQuoteCandidates)
	if err != nil {
		canonical = a.Symbol
	}
	return common.OpenOrderView{
		ExchangeOrderID: strconv.FormatInt(a.OrderID, 10),
		Symbol:          canonical,
		Side:            common.Side(a.Side),
		Status:          status,
		Qty:             qty,
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

func buildOrderParams(wireSymbol string, req common.OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", wireSymbol)
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
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return params
}

func paramsToMaps(batch []url.Values) []map[string]string {
	out := make([]map[string]string, 0, len(batch))
	for _, p := range batch {
		m := map[string]string{}
		for k := range p {
			m[k] = p.Get(k)
		}
		out = append(out, m)
	}
	return out
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
		return "STOP_MARKET"
	case common.OrderTypeStopLimit:
		return "STOP"
	default:
		return "LIMIT"
	}
}
