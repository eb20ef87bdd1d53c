// Package shared implements the Bybit v5 REST+WS signing and request
// plumbing common to both the Spot and USDT-Linear variants -- the two
// adapter packages differ only in `category` and a handful of capability
// flags, so the HTTP/WS core lives here once.
package shared

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

// Category is Bybit v5's market-segment discriminator.
type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

// Config holds Bybit v5 credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	// RedisClient, when set, backs the rate limiter with a distributed
	// token bucket shared across every process trading this variant.
	RedisClient *redis.Client
}

// Client is the shared Bybit v5 REST+WS core, parameterized by Category
// and Variant so the Spot/Linear packages can embed it directly.
type Client struct {
	Cfg      Config
	Category Category
	Variant  common.Variant
	baseURL  string
	wsPublic string
	wsPrivate string

	httpClient *http.Client
	limiter    common.Limiter
	batchLock  *common.BatchLock
}

// New builds the shared client core for one Bybit category.
func New(cfg Config, category Category, variant common.Variant) *Client {
	base := "https://api.bybit.com"
	wsPub := "wss://stream.bybit.com/v5/public/" + string(category)
	wsPriv := "wss://stream.bybit.com/v5/private"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
		wsPub = "wss://stream-testnet.bybit.com/v5/public/" + string(category)
		wsPriv = "wss://stream-testnet.bybit.com/v5/private"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		Cfg:        cfg,
		Category:   category,
		Variant:    variant,
		baseURL:    base,
		wsPublic:   wsPub,
		wsPrivate:  wsPriv,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    common.NewLimiter(cfg.RedisClient, variant, 10),
		batchLock:  common.NewBatchLock(100 * time.Millisecond),
	}
}

func (c *Client) BatchLock() *common.BatchLock { return c.batchLock }
func (c *Client) WSPublicURL() string          { return c.wsPublic }
func (c *Client) WSPrivateURL() string         { return c.wsPrivate }

// doSigned implements Bybit v5's HMAC-SHA256 request signing:
// sign(timestamp + apiKey + recvWindow + queryStringOrBody).
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, body map[string]any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := strconv.FormatInt(c.Cfg.RecvWindow, 10)

	var payload string
	var bodyReader io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		payload = params.Encode()
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = string(b)
		bodyReader = strings.NewReader(payload)
	}

	signSrc := ts + c.Cfg.APIKey + recvWindow + payload
	h := hmac.New(sha256.New, []byte(c.Cfg.APISecret))
	h.Write([]byte(signSrc))
	sig := hex.EncodeToString(h.Sum(nil))

	endpoint := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if payload != "" {
			endpoint += "?" + payload
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", c.Cfg.APIKey)
	req.Header.Set("X-BAPI-SIGN", sig)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant, Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	rbody, _ := io.ReadAll(res.Body)

	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rbody, &env); err != nil {
		return nil, fmt.Errorf("decode bybit envelope: %w", err)
	}
	if err := retCodeErr(c.Variant, env.RetCode, env.RetMsg); err != nil {
		return nil, err
	}
	return env.Result, nil
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
		return nil, &common.Error{Kind: common.KindTransientNetwork, Venue: c.Variant, Message: "http do", Cause: err}
	}
	defer res.Body.Close()
	rbody, _ := io.ReadAll(res.Body)
	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rbody, &env); err != nil {
		return nil, fmt.Errorf("decode bybit envelope: %w", err)
	}
	if err := retCodeErr(c.Variant, env.RetCode, env.RetMsg); err != nil {
		return nil, err
	}
	return env.Result, nil
}

func retCodeErr(v common.Variant, code int, msg string) error {
	switch {
	case code == 0:
		return nil
	case code == 10006 || code == 10018:
		return &common.Error{Kind: common.KindThrottled, Venue: v, Message: msg}
	case code == 10003 || code == 10004 || code == 10005:
		return &common.Error{Kind: common.KindAuthError, Venue: v, Message: msg}
	case code == 110001 || code == 110025:
		return &common.Error{Kind: common.KindNotFound, Venue: v, Message: msg}
	default:
		return &common.Error{Kind: common.KindRejected, Venue: v, Message: fmt.Sprintf("retCode=%d %s", code, msg)}
	}
}

func (c *Client) FetchBalance(ctx context.Context, accountType string) ([]common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", accountType)
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode wallet balance: %w", err)
	}
	var out []common.Balance
	for _, acc := range parsed.List {
		for _, coin := range acc.Coin {
			total, _ := decimal.NewFromString(coin.WalletBalance)
			free, _ := decimal.NewFromString(coin.AvailableToWithdraw)
			locked, _ := decimal.NewFromString(coin.Locked)
			if free.IsZero() && locked.IsPositive() {
				free = total.Sub(locked)
			}
			out = append(out, common.Balance{Asset: coin.Coin, Free: free, Used: total.Sub(free), Total: total})
		}
	}
	return out, nil
}

func (c *Client) FetchPrice(ctx context.Context, wireSymbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", string(c.Category))
	params.Set("symbol", wireSymbol)
	result, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return decimal.Zero, err
	}
	var parsed struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	if len(parsed.List) == 0 {
		return decimal.Zero, &common.Error{Kind: common.KindNotFound, Venue: c.Variant, Message: "no ticker for " + wireSymbol}
	}
	return decimal.NewFromString(parsed.List[0].LastPrice)
}

// FetchAllTickers returns every (wireSymbol, lastPrice) pair for the
// category in one call -- Bybit's /v5/market/tickers with no symbol param
// returns the full book.
func (c *Client) FetchAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", string(c.Category))
	result, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(parsed.List))
	for _, t := range parsed.List {
		p, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			continue
		}
		out[t.Symbol] = p
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, wireSymbol string, req common.OrderRequest) (common.OrderResult, error) {
	body := c.orderBody(wireSymbol, req)
	result, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order ack: %w", err)
	}
	return common.OrderResult{ExchangeOrderID: ack.OrderID, Status: common.StatusNew}, nil
}

func (c *Client) orderBody(wireSymbol string, req common.OrderRequest) map[string]any {
	body := map[string]any{
		"category": string(c.Category),
		"symbol":   wireSymbol,
		"side":     toBybitSide(req.Side),
		"orderType": toBybitOrderType(req.Type),
		"qty":      req.Qty.String(),
	}
	if req.Type == common.OrderTypeLimit || req.Type == common.OrderTypeStopLimit {
		body["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		body["timeInForce"] = toBybitTIF(tif)
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeStopLimit {
		body["triggerPrice"] = req.StopPrice.String()
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	return body
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID, wireSymbol string) error {
	body := map[string]any{
		"category": string(c.Category),
		"symbol":   wireSymbol,
		"orderId":  exchangeOrderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", nil, body)
	return err
}

func (c *Client) CancelAll(ctx context.Context, wireSymbol string) error {
	body := map[string]any{
		"category": string(c.Category),
		"symbol":   wireSymbol,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body)
	return err
}

func (c *Client) FetchOpenOrders(ctx context.Context, wireSymbol string) ([]common.OpenOrderView, error) {
	params := url.Values{}
	params.Set("category", string(c.Category))
	if wireSymbol != "" {
		params.Set("symbol", wireSymbol)
	}
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		List []bybitOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrderView, 0, len(parsed.List))
	for _, o := range parsed.List {
		out = append(out, o.toView(c.Variant))
	}
	return out, nil
}

func (c *Client) FetchOrder(ctx context.Context, exchangeOrderID, wireSymbol string) (common.OpenOrderView, error) {
	params := url.Values{}
	params.Set("category", string(c.Category))
	params.Set("symbol", wireSymbol)
	params.Set("orderId", exchangeOrderID)
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return common.OpenOrderView{}, err
	}
	var parsed struct {
		List []bybitOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return common.OpenOrderView{}, fmt.Errorf("decode order: %w", err)
	}
	if len(parsed.List) == 0 {
		return common.OpenOrderView{}, &common.Error{Kind: common.KindNotFound, Venue: c.Variant, Message: exchangeOrderID}
	}
	return parsed.List[0].toView(c.Variant), nil
}

func (c *Client) SetLeverage(ctx context.Context, wireSymbol string, leverage int) error {
	body := map[string]any{
		"category":     string(c.Category),
		"symbol":       wireSymbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body)
	return err
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (o bybitOrder) toView(v common.Variant) common.OpenOrderView {
	qty, _ := decimal.NewFromString(o.Qty)
	filled, _ := decimal.NewFromString(o.CumExecQty)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	return common.OpenOrderView{
		ExchangeOrderID: o.OrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(strings.ToUpper(o.Side)),
		Status:          common.NormalizeStatus(v, o.OrderStatus),
		Qty:             qty,
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

func toBybitSide(s common.Side) string {
	if s == common.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func toBybitOrderType(t common.OrderType) string {
	switch t {
	case common.OrderTypeMarket, common.OrderTypeStopMarket:
		return "Market"
	default:
		return "Limit"
	}
}

func toBybitTIF(tif common.TimeInForce) string {
	switch tif {
	case common.TIFIOC:
		return "IOC"
	case common.TIFFOK:
		return "FOK"
	default:
		return "GTC"
	}
}
