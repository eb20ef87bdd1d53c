package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

// createListenKey bootstraps a user-data-stream listen key for the private
// WS feed.
func (c *Client) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v3/userDataStream?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

// WSSubscribePublicPrices dials the combined-stream market ticker feed and
// invokes cb on every price update for the requested symbols.
func (c *Client) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
	streams := make([]string, 0, len(symbols))
	wireToCanonical := map[string]string{}
	for _, s := range symbols {
		wire, err := common.EncodeSymbol(common.VariantBinanceSpot, s)
		if err != nil {
			continue
		}
		streams = append(streams, strings.ToLower(wire)+"@ticker")
		wireToCanonical[strings.ToUpper(wire)] = s
	}
	if len(streams) == 0 {
		return fmt.Errorf("ws subscribe: no valid symbols")
	}

	u := fmt.Sprintf("wss://%s/stream?streams=%s", c.wsHost, strings.Join(streams, "/"))

	go func() {
		backoff := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err != nil {
				log.Printf("⚠️ binance-spot public ws dial failed: %v", err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			backoff = 0
			log.Printf("✅ binance-spot public ws connected (%d streams)", len(streams))
			c.readPublicLoop(ctx, conn, wireToCanonical, cb)
			conn.Close()

			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 binance-spot public ws reconnecting")
			}
		}
	}()
	return nil
}

func (c *Client) readPublicLoop(ctx context.Context, conn *websocket.Conn, wireToCanonical map[string]string, cb func(common.Quote)) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("❌ binance-spot public ws read error: %v", err)
			return
		}
		var env struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		var tick struct {
			Symbol string `json:"s"`
			Close  string `json:"c"`
		}
		if err := json.Unmarshal(env.Data, &tick); err != nil {
			continue
		}
		canonical, ok := wireToCanonical[tick.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(tick.Close)
		if err != nil {
			continue
		}
		cb(common.Quote{Exchange: common.VariantBinanceSpot, Market: common.MarketSpot, Symbol: canonical, Price: price, Timestamp: time.Now()})
	}
}

// WSSubscribePrivateOrders dials the user-data stream for acct and invokes
// cb for every executionReport TRADE event, keeping the listen key alive
// on a 30-minute ticker the way the exchange requires.
func (c *Client) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	go func() {
		keepAlive := time.NewTicker(30 * time.Minute)
		defer keepAlive.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-keepAlive.C:
					if err := c.keepAliveListenKey(ctx, listenKey); err != nil {
						log.Printf("⚠️ binance-spot listen key keepalive failed for %s: %v", acct.AccountID, err)
					}
				}
			}
		}()

		backoff := 0
		wsURL := fmt.Sprintf("wss://%s/ws/%s", c.wsHost, listenKey)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				log.Printf("⚠️ binance-spot private ws dial failed for %s: %v", acct.AccountID, err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			backoff = 0
			log.Printf("✅ binance-spot private ws connected for account %s", acct.AccountID)
			c.readPrivateLoop(ctx, conn, acct, cb)
			conn.Close()

			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 binance-spot private ws reconnecting for account %s", acct.AccountID)
			}
		}
	}()
	return nil
}

func (c *Client) readPrivateLoop(ctx context.Context, conn *websocket.Conn, acct common.AccountContext, cb func(common.FillEvent)) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("❌ binance-spot private ws read error for %s: %v", acct.AccountID, err)
			return
		}
		var evt map[string]json.RawMessage
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		var eventType string
		if raw, ok := evt["e"]; ok {
			json.Unmarshal(raw, &eventType)
		}
		if eventType != "executionReport" {
			continue
		}
		fe, ok := c.parseExecutionReport(evt)
		if !ok {
			continue
		}
		cb(fe)
	}
}

func (c *Client) parseExecutionReport(evt map[string]json.RawMessage) (common.FillEvent, bool) {
	var symbol, side, execType, status, orderID, lastQty, lastPrice, cumQty, cumQuote, tradeID string
	fields := map[string]*string{
		"s": &symbol, "S": &side, "x": &execType, "X": &status,
		"i": &orderID, "l": &lastQty, "L": &lastPrice, "z": &cumQty, "Z": &cumQuote,
		"t": &tradeID,
	}
	for k, dst := range fields {
		raw, ok := evt[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			*dst = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			*dst = n.String()
		}
	}
	if execType != "TRADE" {
		return common.FillEvent{}, false
	}

	qty, _ := decimal.NewFromString(lastQty)
	price, _ := decimal.NewFromString(lastPrice)
	if price.IsZero() {
		cq, _ := decimal.NewFromString(cumQuote)
		cz, _ := decimal.NewFromString(cumQty)
		if cz.IsPositive() {
			price = cq.Div(cz)
		}
	}

	canonical, err := common.DecodeSymbol(common.VariantBinanceSpot, symbol, common.DefaultQuoteCandidates)
	if err != nil {
		canonical = symbol
	}

	return common.FillEvent{
		ExchangeOrderID: orderID,
		TradeID:         tradeID,
		Symbol:          canonical,
		Side:            common.Side(side),
		Qty:             qty,
		Price:           price,
		Status:          c.NormalizeStatus(status),
		Timestamp:       time.Now(),
	}, true
}
