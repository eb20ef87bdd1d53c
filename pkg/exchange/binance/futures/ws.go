package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
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

// WSSubscribePublicPrices dials the combined @ticker stream for the
// requested symbols.
func (c *Client) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
	streams := make([]string, 0, len(symbols))
	wireToCanonical := map[string]string{}
	for _, s := range symbols {
		wire, err := common.EncodeSymbol(common.VariantBinanceFutures, s)
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
				log.Printf("⚠️ binance-futures public ws dial failed: %v", err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			backoff = 0
			log.Printf("✅ binance-futures public ws connected (%d streams)", len(streams))
			c.readPublicLoop(ctx, conn, wireToCanonical, cb)
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 binance-futures public ws reconnecting")
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
			log.Printf("❌ binance-futures public ws read error: %v", err)
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
		cb(common.Quote{Exchange: common.VariantBinanceFutures, Market: common.MarketFutures, Symbol: canonical, Price: price, Timestamp: time.Now()})
	}
}

// WSSubscribePrivateOrders dials the futures user-data stream and invokes
// cb on every ORDER_TRADE_UPDATE event whose execution type is TRADE.
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
						log.Printf("⚠️ binance-futures listen key keepalive failed for %s: %v", acct.AccountID, err)
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
				log.Printf("⚠️ binance-futures private ws dial failed for %s: %v", acct.AccountID, err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			backoff = 0
			log.Printf("✅ binance-futures private ws connected for account %s", acct.AccountID)
			c.readPrivateLoop(ctx, conn, acct, cb)
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 binance-futures private ws reconnecting for account %s", acct.AccountID)
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
			log.Printf("❌ binance-futures private ws read error for %s: %v", acct.AccountID, err)
			return
		}
		var env struct {
			EventType string          `json:"e"`
			Order     json.RawMessage `json:"o"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.EventType != "ORDER_TRADE_UPDATE" {
			continue
		}
		var o struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			ExecType      string `json:"x"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			TradeID       int64  `json:"t"`
			LastFilledQty string `json:"l"`
			LastFillPrice string `json:"L"`
		}
		if err := json.Unmarshal(env.Order, &o); err != nil {
			continue
		}
		if o.ExecType != "TRADE" {
			continue
		}
		qty, _ := decimal.NewFromString(o.LastFilledQty)
		price, _ := decimal.NewFromString(o.LastFillPrice)
		canonical, err := common.DecodeSymbol(common.VariantBinanceFutures, o.Symbol, common.DefaultQuoteCandidates)
		if err != nil {
			canonical = o.Symbol
		}
		cb(common.FillEvent{
			ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
			TradeID:         fmt.Sprintf("%d", o.TradeID),
			Symbol:          canonical,
			Side:            common.Side(o.Side),
			Qty:             qty,
			Price:           price,
			Status:          c.NormalizeStatus(o.Status),
			Timestamp:       time.Now(),
		})
	}
}
