package shared

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

// WSSubscribePublicTickers dials the category's public ticker stream and
// invokes cb for every tick on the requested wire symbols.
func (c *Client) WSSubscribePublicTickers(ctx context.Context, wireToCanonical map[string]string, cb func(common.Quote)) error {
	args := make([]string, 0, len(wireToCanonical))
	for wire := range wireToCanonical {
		args = append(args, "tickers."+wire)
	}
	go func() {
		backoff := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, _, err := websocket.DefaultDialer.Dial(c.wsPublic, nil)
			if err != nil {
				log.Printf("⚠️ %s public ws dial failed: %v", c.Variant, err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
				log.Printf("⚠️ %s public ws subscribe failed: %v", c.Variant, err)
				conn.Close()
				continue
			}
			backoff = 0
			log.Printf("✅ %s public ws connected (%d symbols)", c.Variant, len(args))
			stopPing := c.startPingLoop(ctx, conn)
			c.readPublicLoop(ctx, conn, wireToCanonical, cb)
			stopPing()
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 %s public ws reconnecting", c.Variant)
			}
		}
	}()
	return nil
}

func (c *Client) startPingLoop(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				conn.WriteJSON(map[string]string{"op": "ping"})
			}
		}
	}()
	return func() { close(done) }
}

func (c *Client) readPublicLoop(ctx context.Context, conn *websocket.Conn, wireToCanonical map[string]string, cb func(common.Quote)) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("❌ %s public ws read error: %v", c.Variant, err)
			return
		}
		var env struct {
			Topic string          `json:"topic"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil || env.Topic == "" {
			continue
		}
		var tick struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		}
		if err := json.Unmarshal(env.Data, &tick); err != nil || tick.LastPrice == "" {
			continue
		}
		canonical, ok := wireToCanonical[tick.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(tick.LastPrice)
		if err != nil {
			continue
		}
		market := common.MarketSpot
		if c.Category == CategoryLinear {
			market = common.MarketFutures
		}
		cb(common.Quote{Exchange: c.Variant, Market: market, Symbol: canonical, Price: price, Timestamp: time.Now()})
	}
}

// WSSubscribePrivateOrders dials Bybit's private stream, authenticates
// with the account's own key/secret (per spec, each Account carries its
// own credentials), subscribes to the "order" topic, and invokes cb per
// filled execution.
func (c *Client) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	go func() {
		backoff := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, _, err := websocket.DefaultDialer.Dial(c.wsPrivate, nil)
			if err != nil {
				log.Printf("⚠️ %s private ws dial failed for %s: %v", c.Variant, acct.AccountID, err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			if err := authenticate(conn, acct.PublicKey, acct.SecretKey); err != nil {
				log.Printf("⚠️ %s private ws auth failed for %s: %v", c.Variant, acct.AccountID, err)
				conn.Close()
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": []string{"order"}}); err != nil {
				conn.Close()
				continue
			}
			backoff = 0
			log.Printf("✅ %s private ws connected for account %s", c.Variant, acct.AccountID)
			stopPing := c.startPingLoop(ctx, conn)
			c.readPrivateLoop(ctx, conn, acct, cb)
			stopPing()
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 %s private ws reconnecting for account %s", c.Variant, acct.AccountID)
			}
		}
	}()
	return nil
}

// authenticate performs Bybit v5's websocket auth handshake:
// sign(apiSecret, "GET/realtime" + expires).
func authenticate(conn *websocket.Conn, apiKey, apiSecret string) error {
	expires := time.Now().UnixMilli() + 10000
	signSrc := fmt.Sprintf("GET/realtime%d", expires)
	h := hmac.New(sha256.New, []byte(apiSecret))
	h.Write([]byte(signSrc))
	sig := hex.EncodeToString(h.Sum(nil))

	if err := conn.WriteJSON(map[string]any{
		"op":   "auth",
		"args": []string{apiKey, strconv.FormatInt(expires, 10), sig},
	}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp struct {
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.RetMsg)
	}
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
			log.Printf("❌ %s private ws read error for %s: %v", c.Variant, acct.AccountID, err)
			return
		}
		var env struct {
			Topic string            `json:"topic"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil || env.Topic != "order" {
			continue
		}
		for _, raw := range env.Data {
			var o struct {
				Symbol      string `json:"symbol"`
				Side        string `json:"side"`
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				ExecID      string `json:"execId"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			}
			if err := json.Unmarshal(raw, &o); err != nil {
				continue
			}
			if o.OrderStatus != "PartiallyFilled" && o.OrderStatus != "Filled" {
				continue
			}
			qty, _ := decimal.NewFromString(o.CumExecQty)
			price, _ := decimal.NewFromString(o.AvgPrice)
			canonical, err := common.DecodeSymbol(c.Variant, o.Symbol, common.DefaultQuoteCandidates)
			if err != nil {
				canonical = o.Symbol
			}
			cb(common.FillEvent{
				ExchangeOrderID: o.OrderID,
				TradeID:         o.ExecID,
				Symbol:          canonical,
				Side:            common.Side(strings.ToUpper(o.Side)),
				Qty:             qty,
				Price:           price,
				Status:          common.NormalizeStatus(c.Variant, o.OrderStatus),
				Timestamp:       time.Now(),
			})
		}
	}
}
