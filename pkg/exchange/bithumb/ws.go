package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

const wsPublicURL = "wss://pubwss.bithumb.com/pub/ws"

// WSSubscribePublicPrices dials Bithumb's public ticker stream.
func (c *Client) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
	wireToCanonical := map[string]string{}
	wires := make([]string, 0, len(symbols))
	for _, s := range symbols {
		wire, err := common.EncodeSymbol(common.VariantBithumb, s)
		if err != nil {
			continue
		}
		wireToCanonical[wire] = s
		wires = append(wires, wire)
	}
	if len(wires) == 0 {
		return fmt.Errorf("ws subscribe: no valid symbols")
	}

	subscribeMsg := map[string]any{
		"type":    "ticker",
		"symbols": wires,
		"tickTypes": []string{"30M"},
	}

	go func() {
		backoff := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsPublicURL, nil)
			if err != nil {
				log.Printf("⚠️ bithumb public ws dial failed: %v", err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			if err := conn.WriteJSON(subscribeMsg); err != nil {
				log.Printf("⚠️ bithumb public ws subscribe failed: %v", err)
				conn.Close()
				continue
			}
			backoff = 0
			log.Printf("✅ bithumb public ws connected (%d symbols)", len(wires))
			c.readPublicLoop(ctx, conn, wireToCanonical, cb)
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 bithumb public ws reconnecting")
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
			log.Printf("❌ bithumb public ws read error: %v", err)
			return
		}
		var env struct {
			Type    string `json:"type"`
			Content struct {
				Symbol     string `json:"symbol"`
				ClosePrice string `json:"closePrice"`
			} `json:"content"`
		}
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != "ticker" {
			continue
		}
		canonical, ok := wireToCanonical[env.Content.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(env.Content.ClosePrice)
		if err != nil {
			continue
		}
		cb(common.Quote{Exchange: common.VariantBithumb, Market: common.MarketSpot, Symbol: canonical, Price: price, Timestamp: time.Now()})
	}
}

// WSSubscribePrivateOrders polls /info/orders for acct on a short
// interval: Bithumb's public WS gateway carries only market data, so
// private fill delivery for this venue runs through REST polling the
// same way the reconciler's L2 loop does, just on a tighter cadence to
// approximate a push feed.
func (c *Client) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	acctClient := &Client{
		cfg:        Config{ConnectionKey: acct.PublicKey, SecretKey: acct.SecretKey},
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		limiter:    c.limiter,
		batchLock:  c.batchLock,
	}
	seen := map[string]bool{}

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orders, err := acctClient.recentCompletedOrders(ctx)
				if err != nil {
					log.Printf("⚠️ bithumb order poll failed for %s: %v", acct.AccountID, err)
					continue
				}
				for _, o := range orders {
					if seen[o.OrderID] {
						continue
					}
					seen[o.OrderID] = true
					units, _ := decimal.NewFromString(o.Units)
					price, _ := decimal.NewFromString(o.Price)
					cb(common.FillEvent{
						ExchangeOrderID: o.OrderID,
						TradeID:         o.OrderID,
						Symbol:          o.Symbol,
						Side:            toBithumbCommonSide(o.Type),
						Qty:             units,
						Price:           price,
						Status:          common.StatusFilled,
						Timestamp:       time.Now(),
					})
				}
			}
		}
	}()
	return nil
}

// recentCompletedOrders fetches acct's completed orders across every
// symbol the account currently holds an open position or order in, since
// Bithumb's order-status endpoint is scoped per market pair rather than
// offering a single all-markets query.
func (c *Client) recentCompletedOrders(ctx context.Context) ([]completedOrder, error) {
	balances, err := c.FetchBalance(ctx, common.MarketSpot)
	if err != nil {
		return nil, err
	}
	var out []completedOrder
	for _, b := range balances {
		if b.Asset == "KRW" || b.Total.IsZero() {
			continue
		}
		params := url.Values{}
		params.Set("order_currency", b.Asset)
		params.Set("payment_currency", "KRW")
		params.Set("count", "20")
		body, err := c.doSigned(ctx, "/info/orders", params)
		if err != nil {
			continue
		}
		var raw []bithumbOrder
		if err := json.Unmarshal(body, &raw); err != nil {
			continue
		}
		for _, o := range raw {
			remaining, _ := decimal.NewFromString(o.UnitsRemaining)
			if !remaining.IsZero() {
				continue
			}
			out = append(out, completedOrder{OrderID: o.OrderID, Symbol: b.Asset + "/KRW", Type: o.Type, Units: o.Units, Price: o.Price})
		}
	}
	return out, nil
}

type completedOrder struct {
	OrderID string
	Symbol  string
	Type    string
	Units   string
	Price   string
}
