package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

const wsPublicURL = "wss://api.upbit.com/websocket/v1"

// WSSubscribePublicPrices dials Upbit's public ticker stream. Upbit
// requires the subscribe request to carry a unique ticket id as the
// first frame of the JSON array.
func (c *Client) WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(common.Quote)) error {
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
		return fmt.Errorf("ws subscribe: no valid symbols")
	}

	subscribeMsg := []map[string]any{
		{"ticket": uuid.NewString()},
		{"type": "ticker", "codes": wires},
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
				log.Printf("⚠️ upbit public ws dial failed: %v", err)
				time.Sleep(common.BackoffWithJitter(backoff, time.Second, 30*time.Second))
				backoff++
				continue
			}
			if err := conn.WriteJSON(subscribeMsg); err != nil {
				log.Printf("⚠️ upbit public ws subscribe failed: %v", err)
				conn.Close()
				continue
			}
			backoff = 0
			log.Printf("✅ upbit public ws connected (%d markets)", len(wires))
			c.readPublicLoop(ctx, conn, wireToCanonical, cb)
			conn.Close()
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("🔄 upbit public ws reconnecting")
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
		// Upbit sends binary-framed JSON (no text opcode), ReadMessage
		// handles either frame type transparently.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("❌ upbit public ws read error: %v", err)
			return
		}
		var tick struct {
			Code       string  `json:"code"`
			TradePrice float64 `json:"trade_price"`
		}
		if err := json.Unmarshal(msg, &tick); err != nil {
			continue
		}
		canonical, ok := wireToCanonical[tick.Code]
		if !ok {
			continue
		}
		cb(common.Quote{Exchange: common.VariantUpbit, Market: common.MarketSpot, Symbol: canonical, Price: decimal.NewFromFloat(tick.TradePrice), Timestamp: time.Now()})
	}
}

// WSSubscribePrivateOrders polls /v1/orders for acct on a short interval.
// Upbit's private WS channel (myOrder) requires a JWT upgrade handshake
// with scopes this adapter doesn't presume every account grants, so the
// reconciler's L2 REST poller is the fill-delivery path of record here;
// this loop narrows L1's blind spot to a few seconds instead of leaving
// Upbit fills entirely to L2's slower cadence.
func (c *Client) WSSubscribePrivateOrders(ctx context.Context, acct common.AccountContext, cb func(common.FillEvent)) error {
	acctClient := &Client{
		cfg:        Config{AccessKey: acct.PublicKey, SecretKey: acct.SecretKey},
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
				orders, err := acctClient.recentDoneOrders(ctx)
				if err != nil {
					log.Printf("⚠️ upbit order poll failed for %s: %v", acct.AccountID, err)
					continue
				}
				for _, o := range orders {
					if seen[o.UUID] {
						continue
					}
					seen[o.UUID] = true
					canonical, err := common.DecodeSymbol(common.VariantUpbit, o.Market, common.DefaultQuoteCandidates)
					if err != nil {
						canonical = o.Market
					}
					filled, _ := decimal.NewFromString(o.ExecutedVolume)
					price, _ := decimal.NewFromString(o.Price)
					cb(common.FillEvent{
						ExchangeOrderID: o.UUID,
						TradeID:         o.UUID,
						Symbol:          canonical,
						Side:            toCommonSide(o.Side),
						Qty:             filled,
						Price:           price,
						Status:          common.NormalizeStatus(common.VariantUpbit, o.State),
						Timestamp:       time.Now(),
					})
				}
			}
		}
	}()
	return nil
}

func (c *Client) recentDoneOrders(ctx context.Context) ([]upbitOrder, error) {
	params := url.Values{"state": {"done"}}
	body, err := c.doSigned(ctx, http.MethodGet, "/v1/orders", params)
	if err != nil {
		return nil, err
	}
	var raw []upbitOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode recent orders: %w", err)
	}
	return raw, nil
}
