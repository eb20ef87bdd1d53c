package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"signalrouter/internal/dispatcher"
	"signalrouter/internal/pricecache"
	"signalrouter/internal/queue/memqueue"
	"signalrouter/internal/registry"
	"signalrouter/internal/sizer"
	"signalrouter/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStrategy(t *testing.T, s *store.Store, marketType store.MarketType) store.Strategy {
	t.Helper()
	ctx := context.Background()
	exec := func(q string, args ...any) {
		if _, err := s.DB().ExecContext(ctx, q, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	exec(`INSERT INTO users (id) VALUES ('u1')`)
	exec(`INSERT INTO strategies (id, user_id, group_name, market_type, webhook_token) VALUES ('strat1', 'u1', 'momentum', ?, 'tok123')`, marketType)
	exec(`INSERT INTO accounts (id, user_id, exchange, name, public_key, secret_key_enc) VALUES ('acct0', 'u1', 'BINANCE_SPOT', 'main', 'pub', 'enc')`)
	exec(`INSERT INTO strategy_accounts (id, strategy_id, account_id, weight, leverage) VALUES ('sa0', 'strat1', 'acct0', '1.0', '1')`)
	exec(`INSERT INTO strategy_capital (strategy_account_id, allocated_capital, current_pnl) VALUES ('sa0', '1000', '0')`)
	strat, err := s.GetStrategyByGroupName(ctx, "momentum")
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	return strat
}

type fakeGateway struct{}

func (fakeGateway) CreateOrder(ctx context.Context, req dispatcher.OrderRequest) (dispatcher.OrderAck, error) {
	return dispatcher.OrderAck{ExchangeOrderID: "EX-1", Status: store.StatusNew, FilledQty: decimal.Zero}, nil
}

func (fakeGateway) CancelAll(ctx context.Context, symbol string, side *string) error { return nil }

func (fakeGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]dispatcher.OpenOrderView, error) {
	return nil, nil
}

type fakeProvider struct{}

func (fakeProvider) GatewayFor(ctx context.Context, account store.Account) (dispatcher.Gateway, error) {
	return fakeGateway{}, nil
}

func newTestServer(t *testing.T, marketType store.MarketType) (*Server, store.Strategy) {
	t.Helper()
	s := newTestStore(t)
	strat := seedStrategy(t, s, marketType)

	reg := registry.New()
	reg.Seed(registry.Instrument{
		Exchange:    "BINANCE_SPOT",
		Symbol:      "BTC/USDT",
		TickSize:    decimal.NewFromFloat(0.01),
		StepSize:    decimal.NewFromFloat(0.0001),
		MinQty:      decimal.NewFromFloat(0.0001),
		MinNotional: decimal.NewFromFloat(10),
	})
	prices := pricecache.New()
	prices.Set(pricecache.Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromInt(50000))
	sz := sizer.New(reg, prices, nil)
	slow := memqueue.New(16)
	t.Cleanup(func() { slow.Close() })
	disp := dispatcher.New(s, sz, reg, fakeProvider{}, slow, dispatcher.Config{Fanout: 4})

	return NewServer(s, disp, reg), strat
}

func post(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestMarketOrderDispatchesSynchronouslyWith200(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLimitOrderAccepted202(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"LIMIT","qty_per":10,"price":"49000"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWrongTokenRejected401(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"WRONG","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUnknownGroupNameRejected401(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"nope","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMissingPriceOnLimitRejected400(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"LIMIT","qty_per":10}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCryptoSymbolWithoutSlashRejected400(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":10}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMalformedJSONRejected400(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBatchPayloadInheritsTopLevelSymbolAndDispatches(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	rec := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","orders":[
		{"side":"buy","order_type":"MARKET","qty_per":10}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookAttemptIsAuditLogged(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	post(t, srv, `{"group_name":"momentum","token":"WRONG","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10}`)

	var count int
	if err := srv.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM webhook_log`).Scan(&count); err != nil {
		t.Fatalf("query webhook_log: %v", err)
	}
	if count == 0 {
		t.Error("expected a WebhookLog row even for a rejected attempt")
	}
}

type memDedup struct{ seen map[string]bool }

func (d *memDedup) CheckAndSet(ctx context.Context, key string) (bool, error) {
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func TestDuplicateIdempotencyKeyRejected409(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	srv.SetDedup(&memDedup{seen: make(map[string]bool)})

	body := `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10,"idempotency_key":"abc-1"}`
	first := post(t, srv, body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first attempt to succeed with 200, got %d: %s", first.Code, first.Body.String())
	}

	second := post(t, srv, body)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected replay to be rejected with 409, got %d: %s", second.Code, second.Body.String())
	}
}

func TestDistinctIdempotencyKeysBothDispatch(t *testing.T) {
	srv, _ := newTestServer(t, store.MarketSpot)
	srv.SetDedup(&memDedup{seen: make(map[string]bool)})

	first := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10,"idempotency_key":"key-a"}`)
	second := post(t, srv, `{"group_name":"momentum","token":"tok123","symbol":"BTC/USDT","side":"buy","order_type":"MARKET","qty_per":10,"idempotency_key":"key-b"}`)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected both distinct keys to dispatch, got %d and %d", first.Code, second.Code)
	}
}
