package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"signalrouter/internal/events"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []events.Event
}

func (r *recordingSink) Notify(ctx context.Context, topic events.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, topic)
	return nil
}

func (r *recordingSink) seen() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestSubscriberForwardsTradeExecutedToSink(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	sub := New(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	bus.Publish(events.EventTradeExecuted, TradeExecuted{Symbol: "BTC/USDT"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.seen()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.seen()
	if len(got) != 1 || got[0] != events.EventTradeExecuted {
		t.Fatalf("expected one trade_executed forward, got %v", got)
	}
}

func TestSubscriberForwardsDailyReportToSink(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	sub := New(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Start(ctx)

	bus.Publish(events.EventDailyReport, DailyReport{Date: "2026-07-30"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.seen()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.seen()
	if len(got) != 1 || got[0] != events.EventDailyReport {
		t.Fatalf("expected one daily_report forward, got %v", got)
	}
}

func TestNoopSinkNeverErrors(t *testing.T) {
	if err := (NoopSink{}).Notify(context.Background(), events.EventTradeExecuted, nil); err != nil {
		t.Fatalf("expected nil error from NoopSink, got %v", err)
	}
}

func TestHTTPSinkPostsJSONBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	if err := sink.Notify(context.Background(), events.EventTradeExecuted, TradeExecuted{Symbol: "ETH/USDT"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotBody["topic"] != string(events.EventTradeExecuted) {
		t.Errorf("expected topic trade_executed in posted body, got %v", gotBody["topic"])
	}
}

func TestHTTPSinkReturnsErrorOn4xxWithoutRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	err := sink.Notify(context.Background(), events.EventTradeExecuted, TradeExecuted{})
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
	if hits != 1 {
		t.Errorf("expected exactly one request (no retry on 4xx), got %d", hits)
	}
}
