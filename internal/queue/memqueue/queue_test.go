package memqueue

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"signalrouter/internal/queue"
)

func TestEnqueueDrainRoundTrip(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	o := queue.QueuedOrder{ID: "o1", Symbol: "BTC/USDT", Notional: decimal.NewFromInt(100)}
	if ok := q.Enqueue(ctx, o); !ok {
		t.Fatal("enqueue should succeed on open queue")
	}
	if !q.PendingNotional().Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected pending notional 100, got %s", q.PendingNotional())
	}

	drainCtx, cancel := context.WithCancel(ctx)
	var got queue.QueuedOrder
	done := make(chan struct{})
	go func() {
		q.Drain(drainCtx, func(o queue.QueuedOrder) {
			got = o
			cancel()
			close(done)
		})
	}()
	<-done

	if got.ID != "o1" {
		t.Errorf("expected to drain o1, got %s", got.ID)
	}
	if !q.PendingNotional().IsZero() {
		t.Errorf("expected pending notional 0 after drain, got %s", q.PendingNotional())
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := New(1)
	q.Close()
	if ok := q.Enqueue(context.Background(), queue.QueuedOrder{ID: "o1"}); ok {
		t.Error("enqueue on closed queue should return false")
	}
}

func TestLenReflectsBufferedCount(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	q.Enqueue(ctx, queue.QueuedOrder{ID: "a"})
	q.Enqueue(ctx, queue.QueuedOrder{ID: "b"})
	if q.Len() != 2 {
		t.Errorf("expected len 2, got %d", q.Len())
	}
}
