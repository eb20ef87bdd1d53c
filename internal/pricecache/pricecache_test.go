package pricecache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New()
	k := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}
	c.Set(k, decimal.NewFromFloat(65000.5))

	price, ok := c.Get(k)
	if !ok {
		t.Fatal("expected a hit")
	}
	if !price.Equal(decimal.NewFromFloat(65000.5)) {
		t.Errorf("got %s, want 65000.5", price)
	}
}

func TestDistinctExchangesDoNotCollide(t *testing.T) {
	c := New()
	binance := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}
	bybit := Key{Exchange: "BYBIT_LINEAR", Market: "LINEAR", Symbol: "BTC/USDT"}

	c.Set(binance, decimal.NewFromFloat(65000))
	c.Set(bybit, decimal.NewFromFloat(65010))

	bPrice, _ := c.Get(binance)
	yPrice, _ := c.Get(bybit)
	if bPrice.Equal(yPrice) {
		t.Error("expected distinct prices per exchange, keys collided")
	}
}

func TestGetFreshRejectsStaleEntry(t *testing.T) {
	c := NewWithStaleAfter(10 * time.Millisecond)
	k := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "ETH/USDT"}
	c.Set(k, decimal.NewFromFloat(3000))

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.GetFresh(k); ok {
		t.Error("expected stale entry to be rejected by GetFresh")
	}
	// Raw Get should still see it -- staleness only gates GetFresh.
	if _, ok := c.Get(k); !ok {
		t.Error("expected Get to still return the stale entry")
	}
}

func TestGetFreshAcceptsRecentEntry(t *testing.T) {
	c := NewWithStaleAfter(time.Minute)
	k := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "ETH/USDT"}
	c.Set(k, decimal.NewFromFloat(3000))

	price, ok := c.GetFresh(k)
	if !ok {
		t.Fatal("expected fresh entry to be accepted")
	}
	if !price.Equal(decimal.NewFromFloat(3000)) {
		t.Errorf("got %s, want 3000", price)
	}
}

func TestGetFreshMissOnUnknownKey(t *testing.T) {
	c := New()
	_, ok := c.GetFresh(Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "DOGE/USDT"})
	if ok {
		t.Error("expected miss on unseeded key")
	}
}

func TestCleanupEvictsOldEntries(t *testing.T) {
	c := New()
	k1 := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}
	k2 := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "ETH/USDT"}
	c.Set(k1, decimal.NewFromFloat(1))
	c.Set(k2, decimal.NewFromFloat(2))

	removed := c.Cleanup(time.Hour)
	if removed != 0 {
		t.Errorf("expected nothing evicted yet, got %d", removed)
	}

	removed = c.Cleanup(-time.Second)
	if removed != 2 {
		t.Errorf("expected both entries evicted, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after cleanup, got len %d", c.Len())
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	c := New()
	c.Set(Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}, decimal.NewFromFloat(1))
	c.Set(Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "ETH/USDT"}, decimal.NewFromFloat(2))

	st := c.Stats()
	if st.TotalItems != 2 {
		t.Errorf("expected 2 total items, got %d", st.TotalItems)
	}
}

func TestDelete(t *testing.T) {
	c := New()
	k := Key{Exchange: "BINANCE_SPOT", Market: "SPOT", Symbol: "BTC/USDT"}
	c.Set(k, decimal.NewFromFloat(1))
	c.Delete(k)
	if _, ok := c.Get(k); ok {
		t.Error("expected entry to be gone after Delete")
	}
}
