package spot

import (
	"testing"

	"signalrouter/pkg/exchange/common"
)

func TestSignIsDeterministic(t *testing.T) {
	a := sign("symbol=BTCUSDT&side=BUY", "secret123")
	b := sign("symbol=BTCUSDT&side=BUY", "secret123")
	if a != b {
		t.Error("sign should be deterministic for identical input")
	}
	c := sign("symbol=BTCUSDT&side=SELL", "secret123")
	if a == c {
		t.Error("sign should differ when the signed payload changes")
	}
}

func TestToBinanceOrderType(t *testing.T) {
	cases := []struct {
		in   common.OrderType
		want string
	}{
		{common.OrderTypeMarket, "MARKET"},
		{common.OrderTypeLimit, "LIMIT"},
		{common.OrderTypeStopMarket, "STOP_LOSS"},
		{common.OrderTypeStopLimit, "STOP_LOSS_LIMIT"},
	}
	for _, tc := range cases {
		if got := toBinanceOrderType(tc.in); got != tc.want {
			t.Errorf("toBinanceOrderType(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCapabilitiesReflectSpotConstraints(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", Testnet: true})
	caps := c.Capabilities()
	if caps.SupportsFutures {
		t.Error("spot variant must not advertise futures support")
	}
	if caps.SupportsLeverage {
		t.Error("spot variant must not advertise leverage support")
	}
	if caps.SupportsNativeBatch {
		t.Error("spot variant has no native batch endpoint")
	}
}

func TestSetLeverageRejected(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", Testnet: true})
	err := c.SetLeverage(nil, "BTC/USDT", 10)
	if err == nil {
		t.Fatal("expected SetLeverage to fail on a spot adapter")
	}
	if common.KindOf(err) != common.KindRejected {
		t.Errorf("expected KindRejected, got %v", common.KindOf(err))
	}
}
