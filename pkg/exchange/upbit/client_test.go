package upbit

import (
	"testing"

	"signalrouter/pkg/exchange/common"
)

func TestToUpbitOrdType(t *testing.T) {
	cases := []struct {
		t    common.OrderType
		side common.Side
		want string
	}{
		{common.OrderTypeMarket, common.SideBuy, "price"},
		{common.OrderTypeMarket, common.SideSell, "market"},
		{common.OrderTypeLimit, common.SideBuy, "limit"},
	}
	for _, tc := range cases {
		if got := toUpbitOrdType(tc.t, tc.side); got != tc.want {
			t.Errorf("toUpbitOrdType(%s,%s) = %s, want %s", tc.t, tc.side, got, tc.want)
		}
	}
}

func TestToUpbitSideRoundTrip(t *testing.T) {
	if toUpbitSide(common.SideBuy) != "bid" {
		t.Error("BUY should map to bid")
	}
	if toCommonSide("ask") != common.SideSell {
		t.Error("ask should map back to SELL")
	}
}

func TestCapabilitiesNoLeverageNoBatch(t *testing.T) {
	c := New(Config{AccessKey: "a", SecretKey: "b"})
	caps := c.Capabilities()
	if caps.SupportsLeverage || caps.SupportsNativeBatch || caps.SupportsFutures {
		t.Errorf("upbit spot should advertise no futures/leverage/batch support, got %+v", caps)
	}
}
