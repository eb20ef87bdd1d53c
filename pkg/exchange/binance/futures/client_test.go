package futures

import (
	"testing"

	"github.com/shopspring/decimal"

	"signalrouter/pkg/exchange/common"
)

func TestCapabilitiesReflectFuturesSupport(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s", Testnet: true})
	caps := c.Capabilities()
	if !caps.SupportsFutures || !caps.SupportsLeverage {
		t.Error("futures variant must advertise futures and leverage support")
	}
	if !caps.SupportsNativeBatch || caps.MaxBatchSize != 5 {
		t.Errorf("futures variant should advertise native batch of 5, got %+v", caps)
	}
}

func TestBuildOrderParamsLimitSetsPriceAndTIF(t *testing.T) {
	req := common.OrderRequest{
		Side: common.SideBuy, Type: common.OrderTypeLimit,
		Qty: decimal.NewFromFloat(1.5), Price: decimal.NewFromFloat(100),
	}
	p := buildOrderParams("BTCUSDT", req)
	if p.Get("price") != "100" || p.Get("timeInForce") != "GTC" {
		t.Errorf("expected default GTC limit params, got %v", p)
	}
}

func TestBuildOrderParamsMarketOmitsPrice(t *testing.T) {
	req := common.OrderRequest{Side: common.SideSell, Type: common.OrderTypeMarket, Qty: decimal.NewFromFloat(1)}
	p := buildOrderParams("ETHUSDT", req)
	if p.Get("price") != "" {
		t.Errorf("market order should not set price, got %q", p.Get("price"))
	}
}
