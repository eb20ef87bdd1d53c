package shared

import (
	"testing"

	"signalrouter/pkg/exchange/common"
)

func TestToBybitSide(t *testing.T) {
	if toBybitSide(common.SideBuy) != "Buy" {
		t.Error("expected BUY to map to Buy")
	}
	if toBybitSide(common.SideSell) != "Sell" {
		t.Error("expected SELL to map to Sell")
	}
}

func TestToBybitOrderType(t *testing.T) {
	if toBybitOrderType(common.OrderTypeMarket) != "Market" {
		t.Error("expected MARKET to map to Market")
	}
	if toBybitOrderType(common.OrderTypeLimit) != "Limit" {
		t.Error("expected LIMIT to map to Limit")
	}
}

func TestRetCodeErrMapsThrottling(t *testing.T) {
	err := retCodeErr(common.VariantBybitSpot, 10006, "rate limit exceeded")
	if common.KindOf(err) != common.KindThrottled {
		t.Errorf("expected KindThrottled for retCode 10006, got %v", common.KindOf(err))
	}
}

func TestRetCodeErrSuccess(t *testing.T) {
	if err := retCodeErr(common.VariantBybitSpot, 0, "OK"); err != nil {
		t.Errorf("retCode 0 should not produce an error, got %v", err)
	}
}
