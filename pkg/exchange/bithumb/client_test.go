package bithumb

import (
	"testing"

	"signalrouter/pkg/exchange/common"
)

func TestToBithumbSideRoundTrip(t *testing.T) {
	if toBithumbSide(common.SideBuy) != "bid" {
		t.Error("BUY should map to bid")
	}
	if toBithumbCommonSide("ask") != common.SideSell {
		t.Error("ask should map back to SELL")
	}
}

func TestStatusErrSuccess(t *testing.T) {
	if err := statusErr(common.VariantBithumb, "0000", "Success"); err != nil {
		t.Errorf("status 0000 should not be an error, got %v", err)
	}
}

func TestStatusErrThrottled(t *testing.T) {
	err := statusErr(common.VariantBithumb, "8300", "exceeded request limit")
	if common.KindOf(err) != common.KindThrottled {
		t.Errorf("status 8300 should map to KindThrottled, got %v", common.KindOf(err))
	}
}

func TestNextNonceIsMonotonic(t *testing.T) {
	c := New(Config{ConnectionKey: "k", SecretKey: "s"})
	a := c.nextNonce()
	b := c.nextNonce()
	if a == b {
		t.Error("consecutive nonces must differ")
	}
}

func TestCapabilitiesChunkSize(t *testing.T) {
	c := New(Config{ConnectionKey: "k", SecretKey: "s"})
	if c.Capabilities().MaxSymbolsPerBulk != 100 {
		t.Errorf("expected MaxSymbolsPerBulk=100, got %d", c.Capabilities().MaxSymbolsPerBulk)
	}
}
