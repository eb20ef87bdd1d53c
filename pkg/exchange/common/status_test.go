package common

import "testing"

func TestNormalizeStatusKnownValues(t *testing.T) {
	cases := []struct {
		variant Variant
		raw     string
		want    StandardOrderStatus
	}{
		{VariantBinanceSpot, "NEW", StatusNew},
		{VariantBinanceSpot, "PARTIALLY_FILLED", StatusPartiallyFilled},
		{VariantBinanceSpot, "FILLED", StatusFilled},
		{VariantBinanceSpot, "CANCELED", StatusCancelled},
		{VariantBinanceSpot, "EXPIRED", StatusCancelled},
		{VariantBinanceSpot, "REJECTED", StatusFailed},
		{VariantBybitLinear, "PartiallyFilled", StatusPartiallyFilled},
		{VariantUpbit, "wait", StatusOpen},
		{VariantUpbit, "done", StatusFilled},
		{VariantBithumb, "bid", StatusOpen},
	}
	for _, tc := range cases {
		got := NormalizeStatus(tc.variant, tc.raw)
		if got != tc.want {
			t.Errorf("NormalizeStatus(%s, %s) = %s, want %s", tc.variant, tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeStatusUnknownDefaultsToFailed(t *testing.T) {
	got := NormalizeStatus(VariantBinanceSpot, "SOME_NEW_STATUS_WE_DONT_KNOW")
	if got != StatusFailed {
		t.Errorf("unmapped raw status should default to FAILED, got %s", got)
	}
}

func TestNormalizeStatusUnknownVariant(t *testing.T) {
	got := NormalizeStatus(Variant("not-a-variant"), "NEW")
	if got != StatusFailed {
		t.Errorf("unknown variant should default to FAILED, got %s", got)
	}
}
