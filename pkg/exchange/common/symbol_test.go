package common

import "testing"

func TestEncodeSymbol(t *testing.T) {
	cases := []struct {
		variant Variant
		in      string
		want    string
	}{
		{VariantBinanceSpot, "BTC/USDT", "BTCUSDT"},
		{VariantBybitLinear, "ETH/USDT", "ETHUSDT"},
		{VariantUpbit, "BTC/KRW", "KRW-BTC"},
		{VariantBithumb, "ETH/KRW", "ETH_KRW"},
	}
	for _, tc := range cases {
		got, err := EncodeSymbol(tc.variant, tc.in)
		if err != nil {
			t.Fatalf("EncodeSymbol(%s, %s): %v", tc.variant, tc.in, err)
		}
		if got != tc.want {
			t.Errorf("EncodeSymbol(%s, %s) = %q, want %q", tc.variant, tc.in, got, tc.want)
		}
	}
}

func TestEncodeSymbolRejectsMissingSeparator(t *testing.T) {
	if _, err := EncodeSymbol(VariantBinanceSpot, "BTCUSDT"); err == nil {
		t.Fatal("expected error for symbol without BASE/QUOTE separator")
	}
}

func TestDecodeSymbolRoundTrip(t *testing.T) {
	cases := []struct {
		variant Variant
		wire    string
		want    string
	}{
		{VariantBinanceSpot, "BTCUSDT", "BTC/USDT"},
		{VariantBinanceSpot, "ETHBUSD", "ETH/BUSD"},
		{VariantUpbit, "KRW-BTC", "BTC/KRW"},
		{VariantBithumb, "ETH_KRW", "ETH/KRW"},
	}
	for _, tc := range cases {
		got, err := DecodeSymbol(tc.variant, tc.wire, DefaultQuoteCandidates)
		if err != nil {
			t.Fatalf("DecodeSymbol(%s, %s): %v", tc.variant, tc.wire, err)
		}
		if got != tc.want {
			t.Errorf("DecodeSymbol(%s, %s) = %q, want %q", tc.variant, tc.wire, got, tc.want)
		}
	}
}

func TestDecodeSymbolPrefersLongestQuoteMatch(t *testing.T) {
	// "BUSD" must win over "USD" for a symbol ending in BUSD.
	got, err := DecodeSymbol(VariantBinanceSpot, "ETHBUSD", DefaultQuoteCandidates)
	if err != nil {
		t.Fatalf("DecodeSymbol: %v", err)
	}
	if got != "ETH/BUSD" {
		t.Errorf("got %q, want ETH/BUSD (longest quote candidate should win)", got)
	}
}

func TestSymbolOK(t *testing.T) {
	if !SymbolOK(MarketSpot, "BTC/USDT", true) {
		t.Error("expected BTC/USDT to pass the crypto syntactic check")
	}
	if SymbolOK(MarketSpot, "BTCUSDT", true) {
		t.Error("expected BTCUSDT (no slash) to fail the crypto check")
	}
	if !SymbolOK(MarketSpot, "AAPL", false) {
		t.Error("expected AAPL to pass the generic securities check")
	}
	if SymbolOK(MarketSpot, "", true) {
		t.Error("expected empty symbol to fail")
	}
}
