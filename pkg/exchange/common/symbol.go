package common

import (
	"fmt"
	"regexp"
	"strings"
)

// cryptoSymbolRe is SymbolOK's BASE/QUOTE pattern. The webhook layer does
// not call SymbolOK: it checks symbols with registry.SymbolOk plus its own
// slash rule for crypto.
var cryptoSymbolRe = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)
var genericSymbolRe = regexp.MustCompile(`^[A-Z0-9._-]{1,30}$`)

// SymbolOK applies the permissive syntactic check from spec §6: crypto
// symbols require the canonical BASE/QUOTE slash form, securities symbols
// only need to match the generic pattern.
func SymbolOK(marketType MarketType, raw string, isCrypto bool) bool {
	if raw == "" {
		return false
	}
	if isCrypto {
		return cryptoSymbolRe.MatchString(raw)
	}
	return genericSymbolRe.MatchString(raw)
}

// EncodeSymbol converts a canonical BASE/QUOTE symbol into the wire form
// a given variant's REST/WS API expects.
func EncodeSymbol(v Variant, canonical string) (string, error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("encode symbol: %q is not BASE/QUOTE", canonical)
	}
	base, quote := parts[0], parts[1]
	switch v {
	case VariantBinanceSpot, VariantBinanceFutures, VariantBybitSpot, VariantBybitLinear:
		return base + quote, nil
	case VariantUpbit:
		return quote + "-" + base, nil
	case VariantBithumb:
		return base + "_" + quote, nil
	default:
		return "", fmt.Errorf("encode symbol: unknown variant %q", v)
	}
}

// DecodeSymbol converts a variant's wire-format symbol back to canonical
// BASE/QUOTE form. quoteCandidates lists known quote currencies to try
// when splitting a concatenated symbol (Binance/Bybit have no separator).
func DecodeSymbol(v Variant, wire string, quoteCandidates []string) (string, error) {
	switch v {
	case VariantBinanceSpot, VariantBinanceFutures, VariantBybitSpot, VariantBybitLinear:
		for _, q := range quoteCandidates {
			if strings.HasSuffix(wire, q) && len(wire) > len(q) {
				return wire[:len(wire)-len(q)] + "/" + q, nil
			}
		}
		return "", fmt.Errorf("decode symbol: no known quote suffix for %q", wire)
	case VariantUpbit:
		parts := strings.SplitN(wire, "-", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("decode symbol: %q is not QUOTE-BASE", wire)
		}
		return parts[1] + "/" + parts[0], nil
	case VariantBithumb:
		parts := strings.SplitN(wire, "_", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("decode symbol: %q is not BASE_QUOTE", wire)
		}
		return parts[0] + "/" + parts[1], nil
	default:
		return "", fmt.Errorf("decode symbol: unknown variant %q", v)
	}
}

// DefaultQuoteCandidates lists quote assets tried longest-first so e.g.
// "BUSD" is preferred over "USD" when both would match.
var DefaultQuoteCandidates = []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB", "KRW", "USD"}
