package dispatcher

import "github.com/shopspring/decimal"

// Payload is the parsed webhook body from spec.md §4.8, after JSON
// unmarshalling but before per-sub-order expansion. SubOrders is nil for
// single-order mode; when present, its entries inherit the top-level
// Symbol when they omit it (no other field is inherited).
type Payload struct {
	GroupName string
	Token     string
	SubOrder
	SubOrders []SubOrder
}

// SubOrder is one order intent within a webhook payload, either the
// top-level payload itself (single mode) or one element of `orders`
// (batch mode).
type SubOrder struct {
	Symbol    string
	Side      string
	OrderType string
	QtyPer    decimal.Decimal
	Price     *decimal.Decimal
	StopPrice *decimal.Decimal
}

// priorityRank orders sub-order execution per spec.md §4.5:
// MARKET > CANCEL_ALL_ORDER > LIMIT > STOP_MARKET ≈ STOP_LIMIT.
func priorityRank(orderType string) int {
	switch orderType {
	case "MARKET":
		return 0
	case "CANCEL_ALL_ORDER":
		return 1
	case "LIMIT":
		return 2
	case "STOP_MARKET", "STOP_LIMIT":
		return 3
	default:
		return 4
	}
}

// Expand returns the ordered sub-order list for this payload: the single
// top-level order if SubOrders is empty, or a priority-sorted copy of
// SubOrders with the top-level Symbol inherited where a sub-order omits
// its own.
func (p Payload) Expand() []SubOrder {
	if len(p.SubOrders) == 0 {
		return []SubOrder{p.SubOrder}
	}

	out := make([]SubOrder, len(p.SubOrders))
	copy(out, p.SubOrders)
	for i := range out {
		if out[i].Symbol == "" {
			out[i].Symbol = p.Symbol
		}
	}
	// Stable sort keeps same-priority entries in their original (batch)
	// order, which matters for e.g. two LIMIT orders on the same symbol.
	stableSortByPriority(out)
	return out
}

func stableSortByPriority(orders []SubOrder) {
	// Simple stable insertion sort: batches are small (a handful of
	// sub-orders), so O(n^2) is irrelevant and avoids pulling in
	// sort.SliceStable's interface-conversion overhead for a tiny slice.
	for i := 1; i < len(orders); i++ {
		j := i
		for j > 0 && priorityRank(orders[j-1].OrderType) > priorityRank(orders[j].OrderType) {
			orders[j-1], orders[j] = orders[j], orders[j-1]
			j--
		}
	}
}

// IsFastPath reports whether orderType runs synchronously with the HTTP
// response (MARKET, CANCEL_ALL_ORDER) vs. being queued to the background
// (LIMIT, STOP_MARKET, STOP_LIMIT), per spec.md §4.5 steps 5-6.
func IsFastPath(orderType string) bool {
	return orderType == "MARKET" || orderType == "CANCEL_ALL_ORDER"
}
