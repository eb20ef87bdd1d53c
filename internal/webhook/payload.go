package webhook

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signalrouter/internal/dispatcher"
)

// wireSubOrder mirrors one JSON sub-order, whether it appears inline at
// the top level (single-order mode) or inside `orders` (batch mode).
type wireSubOrder struct {
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	OrderType string           `json:"order_type"`
	QtyPer    *decimal.Decimal `json:"qty_per"`
	Price     *decimal.Decimal `json:"price"`
	StopPrice *decimal.Decimal `json:"stop_price"`
}

// wirePayload is the full `POST /webhook` JSON body from spec.md §4.8.
type wirePayload struct {
	GroupName string         `json:"group_name" binding:"required"`
	Token     string         `json:"token" binding:"required"`
	wireSubOrder
	Orders []wireSubOrder `json:"orders"`

	// IdempotencyKey is optional. When set, the handler refuses to
	// dispatch the same key twice within the dedup TTL (see dedup.go),
	// answering 409 on a replay instead of re-executing the order.
	IdempotencyKey string `json:"idempotency_key"`
}

// validate enforces spec.md §6's per-order-type required-field table,
// run after the handler's own presence check on group_name and token (the
// body is decoded with encoding/json, so the `binding` tags are not
// evaluated). Returns the first violation found.
func (w wirePayload) validate() error {
	if len(w.Orders) > 0 {
		for i, o := range w.Orders {
			symbol := o.Symbol
			if symbol == "" {
				symbol = w.Symbol
			}
			if symbol == "" {
				return fmt.Errorf("orders[%d]: symbol required (inherit from top level or set per-order)", i)
			}
			if err := validateSubOrder(symbol, o); err != nil {
				return fmt.Errorf("orders[%d]: %w", i, err)
			}
		}
		return nil
	}
	if w.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	return validateSubOrder(w.Symbol, w.wireSubOrder)
}

func validateSubOrder(symbol string, o wireSubOrder) error {
	switch o.OrderType {
	case "MARKET", "":
		// qty_per required below regardless of type.
	case "LIMIT":
		if o.Price == nil {
			return fmt.Errorf("symbol %s: LIMIT requires price", symbol)
		}
	case "STOP_MARKET":
		if o.StopPrice == nil {
			return fmt.Errorf("symbol %s: STOP_MARKET requires stop_price", symbol)
		}
	case "STOP_LIMIT":
		if o.Price == nil || o.StopPrice == nil {
			return fmt.Errorf("symbol %s: STOP_LIMIT requires price and stop_price", symbol)
		}
	case "CANCEL_ALL_ORDER":
		return nil // side optional, qty_per irrelevant
	default:
		return fmt.Errorf("symbol %s: unknown order_type %q", symbol, o.OrderType)
	}
	if o.OrderType != "CANCEL_ALL_ORDER" {
		if o.Side != "buy" && o.Side != "sell" {
			return fmt.Errorf("symbol %s: side must be \"buy\" or \"sell\"", symbol)
		}
		if o.QtyPer == nil {
			return fmt.Errorf("symbol %s: qty_per required", symbol)
		}
	}
	return nil
}

// toPayload converts the validated wire body into the dispatcher's
// internal Payload shape.
func (w wirePayload) toPayload() dispatcher.Payload {
	p := dispatcher.Payload{
		GroupName: w.GroupName,
		Token:     w.Token,
		SubOrder:  w.wireSubOrder.toSubOrder(),
	}
	if len(w.Orders) > 0 {
		p.SubOrders = make([]dispatcher.SubOrder, len(w.Orders))
		for i, o := range w.Orders {
			p.SubOrders[i] = o.toSubOrder()
		}
	}
	return p
}

func (o wireSubOrder) toSubOrder() dispatcher.SubOrder {
	qtyPer := decimal.Zero
	if o.QtyPer != nil {
		qtyPer = *o.QtyPer
	}
	side := o.Side
	switch side {
	case "buy":
		side = "BUY"
	case "sell":
		side = "SELL"
	}
	orderType := o.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}
	return dispatcher.SubOrder{
		Symbol:    o.Symbol,
		Side:      side,
		OrderType: orderType,
		QtyPer:    qtyPer,
		Price:     o.Price,
		StopPrice: o.StopPrice,
	}
}
