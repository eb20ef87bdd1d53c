// Package common holds the types shared by every exchange adapter variant:
// order domain enums, the Gateway interface, rate limiting, and the status/
// symbol normalization tables named by the router's contract.
package common

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Variant identifies one of the six supported exchange/market combinations.
type Variant string

const (
	VariantBinanceSpot    Variant = "binance-spot"
	VariantBinanceFutures Variant = "binance-futures"
	VariantBybitSpot      Variant = "bybit-spot"
	VariantBybitLinear    Variant = "bybit-linear"
	VariantUpbit          Variant = "upbit"
	VariantBithumb        Variant = "bithumb"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType mirrors the router's external order_type vocabulary.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopMarket    OrderType = "STOP_MARKET"
	OrderTypeStopLimit     OrderType = "STOP_LIMIT"
	OrderTypeCancelAllByID OrderType = "CANCEL_ALL_ORDER"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
)

// StandardOrderStatus is the normalized status vocabulary every adapter
// maps its raw exchange status into. See the status normalization table
// in the spec: each variant's raw values funnel into this small set.
type StandardOrderStatus string

const (
	StatusNew             StandardOrderStatus = "NEW"
	StatusOpen            StandardOrderStatus = "OPEN"
	StatusPartiallyFilled StandardOrderStatus = "PARTIALLY_FILLED"
	StatusFilled          StandardOrderStatus = "FILLED"
	StatusCancelled       StandardOrderStatus = "CANCELLED"
	StatusFailed          StandardOrderStatus = "FAILED"
)

// OrderRequest is a venue-agnostic order intent.
type OrderRequest struct {
	Symbol      string // canonical BASE/QUOTE or passthrough securities symbol
	Side        Side
	Type        OrderType
	Market      MarketType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT/STOP_LIMIT
	StopPrice   decimal.Decimal // required for STOP_MARKET/STOP_LIMIT
	TimeInForce TimeInForce
	ClientID    string // idempotency hint; PENDING sentinel id when available
	ReduceOnly  bool
	Leverage    int
}

// OrderResult is the venue's ack for a submitted order.
type OrderResult struct {
	ExchangeOrderID string
	Status          StandardOrderStatus
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
}

// BatchResult is the outcome of a create_batch_orders call.
type BatchResult struct {
	Success bool
	Results []OrderResult
	Errors  []error
}

// Balance is a single asset/currency balance.
type Balance struct {
	Asset string
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// Quote is a single last-trade price observation, used to both answer
// fetch_price calls directly and to warm the Price Cache (C3).
type Quote struct {
	Exchange  Variant
	Market    MarketType
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// OpenOrderView is the adapter's view of a still-open order, as returned
// by fetch_open_orders / fetch_order, used by the L2 REST poller.
type OpenOrderView struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Status          StandardOrderStatus
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
}

// FillEvent is a single execution report, delivered by either the private
// WS feed (L1) or the REST poller (L2) into upsert_from_feed.
type FillEvent struct {
	ExchangeOrderID string
	TradeID         string // exchange-assigned fill id, used for Trade UNIQUE
	Symbol          string
	Side            Side
	Qty             decimal.Decimal // incremental fill qty, not cumulative
	Price           decimal.Decimal
	Status          StandardOrderStatus
	Timestamp       time.Time
}

// AccountContext carries the credentials a private WS subscription or a
// signed REST call authenticates with. Opaque to everything above C1.
type AccountContext struct {
	AccountID  string
	PublicKey  string
	SecretKey  string
	Passphrase string
	Testnet    bool
}

// Gateway is the uniform interface every exchange variant implements.
// Capability-set polymorphism: callers query a variant's optional
// capability (SupportsLeverage, SupportsNativeBatch, ...) before calling
// the corresponding optional method; variants that don't support a
// capability simply return Capabilities with that flag false. A variant
// without a native batch endpoint still implements CreateBatchOrders, by
// serializing single CreateOrder calls under its own BatchLock.
type Gateway interface {
	Variant() Variant
	Capabilities() Capabilities

	FetchBalance(ctx context.Context, market MarketType) ([]Balance, error)
	FetchPrice(ctx context.Context, symbol string, market MarketType) (Quote, error)
	FetchPricesBulk(ctx context.Context, symbols []string, market MarketType) ([]Quote, error)

	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CreateBatchOrders(ctx context.Context, reqs []OrderRequest) (BatchResult, error)

	CancelOrder(ctx context.Context, exchangeOrderID, symbol string, market MarketType) error
	CancelAll(ctx context.Context, symbol string, side *Side, market MarketType) error

	FetchOpenOrders(ctx context.Context, symbol string, market MarketType) ([]OpenOrderView, error)
	FetchOrder(ctx context.Context, exchangeOrderID, symbol string, market MarketType) (OpenOrderView, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	WSSubscribePublicPrices(ctx context.Context, symbols []string, cb func(Quote)) error
	WSSubscribePrivateOrders(ctx context.Context, acct AccountContext, cb func(FillEvent)) error

	NormalizeStatus(raw string) StandardOrderStatus
}

// Capabilities describes what a Gateway variant optionally supports.
type Capabilities struct {
	SupportsFutures   bool
	SupportsLeverage  bool
	SupportsNativeBatch bool
	MaxBatchSize      int // 0 means "no native batch"
	OrdersPerSecond   float64
	MaxSymbolsPerBulk int // advertised chunk size for fetch_prices_bulk; no adapter's FetchPricesBulk reads it
}
