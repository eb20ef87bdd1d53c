// Package store implements the durable order/position/capital bookkeeping
// described in spec.md §3-4.4: accounts, strategies, subscriptions, open
// orders, trades, failed orders, and the cancel queue, all backed by a
// single SQLite file (grounded on the teacher's pkg/db).
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType mirrors exchange.MarketType at the persistence boundary.
type MarketType string

const (
	MarketSpot       MarketType = "SPOT"
	MarketFutures    MarketType = "FUTURES"
	MarketSecurities MarketType = "SECURITIES"
)

// OrderStatus is the OpenOrder lifecycle state from spec.md §4.4.
type OrderStatus string

const (
	StatusPending          OrderStatus = "PENDING"
	StatusNew              OrderStatus = "NEW"
	StatusOpen             OrderStatus = "OPEN"
	StatusPartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled           OrderStatus = "FILLED"
	StatusCancelled        OrderStatus = "CANCELLED"
	StatusFailed           OrderStatus = "FAILED"
)

// OrderType and Side mirror pkg/exchange/common but are redeclared here so
// store has no import-time dependency on the exchange package.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopMarket    OrderType = "STOP_MARKET"
	OrderTypeStopLimit     OrderType = "STOP_LIMIT"
	OrderTypeCancelAll     OrderType = "CANCEL_ALL_ORDER"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OperationType distinguishes a FailedOrder's originating call.
type OperationType string

const (
	OpCreate OperationType = "CREATE"
	OpCancel OperationType = "CANCEL"
)

// CancelStatus is the CancelQueue row lifecycle.
type CancelStatus string

const (
	CancelPending    CancelStatus = "PENDING"
	CancelProcessing CancelStatus = "PROCESSING"
	CancelSuccess    CancelStatus = "SUCCESS"
	CancelFailed     CancelStatus = "FAILED"
)

// User is identity-only at the core; credentials live outside this module.
type User struct {
	ID        string
	CreatedAt time.Time
}

// Account is an exchange credential set, encrypted at rest via pkg/crypto.
type Account struct {
	ID                string
	UserID            string
	Exchange          string
	Name              string
	PublicKey         string
	SecretKeyEnc      string
	PassphraseEnc     string
	IsActive          bool
	IsTestnet         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Strategy is the external identifier a webhook payload names.
type Strategy struct {
	ID           string
	UserID       string
	GroupName    string
	MarketType   MarketType
	WebhookToken string
	IsActive     bool
	IsPublic     bool
	CreatedAt    time.Time
}

// StrategyAccount is the subscription edge between a Strategy and an Account.
type StrategyAccount struct {
	ID         string
	StrategyID string
	AccountID  string
	Weight     decimal.Decimal
	Leverage   decimal.Decimal
	MaxSymbols int
	CreatedAt  time.Time
}

// StrategyCapital tracks allocated capital and running PnL per subscription.
type StrategyCapital struct {
	StrategyAccountID string
	AllocatedCapital   decimal.Decimal
	CurrentPnL         decimal.Decimal
	LastUpdated        time.Time
}

// StrategyPosition is the signed running position for (subscription, symbol).
type StrategyPosition struct {
	StrategyAccountID string
	Symbol             string
	Quantity           decimal.Decimal
	EntryPrice         decimal.Decimal
	LastUpdated        time.Time
}

// OpenOrder is the router's view of a single exchange order.
type OpenOrder struct {
	ID                 string
	StrategyAccountID  string
	ExchangeOrderID    string
	Symbol             string
	Side               Side
	OrderType          OrderType
	Price              *decimal.Decimal
	StopPrice          *decimal.Decimal
	Quantity           decimal.Decimal
	FilledQuantity     decimal.Decimal
	Status             OrderStatus
	MarketType         MarketType
	ErrorMessage       string
	CreatedAt          time.Time
}

// PendingSentinel returns the `PENDING:<uuid>` sentinel value used as
// ExchangeOrderID before the real exchange call completes.
func PendingSentinel(uuid string) string {
	return "PENDING:" + uuid
}

// Trade is one fill event, deduplicated against WS/poller races.
type Trade struct {
	ID                 string
	StrategyAccountID  string
	ExchangeOrderID    string
	Symbol             string
	Side               Side
	OrderType          OrderType
	OrderPrice         *decimal.Decimal
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	Timestamp          time.Time
	PnL                *decimal.Decimal
	Fee                *decimal.Decimal
	IsEntry            bool
	MarketType         MarketType
}

// FailedOrder is a retryable CREATE or CANCEL failure, bounded by retry_count.
type FailedOrder struct {
	ID                 string
	StrategyAccountID  string
	Symbol             string
	Side               Side
	OrderType          OrderType
	Quantity           decimal.Decimal
	Price              *decimal.Decimal
	StopPrice          *decimal.Decimal
	Reason             string
	ExchangeError      string
	OperationType      OperationType
	OriginalOrderID    string
	RetryCount         int
	CreatedAt          time.Time
}

// MaxRetryCount is the FailedOrder retry bound from spec.md §3. No store
// operation reads it; FailedOrder rows are not retried automatically.
const MaxRetryCount = 5

// CancelQueue is one logical cancel request per OpenOrder, drained by C7.
type CancelQueue struct {
	ID         int64
	OrderID    string
	StrategyID string
	AccountID  string
	RetryCount int
	Status     CancelStatus
	CreatedAt  time.Time
}

// WebhookLog is an append-only ingress audit row.
type WebhookLog struct {
	ID         int64
	ReceivedAt time.Time
	Payload    string
	Status     string
	Message    string
}

// AllowedTransitions is the explicit state-machine table enforced by
// UpsertFromFeed: a transition not listed here is rejected silently, per
// spec.md §4.4 ("Backward transitions are rejected silently"). This is a
// deliberate tightening over the teacher's code, which has no equivalent
// state machine to protect -- the teacher mutates status fields directly
// wherever convenient.
var AllowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusNew, StatusOpen, StatusFilled, StatusCancelled, StatusFailed},
	StatusNew:             {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed},
	StatusFilled:          {},
	StatusCancelled:       {},
	StatusFailed:          {},
}

// CanTransition reports whether from -> to is a legal state-machine edge.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		// Re-delivery of the same status (e.g. duplicate PARTIALLY_FILLED
		// event) is idempotent, not a transition.
		return to == StatusPartiallyFilled
	}
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is one of FILLED/CANCELLED/FAILED.
func IsTerminal(s OrderStatus) bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}
