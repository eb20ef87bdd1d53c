package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// EventTradeExecuted and EventDailyReport are the two Notifier-facing
	// topics spec.md §6 names explicitly: every fill event the reconciler
	// feeds into the store without error (a redelivered duplicate
	// included) is republished on this topic for the Notifier (C9)
	// subscriber. Nothing in this module publishes the second topic.
	EventTradeExecuted Event = "trade_executed"
	EventDailyReport   Event = "daily_report"
)
