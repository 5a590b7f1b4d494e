package domain

import "time"

// OrderStatus represents the lifecycle of a resting order on the exchange.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderLive     OrderStatus = "live"
	OrderPartial  OrderStatus = "partially_filled"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
)

// Terminal reports whether no further fills can arrive for the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

// LiveOrder mirrors one of our orders resting on the exchange.
type LiveOrder struct {
	ID          string // client order ID (UUID, local tracking)
	ExchangeID  string // exchange order ID
	MatchID     string
	Ticker      string
	Side        Side
	Price       int
	Count       int
	FilledCount int
	Status      OrderStatus
	PlacedAt    time.Time
	UpdatedAt   time.Time
}

// Remaining returns the unfilled contracts.
func (o LiveOrder) Remaining() int {
	if r := o.Count - o.FilledCount; r > 0 {
		return r
	}
	return 0
}

// Fill is an execution reported by the exchange.
type Fill struct {
	TradeID string
	OrderID string // exchange order ID
	Ticker  string
	Price   int
	Count   int
	Time    time.Time
}

// JournalFill is a fill as stored in the journal, with its match and side.
type JournalFill struct {
	MatchID string
	Side    Side
	Fill
}

// PlaceOrderRequest is a limit buy of YES contracts.
type PlaceOrderRequest struct {
	ClientOrderID string
	Ticker        string
	Price         int
	Count         int
	Expiration    time.Time // zero = good till canceled
}

// PlacedOrder is the exchange acknowledgment of a placement.
type PlacedOrder struct {
	OrderID string
	Status  OrderStatus
}

// OrderReport is the exchange view of one order, used by fill polling.
type OrderReport struct {
	OrderID        string
	Status         OrderStatus
	FillCount      int
	RemainingCount int
}

// IntentAction is what the quote engine wants done on one side.
type IntentAction string

const (
	IntentPlace   IntentAction = "place"
	IntentReprice IntentAction = "reprice"
	IntentCancel  IntentAction = "cancel"
)

// OrderIntent is produced each evaluation and consumed by the reconciler.
type OrderIntent struct {
	MatchID string
	Ticker  string
	Side    Side
	Action  IntentAction
	Price   int
	Count   int
}
