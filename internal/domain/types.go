// Package domain defines the core entities of the DCA trading engine:
// Asset configuration, Cycle state, and the broker-provided event shapes
// that drive transitions between them.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the finite set of states a Cycle can occupy.
type CycleStatus string

const (
	StatusWatching CycleStatus = "watching"
	StatusBuying   CycleStatus = "buying"
	StatusSelling  CycleStatus = "selling"
	StatusTrailing CycleStatus = "trailing"
	StatusComplete CycleStatus = "complete"
	StatusError    CycleStatus = "error"
)

// IsTerminal reports whether the status is one a Cycle never leaves.
func (s CycleStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// OrderSide identifies the direction of an order or fill.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType mirrors the broker's order type enum.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TradeEventKind is the fixed set of lifecycle events the broker emits
// for an order. Defining this as a closed tagged variant (rather than
// the duck-typed event objects a dynamic runtime would use) is the
// re-architecture spec.md §9 calls for.
type TradeEventKind string

const (
	EventNew         TradeEventKind = "new"
	EventPartialFill TradeEventKind = "partial_fill"
	EventFill        TradeEventKind = "fill"
	EventCanceled    TradeEventKind = "canceled"
	EventRejected    TradeEventKind = "rejected"
	EventExpired     TradeEventKind = "expired"
)

// Asset is the per-symbol DCA configuration. It is immutable for the
// duration of a trading session except for LastSellPrice, which the
// sell-fill handler updates whenever a sell completes a cycle.
type Asset struct {
	ID      int64
	Symbol  string
	Enabled bool

	BaseOrderAmount             decimal.Decimal
	SafetyOrderAmount           decimal.Decimal
	MaxSafetyOrders             int
	SafetyOrderDeviationPercent decimal.Decimal
	TakeProfitPercent           decimal.Decimal
	TTPEnabled                  bool
	TTPDeviationPercent         decimal.Decimal
	CooldownPeriodSeconds       int64
	BuyOrderPriceDeviationPct   decimal.Decimal

	LastSellPrice decimal.Decimal
}

// Cycle is the mutable state machine instance tracking one DCA cycle
// (base buy through optional safety buys to a take-profit sell) for one
// Asset. At most one non-terminal Cycle exists per enabled Asset.
type Cycle struct {
	ID       int64
	AssetID  int64
	Status   CycleStatus

	Quantity             decimal.Decimal
	AveragePurchasePrice decimal.Decimal
	SafetyOrders         int

	LatestOrderID        *string
	LatestOrderCreatedAt *time.Time

	LastOrderFillPrice  *decimal.Decimal
	HighestTrailingPrice *decimal.Decimal

	SellPrice   *decimal.Decimal
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MarketSnapshot is the quote data the Decider reasons about.
type MarketSnapshot struct {
	Symbol         string
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	LastTradePrice decimal.Decimal
	Now            time.Time
}

// Order is a broker-reported order/trade snapshot, the value type
// carried on every TradeEvent.
type Order struct {
	OrderID        string
	ClientOrderID  string
	Side           OrderSide
	Type           OrderType
	Symbol         string
	Quantity       decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	LimitPrice     *decimal.Decimal
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TradeEvent is a broker-delivered order lifecycle notification.
type TradeEvent struct {
	Kind  TradeEventKind
	Order Order
}

// Quote is the broker-delivered streaming price tick for a symbol.
type Quote struct {
	Symbol    string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// Position is the broker-reported holding for a symbol.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
}
