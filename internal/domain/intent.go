package domain

import "github.com/shopspring/decimal"

// BuyKind distinguishes a cycle's opening buy from a subsequent safety buy.
type BuyKind string

const (
	BuyKindBase   BuyKind = "base"
	BuyKindSafety BuyKind = "safety"
)

// SellKind distinguishes a plain take-profit sell from one that fired
// after a trailing retracement.
type SellKind string

const (
	SellKindTakeProfit SellKind = "take_profit"
	SellKindTrailing   SellKind = "trailing_take_profit"
)

// ActionIntent is the closed set of outcomes a Decider entry point may
// return: PlaceBuy, PlaceSell, EnterTrailing or UpdateTrailingPeak.
// Callers type-switch on the concrete type.
type ActionIntent interface {
	intentKind() string
}

// PlaceBuy requests that the runtime submit a limit buy order.
type PlaceBuy struct {
	Kind          BuyKind
	Symbol        string
	LimitPrice    decimal.Decimal
	QuoteAmount   decimal.Decimal
	ClientOrderID string
}

func (PlaceBuy) intentKind() string { return "place_buy" }

// PlaceSell requests that the runtime submit a market sell order.
type PlaceSell struct {
	Kind          SellKind
	Symbol        string
	Quantity      decimal.Decimal
	OrderType     OrderType
	ClientOrderID string
}

func (PlaceSell) intentKind() string { return "place_sell" }

// EnterTrailing requests the cycle transition watching -> trailing with
// the given peak.
type EnterTrailing struct {
	NewPeak decimal.Decimal
}

func (EnterTrailing) intentKind() string { return "enter_trailing" }

// UpdateTrailingPeak requests the cycle's HighestTrailingPrice be raised.
type UpdateTrailingPeak struct {
	NewPeak decimal.Decimal
}

func (UpdateTrailingPeak) intentKind() string { return "update_trailing_peak" }
