// Package decider implements the pure strategy-decision functions that
// translate a (market, cycle, asset) snapshot into an ActionIntent.
// Every function here is deterministic and side-effect-free: no I/O, no
// clocks read internally (now is always an explicit parameter), no
// logging. The Live Runtime applies whatever intent is returned.
package decider

import (
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
)

// pct converts a "percent" value (e.g. 1.5 meaning 1.5%) into its
// fractional multiplier form (0.015).
func pct(p decimal.Decimal) decimal.Decimal {
	return p.Div(hundred)
}

// Evaluate runs the three decision families in the fixed order spec.md
// §4.A mandates: Base is only considered when the cycle holds no
// quantity; otherwise Safety is checked before Take-profit/Trailing.
// At most one buy and one sell intent is returned per quote, matching
// the "never more than one buy and one sell action per quote" rule.
func Evaluate(asset domain.Asset, cycle domain.Cycle, market domain.MarketSnapshot, priorTerminal *domain.Cycle) (buy domain.ActionIntent, sell domain.ActionIntent) {
	if cycle.Quantity.IsZero() {
		buy = DecideBaseOrderAction(asset, cycle, market, priorTerminal)
		return buy, nil
	}

	buy = DecideSafetyOrderAction(asset, cycle, market)
	sell = DecideTakeProfitAction(asset, cycle, market)
	return buy, sell
}

// DecideBaseOrderAction implements rule 1: the opening buy of a cycle.
// Fires only when the cycle is watching with zero quantity on an
// enabled asset, and the cooldown / early-restart gate passes.
func DecideBaseOrderAction(asset domain.Asset, cycle domain.Cycle, market domain.MarketSnapshot, priorTerminal *domain.Cycle) domain.ActionIntent {
	if !asset.Enabled || cycle.Status != domain.StatusWatching || !cycle.Quantity.IsZero() {
		return nil
	}

	if !cooldownGatePasses(asset, market, priorTerminal) {
		return nil
	}

	// Quantity = BaseOrderAmount / Ask is implied by QuoteAmount and
	// LimitPrice; the broker adapter derives it when the order is placed.
	return domain.PlaceBuy{
		Kind:        domain.BuyKindBase,
		Symbol:      asset.Symbol,
		LimitPrice:  market.Ask,
		QuoteAmount: asset.BaseOrderAmount,
	}
}

// cooldownGatePasses implements the base-order gate from spec.md §4.A
// rule 1 and the cooldown property P6: with no prior terminal cycle the
// gate is open; otherwise it opens once the cooldown period has
// elapsed, or earlier if the current ask has already dropped far enough
// below the prior cycle's sell price to justify an early restart.
func cooldownGatePasses(asset domain.Asset, market domain.MarketSnapshot, priorTerminal *domain.Cycle) bool {
	if priorTerminal == nil || priorTerminal.CompletedAt == nil || priorTerminal.SellPrice == nil {
		return true
	}

	cooldownDeadline := priorTerminal.CompletedAt.Add(time.Duration(asset.CooldownPeriodSeconds) * time.Second)
	if !market.Now.Before(cooldownDeadline) {
		return true
	}

	threshold := priorTerminal.SellPrice.Mul(decimal.NewFromInt(1).Sub(pct(asset.BuyOrderPriceDeviationPct)))
	return market.Ask.LessThan(threshold)
}

// DecideSafetyOrderAction implements rule 2: an additional buy placed
// when the price has dropped enough from the last fill.
func DecideSafetyOrderAction(asset domain.Asset, cycle domain.Cycle, market domain.MarketSnapshot) domain.ActionIntent {
	if cycle.Status != domain.StatusWatching || cycle.Quantity.IsZero() {
		return nil
	}
	if cycle.SafetyOrders >= asset.MaxSafetyOrders {
		return nil
	}
	if cycle.LastOrderFillPrice == nil {
		return nil
	}

	trigger := cycle.LastOrderFillPrice.Mul(decimal.NewFromInt(1).Sub(pct(asset.SafetyOrderDeviationPercent)))
	if market.Ask.GreaterThan(trigger) {
		return nil
	}

	return domain.PlaceBuy{
		Kind:        domain.BuyKindSafety,
		Symbol:      asset.Symbol,
		LimitPrice:  market.Ask,
		QuoteAmount: asset.SafetyOrderAmount,
	}
}

// DecideTakeProfitAction implements rule 3: plain take-profit when
// trailing is disabled, or the enter/update/fire sequence of trailing
// take-profit when enabled.
func DecideTakeProfitAction(asset domain.Asset, cycle domain.Cycle, market domain.MarketSnapshot) domain.ActionIntent {
	if cycle.Quantity.IsZero() {
		return nil
	}
	if cycle.Status != domain.StatusWatching && cycle.Status != domain.StatusTrailing {
		return nil
	}

	tpTrigger := cycle.AveragePurchasePrice.Mul(decimal.NewFromInt(1).Add(pct(asset.TakeProfitPercent)))

	if !asset.TTPEnabled {
		if market.Bid.GreaterThanOrEqual(tpTrigger) {
			return domain.PlaceSell{
				Kind:      domain.SellKindTakeProfit,
				Symbol:    asset.Symbol,
				Quantity:  cycle.Quantity,
				OrderType: domain.OrderTypeMarket,
			}
		}
		return nil
	}

	switch cycle.Status {
	case domain.StatusWatching:
		if market.Bid.GreaterThanOrEqual(tpTrigger) {
			return domain.EnterTrailing{NewPeak: market.Bid}
		}
	case domain.StatusTrailing:
		if cycle.HighestTrailingPrice == nil {
			return nil
		}
		peak := *cycle.HighestTrailingPrice
		if market.Bid.GreaterThan(peak) {
			return domain.UpdateTrailingPeak{NewPeak: market.Bid}
		}
		retraceThreshold := peak.Mul(decimal.NewFromInt(1).Sub(pct(asset.TTPDeviationPercent)))
		if market.Bid.LessThanOrEqual(retraceThreshold) {
			return domain.PlaceSell{
				Kind:      domain.SellKindTrailing,
				Symbol:    asset.Symbol,
				Quantity:  cycle.Quantity,
				OrderType: domain.OrderTypeMarket,
			}
		}
	}

	return nil
}
