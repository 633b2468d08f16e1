package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// CalculateNetProfit computes realized profit on a completed cycle after
// trading fees, given the weighted average purchase price and the sell
// fill price.
func CalculateNetProfit(avgPurchasePrice, sellPrice, quantity, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(avgPurchasePrice).Mul(quantity)
	buyFee := avgPurchasePrice.Mul(quantity).Mul(buyFeeRate)
	sellFee := sellPrice.Mul(quantity).Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// WeightedAveragePrice folds a new fill into a running average purchase
// price, the core accumulation the Live Runtime performs on every buy fill.
func WeightedAveragePrice(currentQty, currentAvgPrice, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if currentQty.IsZero() {
		return fillPrice
	}
	totalCost := currentQty.Mul(currentAvgPrice).Add(fillQty.Mul(fillPrice))
	totalQty := currentQty.Add(fillQty)
	return totalCost.Div(totalQty)
}
