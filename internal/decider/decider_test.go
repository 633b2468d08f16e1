package decider_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/decider"
	"dcaengine/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseAsset() domain.Asset {
	return domain.Asset{
		ID:                          1,
		Symbol:                      "BTC/USD",
		Enabled:                     true,
		BaseOrderAmount:             d("20"),
		SafetyOrderAmount:          d("40"),
		MaxSafetyOrders:            3,
		SafetyOrderDeviationPercent: d("1.0"),
		TakeProfitPercent:          d("1.5"),
		TTPEnabled:                 false,
		TTPDeviationPercent:        d("0.5"),
		CooldownPeriodSeconds:      600,
		BuyOrderPriceDeviationPct:  d("2"),
	}
}

// S1 — Base buy happy path.
func TestDecideBaseOrderAction_HappyPath(t *testing.T) {
	asset := baseAsset()
	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: decimal.Zero}
	market := domain.MarketSnapshot{Symbol: asset.Symbol, Bid: d("49999"), Ask: d("50000"), Now: time.Now()}

	intent := decider.DecideBaseOrderAction(asset, cycle, market, nil)
	require.NotNil(t, intent)
	buy, ok := intent.(domain.PlaceBuy)
	require.True(t, ok)
	assert.Equal(t, domain.BuyKindBase, buy.Kind)
	assert.True(t, buy.LimitPrice.Equal(d("50000")))
	assert.True(t, buy.QuoteAmount.Equal(d("20")))
}

// S2 — Safety buy trigger at exact boundary (49500 == 50000*0.99).
func TestDecideSafetyOrderAction_TriggersAtBoundary(t *testing.T) {
	asset := baseAsset()
	fillPrice := d("50000")
	cycle := domain.Cycle{
		Status:              domain.StatusWatching,
		Quantity:            d("0.0004"),
		SafetyOrders:        0,
		LastOrderFillPrice:  &fillPrice,
	}
	market := domain.MarketSnapshot{Ask: d("49500")}

	intent := decider.DecideSafetyOrderAction(asset, cycle, market)
	require.NotNil(t, intent)
	buy := intent.(domain.PlaceBuy)
	assert.Equal(t, domain.BuyKindSafety, buy.Kind)
	assert.True(t, buy.QuoteAmount.Equal(d("40")))
}

func TestDecideSafetyOrderAction_DoesNotFireAboveThreshold(t *testing.T) {
	asset := baseAsset()
	fillPrice := d("50000")
	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: d("0.0004"), LastOrderFillPrice: &fillPrice}
	market := domain.MarketSnapshot{Ask: d("49501")}

	assert.Nil(t, decider.DecideSafetyOrderAction(asset, cycle, market))
}

func TestDecideSafetyOrderAction_RespectsMaxSafetyOrders(t *testing.T) {
	asset := baseAsset()
	fillPrice := d("50000")
	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: d("1"), SafetyOrders: 3, LastOrderFillPrice: &fillPrice}
	market := domain.MarketSnapshot{Ask: d("1")}

	assert.Nil(t, decider.DecideSafetyOrderAction(asset, cycle, market))
}

// S3 — Take-profit, non-trailing, boundary hit.
func TestDecideTakeProfitAction_NonTrailingFiresAtBoundary(t *testing.T) {
	asset := baseAsset()
	asset.TTPEnabled = false
	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: d("0.001208"), AveragePurchasePrice: d("49665.024")}
	// tp_trigger = 49665.024 * 1.015 = 50409.99936
	market := domain.MarketSnapshot{Bid: d("50409.99936")}

	intent := decider.DecideTakeProfitAction(asset, cycle, market)
	require.NotNil(t, intent)
	sell := intent.(domain.PlaceSell)
	assert.Equal(t, domain.SellKindTakeProfit, sell.Kind)
	assert.True(t, sell.Quantity.Equal(d("0.001208")))
}

// S4 — Trailing take-profit sequence.
func TestDecideTakeProfitAction_TrailingSequence(t *testing.T) {
	asset := baseAsset()
	asset.TTPEnabled = true
	asset.TTPDeviationPercent = d("0.5")
	asset.TakeProfitPercent = d("1.0")
	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: d("0.001"), AveragePurchasePrice: d("50000")}

	// Quote 1: bid 50500 >= tp_trigger(50500) -> EnterTrailing
	market1 := domain.MarketSnapshot{Bid: d("50500")}
	intent1 := decider.DecideTakeProfitAction(asset, cycle, market1)
	require.IsType(t, domain.EnterTrailing{}, intent1)
	enter := intent1.(domain.EnterTrailing)
	assert.True(t, enter.NewPeak.Equal(d("50500")))

	cycle.Status = domain.StatusTrailing
	peak := enter.NewPeak
	cycle.HighestTrailingPrice = &peak

	// Quote 2: bid 50800 > peak -> UpdateTrailingPeak
	market2 := domain.MarketSnapshot{Bid: d("50800")}
	intent2 := decider.DecideTakeProfitAction(asset, cycle, market2)
	require.IsType(t, domain.UpdateTrailingPeak{}, intent2)
	update := intent2.(domain.UpdateTrailingPeak)
	assert.True(t, update.NewPeak.Equal(d("50800")))

	newPeak := update.NewPeak
	cycle.HighestTrailingPrice = &newPeak

	// Quote 3: bid 50540 <= peak*0.995 (50546) -> PlaceSell trailing
	market3 := domain.MarketSnapshot{Bid: d("50540")}
	intent3 := decider.DecideTakeProfitAction(asset, cycle, market3)
	require.IsType(t, domain.PlaceSell{}, intent3)
	sell := intent3.(domain.PlaceSell)
	assert.Equal(t, domain.SellKindTrailing, sell.Kind)
}

// S5 — Cooldown preemption via early-restart deviation.
func TestCooldownGate_EarlyRestartPreemptsCooldown(t *testing.T) {
	asset := baseAsset()
	asset.CooldownPeriodSeconds = 600
	asset.BuyOrderPriceDeviationPct = d("2")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sellPrice := d("50000")
	prior := domain.Cycle{CompletedAt: &t0, SellPrice: &sellPrice}

	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: decimal.Zero}
	market := domain.MarketSnapshot{Ask: d("48999"), Now: t0.Add(60 * time.Second)}

	intent := decider.DecideBaseOrderAction(asset, cycle, market, &prior)
	require.NotNil(t, intent, "base buy should be placed despite cooldown not elapsed")
}

func TestCooldownGate_BlocksWithinWindowAboveThreshold(t *testing.T) {
	asset := baseAsset()
	asset.CooldownPeriodSeconds = 600
	asset.BuyOrderPriceDeviationPct = d("2")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sellPrice := d("50000")
	prior := domain.Cycle{CompletedAt: &t0, SellPrice: &sellPrice}

	cycle := domain.Cycle{Status: domain.StatusWatching, Quantity: decimal.Zero}
	market := domain.MarketSnapshot{Ask: d("49500"), Now: t0.Add(60 * time.Second)}

	intent := decider.DecideBaseOrderAction(asset, cycle, market, &prior)
	assert.Nil(t, intent)
}

func TestEvaluate_NeverReturnsMoreThanOneBuyAndOneSell(t *testing.T) {
	asset := baseAsset()
	asset.TTPEnabled = false
	fillPrice := d("50000")
	cycle := domain.Cycle{
		Status:             domain.StatusWatching,
		Quantity:           d("0.001"),
		AveragePurchasePrice: d("49000"),
		LastOrderFillPrice: &fillPrice,
		SafetyOrders:       0,
	}
	// Ask low enough to trigger safety, bid high enough to trigger take-profit.
	market := domain.MarketSnapshot{Ask: d("49000"), Bid: d("50000")}

	buy, sell := decider.Evaluate(asset, cycle, market, nil)
	assert.NotNil(t, buy)
	assert.NotNil(t, sell)
	_, buyOK := buy.(domain.PlaceBuy)
	_, sellOK := sell.(domain.PlaceSell)
	assert.True(t, buyOK)
	assert.True(t, sellOK)
}
