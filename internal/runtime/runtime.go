package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"dcaengine/internal/broker"
	"dcaengine/internal/core"
	"dcaengine/internal/decider"
	"dcaengine/internal/domain"
	"dcaengine/internal/store"
	"dcaengine/pkg/concurrency"
	"dcaengine/pkg/telemetry"
	"dcaengine/pkg/tradingutils"
)

// Runtime is the Live Runtime: it owns the two broker stream
// subscriptions and dispatches each tick/event to the pure Decider,
// persisting outcomes atomically through the Cycle Store.
type Runtime struct {
	store  store.ICycleStore
	broker broker.IBroker
	locks  *LockTable
	pool   *concurrency.WorkerPool
	logger core.ILogger

	tracer      trace.Tracer
	quoteLat    metric.Float64Histogram
	orderLat    metric.Float64Histogram
	metrics     *telemetry.MetricsHolder

	lockTimeout time.Duration
}

// Config controls pool sizing and the per-lock acquisition timeout used
// by the trade-update path (spec.md §5: blocking-with-timeout for
// workers and the trade-update consumer).
type Config struct {
	MaxWorkers  int
	LockTimeout time.Duration
}

func New(cfg Config, cycleStore store.ICycleStore, brokerClient broker.IBroker, logger core.ILogger) *Runtime {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "live-runtime",
		MaxWorkers:  cfg.MaxWorkers,
		MaxCapacity: cfg.MaxWorkers * 4,
		NonBlocking: true,
	}, logger)

	meter := telemetry.GetMeter("live-runtime")
	quoteLat, _ := meter.Float64Histogram(telemetry.MetricQuoteToDecisionLatency, metric.WithUnit("ms"))
	orderLat, _ := meter.Float64Histogram(telemetry.MetricOrderPlacementLatency, metric.WithUnit("ms"))

	return &Runtime{
		store:       cycleStore,
		broker:      brokerClient,
		locks:       NewLockTable(),
		pool:        pool,
		logger:      logger.WithField("component", "live_runtime"),
		tracer:      telemetry.GetTracer("live-runtime"),
		quoteLat:    quoteLat,
		orderLat:    orderLat,
		metrics:     telemetry.GetGlobalMetrics(),
		lockTimeout: cfg.LockTimeout,
	}
}

// Run subscribes to both broker streams and blocks until ctx is
// canceled. It is meant to be launched from an errgroup alongside the
// reconciliation workers (cmd/dca-engine/main.go).
func (r *Runtime) Run(ctx context.Context, assets []domain.Asset) error {
	bySymbol := make(map[string]domain.Asset, len(assets))
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		bySymbol[a.Symbol] = a
		symbols = append(symbols, a.Symbol)
	}

	quotes, err := r.broker.SubscribeQuotes(ctx, symbols)
	if err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	trades, err := r.broker.SubscribeTradeUpdates(ctx)
	if err != nil {
		return fmt.Errorf("subscribe trade updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.pool.Stop()
			return ctx.Err()
		case q, ok := <-quotes:
			if !ok {
				return fmt.Errorf("quote stream closed")
			}
			asset, known := bySymbol[q.Symbol]
			if !known {
				continue
			}
			r.dispatchQuote(ctx, asset, q)
		case evt, ok := <-trades:
			if !ok {
				return fmt.Errorf("trade update stream closed")
			}
			r.handleTradeUpdate(ctx, evt)
		}
	}
}

// dispatchQuote submits the quote to the worker pool under a
// non-blocking per-asset lock acquisition: if the asset's prior quote
// is still being processed, this tick is dropped rather than queued
// (spec.md §5).
func (r *Runtime) dispatchQuote(ctx context.Context, asset domain.Asset, q domain.Quote) {
	unlock, ok := r.locks.TryLock(asset.ID)
	if !ok {
		return
	}
	submitErr := r.pool.Submit(func() {
		defer unlock()
		r.handleQuote(ctx, asset, q)
	})
	if submitErr != nil {
		unlock()
		r.logger.Warn("quote dropped, worker pool full", "symbol", asset.Symbol)
	}
}

func (r *Runtime) handleQuote(ctx context.Context, asset domain.Asset, q domain.Quote) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "handleQuote")
	defer span.End()

	cycle, err := r.store.GetActiveCycle(ctx, asset.ID)
	if err != nil {
		r.logger.Error("no active cycle for asset", "asset", asset.Symbol, "error", err.Error())
		return
	}
	// Only the Decider needs the prior terminal cycle, and only when
	// watching with zero quantity (cooldown gate).
	var priorTerminal *domain.Cycle
	if cycle.Status == domain.StatusWatching && cycle.Quantity.IsZero() {
		priorTerminal, _ = r.store.GetLatestTerminalCycle(ctx, asset.ID)
	}

	market := domain.MarketSnapshot{Symbol: q.Symbol, Bid: q.BidPrice, Ask: q.AskPrice, Now: q.Timestamp}
	buy, sell := decider.Evaluate(asset, *cycle, market, priorTerminal)

	r.quoteLat.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("symbol", asset.Symbol)))

	if buy != nil {
		r.placeBuy(ctx, asset, *cycle, buy)
	}
	if sell != nil {
		r.placeSell(ctx, asset, *cycle, sell)
	}
}

func (r *Runtime) placeBuy(ctx context.Context, asset domain.Asset, cycle domain.Cycle, intent domain.ActionIntent) {
	pb, ok := intent.(domain.PlaceBuy)
	if !ok {
		return
	}
	start := time.Now()
	clientOrderID := fmt.Sprintf("cycle-%d-buy-%s", cycle.ID, uuid.NewString())

	order, err := r.broker.PlaceLimitBuy(ctx, clientOrderID, pb.Symbol, pb.LimitPrice, pb.QuoteAmount)
	if err != nil {
		r.logger.Error("place limit buy failed", "symbol", pb.Symbol, "error", err.Error())
		return
	}
	r.orderLat.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("symbol", pb.Symbol), attribute.String("side", "buy")))

	status := domain.StatusBuying
	now := order.CreatedAt
	patch := store.CyclePatch{
		Status:               &status,
		LatestOrderID:        store.Set(order.OrderID),
		LatestOrderCreatedAt: store.Set(now),
	}
	if pb.Kind == domain.BuyKindSafety {
		r.metrics.SafetyOrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", pb.Symbol)))
	} else {
		r.metrics.BaseOrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", pb.Symbol)))
	}
	if _, err := r.store.UpdateCycle(ctx, cycle.ID, patch); err != nil {
		r.logger.Error("failed to persist buy placement", "cycle_id", cycle.ID, "error", err.Error())
	}
}

func (r *Runtime) placeSell(ctx context.Context, asset domain.Asset, cycle domain.Cycle, intent domain.ActionIntent) {
	start := time.Now()
	switch v := intent.(type) {
	case domain.EnterTrailing:
		status := domain.StatusTrailing
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
			Status:               &status,
			HighestTrailingPrice: store.Set(v.NewPeak),
		}); err != nil {
			r.logger.Error("failed to persist trailing entry", "cycle_id", cycle.ID, "error", err.Error())
		}
	case domain.UpdateTrailingPeak:
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
			HighestTrailingPrice: store.Set(v.NewPeak),
		}); err != nil {
			r.logger.Error("failed to persist trailing peak update", "cycle_id", cycle.ID, "error", err.Error())
		}
	case domain.PlaceSell:
		clientOrderID := fmt.Sprintf("cycle-%d-sell-%s", cycle.ID, uuid.NewString())
		order, err := r.broker.PlaceMarketSell(ctx, clientOrderID, v.Symbol, v.Quantity)
		if err != nil {
			r.logger.Error("place market sell failed", "symbol", v.Symbol, "error", err.Error())
			return
		}
		r.orderLat.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("symbol", v.Symbol), attribute.String("side", "sell")))
		r.metrics.SellOrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", v.Symbol)))

		status := domain.StatusSelling
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
			Status:               &status,
			LatestOrderID:        store.Set(order.OrderID),
			LatestOrderCreatedAt: store.Set(order.CreatedAt),
		}); err != nil {
			r.logger.Error("failed to persist sell placement", "cycle_id", cycle.ID, "error", err.Error())
		}
	}
}

// handleTradeUpdate serializes the fill/cancel/reject handling for the
// cycle that owns the referenced order, under the same per-asset lock
// the quote path uses, but blocking-with-timeout rather than dropping.
func (r *Runtime) handleTradeUpdate(ctx context.Context, evt domain.TradeEvent) {
	cycle, err := r.store.GetCycleByOrderID(ctx, evt.Order.OrderID)
	if err != nil {
		r.logger.Warn("trade update matches no active cycle", "order_id", evt.Order.OrderID, "error", err.Error())
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	unlock, err := r.locks.LockWithTimeout(lockCtx, cycle.AssetID)
	if err != nil {
		r.logger.Error("failed to acquire asset lock for trade update", "asset_id", cycle.AssetID, "error", err.Error())
		return
	}
	defer unlock()

	switch evt.Kind {
	case domain.EventFill:
		r.handleFill(ctx, *cycle, evt.Order)
	case domain.EventCanceled, domain.EventRejected, domain.EventExpired:
		r.handleTerminated(ctx, *cycle, evt.Order)
	case domain.EventPartialFill, domain.EventNew:
		// No state transition; the cycle already reflects "an order is
		// in flight" since placement. Reconciliation workers handle
		// stuck partials via cancellation.
	}
}

func (r *Runtime) handleFill(ctx context.Context, cycle domain.Cycle, order domain.Order) {
	if order.FilledAvgPrice == nil {
		r.logger.Error("fill event missing filled_avg_price, routing cycle to error", "cycle_id", cycle.ID)
		status := domain.StatusError
		now := time.Now()
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{Status: &status, CompletedAt: store.Set(now)}); err != nil {
			r.logger.Error("failed to mark cycle error", "cycle_id", cycle.ID, "error", err.Error())
		}
		r.metrics.CyclesErrorTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", order.Symbol)))
		return
	}

	switch order.Side {
	case domain.SideBuy:
		isSafetyFill := cycle.Quantity.IsPositive()
		newQty := cycle.Quantity.Add(order.FilledQty)
		newAvg := tradingutils.WeightedAveragePrice(cycle.Quantity, cycle.AveragePurchasePrice, order.FilledQty, *order.FilledAvgPrice)
		status := domain.StatusWatching
		patch := store.CyclePatch{
			Status:               &status,
			Quantity:             &newQty,
			AveragePurchasePrice: &newAvg,
			LatestOrderID:        store.SetNull[string](),
			LatestOrderCreatedAt: store.SetNull[time.Time](),
			LastOrderFillPrice:   store.Set(*order.FilledAvgPrice),
		}
		if isSafetyFill {
			patch.SafetyOrdersDelta = 1
		}
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, patch); err != nil {
			r.logger.Error("failed to persist buy fill", "cycle_id", cycle.ID, "error", err.Error())
		}
	case domain.SideSell:
		now := time.Now()
		oldPatch := store.CyclePatch{
			Status:        ptr(domain.StatusComplete),
			CompletedAt:   store.Set(now),
			SellPrice:     store.Set(*order.FilledAvgPrice),
			LatestOrderID: store.SetNull[string](),
		}
		old, fresh, err := r.store.CompleteAndRollover(ctx, cycle.ID, oldPatch, store.NewCycleFields{AssetID: cycle.AssetID})
		if err != nil {
			r.logger.Error("failed to complete and roll over cycle", "cycle_id", cycle.ID, "error", err.Error())
			return
		}
		if err := r.store.SetAssetLastSellPrice(ctx, cycle.AssetID, *order.FilledAvgPrice); err != nil {
			r.logger.Error("failed to persist last sell price", "asset_id", cycle.AssetID, "error", err.Error())
		}
		r.recordCompletion(ctx, order.Symbol, cycle, *order.FilledAvgPrice)
		r.logger.Info("cycle completed and rolled over", "old_cycle_id", old.ID, "new_cycle_id", fresh.ID)
	}
}

// recordCompletion folds a completed cycle's realized profit into the
// engine's cumulative PnL counter. Fee rates are not part of the Asset
// config, so profit is computed gross of trading fees.
func (r *Runtime) recordCompletion(ctx context.Context, symbol string, cycle domain.Cycle, sellPrice decimal.Decimal) {
	profit := tradingutils.CalculateNetProfit(cycle.AveragePurchasePrice, sellPrice, cycle.Quantity, decimal.Zero, decimal.Zero)
	attrs := metric.WithAttributes(attribute.String("symbol", symbol))
	r.metrics.CyclesCompletedTotal.Add(ctx, 1, attrs)
	r.metrics.RealizedPnLTotal.Add(ctx, profit.InexactFloat64(), attrs)
}

// handleTerminated applies spec.md §4.C's canceled/rejected/expired
// handling, which differs by side: a dead buy simply frees the cycle to
// retry, but a dead sell must reconcile against the broker's reported
// position, since the broker may have filled the sell entirely before
// the cancel/reject/expire event arrived.
func (r *Runtime) handleTerminated(ctx context.Context, cycle domain.Cycle, order domain.Order) {
	if order.Side == domain.SideBuy {
		status := domain.StatusWatching
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
			Status:               &status,
			LatestOrderID:        store.SetNull[string](),
			LatestOrderCreatedAt: store.SetNull[time.Time](),
		}); err != nil {
			r.logger.Error("failed to clear order refs after buy cancel/reject/expire", "cycle_id", cycle.ID, "error", err.Error())
		}
		return
	}

	position, err := r.broker.GetPosition(ctx, order.Symbol)
	if err != nil {
		r.logger.Error("failed to fetch position after sell cancel/reject/expire", "cycle_id", cycle.ID, "symbol", order.Symbol, "error", err.Error())
		return
	}

	if position.Quantity.IsZero() {
		// Broker reports no position: the sell actually filled despite
		// the terminal cancel/reject/expire event, so this completes the
		// cycle exactly like a normal sell fill.
		if order.FilledAvgPrice == nil {
			r.logger.Error("sell fully filled on cancel path but missing filled_avg_price, routing cycle to error", "cycle_id", cycle.ID)
			status := domain.StatusError
			now := time.Now()
			if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{Status: &status, CompletedAt: store.Set(now)}); err != nil {
				r.logger.Error("failed to mark cycle error", "cycle_id", cycle.ID, "error", err.Error())
			}
			r.metrics.CyclesErrorTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", order.Symbol)))
			return
		}
		now := time.Now()
		oldPatch := store.CyclePatch{
			Status:        ptr(domain.StatusComplete),
			CompletedAt:   store.Set(now),
			SellPrice:     store.Set(*order.FilledAvgPrice),
			LatestOrderID: store.SetNull[string](),
		}
		old, fresh, err := r.store.CompleteAndRollover(ctx, cycle.ID, oldPatch, store.NewCycleFields{AssetID: cycle.AssetID})
		if err != nil {
			r.logger.Error("failed to complete and roll over cycle on sell cancel path", "cycle_id", cycle.ID, "error", err.Error())
			return
		}
		if err := r.store.SetAssetLastSellPrice(ctx, cycle.AssetID, *order.FilledAvgPrice); err != nil {
			r.logger.Error("failed to persist last sell price", "asset_id", cycle.AssetID, "error", err.Error())
		}
		r.recordCompletion(ctx, order.Symbol, cycle, *order.FilledAvgPrice)
		r.logger.Info("sell canceled but fully filled at broker, cycle completed and rolled over", "old_cycle_id", old.ID, "new_cycle_id", fresh.ID)
		return
	}

	status := domain.StatusWatching
	if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
		Status:               &status,
		Quantity:             &position.Quantity,
		LatestOrderID:        store.SetNull[string](),
		LatestOrderCreatedAt: store.SetNull[time.Time](),
	}); err != nil {
		r.logger.Error("failed to revert cycle to watching after sell cancel/reject/expire", "cycle_id", cycle.ID, "error", err.Error())
	}
}

func ptr[T any](v T) *T { return &v }
