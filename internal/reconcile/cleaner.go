// Package reconcile runs the periodic background workers that keep
// broker-side order state and Cycle Store state from drifting apart:
// stale/stuck/orphan order cleanup, a two-sweep consistency checker,
// and a bootstrap/heal pass that guarantees every enabled Asset has a
// non-terminal Cycle. Grounded on the teacher's internal/risk
// OrderCleaner and Reconciler ticker-loop lifecycle, generalized from
// a single symbol to the full enabled-asset set and reworked around
// robfig/cron scheduling instead of hand-rolled tickers.
package reconcile

import (
	"context"
	"time"

	"dcaengine/internal/broker"
	"dcaengine/internal/core"
	"dcaengine/internal/domain"
	"dcaengine/internal/runtime"
	"dcaengine/internal/store"
	"dcaengine/pkg/telemetry"
)

// openOrderStatuses are the broker order statuses that still represent
// live, cancelable exposure.
var openOrderStatuses = map[string]bool{
	"new": true, "accepted": true, "pending_new": true, "partial_fill": true,
}

func isOpenStatus(status string) bool { return openOrderStatuses[status] }

// Cleaner cancels stale resting buys, stuck sells, and orphaned broker
// orders that no active cycle references. All three sweeps share the
// same per-asset lock acquisition because they mutate the same
// broker/store pair the Live Runtime does.
type Cleaner struct {
	store  store.ICycleStore
	broker broker.IBroker
	locks  *runtime.LockTable
	logger core.ILogger

	staleBuyAge  time.Duration
	stuckSellAge time.Duration
	orphanAge    time.Duration
	lockTimeout  time.Duration
}

func NewCleaner(cycleStore store.ICycleStore, brokerClient broker.IBroker, locks *runtime.LockTable, logger core.ILogger) *Cleaner {
	return &Cleaner{
		store:        cycleStore,
		broker:       brokerClient,
		locks:        locks,
		logger:       logger.WithField("component", "order_cleaner"),
		staleBuyAge:  5 * time.Minute,
		stuckSellAge: 75 * time.Second,
		orphanAge:    5 * time.Minute,
		lockTimeout:  10 * time.Second,
	}
}

// CleanupPass cancels stale resting buy orders (older than 5 minutes)
// and orphan orders (open, older than 5 minutes, referenced by no
// active cycle). It is meant to be scheduled every 60 seconds.
func (c *Cleaner) CleanupPass(ctx context.Context, assets []domain.Asset) {
	for _, asset := range assets {
		c.cleanupAsset(ctx, asset)
	}
}

func (c *Cleaner) cleanupAsset(ctx context.Context, asset domain.Asset) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	unlock, err := c.locks.LockWithTimeout(lockCtx, asset.ID)
	if err != nil {
		c.logger.Warn("cleanup skipped asset, lock timed out", "symbol", asset.Symbol)
		return
	}
	defer unlock()

	orders, err := c.broker.GetOpenOrders(ctx, asset.Symbol)
	if err != nil {
		c.logger.Error("failed to list open orders", "symbol", asset.Symbol, "error", err.Error())
		return
	}
	if len(orders) == 0 {
		return
	}

	cycle, err := c.store.GetActiveCycle(ctx, asset.ID)
	if err != nil {
		c.logger.Error("failed to load active cycle during cleanup", "symbol", asset.Symbol, "error", err.Error())
		return
	}

	now := time.Now()
	for _, order := range orders {
		age := now.Sub(order.CreatedAt)
		isLatest := cycle.LatestOrderID != nil && *cycle.LatestOrderID == order.OrderID

		switch {
		case order.Side == domain.SideBuy && age >= c.staleBuyAge:
			c.cancel(ctx, order.OrderID, "stale buy order")
		case !isLatest && age >= c.orphanAge:
			c.cancel(ctx, order.OrderID, "orphan order matches no active cycle")
		}
	}
}

// StuckSellPass cancels a resting sell that has been live past the
// per-cycle stuck threshold (75 seconds) so the Decider can retry at
// the current market price on the next tick. Meant to be scheduled
// every 60 seconds.
func (c *Cleaner) StuckSellPass(ctx context.Context, assets []domain.Asset) {
	for _, asset := range assets {
		c.stuckSellAsset(ctx, asset)
	}
}

func (c *Cleaner) stuckSellAsset(ctx context.Context, asset domain.Asset) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	unlock, err := c.locks.LockWithTimeout(lockCtx, asset.ID)
	if err != nil {
		c.logger.Warn("stuck-sell check skipped asset, lock timed out", "symbol", asset.Symbol)
		return
	}
	defer unlock()

	cycle, err := c.store.GetActiveCycle(ctx, asset.ID)
	if err != nil {
		return
	}
	if cycle.Status != domain.StatusSelling || cycle.LatestOrderID == nil || cycle.LatestOrderCreatedAt == nil {
		return
	}
	if time.Since(*cycle.LatestOrderCreatedAt) < c.stuckSellAge {
		return
	}

	order, err := c.broker.GetOrder(ctx, *cycle.LatestOrderID)
	if err != nil {
		c.logger.Error("failed to fetch stuck sell candidate", "cycle_id", cycle.ID, "error", err.Error())
		return
	}
	if !isOpenStatus(order.Status) {
		return
	}

	// Only request cancellation here; the resulting canceled trade-update
	// drives the cycle's state transition through the Live Runtime, which
	// resyncs against the broker's reported position before deciding
	// whether the sell actually filled.
	c.cancel(ctx, order.OrderID, "stuck sell order")
}

func (c *Cleaner) cancel(ctx context.Context, orderID, reason string) {
	if err := c.broker.CancelOrder(ctx, orderID); err != nil {
		c.logger.Error("failed to cancel order", "order_id", orderID, "reason", reason, "error", err.Error())
		return
	}
	c.logger.Warn("canceled order", "order_id", orderID, "reason", reason)
	telemetry.GetGlobalMetrics().ReconcileCorrections.Add(ctx, 1)
}
