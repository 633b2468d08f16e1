package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dcaengine/internal/alert"
	"dcaengine/internal/broker"
	"dcaengine/internal/core"
	"dcaengine/internal/domain"
	"dcaengine/internal/runtime"
	"dcaengine/internal/store"
	"dcaengine/pkg/apperrors"
	"dcaengine/pkg/telemetry"
)

// terminalOrderStatuses are broker order statuses that will never
// transition further; a cycle referencing one of these (or an order
// the broker no longer knows about) has drifted and needs repair.
var terminalOrderStatuses = map[string]bool{
	"filled": true, "canceled": true, "rejected": true, "expired": true,
}

// Reconciler runs the consistency-checking and bootstrap/heal sweeps:
// the slower, store-vs-broker-truth passes that the fast Cleaner
// sweeps don't cover. Grounded on the teacher's Reconciler ghost-order
// and position-divergence detection, re-targeted from one symbol's
// open-order map to the full Cycle/Asset table.
type Reconciler struct {
	store   store.ICycleStore
	broker  broker.IBroker
	locks   *runtime.LockTable
	logger  core.ILogger
	alerter *alert.AlertManager

	lockTimeout time.Duration
}

func NewReconciler(cycleStore store.ICycleStore, brokerClient broker.IBroker, locks *runtime.LockTable, alerter *alert.AlertManager, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:       cycleStore,
		broker:      brokerClient,
		locks:       locks,
		alerter:     alerter,
		logger:      logger.WithField("component", "reconciler"),
		lockTimeout: 10 * time.Second,
	}
}

// ConsistencyPass runs both sweeps of spec.md's consistency checker:
// first repairing cycles whose in-flight order has vanished or
// terminated broker-side without a trade-update event arriving, then
// catching watching cycles whose recorded quantity the broker no
// longer backs with a position. Meant to be scheduled every 5 minutes.
func (r *Reconciler) ConsistencyPass(ctx context.Context, assets []domain.Asset) {
	for _, asset := range assets {
		r.checkInFlightOrder(ctx, asset)
	}
	for _, asset := range assets {
		r.checkPositionBacking(ctx, asset)
	}
}

func (r *Reconciler) withAssetLock(ctx context.Context, assetID int64, fn func()) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	unlock, err := r.locks.LockWithTimeout(lockCtx, assetID)
	if err != nil {
		r.logger.Warn("reconcile pass skipped asset, lock timed out", "asset_id", assetID)
		return
	}
	defer unlock()
	fn()
}

// checkInFlightOrder repairs a buying/selling cycle whose referenced
// order the broker reports missing or terminal, which happens when a
// trade-update event is dropped by the broker's stream rather than a
// genuine fill.
func (r *Reconciler) checkInFlightOrder(ctx context.Context, asset domain.Asset) {
	r.withAssetLock(ctx, asset.ID, func() {
		cycle, err := r.store.GetActiveCycle(ctx, asset.ID)
		if err != nil {
			return
		}
		if cycle.Status != domain.StatusBuying && cycle.Status != domain.StatusSelling {
			return
		}

		drifted := cycle.LatestOrderID == nil
		if !drifted {
			order, err := r.broker.GetOrder(ctx, *cycle.LatestOrderID)
			switch {
			case errors.Is(err, apperrors.ErrOrderNotFound):
				drifted = true
			case err != nil:
				r.logger.Error("failed to fetch order during consistency check", "cycle_id", cycle.ID, "error", err.Error())
				return
			case terminalOrderStatuses[order.Status]:
				drifted = true
			}
		}
		if !drifted {
			return
		}

		r.logger.Warn("cycle referenced a vanished/terminal order, reverting to watching",
			"cycle_id", cycle.ID, "status", cycle.Status, "symbol", asset.Symbol)

		status := domain.StatusWatching
		if _, err := r.store.UpdateCycle(ctx, cycle.ID, store.CyclePatch{
			Status:               &status,
			LatestOrderID:        store.SetNull[string](),
			LatestOrderCreatedAt: store.SetNull[time.Time](),
		}); err != nil {
			r.logger.Error("failed to revert drifted cycle to watching", "cycle_id", cycle.ID, "error", err.Error())
			return
		}
		telemetry.GetGlobalMetrics().ReconcileCorrections.Add(ctx, 1)
	})
}

// checkPositionBacking catches the rarer, more serious divergence: a
// watching cycle recording quantity > 0 that the broker's position
// no longer backs (e.g. a sell filled entirely outside the engine's
// visibility, or a manual intervention). The cycle is routed to error
// and a fresh watching cycle is rolled in, matching the same
// complete-and-rollover path a normal sell fill takes.
func (r *Reconciler) checkPositionBacking(ctx context.Context, asset domain.Asset) {
	r.withAssetLock(ctx, asset.ID, func() {
		cycle, err := r.store.GetActiveCycle(ctx, asset.ID)
		if err != nil {
			return
		}
		if cycle.Status != domain.StatusWatching || cycle.Quantity.IsZero() {
			return
		}

		position, err := r.broker.GetPosition(ctx, asset.Symbol)
		if err != nil {
			r.logger.Error("failed to fetch position during consistency check", "symbol", asset.Symbol, "error", err.Error())
			return
		}
		if position.Quantity.GreaterThanOrEqual(cycle.Quantity) {
			return
		}

		r.logger.Error("cycle quantity unbacked by broker position, routing to error",
			"cycle_id", cycle.ID, "symbol", asset.Symbol,
			"recorded_quantity", cycle.Quantity.String(), "broker_quantity", position.Quantity.String())

		now := time.Now()
		errStatus := domain.StatusError
		_, _, err = r.store.CompleteAndRollover(ctx, cycle.ID, store.CyclePatch{
			Status:      &errStatus,
			CompletedAt: store.Set(now),
		}, store.NewCycleFields{AssetID: asset.ID})
		if err != nil {
			r.logger.Error("failed to route unbacked cycle to error", "cycle_id", cycle.ID, "error", err.Error())
			return
		}
		telemetry.GetGlobalMetrics().ReconcileCorrections.Add(ctx, 1)
		if r.alerter != nil {
			r.alerter.Alert(ctx, "cycle position unbacked", fmt.Sprintf(
				"cycle %d for %s recorded quantity %s but broker reported %s; cycle routed to error and rolled over",
				cycle.ID, asset.Symbol, cycle.Quantity.String(), position.Quantity.String(),
			), alert.Critical, map[string]string{"symbol": asset.Symbol})
		}
	})
}

// BootstrapPass guarantees every enabled asset has a non-terminal
// cycle, both at startup and periodically thereafter in case a prior
// rollover failed silently. CreateInitialCycle is idempotent, so a
// concurrent creator racing this pass is not an error.
func (r *Reconciler) BootstrapPass(ctx context.Context, assets []domain.Asset) {
	for _, asset := range assets {
		if !asset.Enabled {
			continue
		}
		if _, err := r.store.GetActiveCycle(ctx, asset.ID); err == nil {
			continue
		} else if !errors.Is(err, apperrors.ErrCycleNotFound) {
			r.logger.Error("failed to check for active cycle during bootstrap", "symbol", asset.Symbol, "error", err.Error())
			continue
		}

		if _, err := r.store.CreateInitialCycle(ctx, asset.ID); err != nil {
			r.logger.Error("failed to create initial cycle during bootstrap", "symbol", asset.Symbol, "error", err.Error())
			continue
		}
		r.logger.Info("created initial watching cycle", "symbol", asset.Symbol)
	}
}
