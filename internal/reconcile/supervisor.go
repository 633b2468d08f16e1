package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"dcaengine/internal/broker"
	"dcaengine/internal/core"
	"dcaengine/internal/domain"
	"dcaengine/internal/runtime"
	"dcaengine/internal/store"
)

// Config carries the scheduling intervals for the five reconciliation
// workers. The zero value resolves to spec.md §4.E's defaults.
type Config struct {
	CleanupInterval     time.Duration // stale-buy + orphan sweep, default 60s
	StuckSellInterval   time.Duration // default 60s
	ConsistencyInterval time.Duration // default 5m
	BootstrapInterval   time.Duration // default 15m
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.StuckSellInterval == 0 {
		c.StuckSellInterval = 60 * time.Second
	}
	if c.ConsistencyInterval == 0 {
		c.ConsistencyInterval = 5 * time.Minute
	}
	if c.BootstrapInterval == 0 {
		c.BootstrapInterval = 15 * time.Minute
	}
	return c
}

// AssetLister resolves the current enabled-asset set on every tick,
// rather than freezing it at Supervisor construction, so an asset
// enabled mid-run is picked up without a restart.
type AssetLister func(ctx context.Context) ([]domain.Asset, error)

// Supervisor owns the cron schedule for all five reconciliation
// workers and runs the bootstrap/heal pass once synchronously before
// returning from Start, so a fresh deployment never races the Live
// Runtime against an asset with no cycle yet.
type Supervisor struct {
	cleaner    *Cleaner
	reconciler *Reconciler
	listAssets AssetLister
	logger     core.ILogger
	cfg        Config
	cron       *cron.Cron
}

func NewSupervisor(cfg Config, cycleStore store.ICycleStore, brokerClient broker.IBroker, locks *runtime.LockTable, listAssets AssetLister, logger core.ILogger) *Supervisor {
	return &Supervisor{
		cleaner:    NewCleaner(cycleStore, brokerClient, locks, logger),
		reconciler: NewReconciler(cycleStore, brokerClient, locks, nil, logger),
		listAssets: listAssets,
		logger:     logger.WithField("component", "reconcile_supervisor"),
		cfg:        cfg.withDefaults(),
		cron:       cron.New(),
	}
}

// Start runs the bootstrap/heal pass once inline, then schedules all
// five workers and returns. Call Stop to drain the cron scheduler on
// shutdown; it does not block the caller.
func (s *Supervisor) Start(ctx context.Context) error {
	assets, err := s.listAssets(ctx)
	if err != nil {
		return err
	}
	s.reconciler.BootstrapPass(ctx, assets)

	if _, err := s.cron.AddFunc(everySpec(s.cfg.CleanupInterval), func() {
		s.cleaner.CleanupPass(ctx, s.currentAssets(ctx))
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.StuckSellInterval), func() {
		s.cleaner.StuckSellPass(ctx, s.currentAssets(ctx))
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.ConsistencyInterval), func() {
		s.reconciler.ConsistencyPass(ctx, s.currentAssets(ctx))
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.BootstrapInterval), func() {
		s.reconciler.BootstrapPass(ctx, s.currentAssets(ctx))
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("reconciliation workers scheduled",
		"cleanup_interval", s.cfg.CleanupInterval,
		"stuck_sell_interval", s.cfg.StuckSellInterval,
		"consistency_interval", s.cfg.ConsistencyInterval,
		"bootstrap_interval", s.cfg.BootstrapInterval)
	return nil
}

// Stop drains in-flight worker runs and halts the scheduler.
func (s *Supervisor) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Supervisor) currentAssets(ctx context.Context) []domain.Asset {
	assets, err := s.listAssets(ctx)
	if err != nil {
		s.logger.Error("failed to list assets for reconciliation pass", "error", err.Error())
		return nil
	}
	return assets
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
