// Command dca-engine runs the DCA trading engine: the Live Runtime's
// quote/trade-update consumers plus the five reconciliation workers,
// against a Postgres-backed cycle store and a pluggable broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dcaengine/internal/bootstrap"
	"dcaengine/internal/broker"
	"dcaengine/internal/broker/paper"
	"dcaengine/internal/broker/remote"
	"dcaengine/internal/core"
	"dcaengine/internal/infrastructure/health"
	"dcaengine/internal/infrastructure/metrics"
	"dcaengine/internal/reconcile"
	"dcaengine/internal/runtime"
	"dcaengine/internal/store"
	"dcaengine/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine config file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap application: %v\n", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup(app.Cfg.App.Name)
	if err != nil {
		app.Logger.Fatal("failed to set up telemetry", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("telemetry shutdown error", "error", err.Error())
		}
	}()

	pool, err := pgxpool.New(context.Background(), string(app.Cfg.Database.URL))
	if err != nil {
		app.Logger.Fatal("failed to connect to database", "error", err.Error())
	}
	defer pool.Close()

	cycleStore := store.NewPostgresCycleStore(pool)

	brokerClient, err := buildBroker(app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Fatal("failed to build broker client", "error", err.Error())
	}

	assets, err := cycleStore.ListEnabledAssets(context.Background())
	if err != nil {
		app.Logger.Fatal("failed to load enabled assets", "error", err.Error())
	}
	if len(assets) == 0 {
		app.Logger.Warn("no enabled assets found, engine will idle")
	}

	healthMgr := health.NewHealthManager(app.Logger)
	healthMgr.Register("database", func() error { return pool.Ping(context.Background()) })

	locks := runtime.NewLockTable()

	rt := runtime.New(runtime.Config{
		MaxWorkers:  app.Cfg.Runtime.MaxWorkers,
		LockTimeout: time.Duration(app.Cfg.Runtime.LockTimeoutSeconds) * time.Second,
	}, cycleStore, brokerClient, app.Logger)

	supervisor := reconcile.NewSupervisor(reconcile.Config{
		CleanupInterval:     time.Duration(app.Cfg.Reconcile.CleanupIntervalSeconds) * time.Second,
		StuckSellInterval:   time.Duration(app.Cfg.Reconcile.StuckSellIntervalSeconds) * time.Second,
		ConsistencyInterval: time.Duration(app.Cfg.Reconcile.ConsistencyIntervalSeconds) * time.Second,
		BootstrapInterval:   time.Duration(app.Cfg.Reconcile.BootstrapIntervalSeconds) * time.Second,
	}, cycleStore, brokerClient, locks, cycleStore.ListEnabledAssets, app.Logger)

	healthSrv := health.NewServer(healthMgr, app.Cfg.System.HealthPort, app.Logger)
	runners := []bootstrap.Runner{
		runnerFunc(func(ctx context.Context) error { return rt.Run(ctx, assets) }),
		&supervisorRunner{supervisor: supervisor},
		&serverRunner{start: healthSrv.Start, stop: healthSrv.Stop},
	}
	if app.Cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(app.Cfg.Telemetry.MetricsPort, app.Logger)
		runners = append(runners, &serverRunner{start: metricsSrv.Start, stop: metricsSrv.Stop})
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

func buildBroker(cfg *bootstrap.Config, logger core.ILogger) (broker.IBroker, error) {
	switch cfg.Broker.Mode {
	case "paper":
		return paper.New(), nil
	case "remote":
		return remote.New(remote.Config{
			BaseURL:           cfg.Broker.BaseURL,
			QuoteStreamURL:    cfg.Broker.QuoteStreamURL,
			TradeStreamURL:    cfg.Broker.TradeStreamURL,
			RequestsPerSecond: cfg.Broker.RequestsPerSecond,
			Timeout:           time.Duration(cfg.Broker.TimeoutSeconds) * time.Second,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
	}
}

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// supervisorRunner adapts reconcile.Supervisor's start-then-background
// lifecycle to bootstrap.Runner's block-until-done contract.
type supervisorRunner struct {
	supervisor *reconcile.Supervisor
}

func (s *supervisorRunner) Run(ctx context.Context) error {
	if err := s.supervisor.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.supervisor.Stop(context.Background())
	return ctx.Err()
}

// serverRunner adapts the infrastructure health/metrics servers'
// fire-and-forget Start()/Stop(ctx) lifecycle to bootstrap.Runner.
type serverRunner struct {
	start func()
	stop  func(ctx context.Context) error
}

func (s *serverRunner) Run(ctx context.Context) error {
	s.start()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stop(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
