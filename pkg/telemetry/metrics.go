package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCyclesActive            = "dca_cycles_active"
	MetricCyclesCompletedTotal    = "dca_cycles_completed_total"
	MetricCyclesErrorTotal        = "dca_cycles_error_total"
	MetricBaseOrdersPlacedTotal   = "dca_base_orders_placed_total"
	MetricSafetyOrdersPlacedTotal = "dca_safety_orders_placed_total"
	MetricSellOrdersPlacedTotal   = "dca_sell_orders_placed_total"
	MetricRealizedPnLTotal        = "dca_realized_pnl_total"
	MetricQuoteToDecisionLatency  = "dca_quote_to_decision_latency_ms"
	MetricOrderPlacementLatency   = "dca_order_placement_latency_ms"
	MetricReconcileCorrections    = "dca_reconcile_corrections_total"
)

// MetricsHolder holds initialized instruments for the engine's own
// operational signals (cycle counts, order counts, PnL, latency). It is
// distinct from the broker-reported market data the Decider consumes.
type MetricsHolder struct {
	CyclesActive            metric.Int64ObservableGauge
	CyclesCompletedTotal     metric.Int64Counter
	CyclesErrorTotal         metric.Int64Counter
	BaseOrdersPlacedTotal    metric.Int64Counter
	SafetyOrdersPlacedTotal  metric.Int64Counter
	SellOrdersPlacedTotal    metric.Int64Counter
	RealizedPnLTotal         metric.Float64Counter
	QuoteToDecisionLatency   metric.Float64Histogram
	OrderPlacementLatency    metric.Float64Histogram
	ReconcileCorrections     metric.Int64Counter

	mu              sync.RWMutex
	activeCyclesMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeCyclesMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CyclesCompletedTotal, err = meter.Int64Counter(MetricCyclesCompletedTotal, metric.WithDescription("Total cycles that reached the complete status"))
	if err != nil {
		return err
	}

	m.CyclesErrorTotal, err = meter.Int64Counter(MetricCyclesErrorTotal, metric.WithDescription("Total cycles that reached the error status"))
	if err != nil {
		return err
	}

	m.BaseOrdersPlacedTotal, err = meter.Int64Counter(MetricBaseOrdersPlacedTotal, metric.WithDescription("Total base buy orders placed"))
	if err != nil {
		return err
	}

	m.SafetyOrdersPlacedTotal, err = meter.Int64Counter(MetricSafetyOrdersPlacedTotal, metric.WithDescription("Total safety buy orders placed"))
	if err != nil {
		return err
	}

	m.SellOrdersPlacedTotal, err = meter.Int64Counter(MetricSellOrdersPlacedTotal, metric.WithDescription("Total take-profit sell orders placed"))
	if err != nil {
		return err
	}

	m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized profit across completed cycles"))
	if err != nil {
		return err
	}

	m.QuoteToDecisionLatency, err = meter.Float64Histogram(MetricQuoteToDecisionLatency, metric.WithDescription("Time from quote receipt to decider output"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrderPlacementLatency, err = meter.Float64Histogram(MetricOrderPlacementLatency, metric.WithDescription("Time from decider output to broker order acceptance"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ReconcileCorrections, err = meter.Int64Counter(MetricReconcileCorrections, metric.WithDescription("Total corrective actions taken by reconciliation workers"))
	if err != nil {
		return err
	}

	m.CyclesActive, err = meter.Int64ObservableGauge(MetricCyclesActive, metric.WithDescription("Number of currently non-terminal cycles"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for symbol, val := range m.activeCyclesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", symbol)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetCyclesActive records whether symbol currently has a non-terminal cycle.
func (m *MetricsHolder) SetCyclesActive(symbol string, active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCyclesMap[symbol] = val
}
