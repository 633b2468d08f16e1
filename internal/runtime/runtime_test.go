package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/broker/paper"
	"dcaengine/internal/core"
	"dcaengine/internal/domain"
	"dcaengine/internal/store"
	"dcaengine/pkg/telemetry"
)

func init() {
	_ = telemetry.GetGlobalMetrics().InitMetrics(telemetry.GetMeter("runtime-test"))
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                      {}
func (noopLogger) Info(string, ...interface{})                       {}
func (noopLogger) Warn(string, ...interface{})                       {}
func (noopLogger) Error(string, ...interface{})                      {}
func (noopLogger) Fatal(string, ...interface{})                      {}
func (l noopLogger) WithField(string, interface{}) core.ILogger      { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger  { return l }

// fakeStore is a minimal in-memory ICycleStore covering the operations
// handleTerminated/handleFill exercise, for tests that don't need a
// real database.
type fakeStore struct {
	mu       sync.Mutex
	cycles   map[int64]*domain.Cycle
	nextID   int64
	rollover int
}

func newFakeStore(cycle domain.Cycle) *fakeStore {
	return &fakeStore{
		cycles: map[int64]*domain.Cycle{cycle.ID: &cycle},
		nextID: cycle.ID + 1,
	}
}

func (s *fakeStore) GetAsset(context.Context, string) (*domain.Asset, error) { return nil, nil }
func (s *fakeStore) ListEnabledAssets(context.Context) ([]domain.Asset, error) {
	return nil, nil
}
func (s *fakeStore) SetAssetLastSellPrice(context.Context, int64, decimal.Decimal) error { return nil }

func (s *fakeStore) GetActiveCycle(_ context.Context, assetID int64) (*domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.AssetID == assetID && !c.Status.IsTerminal() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, assertNotFound
}

func (s *fakeStore) GetCycleByOrderID(context.Context, string) (*domain.Cycle, error) {
	return nil, assertNotFound
}

func (s *fakeStore) GetLatestTerminalCycle(context.Context, int64) (*domain.Cycle, error) {
	return nil, assertNotFound
}

func (s *fakeStore) UpdateCycle(_ context.Context, cycleID int64, patch store.CyclePatch) (*domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[cycleID]
	if !ok {
		return nil, assertNotFound
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.Quantity != nil {
		c.Quantity = *patch.Quantity
	}
	if patch.AveragePurchasePrice != nil {
		c.AveragePurchasePrice = *patch.AveragePurchasePrice
	}
	c.SafetyOrders += patch.SafetyOrdersDelta
	if patch.LatestOrderID != nil {
		if patch.LatestOrderID.Valid {
			c.LatestOrderID = &patch.LatestOrderID.Value
		} else {
			c.LatestOrderID = nil
		}
	}
	if patch.CompletedAt != nil && patch.CompletedAt.Valid {
		c.CompletedAt = &patch.CompletedAt.Value
	}
	if patch.SellPrice != nil && patch.SellPrice.Valid {
		c.SellPrice = &patch.SellPrice.Value
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) CompleteAndRollover(_ context.Context, oldCycleID int64, patchOld store.CyclePatch, newCycle store.NewCycleFields) (*domain.Cycle, *domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.cycles[oldCycleID]
	if !ok {
		return nil, nil, assertNotFound
	}
	if patchOld.Status != nil {
		old.Status = *patchOld.Status
	}
	if patchOld.SellPrice != nil && patchOld.SellPrice.Valid {
		old.SellPrice = &patchOld.SellPrice.Value
	}
	if patchOld.CompletedAt != nil && patchOld.CompletedAt.Valid {
		old.CompletedAt = &patchOld.CompletedAt.Value
	}

	fresh := &domain.Cycle{ID: s.nextID, AssetID: newCycle.AssetID, Status: domain.StatusWatching}
	s.nextID++
	s.cycles[fresh.ID] = fresh
	s.rollover++

	oldCopy, freshCopy := *old, *fresh
	return &oldCopy, &freshCopy, nil
}

func (s *fakeStore) CreateInitialCycle(_ context.Context, assetID int64) (*domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &domain.Cycle{ID: s.nextID, AssetID: assetID, Status: domain.StatusWatching}
	s.nextID++
	s.cycles[c.ID] = c
	return c, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var assertNotFound error = notFoundErr{}

func newTestRuntime(t *testing.T, cycle domain.Cycle, brokerClient *paper.Broker) (*Runtime, *fakeStore) {
	t.Helper()
	fs := newFakeStore(cycle)
	rt := New(Config{MaxWorkers: 2, LockTimeout: 0}, fs, brokerClient, noopLogger{})
	return rt, fs
}

func TestHandleTerminated_BuySide_RevertsToWatching(t *testing.T) {
	cycle := domain.Cycle{ID: 1, AssetID: 10, Status: domain.StatusBuying, Quantity: decimal.Zero}
	b := paper.New()
	rt, fs := newTestRuntime(t, cycle, b)

	order := domain.Order{OrderID: "o1", Side: domain.SideBuy, Symbol: "BTC/USD"}
	rt.handleTerminated(context.Background(), cycle, order)

	got := fs.cycles[1]
	assert.Equal(t, domain.StatusWatching, got.Status)
	assert.Nil(t, got.LatestOrderID)
}

func TestHandleTerminated_SellSide_PositionRemains_RevertsWithResync(t *testing.T) {
	cycle := domain.Cycle{ID: 2, AssetID: 20, Status: domain.StatusSelling, Quantity: d("0.01")}
	b := paper.New()
	// Simulate a partial/failed sell: the broker still reports a position.
	buyOrder, err := b.PlaceLimitBuy(context.Background(), "seed", "ETH/USD", d("2000"), d("10"))
	require.NoError(t, err)
	require.NoError(t, b.Fill(buyOrder.OrderID, d("2000")))

	rt, fs := newTestRuntime(t, cycle, b)

	order := domain.Order{OrderID: "o2", Side: domain.SideSell, Symbol: "ETH/USD"}
	rt.handleTerminated(context.Background(), cycle, order)

	got := fs.cycles[2]
	assert.Equal(t, domain.StatusWatching, got.Status)
	assert.True(t, got.Quantity.Equal(d("0.005")), "quantity should resync to the broker-reported position")
	assert.Equal(t, 0, fs.rollover)
}

func TestHandleTerminated_SellSide_PositionZero_CompletesAndRollsOver(t *testing.T) {
	cycle := domain.Cycle{ID: 3, AssetID: 30, Status: domain.StatusSelling, Quantity: d("0.01")}
	b := paper.New() // no position recorded: broker reports the sell fully filled
	rt, fs := newTestRuntime(t, cycle, b)

	fillPrice := d("2100")
	order := domain.Order{OrderID: "o3", Side: domain.SideSell, Symbol: "ETH/USD", FilledAvgPrice: &fillPrice}
	rt.handleTerminated(context.Background(), cycle, order)

	old := fs.cycles[3]
	assert.Equal(t, domain.StatusComplete, old.Status)
	require.NotNil(t, old.SellPrice)
	assert.True(t, old.SellPrice.Equal(fillPrice))
	assert.Equal(t, 1, fs.rollover)
}

func TestHandleTerminated_SellSide_PositionZero_MissingFillPrice_RoutesToError(t *testing.T) {
	cycle := domain.Cycle{ID: 4, AssetID: 40, Status: domain.StatusSelling, Quantity: d("0.01")}
	b := paper.New()
	rt, fs := newTestRuntime(t, cycle, b)

	order := domain.Order{OrderID: "o4", Side: domain.SideSell, Symbol: "ETH/USD"}
	rt.handleTerminated(context.Background(), cycle, order)

	got := fs.cycles[4]
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, 0, fs.rollover)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}
