// Package store provides transactional persistence for Asset config and
// Cycle state. Every exported method is a single atomic operation; the
// Store never exposes a live transaction handle to callers, matching
// the narrow, strongly-typed operations spec.md §4.B requires.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/domain"
)

// Null wraps a value that should be explicitly set to NULL when Valid
// is false, distinguishing "set to null" from "leave untouched" on a
// CyclePatch field.
type Null[T any] struct {
	Value T
	Valid bool
}

// Set returns a Null[T] carrying value.
func Set[T any](value T) *Null[T] {
	return &Null[T]{Value: value, Valid: true}
}

// SetNull returns a Null[T] representing an explicit NULL.
func SetNull[T any]() *Null[T] {
	return &Null[T]{Valid: false}
}

// CyclePatch is a whitelisted set of fields UpdateCycle is allowed to
// mutate. A nil field is left untouched; a non-nil Null[T] field with
// Valid=false explicitly clears the column to NULL.
type CyclePatch struct {
	Status               *domain.CycleStatus
	Quantity             *decimal.Decimal
	AveragePurchasePrice *decimal.Decimal
	SafetyOrdersDelta    int // added to the current value; 0 is a no-op
	LatestOrderID        *Null[string]
	LatestOrderCreatedAt *Null[time.Time]
	LastOrderFillPrice   *Null[decimal.Decimal]
	HighestTrailingPrice *Null[decimal.Decimal]
	SellPrice            *Null[decimal.Decimal]
	CompletedAt          *Null[time.Time]
}

// NewCycleFields seeds a freshly rolled-over or bootstrapped Cycle.
type NewCycleFields struct {
	AssetID int64
}

// ICycleStore is the persistence boundary the rest of the engine depends
// on. Implementations must guarantee Invariant 1 (at most one
// non-terminal Cycle per Asset) even under concurrent callers.
type ICycleStore interface {
	GetAsset(ctx context.Context, symbol string) (*domain.Asset, error)
	ListEnabledAssets(ctx context.Context) ([]domain.Asset, error)
	SetAssetLastSellPrice(ctx context.Context, assetID int64, price decimal.Decimal) error

	GetActiveCycle(ctx context.Context, assetID int64) (*domain.Cycle, error)
	GetCycleByOrderID(ctx context.Context, orderID string) (*domain.Cycle, error)
	GetLatestTerminalCycle(ctx context.Context, assetID int64) (*domain.Cycle, error)

	UpdateCycle(ctx context.Context, cycleID int64, patch CyclePatch) (*domain.Cycle, error)
	CompleteAndRollover(ctx context.Context, oldCycleID int64, patchOld CyclePatch, newCycle NewCycleFields) (old, fresh *domain.Cycle, err error)
	CreateInitialCycle(ctx context.Context, assetID int64) (*domain.Cycle, error)
}
