package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dcaengine/internal/domain"
	"dcaengine/pkg/apperrors"
)

const cycleColumns = `id, asset_id, status, quantity, average_purchase_price, safety_orders,
	latest_order_id, latest_order_created_at, last_order_fill_price,
	highest_trailing_price, sell_price, completed_at, created_at, updated_at`

const assetColumns = `id, symbol, enabled, base_order_amount, safety_order_amount, max_safety_orders,
	safety_order_deviation_percent, take_profit_percent, ttp_enabled, ttp_deviation_percent,
	cooldown_period_seconds, buy_order_price_deviation_percent, last_sell_price`

// PostgresCycleStore satisfies ICycleStore against a PostgreSQL database
// via pgx. Every method that mutates Cycle state runs inside a
// serializable transaction so Invariant 1 holds under concurrent
// schedulers working different assets.
type PostgresCycleStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCycleStore wraps an already-configured pool. Pool lifecycle
// (creation, Close) is the caller's responsibility.
func NewPostgresCycleStore(pool *pgxpool.Pool) *PostgresCycleStore {
	return &PostgresCycleStore{pool: pool}
}

func scanAsset(row pgx.Row) (*domain.Asset, error) {
	var a domain.Asset
	var lastSellPrice *decimal.Decimal
	err := row.Scan(
		&a.ID, &a.Symbol, &a.Enabled, &a.BaseOrderAmount, &a.SafetyOrderAmount, &a.MaxSafetyOrders,
		&a.SafetyOrderDeviationPercent, &a.TakeProfitPercent, &a.TTPEnabled, &a.TTPDeviationPercent,
		&a.CooldownPeriodSeconds, &a.BuyOrderPriceDeviationPct, &lastSellPrice,
	)
	if err != nil {
		return nil, err
	}
	if lastSellPrice != nil {
		a.LastSellPrice = *lastSellPrice
	}
	return &a, nil
}

func scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var c domain.Cycle
	err := row.Scan(
		&c.ID, &c.AssetID, &c.Status, &c.Quantity, &c.AveragePurchasePrice, &c.SafetyOrders,
		&c.LatestOrderID, &c.LatestOrderCreatedAt, &c.LastOrderFillPrice,
		&c.HighestTrailingPrice, &c.SellPrice, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresCycleStore) GetAsset(ctx context.Context, symbol string) (*domain.Asset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE symbol = $1`, symbol)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("GetAsset", apperrors.ErrAssetNotFound)
		}
		return nil, wrap("GetAsset", err)
	}
	return asset, nil
}

func (s *PostgresCycleStore) ListEnabledAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE enabled = true ORDER BY id`)
	if err != nil {
		return nil, wrap("ListEnabledAssets", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, wrap("ListEnabledAssets", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("ListEnabledAssets", err)
	}
	return assets, nil
}

func (s *PostgresCycleStore) SetAssetLastSellPrice(ctx context.Context, assetID int64, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `UPDATE assets SET last_sell_price = $2 WHERE id = $1`, assetID, price)
	if err != nil {
		return wrap("SetAssetLastSellPrice", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("SetAssetLastSellPrice", apperrors.ErrAssetNotFound)
	}
	return nil
}

func (s *PostgresCycleStore) GetActiveCycle(ctx context.Context, assetID int64) (*domain.Cycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles
		WHERE asset_id = $1 AND status NOT IN ('complete', 'error')
		ORDER BY id DESC LIMIT 1`, assetID)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("GetActiveCycle", apperrors.ErrCycleNotFound)
		}
		return nil, wrap("GetActiveCycle", err)
	}
	return cycle, nil
}

func (s *PostgresCycleStore) GetCycleByOrderID(ctx context.Context, orderID string) (*domain.Cycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE latest_order_id = $1`, orderID)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("GetCycleByOrderID", apperrors.ErrCycleNotFound)
		}
		return nil, wrap("GetCycleByOrderID", err)
	}
	return cycle, nil
}

func (s *PostgresCycleStore) GetLatestTerminalCycle(ctx context.Context, assetID int64) (*domain.Cycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles
		WHERE asset_id = $1 AND status IN ('complete', 'error')
		ORDER BY completed_at DESC NULLS LAST, id DESC LIMIT 1`, assetID)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("GetLatestTerminalCycle", apperrors.ErrCycleNotFound)
		}
		return nil, wrap("GetLatestTerminalCycle", err)
	}
	return cycle, nil
}

// buildPatchSet renders a CyclePatch into a SET clause plus ordered args,
// starting arg numbering at $2 (cycle id is always $1).
func buildPatchSet(patch CyclePatch) (string, []any) {
	var sets []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args)+1)
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+next(string(*patch.Status)))
	}
	if patch.Quantity != nil {
		sets = append(sets, "quantity = "+next(*patch.Quantity))
	}
	if patch.AveragePurchasePrice != nil {
		sets = append(sets, "average_purchase_price = "+next(*patch.AveragePurchasePrice))
	}
	if patch.SafetyOrdersDelta != 0 {
		sets = append(sets, "safety_orders = safety_orders + "+next(patch.SafetyOrdersDelta))
	}
	if patch.LatestOrderID != nil {
		if patch.LatestOrderID.Valid {
			sets = append(sets, "latest_order_id = "+next(patch.LatestOrderID.Value))
		} else {
			sets = append(sets, "latest_order_id = NULL")
		}
	}
	if patch.LatestOrderCreatedAt != nil {
		if patch.LatestOrderCreatedAt.Valid {
			sets = append(sets, "latest_order_created_at = "+next(patch.LatestOrderCreatedAt.Value))
		} else {
			sets = append(sets, "latest_order_created_at = NULL")
		}
	}
	if patch.LastOrderFillPrice != nil {
		if patch.LastOrderFillPrice.Valid {
			sets = append(sets, "last_order_fill_price = "+next(patch.LastOrderFillPrice.Value))
		} else {
			sets = append(sets, "last_order_fill_price = NULL")
		}
	}
	if patch.HighestTrailingPrice != nil {
		if patch.HighestTrailingPrice.Valid {
			sets = append(sets, "highest_trailing_price = "+next(patch.HighestTrailingPrice.Value))
		} else {
			sets = append(sets, "highest_trailing_price = NULL")
		}
	}
	if patch.SellPrice != nil {
		if patch.SellPrice.Valid {
			sets = append(sets, "sell_price = "+next(patch.SellPrice.Value))
		} else {
			sets = append(sets, "sell_price = NULL")
		}
	}
	if patch.CompletedAt != nil {
		if patch.CompletedAt.Valid {
			sets = append(sets, "completed_at = "+next(patch.CompletedAt.Value))
		} else {
			sets = append(sets, "completed_at = NULL")
		}
	}
	sets = append(sets, "updated_at = now()")
	return strings.Join(sets, ", "), args
}

func applyPatch(ctx context.Context, tx pgx.Tx, cycleID int64, patch CyclePatch) (*domain.Cycle, error) {
	setClause, args := buildPatchSet(patch)
	args = append([]any{cycleID}, args...)
	query := fmt.Sprintf(`UPDATE cycles SET %s WHERE id = $1 RETURNING %s`, setClause, cycleColumns)
	row := tx.QueryRow(ctx, query, args...)
	return scanCycle(row)
}

func (s *PostgresCycleStore) UpdateCycle(ctx context.Context, cycleID int64, patch CyclePatch) (*domain.Cycle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, wrap("UpdateCycle", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cycle, err := applyPatch(ctx, tx, cycleID, patch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("UpdateCycle", apperrors.ErrCycleNotFound)
		}
		return nil, wrap("UpdateCycle", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("UpdateCycle", err)
	}
	return cycle, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func insertWatchingCycle(ctx context.Context, tx pgx.Tx, assetID int64) (*domain.Cycle, error) {
	row := tx.QueryRow(ctx, `INSERT INTO cycles (asset_id, status, quantity, average_purchase_price, safety_orders)
		VALUES ($1, $2, 0, 0, 0)
		RETURNING `+cycleColumns, assetID, string(domain.StatusWatching))
	return scanCycle(row)
}

// CompleteAndRollover marks oldCycleID terminal and opens a fresh
// watching Cycle for newCycle.AssetID in one transaction. Per spec.md
// §7, a unique-violation on the insert means a concurrent scheduler
// already opened the new active Cycle; that Cycle is adopted as fresh
// rather than surfaced as an error.
func (s *PostgresCycleStore) CompleteAndRollover(ctx context.Context, oldCycleID int64, patchOld CyclePatch, newCycle NewCycleFields) (*domain.Cycle, *domain.Cycle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, nil, wrap("CompleteAndRollover", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := applyPatch(ctx, tx, oldCycleID, patchOld)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, wrap("CompleteAndRollover", apperrors.ErrCycleNotFound)
		}
		return nil, nil, wrap("CompleteAndRollover", err)
	}

	fresh, err := insertWatchingCycle(ctx, tx, newCycle.AssetID)
	if err != nil {
		if isUniqueViolation(err) {
			return s.adoptExistingRollover(ctx, oldCycleID, patchOld, newCycle.AssetID)
		}
		return nil, nil, wrap("CompleteAndRollover", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrap("CompleteAndRollover", err)
	}
	return old, fresh, nil
}

// adoptExistingRollover retries the old-Cycle completion on its own and
// treats whatever active Cycle is currently on record for the asset as
// the rollover target, per the concurrent-success rule in spec.md §7.
func (s *PostgresCycleStore) adoptExistingRollover(ctx context.Context, oldCycleID int64, patchOld CyclePatch, assetID int64) (*domain.Cycle, *domain.Cycle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, nil, wrap("CompleteAndRollover", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := applyPatch(ctx, tx, oldCycleID, patchOld)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, wrap("CompleteAndRollover", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles
		WHERE asset_id = $1 AND status NOT IN ('complete', 'error')
		ORDER BY id DESC LIMIT 1`, assetID)
	fresh, err := scanCycle(row)
	if err != nil {
		return nil, nil, wrap("CompleteAndRollover", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrap("CompleteAndRollover", err)
	}
	return old, fresh, nil
}

// CreateInitialCycle opens the first watching Cycle for an asset with no
// Cycle history. A unique-violation means another scheduler bootstrapped
// the asset first; that Cycle is returned instead of an error.
func (s *PostgresCycleStore) CreateInitialCycle(ctx context.Context, assetID int64) (*domain.Cycle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, wrap("CreateInitialCycle", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cycle, err := insertWatchingCycle(ctx, tx, assetID)
	if err != nil {
		if isUniqueViolation(err) {
			row := s.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycles
				WHERE asset_id = $1 AND status NOT IN ('complete', 'error')
				ORDER BY id DESC LIMIT 1`, assetID)
			existing, scanErr := scanCycle(row)
			if scanErr != nil {
				return nil, wrap("CreateInitialCycle", scanErr)
			}
			return existing, nil
		}
		return nil, wrap("CreateInitialCycle", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("CreateInitialCycle", err)
	}
	return cycle, nil
}
