package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	LedgerTx
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
	SetLevelActive(ctx context.Context, itemID, locationID int64, active bool) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// do the serialization here; a stricter isolation level would abort waiters
// with 40001 once the lock holder commits.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *txRepository) GetLevelForUpdate(ctx context.Context, itemID, locationID int64) (StockLevel, error) {
	var level StockLevel
	err := r.tx.QueryRow(ctx, `SELECT item_id, location_id, quantity, reorder_level, is_active, updated_at
FROM stock_levels WHERE item_id=$1 AND location_id=$2 FOR UPDATE`, itemID, locationID).
		Scan(&level.ItemID, &level.LocationID, &level.Quantity, &level.ReorderLevel, &level.Active, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLevel{}, ErrLevelNotFound
		}
		return StockLevel{}, err
	}
	return level, nil
}

func (r *txRepository) CreateLevel(ctx context.Context, itemID, locationID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_levels (item_id, location_id, quantity, reorder_level, is_active, updated_at)
VALUES ($1, $2, 0, 0, TRUE, NOW())
ON CONFLICT (item_id, location_id) DO NOTHING`, itemID, locationID)
	return err
}

func (r *txRepository) SetLevelQuantity(ctx context.Context, itemID, locationID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_levels SET quantity=$3, is_active=TRUE, updated_at=NOW()
WHERE item_id=$1 AND location_id=$2`, itemID, locationID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLevelNotFound
	}
	return nil
}

func (r *txRepository) SetLevelActive(ctx context.Context, itemID, locationID int64, active bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_levels SET is_active=$3, updated_at=NOW()
WHERE item_id=$1 AND location_id=$2`, itemID, locationID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLevelNotFound
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (reference, movement_type, item_id, from_location_id, to_location_id, quantity, note, actor_id, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE,$9) RETURNING id`,
		movement.Reference, string(movement.Type), movement.ItemID, movement.FromLocationID,
		movement.ToLocationID, movement.Quantity, movement.Note, nullActor(movement.ActorID), movement.CreatedAt).Scan(&id)
	return id, err
}

func nullActor(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// GetLevel reads a single level without locking. A missing row reads as zero
// on hand.
func (r *Repository) GetLevel(ctx context.Context, itemID, locationID int64) (StockLevel, error) {
	var level StockLevel
	err := r.pool.QueryRow(ctx, `SELECT item_id, location_id, quantity, reorder_level, is_active, updated_at
FROM stock_levels WHERE item_id=$1 AND location_id=$2`, itemID, locationID).
		Scan(&level.ItemID, &level.LocationID, &level.Quantity, &level.ReorderLevel, &level.Active, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLevel{ItemID: itemID, LocationID: locationID, Active: true}, nil
		}
		return StockLevel{}, err
	}
	return level, nil
}

// SetReorderLevel upserts the per-location reorder threshold, so it can be
// set before the first movement ever creates the row.
func (r *Repository) SetReorderLevel(ctx context.Context, itemID, locationID, reorderLevel int64) (StockLevel, error) {
	var level StockLevel
	err := r.pool.QueryRow(ctx, `INSERT INTO stock_levels (item_id, location_id, quantity, reorder_level, is_active, updated_at)
VALUES ($1, $2, 0, $3, TRUE, NOW())
ON CONFLICT (item_id, location_id) DO UPDATE SET reorder_level=$3, updated_at=NOW()
RETURNING item_id, location_id, quantity, reorder_level, is_active, updated_at`, itemID, locationID, reorderLevel).
		Scan(&level.ItemID, &level.LocationID, &level.Quantity, &level.ReorderLevel, &level.Active, &level.UpdatedAt)
	if err != nil {
		return StockLevel{}, err
	}
	return level, nil
}

// ListLevels lists stock levels matching the filter.
func (r *Repository) ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error) {
	query := `SELECT item_id, location_id, quantity, reorder_level, is_active, updated_at FROM stock_levels WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.ItemID != nil {
		query += fmt.Sprintf(` AND item_id=$%d`, idx)
		args = append(args, *filter.ItemID)
		idx++
	}
	if filter.LocationID != nil {
		query += fmt.Sprintf(` AND location_id=$%d`, idx)
		args = append(args, *filter.LocationID)
		idx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query += fmt.Sprintf(` ORDER BY item_id, location_id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := []StockLevel{}
	for rows.Next() {
		var level StockLevel
		if err := rows.Scan(&level.ItemID, &level.LocationID, &level.Quantity, &level.ReorderLevel, &level.Active, &level.UpdatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ListLowStock returns tracked items at or below their reorder level. The
// per-location threshold wins when set; the item default covers the rest.
func (r *Repository) ListLowStock(ctx context.Context) ([]LowStockEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT i.id, i.name, i.sku, l.id, l.name, sl.quantity,
COALESCE(NULLIF(sl.reorder_level, 0), i.reorder_level)
FROM stock_levels sl
JOIN items i ON i.id = sl.item_id
JOIN locations l ON l.id = sl.location_id
WHERE i.track_stock AND i.is_active AND l.is_active AND sl.is_active
AND sl.quantity <= COALESCE(NULLIF(sl.reorder_level, 0), i.reorder_level)
ORDER BY sl.quantity ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []LowStockEntry{}
	for rows.Next() {
		var e LowStockEntry
		if err := rows.Scan(&e.ItemID, &e.ItemName, &e.SKU, &e.LocationID, &e.LocationName, &e.Quantity, &e.ReorderLevel); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListMovements lists movement records matching the filter, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.ItemID != nil {
		where += fmt.Sprintf(` AND item_id=$%d`, idx)
		args = append(args, *filter.ItemID)
		idx++
	}
	if filter.LocationID != nil {
		where += fmt.Sprintf(` AND (from_location_id=$%d OR to_location_id=$%d)`, idx, idx+1)
		args = append(args, *filter.LocationID, *filter.LocationID)
		idx += 2
	}
	if filter.Type != "" {
		where += fmt.Sprintf(` AND movement_type=$%d`, idx)
		args = append(args, string(filter.Type))
		idx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *filter.To)
		idx++
	}
	if !filter.IncludeInactive {
		where += ` AND is_active`
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM movements`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, `SELECT id, reference, movement_type, item_id, from_location_id, to_location_id, quantity, note, COALESCE(actor_id, 0), is_active, created_at
FROM movements`+where+fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Reference, &m.Type, &m.ItemID, &m.FromLocationID, &m.ToLocationID, &m.Quantity, &m.Note, &m.ActorID, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

// GetMovement fetches a single movement record.
func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	var m Movement
	err := r.pool.QueryRow(ctx, `SELECT id, reference, movement_type, item_id, from_location_id, to_location_id, quantity, note, COALESCE(actor_id, 0), is_active, created_at
FROM movements WHERE id=$1`, id).
		Scan(&m.ID, &m.Reference, &m.Type, &m.ItemID, &m.FromLocationID, &m.ToLocationID, &m.Quantity, &m.Note, &m.ActorID, &m.IsActive, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, fmt.Errorf("stock: movement %d: %w", id, shared.ErrNotFound)
		}
		return Movement{}, err
	}
	return m, nil
}

// SetMovementActive flips the movement's active flag. The row is otherwise
// immutable.
func (r *Repository) SetMovementActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE movements SET is_active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stock: movement %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

var _ TxRepository = (*txRepository)(nil)
