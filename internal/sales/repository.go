package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/stock"
)

// SaleableItem is the catalog snapshot the coordinator needs per line.
type SaleableItem struct {
	ID         int64
	Name       string
	SKU        string
	SalePrice  float64
	TrackStock bool
	IsActive   bool
}

// TxRepository exposes the transactional operations used by the service.
// It embeds stock.LedgerTx so the stock decrement of a sale runs through the
// movement engine inside the same transaction as the sale itself.
type TxRepository interface {
	stock.LedgerTx

	NextSaleNumber(ctx context.Context, day time.Time) (string, error)
	GetItemForSale(ctx context.Context, itemID int64) (SaleableItem, error)
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertSaleItems(ctx context.Context, saleID int64, items []SaleItem) error
	InsertPayments(ctx context.Context, saleID int64, payments []Payment) error
	InsertMovement(ctx context.Context, movement stock.Movement) (int64, error)
	GetSaleForUpdate(ctx context.Context, id int64) (Sale, error)
	GetSaleItems(ctx context.Context, saleID int64) ([]SaleItem, error)
	UpdateSaleStatus(ctx context.Context, id int64, status SaleStatus, actorID int64, at time.Time) error
	RefundedQuantities(ctx context.Context, originalSaleID int64) (map[int64]int64, error)
}

// Repository persists sales in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// do the serialization here; a stricter isolation level would abort waiters
// with 40001 once the lock holder commits.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("sales repository not initialised")
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

// NextSaleNumber allocates the next sequential number for the day. The
// counter row is locked by the upsert, so concurrent sales serialize here and
// numbers stay gapless per committed transaction.
func (r *txRepository) NextSaleNumber(ctx context.Context, day time.Time) (string, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	var counter int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_counters (day, counter) VALUES ($1, 1)
ON CONFLICT (day) DO UPDATE SET counter = sale_counters.counter + 1
RETURNING counter`, day).Scan(&counter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SALE-%s-%06d", day.Format("20060102"), counter), nil
}

func (r *txRepository) GetItemForSale(ctx context.Context, itemID int64) (SaleableItem, error) {
	var item SaleableItem
	err := r.tx.QueryRow(ctx, `SELECT id, name, sku, sale_price, track_stock, is_active FROM items WHERE id=$1`, itemID).
		Scan(&item.ID, &item.Name, &item.SKU, &item.SalePrice, &item.TrackStock, &item.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SaleableItem{}, fmt.Errorf("sales: item %d: %w", itemID, shared.ErrNotFound)
		}
		return SaleableItem{}, err
	}
	return item, nil
}

func (r *txRepository) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (number, kind, original_sale_id, status, location_id, customer_id, cashier_id,
subtotal, discount_total, tax_total, total, note, created_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		sale.Number, string(sale.Kind), sale.OriginalSaleID, string(sale.Status), sale.LocationID,
		sale.CustomerID, sale.CashierID, sale.Subtotal, sale.DiscountTotal, sale.TaxTotal,
		sale.Total, sale.Note, sale.CreatedAt, sale.CompletedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertSaleItems(ctx context.Context, saleID int64, items []SaleItem) error {
	for _, item := range items {
		if _, err := r.tx.Exec(ctx, `INSERT INTO sale_items (sale_id, item_id, item_name, sku, quantity, unit_price, discount_amount, tax_amount, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			saleID, item.ItemID, item.ItemName, item.SKU, item.Quantity, item.UnitPrice,
			item.DiscountAmount, item.TaxAmount, item.LineTotal); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertPayments(ctx context.Context, saleID int64, payments []Payment) error {
	for _, payment := range payments {
		if _, err := r.tx.Exec(ctx, `INSERT INTO payments (sale_id, payment_option_id, amount, reference, paid_at)
VALUES ($1,$2,$3,$4,$5)`,
			saleID, payment.PaymentOptionID, payment.Amount, payment.Reference, payment.PaidAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, movement stock.Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (reference, movement_type, item_id, from_location_id, to_location_id, quantity, note, actor_id, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE,$9) RETURNING id`,
		movement.Reference, string(movement.Type), movement.ItemID, movement.FromLocationID,
		movement.ToLocationID, movement.Quantity, movement.Note, movement.ActorID, movement.CreatedAt).Scan(&id)
	return id, err
}

const saleColumns = `id, number, kind, original_sale_id, status, location_id, customer_id, cashier_id,
subtotal, discount_total, tax_total, total, note, created_at, completed_at, cancelled_at, cancelled_by`

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	err := row.Scan(&s.ID, &s.Number, &s.Kind, &s.OriginalSaleID, &s.Status, &s.LocationID,
		&s.CustomerID, &s.CashierID, &s.Subtotal, &s.DiscountTotal, &s.TaxTotal, &s.Total,
		&s.Note, &s.CreatedAt, &s.CompletedAt, &s.CancelledAt, &s.CancelledBy)
	return s, err
}

func (r *txRepository) GetSaleForUpdate(ctx context.Context, id int64) (Sale, error) {
	sale, err := scanSale(r.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, fmt.Errorf("sales: sale %d: %w", id, shared.ErrNotFound)
		}
		return Sale{}, err
	}
	return sale, nil
}

func (r *txRepository) GetSaleItems(ctx context.Context, saleID int64) ([]SaleItem, error) {
	return querySaleItems(ctx, r.tx, saleID)
}

func (r *txRepository) UpdateSaleStatus(ctx context.Context, id int64, status SaleStatus, actorID int64, at time.Time) error {
	var query string
	switch status {
	case SaleStatusCancelled:
		query = `UPDATE sales SET status=$2, cancelled_at=$3, cancelled_by=$4 WHERE id=$1`
		_, err := r.tx.Exec(ctx, query, id, string(status), at, actorID)
		return err
	default:
		query = `UPDATE sales SET status=$2 WHERE id=$1`
		_, err := r.tx.Exec(ctx, query, id, string(status))
		return err
	}
}

// RefundedQuantities sums per-item quantities across committed refund sales
// linked to the original.
func (r *txRepository) RefundedQuantities(ctx context.Context, originalSaleID int64) (map[int64]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT si.item_id, COALESCE(SUM(si.quantity), 0)
FROM sale_items si
JOIN sales s ON s.id = si.sale_id
WHERE s.original_sale_id = $1 AND s.kind = 'refund' AND s.status = 'completed'
GROUP BY si.item_id`, originalSaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunded := make(map[int64]int64)
	for rows.Next() {
		var itemID, qty int64
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		refunded[itemID] = qty
	}
	return refunded, rows.Err()
}

// Stock ledger operations, shared semantics with the stock repository so the
// movement engine can run inside a sale transaction.

func (r *txRepository) GetLevelForUpdate(ctx context.Context, itemID, locationID int64) (stock.StockLevel, error) {
	var level stock.StockLevel
	err := r.tx.QueryRow(ctx, `SELECT item_id, location_id, quantity, reorder_level, is_active, updated_at
FROM stock_levels WHERE item_id=$1 AND location_id=$2 FOR UPDATE`, itemID, locationID).
		Scan(&level.ItemID, &level.LocationID, &level.Quantity, &level.ReorderLevel, &level.Active, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.StockLevel{}, stock.ErrLevelNotFound
		}
		return stock.StockLevel{}, err
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
		return stock.ErrLevelNotFound
	}
	return nil
}

// Pool-level reads.

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func querySaleItems(ctx context.Context, q queryer, saleID int64) ([]SaleItem, error) {
	rows, err := q.Query(ctx, `SELECT id, sale_id, item_id, item_name, sku, quantity, unit_price, discount_amount, tax_amount, line_total
FROM sale_items WHERE sale_id=$1 ORDER BY id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []SaleItem{}
	for rows.Next() {
		var it SaleItem
		if err := rows.Scan(&it.ID, &it.SaleID, &it.ItemID, &it.ItemName, &it.SKU, &it.Quantity,
			&it.UnitPrice, &it.DiscountAmount, &it.TaxAmount, &it.LineTotal); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetSale loads the full sale graph: header, lines and payments.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, fmt.Errorf("sales: sale %d: %w", id, shared.ErrNotFound)
		}
		return Sale{}, err
	}

	if sale.Items, err = querySaleItems(ctx, r.pool, id); err != nil {
		return Sale{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, sale_id, payment_option_id, amount, reference, paid_at
FROM payments WHERE sale_id=$1 ORDER BY id`, id)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.PaymentOptionID, &p.Amount, &p.Reference, &p.PaidAt); err != nil {
			return Sale{}, err
		}
		sale.Payments = append(sale.Payments, p)
	}
	return sale, rows.Err()
}

// GetSaleByNumber resolves a sale number to its id and loads the graph.
func (r *Repository) GetSaleByNumber(ctx context.Context, number string) (Sale, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM sales WHERE number=$1`, number).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, fmt.Errorf("sales: sale %s: %w", number, shared.ErrNotFound)
		}
		return Sale{}, err
	}
	return r.GetSale(ctx, id)
}

// ListSales lists sale headers matching the filters, newest first by default.
func (r *Repository) ListSales(ctx context.Context, filters ListFilters) ([]Sale, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.Status != "" {
		where += fmt.Sprintf(` AND status=$%d`, idx)
		args = append(args, string(filters.Status))
		idx++
	}
	if filters.Kind != "" {
		where += fmt.Sprintf(` AND kind=$%d`, idx)
		args = append(args, string(filters.Kind))
		idx++
	}
	if filters.LocationID != nil {
		where += fmt.Sprintf(` AND location_id=$%d`, idx)
		args = append(args, *filters.LocationID)
		idx++
	}
	if filters.CustomerID != nil {
		where += fmt.Sprintf(` AND customer_id=$%d`, idx)
		args = append(args, *filters.CustomerID)
		idx++
	}
	if filters.CashierID != nil {
		where += fmt.Sprintf(` AND cashier_id=$%d`, idx)
		args = append(args, *filters.CashierID)
		idx++
	}
	if filters.Number != "" {
		where += fmt.Sprintf(` AND number ILIKE $%d`, idx)
		args = append(args, "%"+filters.Number+"%")
		idx++
	}
	if filters.From != nil {
		where += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *filters.From)
		idx++
	}
	if filters.To != nil {
		where += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *filters.To)
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortBy := "created_at"
	switch filters.SortBy {
	case "number", "total", "created_at", "status":
		sortBy = filters.SortBy
	}
	dir := "DESC"
	if filters.SortDir == "asc" {
		dir = "ASC"
	}

	limit := filters.Limit
	if limit <= 0 || limit > shared.MaxPerPage {
		limit = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales`+where+
		fmt.Sprintf(` ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`, sortBy, dir, dir, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sales := []Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, 0, err
		}
		sales = append(sales, sale)
	}
	return sales, total, rows.Err()
}

// DailySummary aggregates completed sales for one day, used by the summary
// job and reports.
type DailySummary struct {
	Day          time.Time `json:"day"`
	SaleCount    int64     `json:"sale_count"`
	RefundCount  int64     `json:"refund_count"`
	GrossTotal   float64   `json:"gross_total"`
	RefundTotal  float64   `json:"refund_total"`
	NetTotal     float64   `json:"net_total"`
	ItemsSold    int64     `json:"items_sold"`
	ItemsRefunds int64     `json:"items_refunded"`
}

// SummarizeDay aggregates completed sales and refunds for the given day.
func (r *Repository) SummarizeDay(ctx context.Context, day time.Time) (DailySummary, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	summary := DailySummary{Day: start}
	err := r.pool.QueryRow(ctx, `SELECT
COUNT(*) FILTER (WHERE kind='original'),
COUNT(*) FILTER (WHERE kind='refund'),
COALESCE(SUM(total) FILTER (WHERE kind='original'), 0),
COALESCE(SUM(total) FILTER (WHERE kind='refund'), 0)
FROM sales
WHERE status IN ('completed', 'refunded') AND created_at >= $1 AND created_at < $2`, start, end).
		Scan(&summary.SaleCount, &summary.RefundCount, &summary.GrossTotal, &summary.RefundTotal)
	if err != nil {
		return DailySummary{}, err
	}
	summary.NetTotal = roundTo2(summary.GrossTotal - summary.RefundTotal)

	err = r.pool.QueryRow(ctx, `SELECT
COALESCE(SUM(si.quantity) FILTER (WHERE s.kind='original'), 0),
COALESCE(SUM(si.quantity) FILTER (WHERE s.kind='refund'), 0)
FROM sale_items si
JOIN sales s ON s.id = si.sale_id
WHERE s.status IN ('completed', 'refunded') AND s.created_at >= $1 AND s.created_at < $2`, start, end).
		Scan(&summary.ItemsSold, &summary.ItemsRefunds)
	if err != nil {
		return DailySummary{}, err
	}
	return summary, nil
}

var _ TxRepository = (*txRepository)(nil)
