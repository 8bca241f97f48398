package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/shared"
)

const uniqueViolation = "23505"

// Repository defines persistence for catalog entities.
type Repository interface {
	ListItems(ctx context.Context, filters ListFilters) ([]Item, int, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	GetItemBySKU(ctx context.Context, sku string) (Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	UpdateItem(ctx context.Context, id int64, item Item) error
	SetItemActive(ctx context.Context, id int64, active bool) error

	ListCategories(ctx context.Context) ([]Category, error)
	CreateCategory(ctx context.Context, category Category) (Category, error)

	ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	CreateSupplier(ctx context.Context, supplier Supplier) (Supplier, error)
	UpdateSupplier(ctx context.Context, id int64, supplier Supplier) error

	ListLocations(ctx context.Context, includeInactive bool) ([]Location, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	CreateLocation(ctx context.Context, location Location) (Location, error)
	SetLocationActive(ctx context.Context, id int64, active bool) error
	CountLiveStock(ctx context.Context, locationID int64) (int, error)

	ListPaymentOptions(ctx context.Context) ([]PaymentOption, error)
	CreatePaymentOption(ctx context.Context, option PaymentOption) (PaymentOption, error)

	ListTaxes(ctx context.Context) ([]Tax, error)
	CreateTax(ctx context.Context, tax Tax) (Tax, error)

	ListDiscounts(ctx context.Context) ([]Discount, error)
	CreateDiscount(ctx context.Context, discount Discount) (Discount, error)

	ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error)
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	CreateCustomer(ctx context.Context, customer Customer) (Customer, error)
}

// repo implements Repository against PostgreSQL.
type repo struct {
	db *pgxpool.Pool
}

// NewRepository creates a new catalog repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repo{db: db}
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	return err
}

func conflictOr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return shared.ErrConflict
	}
	return err
}

const itemColumns = `id, sku, barcode, name, description, category_id, supplier_id, tax_id,
cost_price, sale_price, track_stock, reorder_level, is_active, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.SKU, &it.Barcode, &it.Name, &it.Description, &it.CategoryID,
		&it.SupplierID, &it.TaxID, &it.CostPrice, &it.SalePrice, &it.TrackStock,
		&it.ReorderLevel, &it.IsActive, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r *repo) ListItems(ctx context.Context, filters ListFilters) ([]Item, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.Search != "" {
		where += fmt.Sprintf(` AND (search_name LIKE $%d OR sku ILIKE $%d OR barcode = $%d)`, idx, idx+1, idx+2)
		args = append(args, "%"+foldName(filters.Search)+"%", "%"+filters.Search+"%", filters.Search)
		idx += 3
	}
	if filters.CategoryID != nil {
		where += fmt.Sprintf(` AND category_id = $%d`, idx)
		args = append(args, *filters.CategoryID)
		idx++
	}
	if filters.SupplierID != nil {
		where += fmt.Sprintf(` AND supplier_id = $%d`, idx)
		args = append(args, *filters.SupplierID)
		idx++
	}
	if filters.IsActive != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, idx)
		args = append(args, *filters.IsActive)
		idx++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM items`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortBy := "name"
	switch filters.SortBy {
	case "sku", "name", "sale_price", "created_at":
		sortBy = filters.SortBy
	}
	dir := "ASC"
	if filters.SortDir == "desc" {
		dir = "DESC"
	}

	limit := filters.Limit
	if limit <= 0 || limit > shared.MaxPerPage {
		limit = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}

	query := `SELECT ` + itemColumns + ` FROM items` + where +
		fmt.Sprintf(` ORDER BY %s %s LIMIT $%d OFFSET $%d`, sortBy, dir, idx, idx+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (r *repo) GetItem(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return Item{}, notFoundOr(err)
	}
	return it, nil
}

func (r *repo) GetItemBySKU(ctx context.Context, sku string) (Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE sku = $1`, sku))
	if err != nil {
		return Item{}, notFoundOr(err)
	}
	return it, nil
}

func (r *repo) CreateItem(ctx context.Context, item Item) (Item, error) {
	query := `INSERT INTO items (sku, barcode, name, search_name, description, category_id, supplier_id, tax_id,
cost_price, sale_price, track_stock, reorder_level, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13, $13) RETURNING id`
	now := time.Now()
	err := r.db.QueryRow(ctx, query, item.SKU, item.Barcode, item.Name, foldName(item.Name),
		item.Description, item.CategoryID, item.SupplierID, item.TaxID,
		item.CostPrice, item.SalePrice, item.TrackStock, item.ReorderLevel, now).Scan(&item.ID)
	if err != nil {
		return Item{}, conflictOr(err)
	}
	item.IsActive = true
	item.CreatedAt = now
	item.UpdatedAt = now
	return item, nil
}

func (r *repo) UpdateItem(ctx context.Context, id int64, item Item) error {
	query := `UPDATE items SET sku = $1, barcode = $2, name = $3, search_name = $4, description = $5,
category_id = $6, supplier_id = $7, tax_id = $8, cost_price = $9, sale_price = $10,
track_stock = $11, reorder_level = $12, updated_at = $13 WHERE id = $14`
	tag, err := r.db.Exec(ctx, query, item.SKU, item.Barcode, item.Name, foldName(item.Name),
		item.Description, item.CategoryID, item.SupplierID, item.TaxID,
		item.CostPrice, item.SalePrice, item.TrackStock, item.ReorderLevel, time.Now(), id)
	if err != nil {
		return conflictOr(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repo) SetItemActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE items SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repo) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, parent_id FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (r *repo) CreateCategory(ctx context.Context, category Category) (Category, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO categories (name, parent_id) VALUES ($1, $2) RETURNING id`,
		category.Name, category.ParentID).Scan(&category.ID)
	if err != nil {
		return Category{}, conflictOr(err)
	}
	return category, nil
}

func (r *repo) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.Search != "" {
		where += fmt.Sprintf(` AND name ILIKE $%d`, idx)
		args = append(args, "%"+filters.Search+"%")
		idx++
	}
	if filters.IsActive != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, idx)
		args = append(args, *filters.IsActive)
		idx++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM suppliers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
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

	rows, err := r.db.Query(ctx, `SELECT id, name, email, phone, address, is_active, created_at, updated_at
FROM suppliers`+where+fmt.Sprintf(` ORDER BY name LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &s.Address, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, err
		}
		suppliers = append(suppliers, s)
	}
	return suppliers, total, rows.Err()
}

func (r *repo) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.db.QueryRow(ctx, `SELECT id, name, email, phone, address, is_active, created_at, updated_at
FROM suppliers WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &s.Address, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Supplier{}, notFoundOr(err)
	}
	return s, nil
}

func (r *repo) CreateSupplier(ctx context.Context, supplier Supplier) (Supplier, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `INSERT INTO suppliers (name, email, phone, address, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, TRUE, $5, $5) RETURNING id`,
		supplier.Name, supplier.Email, supplier.Phone, supplier.Address, now).Scan(&supplier.ID)
	if err != nil {
		return Supplier{}, conflictOr(err)
	}
	supplier.IsActive = true
	supplier.CreatedAt = now
	supplier.UpdatedAt = now
	return supplier, nil
}

func (r *repo) UpdateSupplier(ctx context.Context, id int64, supplier Supplier) error {
	tag, err := r.db.Exec(ctx, `UPDATE suppliers SET name = $1, email = $2, phone = $3, address = $4, updated_at = $5 WHERE id = $6`,
		supplier.Name, supplier.Email, supplier.Phone, supplier.Address, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repo) ListLocations(ctx context.Context, includeInactive bool) ([]Location, error) {
	query := `SELECT id, name, kind, address, is_active, created_at, updated_at FROM locations`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Kind, &l.Address, &l.IsActive, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (r *repo) GetLocation(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.db.QueryRow(ctx, `SELECT id, name, kind, address, is_active, created_at, updated_at FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.Kind, &l.Address, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Location{}, notFoundOr(err)
	}
	return l, nil
}

func (r *repo) CreateLocation(ctx context.Context, location Location) (Location, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `INSERT INTO locations (name, kind, address, is_active, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, $4, $4) RETURNING id`,
		location.Name, location.Kind, location.Address, now).Scan(&location.ID)
	if err != nil {
		return Location{}, conflictOr(err)
	}
	location.IsActive = true
	location.CreatedAt = now
	location.UpdatedAt = now
	return location, nil
}

func (r *repo) SetLocationActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE locations SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CountLiveStock counts stock level rows holding a positive quantity at the
// location.
func (r *repo) CountLiveStock(ctx context.Context, locationID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM stock_levels WHERE location_id = $1 AND quantity > 0`, locationID).Scan(&count)
	return count, err
}

func (r *repo) ListPaymentOptions(ctx context.Context) ([]PaymentOption, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, kind, is_active FROM payment_options ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []PaymentOption
	for rows.Next() {
		var o PaymentOption
		if err := rows.Scan(&o.ID, &o.Name, &o.Kind, &o.IsActive); err != nil {
			return nil, err
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

func (r *repo) CreatePaymentOption(ctx context.Context, option PaymentOption) (PaymentOption, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO payment_options (name, kind, is_active) VALUES ($1, $2, TRUE) RETURNING id`,
		option.Name, option.Kind).Scan(&option.ID)
	if err != nil {
		return PaymentOption{}, conflictOr(err)
	}
	option.IsActive = true
	return option, nil
}

func (r *repo) ListTaxes(ctx context.Context) ([]Tax, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, rate FROM taxes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taxes []Tax
	for rows.Next() {
		var t Tax
		if err := rows.Scan(&t.ID, &t.Name, &t.Rate); err != nil {
			return nil, err
		}
		taxes = append(taxes, t)
	}
	return taxes, rows.Err()
}

func (r *repo) CreateTax(ctx context.Context, tax Tax) (Tax, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO taxes (name, rate) VALUES ($1, $2) RETURNING id`,
		tax.Name, tax.Rate).Scan(&tax.ID)
	if err != nil {
		return Tax{}, conflictOr(err)
	}
	return tax, nil
}

func (r *repo) ListDiscounts(ctx context.Context) ([]Discount, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, kind, value, is_active FROM discount_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var discounts []Discount
	for rows.Next() {
		var d Discount
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Value, &d.IsActive); err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}
	return discounts, rows.Err()
}

func (r *repo) CreateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO discount_definitions (name, kind, value, is_active) VALUES ($1, $2, $3, TRUE) RETURNING id`,
		discount.Name, discount.Kind, discount.Value).Scan(&discount.ID)
	if err != nil {
		return Discount{}, conflictOr(err)
	}
	discount.IsActive = true
	return discount, nil
}

func (r *repo) ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filters.Search != "" {
		where += fmt.Sprintf(` AND (name ILIKE $%d OR phone = $%d)`, idx, idx+1)
		args = append(args, "%"+filters.Search+"%", filters.Search)
		idx += 2
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM customers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
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

	rows, err := r.db.Query(ctx, `SELECT id, name, email, phone, created_at, updated_at
FROM customers`+where+fmt.Sprintf(` ORDER BY name LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		customers = append(customers, c)
	}
	return customers, total, rows.Err()
}

func (r *repo) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	var c Customer
	err := r.db.QueryRow(ctx, `SELECT id, name, email, phone, created_at, updated_at FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Customer{}, notFoundOr(err)
	}
	return c, nil
}

func (r *repo) CreateCustomer(ctx context.Context, customer Customer) (Customer, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `INSERT INTO customers (name, email, phone, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4) RETURNING id`,
		customer.Name, customer.Email, customer.Phone, now).Scan(&customer.ID)
	if err != nil {
		return Customer{}, conflictOr(err)
	}
	customer.CreatedAt = now
	customer.UpdatedAt = now
	return customer, nil
}

var _ Repository = (*repo)(nil)
