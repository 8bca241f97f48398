package catalog

import "time"

// ListFilters represents standard list page filters.
type ListFilters struct {
	Page    int
	Limit   int
	Search  string
	SortBy  string
	SortDir string

	// Entity specific filters
	CategoryID *int64
	SupplierID *int64
	IsActive   *bool
}

// Item is a sellable product.
type Item struct {
	ID           int64     `json:"id"`
	SKU          string    `json:"sku"`
	Barcode      string    `json:"barcode"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CategoryID   *int64    `json:"category_id"`
	SupplierID   *int64    `json:"supplier_id"`
	TaxID        *int64    `json:"tax_id"`
	CostPrice    float64   `json:"cost_price"`
	SalePrice    float64   `json:"sale_price"`
	TrackStock   bool      `json:"track_stock"`
	ReorderLevel int64     `json:"reorder_level"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Category groups items for reporting and browsing.
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id"`
}

// Supplier is an upstream vendor for purchased items.
type Supplier struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location is a physical place that can hold stock: a store, a
// warehouse, or a back room.
type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location kinds.
const (
	LocationStore     = "store"
	LocationWarehouse = "warehouse"
)

// PaymentOption is an accepted tender type at the till.
type PaymentOption struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	IsActive bool   `json:"is_active"`
}

// Tax is a named tax rate applied to items.
type Tax struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Rate float64 `json:"rate"`
}

// Discount kinds.
const (
	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

// Discount is a named discount definition the till can apply to a line.
type Discount struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Value    float64 `json:"value"`
	IsActive bool    `json:"is_active"`
}

// Customer is an optional party attached to a sale.
type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
