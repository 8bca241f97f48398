package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// MovementType classifies a stock movement.
type MovementType string

// Movement types.
const (
	MovementIn       MovementType = "in"
	MovementOut      MovementType = "out"
	MovementTransfer MovementType = "transfer"
)

// StockLevel is the on-hand quantity of one item at one location. Rows are
// created lazily on the first movement that touches the pair, and are never
// physically deleted: a retired pair is deactivated, and any later movement
// that touches it brings it back.
type StockLevel struct {
	ItemID       int64     `json:"item_id"`
	LocationID   int64     `json:"location_id"`
	Quantity     int64     `json:"quantity"`
	ReorderLevel int64     `json:"reorder_level"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Movement is a record of a completed stock movement. Corrections are new
// movements; the only mutation ever applied to an existing row is the
// active-flag toggle, which hides it from listings without touching the
// ledger.
type Movement struct {
	ID             int64        `json:"id"`
	Reference      string       `json:"reference"`
	Type           MovementType `json:"type"`
	ItemID         int64        `json:"item_id"`
	FromLocationID *int64       `json:"from_location_id"`
	ToLocationID   *int64       `json:"to_location_id"`
	Quantity       int64        `json:"quantity"`
	Note           string       `json:"note"`
	ActorID        int64        `json:"actor_id"`
	IsActive       bool         `json:"is_active"`
	CreatedAt      time.Time    `json:"created_at"`
}

// MovementInput carries a movement request into the service.
type MovementInput struct {
	Type           MovementType `json:"type"`
	ItemID         int64        `json:"item_id"`
	FromLocationID *int64       `json:"from_location_id"`
	ToLocationID   *int64       `json:"to_location_id"`
	Quantity       int64        `json:"quantity"`
	Note           string       `json:"note"`
	Reference      string       `json:"reference"`
	ActorID        int64        `json:"-"`
}

// MovementFilter narrows movement listings. Deactivated movements are hidden
// unless IncludeInactive is set.
type MovementFilter struct {
	ItemID          *int64
	LocationID      *int64
	Type            MovementType
	From            *time.Time
	To              *time.Time
	IncludeInactive bool
	Page            int
	Limit           int
}

// LevelFilter narrows stock level listings.
type LevelFilter struct {
	ItemID     *int64
	LocationID *int64
	Page       int
	Limit      int
}

// LowStockEntry is a stock level sitting at or below the item's reorder
// level.
type LowStockEntry struct {
	ItemID       int64  `json:"item_id"`
	ItemName     string `json:"item_name"`
	SKU          string `json:"sku"`
	LocationID   int64  `json:"location_id"`
	LocationName string `json:"location_name"`
	Quantity     int64  `json:"quantity"`
	ReorderLevel int64  `json:"reorder_level"`
}

// Sentinel errors. The validation sentinels wrap shared.ErrValidation so the
// transport layer maps them without knowing this package.
var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrSameLocationTransfer = fmt.Errorf("%w: transfer source and destination must differ", shared.ErrValidation)
	ErrInvalidQuantity      = fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	ErrLevelNotFound        = errors.New("stock level not found")
	ErrLevelInUse           = fmt.Errorf("%w: stock level still holds quantity", shared.ErrConflict)
)

// InsufficientStockError reports which item could not cover a requested
// quantity. It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	ItemID     int64
	ItemName   string
	LocationID int64
	Requested  int64
	Available  int64
}

func (e *InsufficientStockError) Error() string {
	name := e.ItemName
	if name == "" {
		name = fmt.Sprintf("item %d", e.ItemID)
	}
	return fmt.Sprintf("insufficient stock for %s at location %d: requested %d, available %d",
		name, e.LocationID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Validate checks the structural rules for a movement request. Each type has
// its own location requirements: in needs a destination, out needs a source,
// transfer needs both.
func (in MovementInput) Validate() error {
	if in.ItemID <= 0 {
		return fmt.Errorf("%w: item is required", shared.ErrValidation)
	}
	if in.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch in.Type {
	case MovementIn:
		if in.ToLocationID == nil || *in.ToLocationID <= 0 {
			return fmt.Errorf("%w: inbound movement requires a destination location", shared.ErrValidation)
		}
		if in.FromLocationID != nil {
			return fmt.Errorf("%w: inbound movement must not name a source location", shared.ErrValidation)
		}
	case MovementOut:
		if in.FromLocationID == nil || *in.FromLocationID <= 0 {
			return fmt.Errorf("%w: outbound movement requires a source location", shared.ErrValidation)
		}
		if in.ToLocationID != nil {
			return fmt.Errorf("%w: outbound movement must not name a destination location", shared.ErrValidation)
		}
	case MovementTransfer:
		if in.FromLocationID == nil || *in.FromLocationID <= 0 || in.ToLocationID == nil || *in.ToLocationID <= 0 {
			return fmt.Errorf("%w: transfer requires both source and destination locations", shared.ErrValidation)
		}
		if *in.FromLocationID == *in.ToLocationID {
			return ErrSameLocationTransfer
		}
	default:
		return fmt.Errorf("%w: unknown movement type %q", shared.ErrValidation, in.Type)
	}
	return nil
}
