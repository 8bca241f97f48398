package stock

import (
	"context"
	"errors"
	"fmt"
)

// LedgerTx is the slice of a database transaction the movement engine needs.
// Any module that mutates stock inside its own transaction implements this
// against the same underlying tx, so lock ordering and the non-negativity
// check live in exactly one place.
type LedgerTx interface {
	// GetLevelForUpdate locks the stock level row, returning ErrLevelNotFound
	// when no row exists yet.
	GetLevelForUpdate(ctx context.Context, itemID, locationID int64) (StockLevel, error)
	// CreateLevel inserts a zero-quantity level row, tolerating a concurrent
	// insert of the same pair.
	CreateLevel(ctx context.Context, itemID, locationID int64) error
	// SetLevelQuantity overwrites the locked row's quantity.
	SetLevelQuantity(ctx context.Context, itemID, locationID, quantity int64) error
}

// ApplyToLedger applies a validated movement to the stock ledger inside the
// caller's transaction. Locks are always taken source first, destination
// second, so concurrent transfers cannot deadlock. The movement record itself
// is the caller's responsibility.
func ApplyToLedger(ctx context.Context, tx LedgerTx, in MovementInput) error {
	if err := in.Validate(); err != nil {
		return err
	}

	switch in.Type {
	case MovementIn:
		return addQuantity(ctx, tx, in.ItemID, *in.ToLocationID, in.Quantity)
	case MovementOut:
		return removeQuantity(ctx, tx, in.ItemID, *in.FromLocationID, in.Quantity)
	case MovementTransfer:
		if err := removeQuantity(ctx, tx, in.ItemID, *in.FromLocationID, in.Quantity); err != nil {
			return err
		}
		return addQuantity(ctx, tx, in.ItemID, *in.ToLocationID, in.Quantity)
	default:
		return fmt.Errorf("stock: unknown movement type %q", in.Type)
	}
}

// addQuantity locks (creating if needed) the level row and increases it.
func addQuantity(ctx context.Context, tx LedgerTx, itemID, locationID, qty int64) error {
	level, err := lockLevel(ctx, tx, itemID, locationID)
	if err != nil {
		return err
	}
	return tx.SetLevelQuantity(ctx, itemID, locationID, level.Quantity+qty)
}

// removeQuantity locks the level row and decreases it, refusing to go below
// zero. A missing row counts as zero on hand.
func removeQuantity(ctx context.Context, tx LedgerTx, itemID, locationID, qty int64) error {
	level, err := tx.GetLevelForUpdate(ctx, itemID, locationID)
	if err != nil {
		if errors.Is(err, ErrLevelNotFound) {
			return &InsufficientStockError{ItemID: itemID, LocationID: locationID, Requested: qty, Available: 0}
		}
		return err
	}
	if level.Quantity < qty {
		return &InsufficientStockError{ItemID: itemID, LocationID: locationID, Requested: qty, Available: level.Quantity}
	}
	return tx.SetLevelQuantity(ctx, itemID, locationID, level.Quantity-qty)
}

// lockLevel locks the level row, creating it first when the pair has never
// been stocked. The fresh row is re-selected under FOR UPDATE so the caller
// always holds the lock before mutating.
func lockLevel(ctx context.Context, tx LedgerTx, itemID, locationID int64) (StockLevel, error) {
	level, err := tx.GetLevelForUpdate(ctx, itemID, locationID)
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, ErrLevelNotFound) {
		return StockLevel{}, err
	}
	if err := tx.CreateLevel(ctx, itemID, locationID); err != nil {
		return StockLevel{}, err
	}
	return tx.GetLevelForUpdate(ctx, itemID, locationID)
}
