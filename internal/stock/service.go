package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLevel(ctx context.Context, itemID, locationID int64) (StockLevel, error)
	SetReorderLevel(ctx context.Context, itemID, locationID, reorderLevel int64) (StockLevel, error)
	ListLevels(ctx context.Context, filter LevelFilter) ([]StockLevel, error)
	ListLowStock(ctx context.Context) ([]LowStockEntry, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	SetMovementActive(ctx context.Context, id int64, active bool) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuthzPort abstracts the permission gate.
type AuthzPort interface {
	Authorize(ctx context.Context, userID int64, permission string) error
}

// MetricsPort abstracts movement counters.
type MetricsPort interface {
	ObserveMovement(movementType string)
}

// Service coordinates stock operations.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	authz       AuthzPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, authz AuthzPort, idem *shared.IdempotencyStore, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, authz: authz, idempotency: idem, metrics: metrics}
}

// ApplyMovement validates, authorizes and posts a stock movement. The ledger
// mutation and the movement record commit or roll back together.
func (s *Service) ApplyMovement(ctx context.Context, input MovementInput) (Movement, error) {
	if err := input.Validate(); err != nil {
		return Movement{}, err
	}
	if err := s.authorize(ctx, input.ActorID, rbac.PermCreateMovements); err != nil {
		return Movement{}, err
	}

	now := time.Now().UTC()
	reference := input.Reference
	if reference == "" {
		reference = fmt.Sprintf("MOV-%s", uuid.NewString())
	}

	insertedKey := false
	key := fmt.Sprintf("%s:%s:%d", input.Type, reference, input.ItemID)
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	movement := Movement{
		IsActive:       true,
		Reference:      reference,
		Type:           input.Type,
		ItemID:         input.ItemID,
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Quantity:       input.Quantity,
		Note:           input.Note,
		ActorID:        input.ActorID,
		CreatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := ApplyToLedger(ctx, tx, input); err != nil {
			return err
		}
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Movement{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveMovement(string(input.Type))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   fmt.Sprintf("stock:%s", input.Type),
			Entity:   "movement",
			EntityID: strconv.FormatInt(movement.ID, 10),
			Meta: map[string]any{
				"item_id":  input.ItemID,
				"quantity": input.Quantity,
				"from":     input.FromLocationID,
				"to":       input.ToLocationID,
			},
		})
	}
	return movement, nil
}

// GetLevel reads the on-hand quantity for one item at one location.
func (s *Service) GetLevel(ctx context.Context, actorID, itemID, locationID int64) (StockLevel, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewInventory); err != nil {
		return StockLevel{}, err
	}
	if itemID <= 0 || locationID <= 0 {
		return StockLevel{}, fmt.Errorf("%w: item and location are required", shared.ErrValidation)
	}
	return s.repo.GetLevel(ctx, itemID, locationID)
}

// ListLevels lists stock levels.
func (s *Service) ListLevels(ctx context.Context, actorID int64, filter LevelFilter) ([]StockLevel, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewInventory); err != nil {
		return nil, err
	}
	return s.repo.ListLevels(ctx, filter)
}

// ListLowStock lists tracked items at or below their reorder level.
func (s *Service) ListLowStock(ctx context.Context, actorID int64) ([]LowStockEntry, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewInventory); err != nil {
		return nil, err
	}
	return s.repo.ListLowStock(ctx)
}

// SetReorderLevel sets the per-location reorder threshold for an item.
func (s *Service) SetReorderLevel(ctx context.Context, actorID, itemID, locationID, reorderLevel int64) (StockLevel, error) {
	if err := s.authorize(ctx, actorID, rbac.PermAdjustInventory); err != nil {
		return StockLevel{}, err
	}
	if itemID <= 0 || locationID <= 0 {
		return StockLevel{}, fmt.Errorf("%w: item and location are required", shared.ErrValidation)
	}
	if reorderLevel < 0 {
		return StockLevel{}, fmt.Errorf("%w: reorder level must not be negative", shared.ErrValidation)
	}
	level, err := s.repo.SetReorderLevel(ctx, itemID, locationID, reorderLevel)
	if err != nil {
		return StockLevel{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "stock:set_reorder_level",
			Entity:   "stock_level",
			EntityID: fmt.Sprintf("%d:%d", itemID, locationID),
			Meta:     map[string]any{"reorder_level": reorderLevel},
		})
	}
	return level, nil
}

// DeactivateLevel retires an item/location pair. The row stays in place and
// any later movement that touches it reactivates it; a pair still holding
// quantity cannot be retired.
func (s *Service) DeactivateLevel(ctx context.Context, actorID, itemID, locationID int64) error {
	if err := s.authorize(ctx, actorID, rbac.PermAdjustInventory); err != nil {
		return err
	}
	if itemID <= 0 || locationID <= 0 {
		return fmt.Errorf("%w: item and location are required", shared.ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		level, err := tx.GetLevelForUpdate(ctx, itemID, locationID)
		if err != nil {
			if errors.Is(err, ErrLevelNotFound) {
				return fmt.Errorf("stock: level %d/%d: %w", itemID, locationID, shared.ErrNotFound)
			}
			return err
		}
		if level.Quantity != 0 {
			return fmt.Errorf("%w: %d units on hand", ErrLevelInUse, level.Quantity)
		}
		return tx.SetLevelActive(ctx, itemID, locationID, false)
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "stock:deactivate_level",
			Entity:   "stock_level",
			EntityID: fmt.Sprintf("%d:%d", itemID, locationID),
		})
	}
	return nil
}

// ListMovements lists the movement history.
func (s *Service) ListMovements(ctx context.Context, actorID int64, filter MovementFilter) ([]Movement, int, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewInventory); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMovements(ctx, filter)
}

// GetMovement fetches one movement record.
func (s *Service) GetMovement(ctx context.Context, actorID, id int64) (Movement, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewInventory); err != nil {
		return Movement{}, err
	}
	return s.repo.GetMovement(ctx, id)
}

// SetMovementActive toggles a movement's active flag. The ledger is not
// rewound; the flag only hides the record from default listings.
func (s *Service) SetMovementActive(ctx context.Context, actorID, id int64, active bool) (Movement, error) {
	if err := s.authorize(ctx, actorID, rbac.PermAdjustInventory); err != nil {
		return Movement{}, err
	}
	if err := s.repo.SetMovementActive(ctx, id, active); err != nil {
		return Movement{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "stock:movement_toggle",
			Entity:   "movement",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"is_active": active},
		})
	}
	return s.repo.GetMovement(ctx, id)
}

func (s *Service) authorize(ctx context.Context, actorID int64, permission string) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, actorID, permission)
}
