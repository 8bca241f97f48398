package stock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/shared"
)

type fakeLevel struct {
	quantity int64
	reorder  int64
	active   bool
}

type memoryRepo struct {
	mu        sync.Mutex
	levels    map[string]fakeLevel
	movements []Movement
	nextID    int64
}

// memoryTx stages writes so a failed callback leaves the repo untouched,
// mirroring transaction rollback.
type memoryTx struct {
	repo   *memoryRepo
	levels map[string]fakeLevel
	staged []Movement
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{levels: make(map[string]fakeLevel)}
}

func levelKey(itemID, locationID int64) string {
	return fmt.Sprintf("%d:%d", itemID, locationID)
}

func (r *memoryRepo) WithTx(_ context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r, levels: make(map[string]fakeLevel)}
	if err := fn(context.Background(), tx); err != nil {
		return err
	}
	for k, v := range tx.levels {
		r.levels[k] = v
	}
	r.movements = append(r.movements, tx.staged...)
	return nil
}

func (r *memoryRepo) GetLevel(_ context.Context, itemID, locationID int64) (StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lvl, ok := r.levels[levelKey(itemID, locationID)]
	if !ok {
		return StockLevel{ItemID: itemID, LocationID: locationID, Active: true}, nil
	}
	return StockLevel{ItemID: itemID, LocationID: locationID, Quantity: lvl.quantity, ReorderLevel: lvl.reorder, Active: lvl.active}, nil
}

func (r *memoryRepo) SetReorderLevel(_ context.Context, itemID, locationID, reorderLevel int64) (StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := levelKey(itemID, locationID)
	lvl, ok := r.levels[key]
	if !ok {
		lvl = fakeLevel{active: true}
	}
	lvl.reorder = reorderLevel
	r.levels[key] = lvl
	return StockLevel{ItemID: itemID, LocationID: locationID, Quantity: lvl.quantity, ReorderLevel: lvl.reorder, Active: lvl.active}, nil
}

func (r *memoryRepo) ListLevels(_ context.Context, _ LevelFilter) ([]StockLevel, error) {
	return nil, nil
}

func (r *memoryRepo) ListLowStock(_ context.Context) ([]LowStockEntry, error) {
	return nil, nil
}

func (r *memoryRepo) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Movement{}
	for _, m := range r.movements {
		if !m.IsActive && !filter.IncludeInactive {
			continue
		}
		out = append(out, m)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GetMovement(_ context.Context, id int64) (Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.movements {
		if m.ID == id {
			return m, nil
		}
	}
	return Movement{}, shared.ErrNotFound
}

func (r *memoryRepo) SetMovementActive(_ context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.movements {
		if r.movements[i].ID == id {
			r.movements[i].IsActive = active
			return nil
		}
	}
	return shared.ErrNotFound
}

func (tx *memoryTx) get(itemID, locationID int64) (fakeLevel, bool) {
	key := levelKey(itemID, locationID)
	if lvl, ok := tx.levels[key]; ok {
		return lvl, true
	}
	lvl, ok := tx.repo.levels[key]
	return lvl, ok
}

func (tx *memoryTx) GetLevelForUpdate(_ context.Context, itemID, locationID int64) (StockLevel, error) {
	lvl, ok := tx.get(itemID, locationID)
	if !ok {
		return StockLevel{}, ErrLevelNotFound
	}
	return StockLevel{ItemID: itemID, LocationID: locationID, Quantity: lvl.quantity, ReorderLevel: lvl.reorder, Active: lvl.active}, nil
}

func (tx *memoryTx) CreateLevel(_ context.Context, itemID, locationID int64) error {
	if _, ok := tx.get(itemID, locationID); !ok {
		tx.levels[levelKey(itemID, locationID)] = fakeLevel{active: true}
	}
	return nil
}

func (tx *memoryTx) SetLevelQuantity(_ context.Context, itemID, locationID, quantity int64) error {
	lvl, _ := tx.get(itemID, locationID)
	lvl.quantity = quantity
	lvl.active = true
	tx.levels[levelKey(itemID, locationID)] = lvl
	return nil
}

func (tx *memoryTx) SetLevelActive(_ context.Context, itemID, locationID int64, active bool) error {
	lvl, ok := tx.get(itemID, locationID)
	if !ok {
		return ErrLevelNotFound
	}
	lvl.active = active
	tx.levels[levelKey(itemID, locationID)] = lvl
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, movement Movement) (int64, error) {
	tx.repo.nextID++
	movement.ID = tx.repo.nextID
	tx.staged = append(tx.staged, movement)
	return movement.ID, nil
}

func ptr(v int64) *int64 { return &v }

func TestInboundCreatesLevelLazily(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	mv, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 25})
	require.NoError(t, err)
	require.NotZero(t, mv.ID)
	require.NotEmpty(t, mv.Reference)

	level, err := repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(25), level.Quantity)
}

func TestOutboundRefusesNegativeStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 5})
	require.NoError(t, err)

	_, err = svc.ApplyMovement(ctx, MovementInput{Type: MovementOut, ItemID: 1, FromLocationID: ptr(10), Quantity: 8})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var detail *InsufficientStockError
	require.ErrorAs(t, err, &detail)
	require.Equal(t, int64(8), detail.Requested)
	require.Equal(t, int64(5), detail.Available)

	// The failed movement must leave no trace.
	level, err := repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), level.Quantity)
	movements, _, err := repo.ListMovements(ctx, MovementFilter{})
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestOutboundFromUnknownLevel(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil)

	_, err := svc.ApplyMovement(context.Background(), MovementInput{Type: MovementOut, ItemID: 9, FromLocationID: ptr(3), Quantity: 1})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var detail *InsufficientStockError
	require.ErrorAs(t, err, &detail)
	require.Zero(t, detail.Available)
}

func TestTransferConservesQuantity(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 40})
	require.NoError(t, err)

	_, err = svc.ApplyMovement(ctx, MovementInput{Type: MovementTransfer, ItemID: 1, FromLocationID: ptr(10), ToLocationID: ptr(20), Quantity: 15})
	require.NoError(t, err)

	src, _ := repo.GetLevel(ctx, 1, 10)
	dst, _ := repo.GetLevel(ctx, 1, 20)
	require.Equal(t, int64(25), src.Quantity)
	require.Equal(t, int64(15), dst.Quantity)
	require.Equal(t, int64(40), src.Quantity+dst.Quantity)
}

func TestTransferSameLocationRejected(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil)

	_, err := svc.ApplyMovement(context.Background(), MovementInput{Type: MovementTransfer, ItemID: 1, FromLocationID: ptr(10), ToLocationID: ptr(10), Quantity: 5})
	require.ErrorIs(t, err, ErrSameLocationTransfer)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransferInsufficientLeavesBothSidesUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 3})
	require.NoError(t, err)

	_, err = svc.ApplyMovement(ctx, MovementInput{Type: MovementTransfer, ItemID: 1, FromLocationID: ptr(10), ToLocationID: ptr(20), Quantity: 5})
	require.ErrorIs(t, err, ErrInsufficientStock)

	src, _ := repo.GetLevel(ctx, 1, 10)
	dst, _ := repo.GetLevel(ctx, 1, 20)
	require.Equal(t, int64(3), src.Quantity)
	require.Zero(t, dst.Quantity)
}

func TestMovementTypeLocationRules(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil)
	ctx := context.Background()

	cases := []MovementInput{
		{Type: MovementIn, ItemID: 1, Quantity: 1},                                            // missing destination
		{Type: MovementIn, ItemID: 1, ToLocationID: ptr(1), FromLocationID: ptr(2), Quantity: 1}, // stray source
		{Type: MovementOut, ItemID: 1, Quantity: 1},                                           // missing source
		{Type: MovementTransfer, ItemID: 1, FromLocationID: ptr(1), Quantity: 1},              // missing destination
		{Type: MovementIn, ItemID: 1, ToLocationID: ptr(1), Quantity: 0},                      // zero quantity
		{Type: MovementIn, ItemID: 1, ToLocationID: ptr(1), Quantity: -4},                     // negative quantity
		{Type: "sideways", ItemID: 1, Quantity: 1},                                            // unknown type
	}
	for _, input := range cases {
		_, err := svc.ApplyMovement(ctx, input)
		require.ErrorIs(t, err, shared.ErrValidation, "input %+v", input)
	}
}

func TestConcurrentOutboundsSerialize(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 10})
	require.NoError(t, err)

	var succeeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.ApplyMovement(gctx, MovementInput{Type: MovementOut, ItemID: 1, FromLocationID: ptr(10), Quantity: 3})
			if err == nil {
				succeeded.Add(1)
				return nil
			}
			var detail *InsufficientStockError
			if !errors.As(err, &detail) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Only three withdrawals of three fit into ten.
	require.Equal(t, int64(3), succeeded.Load())
	level, _ := repo.GetLevel(ctx, 1, 10)
	require.Equal(t, int64(1), level.Quantity)
	require.GreaterOrEqual(t, level.Quantity, int64(0))
}

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, _ int64, _ string) error {
	return shared.ErrAccessDenied
}

func TestMovementRequiresPermission(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, denyAll{}, nil, nil)

	_, err := svc.ApplyMovement(context.Background(), MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 1})
	require.ErrorIs(t, err, shared.ErrAccessDenied)

	movements, _, err := repo.ListMovements(context.Background(), MovementFilter{})
	require.NoError(t, err)
	require.Empty(t, movements)
}

type permitSet map[string]bool

func (p permitSet) Authorize(_ context.Context, _ int64, permission string) error {
	if p[permission] {
		return nil
	}
	return shared.ErrAccessDenied
}

func TestSetReorderLevelBeforeFirstMovement(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	level, err := svc.SetReorderLevel(ctx, 9, 1, 10, 12)
	require.NoError(t, err)
	require.Equal(t, int64(12), level.ReorderLevel)
	require.True(t, level.Active)
	require.Zero(t, level.Quantity)

	_, err = svc.SetReorderLevel(ctx, 9, 1, 10, -1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeactivateLevelRefusesWhileStocked(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 5})
	require.NoError(t, err)

	err = svc.DeactivateLevel(ctx, 9, 1, 10)
	require.ErrorIs(t, err, ErrLevelInUse)
	require.ErrorIs(t, err, shared.ErrConflict)

	level, err := repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, level.Active)
}

func TestDeactivatedLevelComesBackOnMovement(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 5})
	require.NoError(t, err)
	_, err = svc.ApplyMovement(ctx, MovementInput{Type: MovementOut, ItemID: 1, FromLocationID: ptr(10), Quantity: 5})
	require.NoError(t, err)

	require.NoError(t, svc.DeactivateLevel(ctx, 9, 1, 10))
	level, err := repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.False(t, level.Active)

	// The row is soft-deactivated, never deleted; a new receipt revives it.
	_, err = svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 3})
	require.NoError(t, err)
	level, err = repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, level.Active)
	require.Equal(t, int64(3), level.Quantity)
}

func TestDeactivateUnknownLevel(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, nil, nil)

	err := svc.DeactivateLevel(context.Background(), 9, 404, 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMovementToggleHidesFromListings(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	mv, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 5})
	require.NoError(t, err)
	require.True(t, mv.IsActive)

	toggled, err := svc.SetMovementActive(ctx, 9, mv.ID, false)
	require.NoError(t, err)
	require.False(t, toggled.IsActive)

	// The ledger itself is untouched by the toggle.
	level, err := repo.GetLevel(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), level.Quantity)

	visible, _, err := svc.ListMovements(ctx, 9, MovementFilter{})
	require.NoError(t, err)
	require.Empty(t, visible)

	all, _, err := svc.ListMovements(ctx, 9, MovementFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 1)

	restored, err := svc.SetMovementActive(ctx, 9, mv.ID, true)
	require.NoError(t, err)
	require.True(t, restored.IsActive)
}

func TestAdjustmentOperationsRequireAdjustPermission(t *testing.T) {
	repo := newMemoryRepo()
	creatorOnly := permitSet{rbac.PermCreateMovements: true, rbac.PermViewInventory: true}
	svc := NewService(repo, nil, creatorOnly, nil, nil)
	ctx := context.Background()

	mv, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 1, ToLocationID: ptr(10), Quantity: 2})
	require.NoError(t, err)

	_, err = svc.SetMovementActive(ctx, 9, mv.ID, false)
	require.ErrorIs(t, err, shared.ErrAccessDenied)
	_, err = svc.SetReorderLevel(ctx, 9, 1, 10, 4)
	require.ErrorIs(t, err, shared.ErrAccessDenied)
	err = svc.DeactivateLevel(ctx, 9, 1, 10)
	require.ErrorIs(t, err, shared.ErrAccessDenied)

	adjuster := permitSet{rbac.PermAdjustInventory: true, rbac.PermViewInventory: true}
	svc = NewService(repo, nil, adjuster, nil, nil)
	_, err = svc.SetMovementActive(ctx, 9, mv.ID, false)
	require.NoError(t, err)
}

func TestMovementRecordIsImmutableSnapshot(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	start := time.Now().UTC()
	mv, err := svc.ApplyMovement(ctx, MovementInput{Type: MovementIn, ItemID: 4, ToLocationID: ptr(2), Quantity: 7, Note: "opening count"})
	require.NoError(t, err)

	stored, err := repo.GetMovement(ctx, mv.ID)
	require.NoError(t, err)
	require.Equal(t, MovementIn, stored.Type)
	require.Equal(t, int64(7), stored.Quantity)
	require.Equal(t, "opening count", stored.Note)
	require.False(t, stored.CreatedAt.Before(start.Truncate(time.Second)))
}
