package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/shared"
)

type fakeRepo struct {
	Repository

	locations map[int64]*Location
	liveStock map[int64]int
	items     map[int64]*Item
	nextID    int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		locations: make(map[int64]*Location),
		liveStock: make(map[int64]int),
		items:     make(map[int64]*Item),
	}
}

func (f *fakeRepo) CreateLocation(_ context.Context, location Location) (Location, error) {
	f.nextID++
	location.ID = f.nextID
	location.IsActive = true
	f.locations[location.ID] = &location
	return location, nil
}

func (f *fakeRepo) SetLocationActive(_ context.Context, id int64, active bool) error {
	loc, ok := f.locations[id]
	if !ok {
		return shared.ErrNotFound
	}
	loc.IsActive = active
	return nil
}

func (f *fakeRepo) CountLiveStock(_ context.Context, locationID int64) (int, error) {
	return f.liveStock[locationID], nil
}

func (f *fakeRepo) CreateItem(_ context.Context, item Item) (Item, error) {
	f.nextID++
	item.ID = f.nextID
	item.IsActive = true
	f.items[item.ID] = &item
	return item, nil
}

func TestCreateItemValidation(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.CreateItem(context.Background(), Item{Name: "Beans"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateItem(context.Background(), Item{SKU: "SKU-1"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateItem(context.Background(), Item{SKU: "SKU-1", Name: "Beans", SalePrice: -1})
	require.ErrorIs(t, err, shared.ErrValidation)

	item, err := svc.CreateItem(context.Background(), Item{SKU: "SKU-1", Name: "Beans", SalePrice: 2.50, TrackStock: true})
	require.NoError(t, err)
	require.True(t, item.IsActive)
}

func TestCreateLocationKind(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.CreateLocation(context.Background(), Location{Name: "Main", Kind: "garage"})
	require.ErrorIs(t, err, shared.ErrValidation)

	loc, err := svc.CreateLocation(context.Background(), Location{Name: "Main", Kind: LocationStore})
	require.NoError(t, err)
	require.True(t, loc.IsActive)
}

func TestDeactivateLocationBlockedByStock(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	loc, err := svc.CreateLocation(context.Background(), Location{Name: "Back room", Kind: LocationWarehouse})
	require.NoError(t, err)

	repo.liveStock[loc.ID] = 3
	err = svc.DeactivateLocation(context.Background(), loc.ID)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.True(t, repo.locations[loc.ID].IsActive)

	repo.liveStock[loc.ID] = 0
	require.NoError(t, svc.DeactivateLocation(context.Background(), loc.ID))
	require.False(t, repo.locations[loc.ID].IsActive)
}

func TestCreateTaxBounds(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.CreateTax(context.Background(), Tax{Name: "VAT", Rate: 120})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateTax(context.Background(), Tax{Rate: 20})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateDiscountValidation(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.CreateDiscount(context.Background(), Discount{Name: "Staff", Kind: "bogof", Value: 10})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateDiscount(context.Background(), Discount{Name: "Staff", Kind: DiscountPercent, Value: 150})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateDiscount(context.Background(), Discount{Name: "Staff", Kind: DiscountFixed, Value: -1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFoldName(t *testing.T) {
	require.Equal(t, foldName("  EsPreSSO  "), foldName("espresso"))
	require.Equal(t, foldName("STRASSE"), foldName("straße"))
}
