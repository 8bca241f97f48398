package sales

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/stock"
)

type memoryRepo struct {
	mu        sync.Mutex
	items     map[int64]SaleableItem
	levels    map[string]int64
	sales     map[int64]*Sale
	saleItems map[int64][]SaleItem
	payments  map[int64][]Payment
	movements []stock.Movement
	counters  map[string]int64
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:     make(map[int64]SaleableItem),
		levels:    make(map[string]int64),
		sales:     make(map[int64]*Sale),
		saleItems: make(map[int64][]SaleItem),
		payments:  make(map[int64][]Payment),
		counters:  make(map[string]int64),
	}
}

func levelKey(itemID, locationID int64) string {
	return fmt.Sprintf("%d:%d", itemID, locationID)
}

// memoryTx stages everything and applies on success only, mirroring rollback.
type memoryTx struct {
	repo      *memoryRepo
	levels    map[string]int64
	sales     map[int64]*Sale
	saleItems map[int64][]SaleItem
	payments  map[int64][]Payment
	movements []stock.Movement
	statuses  map[int64]SaleStatus
	counters  map[string]int64
}

func (r *memoryRepo) WithTx(_ context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:      r,
		levels:    make(map[string]int64),
		sales:     make(map[int64]*Sale),
		saleItems: make(map[int64][]SaleItem),
		payments:  make(map[int64][]Payment),
		statuses:  make(map[int64]SaleStatus),
		counters:  make(map[string]int64),
	}
	if err := fn(context.Background(), tx); err != nil {
		return err
	}
	for k, v := range tx.levels {
		r.levels[k] = v
	}
	for id, sale := range tx.sales {
		r.sales[id] = sale
	}
	for id, items := range tx.saleItems {
		r.saleItems[id] = items
	}
	for id, payments := range tx.payments {
		r.payments[id] = payments
	}
	for id, status := range tx.statuses {
		if sale, ok := r.sales[id]; ok {
			sale.Status = status
		}
	}
	for day, counter := range tx.counters {
		r.counters[day] = counter
	}
	r.movements = append(r.movements, tx.movements...)
	return nil
}

func (tx *memoryTx) NextSaleNumber(_ context.Context, day time.Time) (string, error) {
	key := day.UTC().Format("20060102")
	counter, ok := tx.counters[key]
	if !ok {
		counter = tx.repo.counters[key]
	}
	counter++
	tx.counters[key] = counter
	return fmt.Sprintf("SALE-%s-%06d", key, counter), nil
}

func (tx *memoryTx) GetItemForSale(_ context.Context, itemID int64) (SaleableItem, error) {
	item, ok := tx.repo.items[itemID]
	if !ok {
		return SaleableItem{}, fmt.Errorf("sales: item %d: %w", itemID, shared.ErrNotFound)
	}
	return item, nil
}

func (tx *memoryTx) InsertSale(_ context.Context, sale Sale) (int64, error) {
	tx.repo.nextID++
	sale.ID = tx.repo.nextID
	tx.sales[sale.ID] = &sale
	return sale.ID, nil
}

func (tx *memoryTx) InsertSaleItems(_ context.Context, saleID int64, items []SaleItem) error {
	tx.saleItems[saleID] = append(tx.saleItems[saleID], items...)
	return nil
}

func (tx *memoryTx) InsertPayments(_ context.Context, saleID int64, payments []Payment) error {
	tx.payments[saleID] = append(tx.payments[saleID], payments...)
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, movement stock.Movement) (int64, error) {
	tx.repo.nextID++
	movement.ID = tx.repo.nextID
	tx.movements = append(tx.movements, movement)
	return movement.ID, nil
}

func (tx *memoryTx) getSale(id int64) (*Sale, bool) {
	if sale, ok := tx.sales[id]; ok {
		return sale, true
	}
	sale, ok := tx.repo.sales[id]
	return sale, ok
}

func (tx *memoryTx) GetSaleForUpdate(_ context.Context, id int64) (Sale, error) {
	sale, ok := tx.getSale(id)
	if !ok {
		return Sale{}, fmt.Errorf("sales: sale %d: %w", id, shared.ErrNotFound)
	}
	clone := *sale
	if status, ok := tx.statuses[id]; ok {
		clone.Status = status
	}
	return clone, nil
}

func (tx *memoryTx) GetSaleItems(_ context.Context, saleID int64) ([]SaleItem, error) {
	if items, ok := tx.saleItems[saleID]; ok {
		return items, nil
	}
	return tx.repo.saleItems[saleID], nil
}

func (tx *memoryTx) UpdateSaleStatus(_ context.Context, id int64, status SaleStatus, _ int64, _ time.Time) error {
	tx.statuses[id] = status
	return nil
}

func (tx *memoryTx) RefundedQuantities(_ context.Context, originalSaleID int64) (map[int64]int64, error) {
	refunded := make(map[int64]int64)
	for id, sale := range tx.repo.sales {
		if sale.Kind != KindRefund || sale.OriginalSaleID == nil || *sale.OriginalSaleID != originalSaleID {
			continue
		}
		for _, item := range tx.repo.saleItems[id] {
			refunded[item.ItemID] += item.Quantity
		}
	}
	return refunded, nil
}

func (tx *memoryTx) getLevel(itemID, locationID int64) (int64, bool) {
	key := levelKey(itemID, locationID)
	if qty, ok := tx.levels[key]; ok {
		return qty, true
	}
	qty, ok := tx.repo.levels[key]
	return qty, ok
}

func (tx *memoryTx) GetLevelForUpdate(_ context.Context, itemID, locationID int64) (stock.StockLevel, error) {
	qty, ok := tx.getLevel(itemID, locationID)
	if !ok {
		return stock.StockLevel{}, stock.ErrLevelNotFound
	}
	return stock.StockLevel{ItemID: itemID, LocationID: locationID, Quantity: qty}, nil
}

func (tx *memoryTx) CreateLevel(_ context.Context, itemID, locationID int64) error {
	if _, ok := tx.getLevel(itemID, locationID); !ok {
		tx.levels[levelKey(itemID, locationID)] = 0
	}
	return nil
}

func (tx *memoryTx) SetLevelQuantity(_ context.Context, itemID, locationID, quantity int64) error {
	tx.levels[levelKey(itemID, locationID)] = quantity
	return nil
}

func (r *memoryRepo) GetSale(_ context.Context, id int64) (Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sale, ok := r.sales[id]
	if !ok {
		return Sale{}, fmt.Errorf("sales: sale %d: %w", id, shared.ErrNotFound)
	}
	clone := *sale
	clone.Items = r.saleItems[id]
	clone.Payments = r.payments[id]
	return clone, nil
}

func (r *memoryRepo) GetSaleByNumber(_ context.Context, number string) (Sale, error) {
	r.mu.Lock()
	var id int64
	found := false
	for saleID, sale := range r.sales {
		if sale.Number == number {
			id, found = saleID, true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return Sale{}, fmt.Errorf("sales: sale %s: %w", number, shared.ErrNotFound)
	}
	return r.GetSale(context.Background(), id)
}

func (r *memoryRepo) ListSales(_ context.Context, _ ListFilters) ([]Sale, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sale, 0, len(r.sales))
	for _, sale := range r.sales {
		out = append(out, *sale)
	}
	return out, len(out), nil
}

func (r *memoryRepo) SummarizeDay(_ context.Context, day time.Time) (DailySummary, error) {
	return DailySummary{Day: day}, nil
}

func (r *memoryRepo) level(itemID, locationID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[levelKey(itemID, locationID)]
}

func (r *memoryRepo) seedItem(item SaleableItem, locationID, qty int64) {
	r.items[item.ID] = item
	r.levels[levelKey(item.ID, locationID)] = qty
}

func commitRequest() CommitSaleRequest {
	return CommitSaleRequest{
		LocationID: 1,
		Items: []SaleLineRequest{
			{ItemID: 1, Quantity: 2, UnitPrice: 10, DiscountAmount: 0, TaxAmount: 2, LineTotal: 22},
		},
		Payments:      []PaymentRequest{{PaymentOptionID: 1, Amount: 22}},
		Subtotal:      20,
		DiscountTotal: 0,
		TaxTotal:      2,
		Total:         22,
		ActorID:       7,
	}
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func TestCommitSaleDecrementsStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", SalePrice: 10, TrackStock: true, IsActive: true}, 1, 5)
	svc := newTestService(repo)

	sale, err := svc.CommitSale(context.Background(), commitRequest())
	require.NoError(t, err)
	require.Equal(t, SaleStatusCompleted, sale.Status)
	require.Equal(t, KindOriginal, sale.Kind)
	require.NotEmpty(t, sale.Number)
	require.Len(t, sale.Items, 1)
	require.Equal(t, "Beans", sale.Items[0].ItemName)
	require.Equal(t, int64(3), repo.level(1, 1))

	stored, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, 1)
	require.InDelta(t, 22, stored.Payments[0].Amount, 0.001)
}

func TestCommitSaleUntrackedItemSkipsStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Service fee", SKU: "FEE", TrackStock: false, IsActive: true}, 1, 0)
	svc := newTestService(repo)

	_, err := svc.CommitSale(context.Background(), commitRequest())
	require.NoError(t, err)
	require.Empty(t, repo.movements)
}

func TestCommitSaleInsufficientStockRollsBackEverything(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 5)
	repo.seedItem(SaleableItem{ID: 2, Name: "Rice", SKU: "SKU-2", TrackStock: true, IsActive: true}, 1, 1)
	svc := newTestService(repo)

	// Second line cannot be covered; the first line's decrement must roll back.
	req := CommitSaleRequest{
		LocationID: 1,
		Items: []SaleLineRequest{
			{ItemID: 1, Quantity: 2, UnitPrice: 10, LineTotal: 20},
			{ItemID: 2, Quantity: 3, UnitPrice: 5, LineTotal: 15},
		},
		Payments: []PaymentRequest{{PaymentOptionID: 1, Amount: 35}},
		Subtotal: 35, Total: 35,
		ActorID: 7,
	}
	_, err := svc.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	var detail *stock.InsufficientStockError
	require.ErrorAs(t, err, &detail)
	require.Equal(t, "Rice", detail.ItemName)

	require.Equal(t, int64(5), repo.level(1, 1))
	require.Equal(t, int64(1), repo.level(2, 1))
	require.Empty(t, repo.sales)
	require.Empty(t, repo.movements)
}

func TestCommitSaleTotalsMismatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 5)
	svc := newTestService(repo)

	req := commitRequest()
	req.Total = 30
	_, err := svc.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, ErrTotalsMismatch)

	req = commitRequest()
	req.Items[0].LineTotal = 50
	_, err = svc.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, ErrTotalsMismatch)
}

func TestCommitSalePaymentShortfall(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	req := commitRequest()
	req.Payments = []PaymentRequest{{PaymentOptionID: 1, Amount: 10}}
	_, err := svc.CommitSale(context.Background(), req)
	require.ErrorIs(t, err, ErrPaymentShortfall)
}

func TestCommitSaleInactiveItem(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: false}, 1, 5)
	svc := newTestService(repo)

	_, err := svc.CommitSale(context.Background(), commitRequest())
	require.ErrorIs(t, err, ErrInactiveItem)
	require.Equal(t, int64(5), repo.level(1, 1))
}

func TestConcurrentSalesGetDistinctNumbers(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 1000)
	svc := newTestService(repo)

	const n = 25
	numbers := make(chan string, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			sale, err := svc.CommitSale(ctx, commitRequest())
			if err != nil {
				return err
			}
			numbers <- sale.Number
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(numbers)

	seen := make(map[string]bool)
	for number := range numbers {
		require.False(t, seen[number], "duplicate sale number %s", number)
		seen[number] = true
	}
	require.Len(t, seen, n)
	require.Equal(t, int64(1000-2*n), repo.level(1, 1))
}

func TestCancelSaleRestoresStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 5)
	svc := newTestService(repo)

	sale, err := svc.CommitSale(context.Background(), commitRequest())
	require.NoError(t, err)
	require.Equal(t, int64(3), repo.level(1, 1))

	cancelled, err := svc.CancelSale(context.Background(), 9, sale.ID, "customer changed mind")
	require.NoError(t, err)
	require.Equal(t, SaleStatusCancelled, cancelled.Status)
	require.Equal(t, int64(5), repo.level(1, 1))

	// A cancelled sale cannot be cancelled again, and the conflict is
	// reported as such.
	_, err = svc.CancelSale(context.Background(), 9, sale.ID, "again")
	require.ErrorIs(t, err, ErrAlreadyCancelled)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, int64(5), repo.level(1, 1))
}

func TestCancelAfterPartialRefundRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 10)
	svc := newTestService(repo)

	req := commitRequest()
	req.Items[0].Quantity = 3
	req.Items[0].LineTotal = 32 // 3*10 + 2 tax
	req.Subtotal = 30
	req.Total = 32
	req.Payments[0].Amount = 32
	sale, err := svc.CommitSale(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(7), repo.level(1, 1))

	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 1, Quantity: 1}},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.NoError(t, err)
	require.Equal(t, int64(8), repo.level(1, 1))

	// Cancelling now would restore the refunded unit a second time.
	_, err = svc.CancelSale(context.Background(), 9, sale.ID, "changed mind")
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Equal(t, int64(8), repo.level(1, 1))

	original, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, SaleStatusCompleted, original.Status)
}

func TestRefundSalePartialThenFull(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 10)
	svc := newTestService(repo)

	req := commitRequest()
	req.Items[0].Quantity = 4
	req.Items[0].LineTotal = 42 // 4*10 + 2 tax
	req.Subtotal = 40
	req.Total = 42
	req.Payments[0].Amount = 42
	sale, err := svc.CommitSale(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.level(1, 1))

	// Partial refund of one unit.
	refund, err := svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 1, Quantity: 1}},
		PaymentOptionID: 1,
		Reason:          "damaged",
		ActorID:         9,
	})
	require.NoError(t, err)
	require.Equal(t, KindRefund, refund.Kind)
	require.Equal(t, sale.ID, *refund.OriginalSaleID)
	require.InDelta(t, 10.5, refund.Total, 0.01)
	require.Equal(t, int64(7), repo.level(1, 1))

	original, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, SaleStatusCompleted, original.Status)

	// Refunding more than remains must fail.
	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 1, Quantity: 4}},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.ErrorIs(t, err, ErrRefundExceeds)

	// Refund the remaining three; the original flips to refunded.
	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 1, Quantity: 3}},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), repo.level(1, 1))

	original, err = repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, SaleStatusRefunded, original.Status)

	// Nothing left to refund.
	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 1, Quantity: 1}},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRefundDuplicateLinesAccumulate(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 10)
	svc := newTestService(repo)

	req := commitRequest()
	req.Items[0].Quantity = 3
	req.Items[0].LineTotal = 32 // 3*10 + 2 tax
	req.Subtotal = 30
	req.Total = 32
	req.Payments[0].Amount = 32
	sale, err := svc.CommitSale(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(7), repo.level(1, 1))

	// Two lines of two against a three-unit sale must be counted together.
	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines: []RefundLineRequest{
			{ItemID: 1, Quantity: 2},
			{ItemID: 1, Quantity: 2},
		},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.ErrorIs(t, err, ErrRefundExceeds)
	require.Equal(t, int64(7), repo.level(1, 1))

	// Split lines that fit the sold quantity merge into one covering refund.
	refund, err := svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines: []RefundLineRequest{
			{ItemID: 1, Quantity: 1},
			{ItemID: 1, Quantity: 2},
		},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.NoError(t, err)
	require.Len(t, refund.Items, 1)
	require.Equal(t, int64(3), refund.Items[0].Quantity)
	require.InDelta(t, 32, refund.Total, 0.01)
	require.Equal(t, int64(10), repo.level(1, 1))

	original, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, SaleStatusRefunded, original.Status)
}

func TestRefundUnknownLineRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 5)
	svc := newTestService(repo)

	sale, err := svc.CommitSale(context.Background(), commitRequest())
	require.NoError(t, err)

	_, err = svc.RefundSale(context.Background(), sale.ID, RefundRequest{
		Lines:           []RefundLineRequest{{ItemID: 99, Quantity: 1}},
		PaymentOptionID: 1,
		ActorID:         9,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, _ int64, _ string) error {
	return shared.ErrAccessDenied
}

func TestCommitSaleRequiresPermission(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedItem(SaleableItem{ID: 1, Name: "Beans", SKU: "SKU-1", TrackStock: true, IsActive: true}, 1, 5)
	svc := NewService(repo, nil, denyAll{}, nil, nil)

	_, err := svc.CommitSale(context.Background(), commitRequest())
	require.ErrorIs(t, err, shared.ErrAccessDenied)
	require.Empty(t, repo.sales)
	require.Equal(t, int64(5), repo.level(1, 1))
}
