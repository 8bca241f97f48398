package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Service exposes catalog operations with validation on top of the
// repository.
type Service struct {
	repo Repository
}

// NewService creates a new catalog service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Item operations

func (s *Service) ListItems(ctx context.Context, filters ListFilters) ([]Item, int, error) {
	return s.repo.ListItems(ctx, filters)
}

func (s *Service) GetItem(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, fmt.Errorf("%w: invalid item id", shared.ErrValidation)
	}
	return s.repo.GetItem(ctx, id)
}

func (s *Service) GetItemBySKU(ctx context.Context, sku string) (Item, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return Item{}, fmt.Errorf("%w: sku is required", shared.ErrValidation)
	}
	return s.repo.GetItemBySKU(ctx, sku)
}

func (s *Service) CreateItem(ctx context.Context, item Item) (Item, error) {
	if err := validateItem(item); err != nil {
		return Item{}, err
	}
	return s.repo.CreateItem(ctx, item)
}

func (s *Service) UpdateItem(ctx context.Context, id int64, item Item) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", shared.ErrValidation)
	}
	if err := validateItem(item); err != nil {
		return err
	}
	return s.repo.UpdateItem(ctx, id, item)
}

// RetireItem deactivates the item so it no longer appears at the till.
// Existing stock and sale history remain untouched.
func (s *Service) RetireItem(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", shared.ErrValidation)
	}
	return s.repo.SetItemActive(ctx, id, false)
}

func (s *Service) RestoreItem(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", shared.ErrValidation)
	}
	return s.repo.SetItemActive(ctx, id, true)
}

func validateItem(item Item) error {
	if strings.TrimSpace(item.SKU) == "" {
		return fmt.Errorf("%w: sku is required", shared.ErrValidation)
	}
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	if item.SalePrice < 0 || item.CostPrice < 0 {
		return fmt.Errorf("%w: prices must not be negative", shared.ErrValidation)
	}
	if item.ReorderLevel < 0 {
		return fmt.Errorf("%w: reorder level must not be negative", shared.ErrValidation)
	}
	return nil
}

// Category operations

func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, category Category) (Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return Category{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	return s.repo.CreateCategory(ctx, category)
}

// Supplier operations

func (s *Service) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	return s.repo.ListSuppliers(ctx, filters)
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, fmt.Errorf("%w: invalid supplier id", shared.ErrValidation)
	}
	return s.repo.GetSupplier(ctx, id)
}

func (s *Service) CreateSupplier(ctx context.Context, supplier Supplier) (Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return Supplier{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	return s.repo.CreateSupplier(ctx, supplier)
}

func (s *Service) UpdateSupplier(ctx context.Context, id int64, supplier Supplier) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid supplier id", shared.ErrValidation)
	}
	if strings.TrimSpace(supplier.Name) == "" {
		return fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	return s.repo.UpdateSupplier(ctx, id, supplier)
}

// Location operations

func (s *Service) ListLocations(ctx context.Context, includeInactive bool) ([]Location, error) {
	return s.repo.ListLocations(ctx, includeInactive)
}

func (s *Service) GetLocation(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, fmt.Errorf("%w: invalid location id", shared.ErrValidation)
	}
	return s.repo.GetLocation(ctx, id)
}

func (s *Service) CreateLocation(ctx context.Context, location Location) (Location, error) {
	if strings.TrimSpace(location.Name) == "" {
		return Location{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	switch location.Kind {
	case LocationStore, LocationWarehouse:
	default:
		return Location{}, fmt.Errorf("%w: kind must be store or warehouse", shared.ErrValidation)
	}
	return s.repo.CreateLocation(ctx, location)
}

// DeactivateLocation disables a location. A location still holding stock
// cannot be deactivated; the stock has to be transferred out first.
func (s *Service) DeactivateLocation(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid location id", shared.ErrValidation)
	}
	live, err := s.repo.CountLiveStock(ctx, id)
	if err != nil {
		return fmt.Errorf("catalog: count live stock: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("%w: location still holds stock for %d item(s)", shared.ErrConflict, live)
	}
	return s.repo.SetLocationActive(ctx, id, false)
}

func (s *Service) ActivateLocation(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid location id", shared.ErrValidation)
	}
	return s.repo.SetLocationActive(ctx, id, true)
}

// Payment option operations

func (s *Service) ListPaymentOptions(ctx context.Context) ([]PaymentOption, error) {
	return s.repo.ListPaymentOptions(ctx)
}

func (s *Service) CreatePaymentOption(ctx context.Context, option PaymentOption) (PaymentOption, error) {
	if strings.TrimSpace(option.Name) == "" {
		return PaymentOption{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	return s.repo.CreatePaymentOption(ctx, option)
}

// Tax operations

func (s *Service) ListTaxes(ctx context.Context) ([]Tax, error) {
	return s.repo.ListTaxes(ctx)
}

func (s *Service) CreateTax(ctx context.Context, tax Tax) (Tax, error) {
	if strings.TrimSpace(tax.Name) == "" {
		return Tax{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	if tax.Rate < 0 || tax.Rate > 100 {
		return Tax{}, fmt.Errorf("%w: rate must be between 0 and 100", shared.ErrValidation)
	}
	return s.repo.CreateTax(ctx, tax)
}

// Discount operations

func (s *Service) ListDiscounts(ctx context.Context) ([]Discount, error) {
	return s.repo.ListDiscounts(ctx)
}

func (s *Service) CreateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	if strings.TrimSpace(discount.Name) == "" {
		return Discount{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	switch discount.Kind {
	case DiscountPercent:
		if discount.Value <= 0 || discount.Value > 100 {
			return Discount{}, fmt.Errorf("%w: percent value must be between 0 and 100", shared.ErrValidation)
		}
	case DiscountFixed:
		if discount.Value <= 0 {
			return Discount{}, fmt.Errorf("%w: fixed value must be positive", shared.ErrValidation)
		}
	default:
		return Discount{}, fmt.Errorf("%w: kind must be percent or fixed", shared.ErrValidation)
	}
	return s.repo.CreateDiscount(ctx, discount)
}

// Customer operations

func (s *Service) ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error) {
	return s.repo.ListCustomers(ctx, filters)
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	if id <= 0 {
		return Customer{}, fmt.Errorf("%w: invalid customer id", shared.ErrValidation)
	}
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, customer Customer) (Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return Customer{}, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	return s.repo.CreateCustomer(ctx, customer)
}
