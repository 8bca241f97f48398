package sales

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// SaleStatus tracks the sale lifecycle: pending -> completed -> cancelled or
// refunded. Completion happens inside the commit transaction, so pending
// sales are only ever visible mid-flight.
type SaleStatus string

// Sale statuses.
const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
	SaleStatusRefunded  SaleStatus = "refunded"
)

// SaleKind distinguishes an original sale from a refund linked back to it.
type SaleKind string

// Sale kinds.
const (
	KindOriginal SaleKind = "original"
	KindRefund   SaleKind = "refund"
)

// Sale is the transaction header. Amounts on a refund sale are stored
// positive; the kind carries the sign.
type Sale struct {
	ID             int64      `json:"id"`
	Number         string     `json:"number"`
	Kind           SaleKind   `json:"kind"`
	OriginalSaleID *int64     `json:"original_sale_id,omitempty"`
	Status         SaleStatus `json:"status"`
	LocationID     int64      `json:"location_id"`
	CustomerID     *int64     `json:"customer_id,omitempty"`
	CashierID      int64      `json:"cashier_id"`
	Subtotal       float64    `json:"subtotal"`
	DiscountTotal  float64    `json:"discount_total"`
	TaxTotal       float64    `json:"tax_total"`
	Total          float64    `json:"total"`
	Note           string     `json:"note"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy    *int64     `json:"cancelled_by,omitempty"`

	Items    []SaleItem `json:"items,omitempty"`
	Payments []Payment  `json:"payments,omitempty"`
}

// SaleItem is a sale line. Name and unit price are snapshots taken at sale
// time; later catalog edits never change a committed sale.
type SaleItem struct {
	ID             int64   `json:"id"`
	SaleID         int64   `json:"sale_id"`
	ItemID         int64   `json:"item_id"`
	ItemName       string  `json:"item_name"`
	SKU            string  `json:"sku"`
	Quantity       int64   `json:"quantity"`
	UnitPrice      float64 `json:"unit_price"`
	DiscountAmount float64 `json:"discount_amount"`
	TaxAmount      float64 `json:"tax_amount"`
	LineTotal      float64 `json:"line_total"`
}

// Payment is a tender applied to a sale.
type Payment struct {
	ID              int64     `json:"id"`
	SaleID          int64     `json:"sale_id"`
	PaymentOptionID int64     `json:"payment_option_id"`
	Amount          float64   `json:"amount"`
	Reference       string    `json:"reference"`
	PaidAt          time.Time `json:"paid_at"`
}

// SaleLineRequest is one requested line of a sale.
type SaleLineRequest struct {
	ItemID         int64   `json:"item_id" validate:"required,gt=0"`
	Quantity       int64   `json:"quantity" validate:"required,gt=0"`
	UnitPrice      float64 `json:"unit_price" validate:"gte=0"`
	DiscountAmount float64 `json:"discount_amount" validate:"gte=0"`
	TaxAmount      float64 `json:"tax_amount" validate:"gte=0"`
	LineTotal      float64 `json:"line_total" validate:"gte=0"`
}

// PaymentRequest is one tender in a commit request.
type PaymentRequest struct {
	PaymentOptionID int64   `json:"payment_option_id" validate:"required,gt=0"`
	Amount          float64 `json:"amount" validate:"required,gt=0"`
	Reference       string  `json:"reference" validate:"max=128"`
}

// CommitSaleRequest carries a complete sale from the till. Totals come from
// the client and are re-verified server side within a rounding tolerance.
type CommitSaleRequest struct {
	LocationID    int64             `json:"location_id" validate:"required,gt=0"`
	CustomerID    *int64            `json:"customer_id" validate:"omitempty,gt=0"`
	Items         []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	Payments      []PaymentRequest  `json:"payments" validate:"required,min=1,dive"`
	Subtotal      float64           `json:"subtotal" validate:"gte=0"`
	DiscountTotal float64           `json:"discount_total" validate:"gte=0"`
	TaxTotal      float64           `json:"tax_total" validate:"gte=0"`
	Total         float64           `json:"total" validate:"gte=0"`
	Note          string            `json:"note" validate:"max=500"`
	// IdempotencyKey lets a till retry a commit after a network failure
	// without double-charging.
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
	ActorID        int64  `json:"-"`
}

// RefundLineRequest names an original sale line and how much of it to refund.
type RefundLineRequest struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

// RefundRequest asks for a partial or full refund of a completed sale.
type RefundRequest struct {
	Lines           []RefundLineRequest `json:"lines" validate:"required,min=1,dive"`
	PaymentOptionID int64               `json:"payment_option_id" validate:"required,gt=0"`
	Reason          string              `json:"reason" validate:"max=500"`
	ActorID         int64               `json:"-"`
}

// ListFilters narrows sale listings.
type ListFilters struct {
	Status     SaleStatus
	Kind       SaleKind
	LocationID *int64
	CustomerID *int64
	CashierID  *int64
	Number     string
	From       *time.Time
	To         *time.Time
	SortBy     string
	SortDir    string
	Page       int
	Limit      int
}

// Sentinel errors.
var (
	ErrPaymentShortfall = fmt.Errorf("%w: payments do not cover the sale total", shared.ErrValidation)
	ErrTotalsMismatch   = fmt.Errorf("%w: submitted totals do not match the sale lines", shared.ErrValidation)
	ErrInvalidStatus    = errors.New("sale status does not allow this operation")
	ErrAlreadyCancelled = fmt.Errorf("%w: sale is already cancelled", shared.ErrConflict)
	ErrRefundExceeds    = fmt.Errorf("%w: refund exceeds the refundable quantity", shared.ErrValidation)
	ErrInactiveItem     = fmt.Errorf("%w: sale contains an inactive item", shared.ErrValidation)
)

// amountTolerance absorbs float rounding between the till and the server.
const amountTolerance = 0.01

func amountsEqual(a, b float64) bool {
	return math.Abs(a-b) <= amountTolerance
}

func roundTo2(val float64) float64 {
	return math.Round(val*100) / 100
}
