package sales

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tillpoint/tillpoint/internal/rbac"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, error)
	GetSaleByNumber(ctx context.Context, number string) (Sale, error)
	ListSales(ctx context.Context, filters ListFilters) ([]Sale, int, error)
	SummarizeDay(ctx context.Context, day time.Time) (DailySummary, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuthzPort abstracts the permission gate.
type AuthzPort interface {
	Authorize(ctx context.Context, userID int64, permission string) error
}

// MetricsPort abstracts sale counters.
type MetricsPort interface {
	ObserveSaleCommit(outcome string)
}

// Service coordinates sale transactions: header, lines, payments and the
// stock decrement commit or roll back as one unit.
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

// CommitSale atomically records a sale. Any failure, including insufficient
// stock on any line, rolls the whole sale back.
func (s *Service) CommitSale(ctx context.Context, req CommitSaleRequest) (Sale, error) {
	if err := s.validateCommit(req); err != nil {
		return Sale{}, err
	}
	if err := s.authorize(ctx, req.ActorID, rbac.PermCreateSale); err != nil {
		return Sale{}, err
	}

	insertedKey := false
	if s.idempotency != nil && req.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, req.IdempotencyKey, "sales"); err != nil {
			return Sale{}, err
		}
		insertedKey = true
	}

	now := time.Now().UTC()
	var sale Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		items := make([]SaleItem, 0, len(req.Items))
		tracked := make([]SaleItem, 0, len(req.Items))
		for _, line := range req.Items {
			catalogItem, err := tx.GetItemForSale(ctx, line.ItemID)
			if err != nil {
				return err
			}
			if !catalogItem.IsActive {
				return fmt.Errorf("%w: %s", ErrInactiveItem, catalogItem.Name)
			}
			item := SaleItem{
				ItemID:         line.ItemID,
				ItemName:       catalogItem.Name,
				SKU:            catalogItem.SKU,
				Quantity:       line.Quantity,
				UnitPrice:      line.UnitPrice,
				DiscountAmount: line.DiscountAmount,
				TaxAmount:      line.TaxAmount,
				LineTotal:      line.LineTotal,
			}
			items = append(items, item)
			if catalogItem.TrackStock {
				tracked = append(tracked, item)
			}
		}

		number, err := tx.NextSaleNumber(ctx, now)
		if err != nil {
			return fmt.Errorf("sales: allocate number: %w", err)
		}

		sale = Sale{
			Number:     number,
			Kind:       KindOriginal,
			Status:     SaleStatusPending,
			LocationID: req.LocationID,
			CustomerID: req.CustomerID,
			CashierID:  req.ActorID,
			Subtotal:   req.Subtotal, DiscountTotal: req.DiscountTotal,
			TaxTotal: req.TaxTotal, Total: req.Total,
			Note:      req.Note,
			CreatedAt: now,
		}
		saleID, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		sale.ID = saleID
		if err := tx.InsertSaleItems(ctx, saleID, items); err != nil {
			return err
		}

		payments := make([]Payment, 0, len(req.Payments))
		for _, p := range req.Payments {
			payments = append(payments, Payment{
				SaleID:          saleID,
				PaymentOptionID: p.PaymentOptionID,
				Amount:          p.Amount,
				Reference:       p.Reference,
				PaidAt:          now,
			})
		}
		if err := tx.InsertPayments(ctx, saleID, payments); err != nil {
			return err
		}

		for _, item := range tracked {
			if err := s.moveStock(ctx, tx, stock.MovementOut, item, req.LocationID, req.ActorID, number, now); err != nil {
				return err
			}
		}

		completed := now
		sale.Status = SaleStatusCompleted
		sale.CompletedAt = &completed
		sale.Items = items
		sale.Payments = payments
		return tx.UpdateSaleStatus(ctx, saleID, SaleStatusCompleted, req.ActorID, now)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, req.IdempotencyKey)
		}
		s.observe("failed")
		return Sale{}, err
	}

	s.observe("completed")
	s.recordAudit(ctx, req.ActorID, "sale.committed", sale.ID, map[string]any{
		"number": sale.Number, "total": sale.Total, "location_id": sale.LocationID,
	})
	return sale, nil
}

// CancelSale voids a completed sale and puts the stock back.
func (s *Service) CancelSale(ctx context.Context, actorID, saleID int64, reason string) (Sale, error) {
	if err := s.authorize(ctx, actorID, rbac.PermCancelSale); err != nil {
		return Sale{}, err
	}

	now := time.Now().UTC()
	var sale Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		sale, err = tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Kind != KindOriginal {
			return fmt.Errorf("%w: refunds cannot be cancelled", ErrInvalidStatus)
		}
		if sale.Status == SaleStatusCancelled {
			return ErrAlreadyCancelled
		}
		if sale.Status != SaleStatusCompleted {
			return fmt.Errorf("%w: only completed sales can be cancelled (is %s)", ErrInvalidStatus, sale.Status)
		}

		refunded, err := tx.RefundedQuantities(ctx, saleID)
		if err != nil {
			return err
		}
		for _, qty := range refunded {
			if qty > 0 {
				return fmt.Errorf("%w: partially refunded sales must be refunded, not cancelled", ErrInvalidStatus)
			}
		}

		items, err := tx.GetSaleItems(ctx, saleID)
		if err != nil {
			return err
		}
		for _, item := range items {
			catalogItem, err := tx.GetItemForSale(ctx, item.ItemID)
			if err != nil {
				return err
			}
			if !catalogItem.TrackStock {
				continue
			}
			if err := s.moveStock(ctx, tx, stock.MovementIn, item, sale.LocationID, actorID, sale.Number, now); err != nil {
				return err
			}
		}

		sale.Status = SaleStatusCancelled
		sale.CancelledAt = &now
		sale.CancelledBy = &actorID
		sale.Items = items
		return tx.UpdateSaleStatus(ctx, saleID, SaleStatusCancelled, actorID, now)
	})
	if err != nil {
		return Sale{}, err
	}

	s.observe("cancelled")
	s.recordAudit(ctx, actorID, "sale.cancelled", saleID, map[string]any{
		"number": sale.Number, "reason": reason,
	})
	return sale, nil
}

// RefundSale creates a refund sale linked to the original, restores stock for
// the refunded lines, and marks the original refunded once every line is
// fully covered.
func (s *Service) RefundSale(ctx context.Context, saleID int64, req RefundRequest) (Sale, error) {
	if len(req.Lines) == 0 {
		return Sale{}, fmt.Errorf("%w: refund requires at least one line", shared.ErrValidation)
	}
	for _, line := range req.Lines {
		if line.ItemID <= 0 || line.Quantity <= 0 {
			return Sale{}, fmt.Errorf("%w: refund lines need an item and a positive quantity", shared.ErrValidation)
		}
	}
	if req.PaymentOptionID <= 0 {
		return Sale{}, fmt.Errorf("%w: refund requires a payment option", shared.ErrValidation)
	}
	if err := s.authorize(ctx, req.ActorID, rbac.PermRefundSale); err != nil {
		return Sale{}, err
	}

	now := time.Now().UTC()
	var refund Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetSaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		if original.Kind != KindOriginal {
			return fmt.Errorf("%w: refunds cannot be refunded", ErrInvalidStatus)
		}
		if original.Status != SaleStatusCompleted {
			return fmt.Errorf("%w: only completed sales can be refunded (is %s)", ErrInvalidStatus, original.Status)
		}

		originalItems, err := tx.GetSaleItems(ctx, saleID)
		if err != nil {
			return err
		}
		byItem := make(map[int64]SaleItem, len(originalItems))
		for _, item := range originalItems {
			byItem[item.ItemID] = item
		}
		refunded, err := tx.RefundedQuantities(ctx, saleID)
		if err != nil {
			return err
		}

		// Lines naming the same item accumulate, so the remaining-quantity
		// check always sees the request total per item.
		requested := make(map[int64]int64, len(req.Lines))
		for _, line := range req.Lines {
			if _, ok := byItem[line.ItemID]; !ok {
				return fmt.Errorf("%w: item %d is not on the original sale", shared.ErrValidation, line.ItemID)
			}
			requested[line.ItemID] += line.Quantity
		}

		refundItems := make([]SaleItem, 0, len(requested))
		var subtotal, discountTotal, taxTotal, total float64
		for _, origLine := range originalItems {
			quantity := requested[origLine.ItemID]
			if quantity == 0 {
				continue
			}
			remaining := origLine.Quantity - refunded[origLine.ItemID]
			if quantity > remaining {
				return fmt.Errorf("%w: item %d has %d left to refund", ErrRefundExceeds, origLine.ItemID, remaining)
			}

			share := float64(quantity) / float64(origLine.Quantity)
			item := SaleItem{
				ItemID:         origLine.ItemID,
				ItemName:       origLine.ItemName,
				SKU:            origLine.SKU,
				Quantity:       quantity,
				UnitPrice:      origLine.UnitPrice,
				DiscountAmount: roundTo2(origLine.DiscountAmount * share),
				TaxAmount:      roundTo2(origLine.TaxAmount * share),
				LineTotal:      roundTo2(origLine.LineTotal * share),
			}
			refundItems = append(refundItems, item)
			subtotal += float64(item.Quantity) * item.UnitPrice
			discountTotal += item.DiscountAmount
			taxTotal += item.TaxAmount
			total += item.LineTotal
		}

		number, err := tx.NextSaleNumber(ctx, now)
		if err != nil {
			return fmt.Errorf("sales: allocate number: %w", err)
		}
		completed := now
		refund = Sale{
			Number:         number,
			Kind:           KindRefund,
			OriginalSaleID: &original.ID,
			Status:         SaleStatusCompleted,
			LocationID:     original.LocationID,
			CustomerID:     original.CustomerID,
			CashierID:      req.ActorID,
			Subtotal:       roundTo2(subtotal),
			DiscountTotal:  roundTo2(discountTotal),
			TaxTotal:       roundTo2(taxTotal),
			Total:          roundTo2(total),
			Note:           req.Reason,
			CreatedAt:      now,
			CompletedAt:    &completed,
		}
		refundID, err := tx.InsertSale(ctx, refund)
		if err != nil {
			return err
		}
		refund.ID = refundID
		if err := tx.InsertSaleItems(ctx, refundID, refundItems); err != nil {
			return err
		}
		payment := Payment{
			SaleID:          refundID,
			PaymentOptionID: req.PaymentOptionID,
			Amount:          refund.Total,
			Reference:       fmt.Sprintf("refund of %s", original.Number),
			PaidAt:          now,
		}
		if err := tx.InsertPayments(ctx, refundID, []Payment{payment}); err != nil {
			return err
		}

		for _, item := range refundItems {
			catalogItem, err := tx.GetItemForSale(ctx, item.ItemID)
			if err != nil {
				return err
			}
			if !catalogItem.TrackStock {
				continue
			}
			if err := s.moveStock(ctx, tx, stock.MovementIn, item, original.LocationID, req.ActorID, number, now); err != nil {
				return err
			}
		}

		refund.Items = refundItems
		refund.Payments = []Payment{payment}

		// Flip the original to refunded once everything is covered.
		fullyCovered := true
		for _, origLine := range originalItems {
			if refunded[origLine.ItemID]+requested[origLine.ItemID] < origLine.Quantity {
				fullyCovered = false
				break
			}
		}
		if fullyCovered {
			return tx.UpdateSaleStatus(ctx, original.ID, SaleStatusRefunded, req.ActorID, now)
		}
		return nil
	})
	if err != nil {
		return Sale{}, err
	}

	s.observe("refunded")
	s.recordAudit(ctx, req.ActorID, "sale.refunded", saleID, map[string]any{
		"refund_number": refund.Number, "refund_total": refund.Total,
	})
	return refund, nil
}

// GetSale loads a sale with its lines and payments.
func (s *Service) GetSale(ctx context.Context, actorID, id int64) (Sale, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewSales); err != nil {
		return Sale{}, err
	}
	return s.repo.GetSale(ctx, id)
}

// GetSaleByNumber looks a sale up by its number.
func (s *Service) GetSaleByNumber(ctx context.Context, actorID int64, number string) (Sale, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewSales); err != nil {
		return Sale{}, err
	}
	return s.repo.GetSaleByNumber(ctx, number)
}

// ListSales lists sale headers.
func (s *Service) ListSales(ctx context.Context, actorID int64, filters ListFilters) ([]Sale, int, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewSales); err != nil {
		return nil, 0, err
	}
	return s.repo.ListSales(ctx, filters)
}

// DailySummary aggregates one day of trading.
func (s *Service) DailySummary(ctx context.Context, actorID int64, day time.Time) (DailySummary, error) {
	if err := s.authorize(ctx, actorID, rbac.PermViewSales); err != nil {
		return DailySummary{}, err
	}
	return s.repo.SummarizeDay(ctx, day)
}

// validateCommit checks the request shape, the line arithmetic and the
// payment coverage before anything touches the database.
func (s *Service) validateCommit(req CommitSaleRequest) error {
	if req.LocationID <= 0 {
		return fmt.Errorf("%w: location is required", shared.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: sale requires at least one item", shared.ErrValidation)
	}
	if len(req.Payments) == 0 {
		return fmt.Errorf("%w: sale requires at least one payment", shared.ErrValidation)
	}

	var subtotal, discountTotal, taxTotal, total float64
	for _, line := range req.Items {
		if line.ItemID <= 0 {
			return fmt.Errorf("%w: sale line needs an item", shared.ErrValidation)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: sale line quantity must be positive", shared.ErrValidation)
		}
		if line.UnitPrice < 0 || line.DiscountAmount < 0 || line.TaxAmount < 0 {
			return fmt.Errorf("%w: sale line amounts must not be negative", shared.ErrValidation)
		}
		lineSubtotal := float64(line.Quantity) * line.UnitPrice
		expected := roundTo2(lineSubtotal - line.DiscountAmount + line.TaxAmount)
		if !amountsEqual(expected, line.LineTotal) {
			return fmt.Errorf("%w: line for item %d totals %.2f, submitted %.2f",
				ErrTotalsMismatch, line.ItemID, expected, line.LineTotal)
		}
		subtotal += lineSubtotal
		discountTotal += line.DiscountAmount
		taxTotal += line.TaxAmount
		total += line.LineTotal
	}
	if !amountsEqual(roundTo2(subtotal), req.Subtotal) ||
		!amountsEqual(roundTo2(discountTotal), req.DiscountTotal) ||
		!amountsEqual(roundTo2(taxTotal), req.TaxTotal) ||
		!amountsEqual(roundTo2(total), req.Total) {
		return ErrTotalsMismatch
	}

	var paid float64
	for _, payment := range req.Payments {
		if payment.PaymentOptionID <= 0 {
			return fmt.Errorf("%w: payment needs a payment option", shared.ErrValidation)
		}
		if payment.Amount <= 0 {
			return fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
		}
		paid += payment.Amount
	}
	if paid+amountTolerance < req.Total {
		return fmt.Errorf("%w: paid %.2f of %.2f", ErrPaymentShortfall, paid, req.Total)
	}
	return nil
}

// moveStock runs one ledger mutation through the movement engine and records
// the matching movement row, all inside the sale transaction.
func (s *Service) moveStock(ctx context.Context, tx TxRepository, movementType stock.MovementType, item SaleItem, locationID, actorID int64, saleNumber string, at time.Time) error {
	input := stock.MovementInput{
		Type:      movementType,
		ItemID:    item.ItemID,
		Quantity:  item.Quantity,
		Note:      fmt.Sprintf("sale %s", saleNumber),
		Reference: saleNumber,
		ActorID:   actorID,
	}
	if movementType == stock.MovementOut {
		input.FromLocationID = &locationID
	} else {
		input.ToLocationID = &locationID
	}
	if err := stock.ApplyToLedger(ctx, tx, input); err != nil {
		var insufficient *stock.InsufficientStockError
		if errors.As(err, &insufficient) && insufficient.ItemName == "" {
			insufficient.ItemName = item.ItemName
		}
		return err
	}
	_, err := tx.InsertMovement(ctx, stock.Movement{
		IsActive:       true,
		Reference:      input.Reference,
		Type:           input.Type,
		ItemID:         input.ItemID,
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Quantity:       input.Quantity,
		Note:           input.Note,
		ActorID:        actorID,
		CreatedAt:      at,
	})
	return err
}

func (s *Service) authorize(ctx context.Context, actorID int64, permission string) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, actorID, permission)
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveSaleCommit(outcome)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, saleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "sale",
		EntityID: strconv.FormatInt(saleID, 10),
		Meta:     meta,
	})
}
