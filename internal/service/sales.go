package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/store"
	"lotledger/backend/internal/xid"
)

// CreateSale validates and stores a sale in one serialized step. A
// concurrent modification reported by the store is retried from fresh
// balances up to the configured number of attempts.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.ComputedSale, error) {
	paymentMethod, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return domain.ComputedSale{}, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		DateTime:      req.DateTime.UTC(),
		PaymentMethod: paymentMethod,
		Note:          strings.TrimSpace(req.Note),
		Status:        domain.SaleStatusFinalized,
		CreatedAt:     time.Now().UTC(),
	}
	if req.DateTime.IsZero() {
		sale.DateTime = sale.CreatedAt
	}
	if req.Draft {
		sale.Status = domain.SaleStatusDraft
	}

	inputs := make([]domain.SaleLineInput, len(req.Lines))
	for i, line := range req.Lines {
		inputs[i] = domain.SaleLineInput{
			ArticleID:            strings.TrimSpace(line.ArticleID),
			Quantity:             line.Quantity,
			UnitPriceEur:         line.UnitPriceEur,
			RealDeliveryID:       strings.TrimSpace(line.RealDeliveryID),
			AccountingDeliveryID: strings.TrimSpace(line.AccountingDeliveryID),
		}
	}

	var created *domain.SaleWithLines
	err = s.retry(ctx, "create_sale", func() error {
		var err error
		created, err = s.repo.CreateSale(ctx, sale, inputs)
		return err
	})
	if err != nil {
		return domain.ComputedSale{}, err
	}

	computed := ledger.ComputeSale(*created)
	if created.IsFinalized() {
		s.invalidateReports(ctx)
	}
	s.logAudit(ctx, "sale_create", "sale", created.ID,
		fmt.Sprintf("number=%d,status=%s,lines=%d,revenue=%.2f", created.SaleNumber, created.Status, len(created.Lines), computed.RevenueEur))
	return computed, nil
}

// FinalizeSale re-checks a draft against current balances and makes it count.
func (s *Service) FinalizeSale(ctx context.Context, id string) (domain.ComputedSale, error) {
	id = strings.TrimSpace(id)

	var finalized *domain.SaleWithLines
	err := s.retry(ctx, "finalize_sale", func() error {
		var err error
		finalized, err = s.repo.FinalizeSale(ctx, id)
		return err
	})
	if err != nil {
		return domain.ComputedSale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_finalize", "sale", finalized.ID, fmt.Sprintf("number=%d", finalized.SaleNumber))
	return ledger.ComputeSale(*finalized), nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.ComputedSale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ComputedSale{}, err
	}
	return ledger.ComputeSale(*sale), nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.ComputedSale, error) {
	filter.Status = strings.ToLower(strings.TrimSpace(filter.Status))
	switch filter.Status {
	case "", domain.SaleStatusDraft, domain.SaleStatusFinalized:
	default:
		return nil, ledger.Invalid("status")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return nil, ledger.Invalid("range")
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 200
	}

	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, err
	}
	result := make([]domain.ComputedSale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, ledger.ComputeSale(sale))
	}
	return result, nil
}

// UpdateSaleNote edits the free metadata of a sale. An empty payment method
// keeps the stored one. Lines are immutable.
func (s *Service) UpdateSaleNote(ctx context.Context, id string, paymentMethod string, note string) (domain.Sale, error) {
	paymentMethod = strings.TrimSpace(paymentMethod)
	if paymentMethod != "" {
		normalized, err := normalizePaymentMethod(paymentMethod)
		if err != nil {
			return domain.Sale{}, err
		}
		paymentMethod = normalized
	}

	saved, err := s.repo.UpdateSaleNote(ctx, strings.TrimSpace(id), paymentMethod, strings.TrimSpace(note))
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_update_note", "sale", saved.ID, fmt.Sprintf("payment=%s", saved.PaymentMethod))
	return *saved, nil
}

func (s *Service) DeleteSale(ctx context.Context, id string) (domain.CascadeSummary, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CascadeSummary{}, err
	}

	id = strings.TrimSpace(id)
	summary, err := s.repo.DeleteSale(ctx, id)
	if err != nil {
		return domain.CascadeSummary{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "sale_delete", "sale", id, cascadeDetail(summary))
	return summary, nil
}

func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		if attempt == s.retryAttempts {
			break
		}
		s.logger.Warn("retrying after concurrent modification",
			slog.String("op", op),
			slog.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func normalizePaymentMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return domain.PaymentCash, nil
	}
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer, domain.PaymentOther:
		return method, nil
	}
	return "", ledger.Invalid("payment_method")
}
