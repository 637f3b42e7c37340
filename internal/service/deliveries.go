package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/xid"
)

func (s *Service) CreateDelivery(ctx context.Context, req domain.DeliveryCreateRequest) (domain.DeliveryBalance, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.DeliveryBalance{}, err
	}

	delivery := domain.Delivery{
		ID:            xid.New("dlv"),
		DisplayID:     strings.TrimSpace(req.DisplayID),
		Date:          req.Date.UTC(),
		QualityID:     strings.TrimSpace(req.QualityID),
		KgIn:          req.KgIn,
		UnitCostPerKg: req.UnitCostPerKg,
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
		Supplier:      strings.TrimSpace(req.Supplier),
		Note:          strings.TrimSpace(req.Note),
		CreatedAt:     time.Now().UTC(),
	}
	if err := ledger.ValidateNewDelivery(delivery); err != nil {
		return domain.DeliveryBalance{}, err
	}

	created, err := s.repo.CreateDelivery(ctx, delivery)
	if err != nil {
		return domain.DeliveryBalance{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "delivery_create", "delivery", created.ID,
		fmt.Sprintf("display_id=%s,kg_in=%.3f,unit_cost=%.4f,invoiced=%t", created.DisplayID, created.KgIn, created.UnitCostPerKg, created.IsInvoiced()))
	return s.withQualityName(ctx, ledger.Balance(*created, ledger.NewSold())), nil
}

// UpdateDelivery applies patch under the edit lock: once any sale line
// references the delivery only its note may change.
func (s *Service) UpdateDelivery(ctx context.Context, id string, patch domain.DeliveryUpdateRequest) (domain.DeliveryBalance, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.DeliveryBalance{}, err
	}

	saved, err := s.repo.UpdateDelivery(ctx, strings.TrimSpace(id), func(current domain.Delivery, referencedLines int) (domain.Delivery, error) {
		return ledger.ApplyDeliveryEdit(current, patch, referencedLines)
	})
	if err != nil {
		return domain.DeliveryBalance{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "delivery_update", "delivery", saved.ID, fmt.Sprintf("display_id=%s", saved.DisplayID))
	return s.GetDelivery(ctx, saved.ID)
}

func (s *Service) GetDelivery(ctx context.Context, id string) (domain.DeliveryBalance, error) {
	delivery, err := s.repo.GetDelivery(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.DeliveryBalance{}, err
	}
	lines, err := s.repo.ListFinalizedLines(ctx)
	if err != nil {
		return domain.DeliveryBalance{}, err
	}
	return s.withQualityName(ctx, ledger.Balance(*delivery, ledger.SumSold(lines))), nil
}

func (s *Service) ListDeliveries(ctx context.Context, filter domain.DeliveryFilter) ([]domain.DeliveryBalance, error) {
	balances, err := s.balances(ctx, strings.TrimSpace(filter.QualityID))
	if err != nil {
		return nil, err
	}

	result := make([]domain.DeliveryBalance, 0, len(balances))
	for _, balance := range balances {
		if filter.InvoicedOnly && !balance.IsInvoiced {
			continue
		}
		if filter.InStockOnly && !ledger.VisibleIn(balance, ledger.ModeReal) {
			continue
		}
		result = append(result, balance)
	}
	return result, nil
}

// DeliveryOptions lists the deliveries a sale line may draw from in mode.
func (s *Service) DeliveryOptions(ctx context.Context, mode ledger.Mode) ([]domain.DeliveryBalance, error) {
	balances, err := s.balances(ctx, "")
	if err != nil {
		return nil, err
	}

	result := make([]domain.DeliveryBalance, 0, len(balances))
	for _, balance := range balances {
		if ledger.VisibleIn(balance, mode) {
			result = append(result, balance)
		}
	}
	return result, nil
}

func (s *Service) PreviewDeleteDelivery(ctx context.Context, id string) (domain.CascadeSummary, error) {
	return s.repo.DeleteDelivery(ctx, strings.TrimSpace(id), true)
}

// DeleteDelivery removes the delivery and every sale that draws from it in
// either ledger.
func (s *Service) DeleteDelivery(ctx context.Context, id string) (domain.CascadeSummary, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CascadeSummary{}, err
	}

	id = strings.TrimSpace(id)
	summary, err := s.repo.DeleteDelivery(ctx, id, false)
	if err != nil {
		return domain.CascadeSummary{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "delivery_delete", "delivery", id, cascadeDetail(summary))
	return summary, nil
}

func (s *Service) balances(ctx context.Context, qualityID string) ([]domain.DeliveryBalance, error) {
	deliveries, err := s.repo.ListDeliveries(ctx, qualityID)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListFinalizedLines(ctx)
	if err != nil {
		return nil, err
	}
	qualities, err := s.qualityNames(ctx)
	if err != nil {
		return nil, err
	}

	balances := ledger.ComputeBalances(deliveries, lines)
	for i := range balances {
		balances[i].QualityName = qualities[balances[i].QualityID]
	}
	return balances, nil
}

func (s *Service) withQualityName(ctx context.Context, balance domain.DeliveryBalance) domain.DeliveryBalance {
	quality, err := s.repo.GetQuality(ctx, balance.QualityID)
	if err == nil {
		balance.QualityName = quality.Name
	}
	return balance
}

func (s *Service) qualityNames(ctx context.Context) (map[string]string, error) {
	qualities, err := s.repo.ListQualities(ctx, true)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(qualities))
	for _, quality := range qualities {
		names[quality.ID] = quality.Name
	}
	return names, nil
}
