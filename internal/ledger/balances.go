// Package ledger holds the dual-ledger rules: delivery balances, the sale
// allocation gate, per-line figures and report rollups. Everything here is a
// pure function of raw rows; persistence and locking live in the stores.
package ledger

import (
	"lotledger/backend/internal/domain"
)

// kgEpsilon absorbs float noise from quantity × grams/1000 products.
const kgEpsilon = 1e-9

// Sold holds kilograms drawn from each delivery, keyed by delivery id.
type Sold struct {
	Real map[string]float64
	Acc  map[string]float64
}

func NewSold() Sold {
	return Sold{Real: make(map[string]float64), Acc: make(map[string]float64)}
}

// Add books one line into both ledgers.
func (s Sold) Add(line domain.SaleLine) {
	kg := KgLine(line)
	s.Real[line.RealDeliveryID] += kg
	s.Acc[line.EffectiveAccountingDeliveryID()] += kg
}

// SumSold reduces lines into per-delivery kg sold for both views. Callers pass
// lines of finalized sales only.
func SumSold(lines []domain.SaleLine) Sold {
	sold := NewSold()
	for _, line := range lines {
		sold.Add(line)
	}
	return sold
}

// Balance derives the delivery-with-balances view from kg already sold.
func Balance(delivery domain.Delivery, sold Sold) domain.DeliveryBalance {
	soldReal := sold.Real[delivery.ID]
	soldAcc := sold.Acc[delivery.ID]
	return domain.DeliveryBalance{
		Delivery:        delivery,
		IsInvoiced:      delivery.IsInvoiced(),
		KgSoldReal:      soldReal,
		KgSoldAcc:       soldAcc,
		KgRemainingReal: delivery.KgIn - soldReal,
		KgRemainingAcc:  delivery.KgIn - soldAcc,
		TotalCostEur:    delivery.KgIn * delivery.UnitCostPerKg,
	}
}

// ComputeBalances returns one balance per delivery, in input order.
func ComputeBalances(deliveries []domain.Delivery, lines []domain.SaleLine) []domain.DeliveryBalance {
	sold := SumSold(lines)
	out := make([]domain.DeliveryBalance, 0, len(deliveries))
	for _, delivery := range deliveries {
		out = append(out, Balance(delivery, sold))
	}
	return out
}

// ReferencedDeliveries collects every delivery id a set of lines touches in
// either ledger.
func ReferencedDeliveries(lines []domain.SaleLine) map[string]struct{} {
	ids := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		ids[line.RealDeliveryID] = struct{}{}
		if line.AccountingDeliveryID != "" {
			ids[line.AccountingDeliveryID] = struct{}{}
		}
	}
	return ids
}

// VisibleIn reports whether a balance belongs in the picker for mode.
// Accounting pickers only offer invoiced lots.
func VisibleIn(balance domain.DeliveryBalance, mode Mode) bool {
	if mode == ModeAccounting {
		return balance.IsInvoiced && balance.KgRemainingAcc > kgEpsilon
	}
	return balance.KgRemainingReal > kgEpsilon
}
