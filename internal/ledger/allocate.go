package ledger

import (
	"math"
	"strings"

	"lotledger/backend/internal/domain"
)

// Inventory is the committed state an allocation is validated against. Stores
// build it inside the transaction that holds the delivery locks.
type Inventory struct {
	Articles   map[string]domain.Article
	Deliveries map[string]domain.Delivery
	Sold       Sold
}

// Allocate validates proposed lines and materialises them with snapshots.
// Lines of the same sale are validated cumulatively: each line sees the kg
// staged by the lines before it. The first failure aborts the whole sale.
func Allocate(inv Inventory, inputs []domain.SaleLineInput) ([]domain.SaleLine, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptySale
	}
	sold := inv.Sold
	if sold.Real == nil || sold.Acc == nil {
		sold = NewSold()
	}
	staged := NewSold()
	lines := make([]domain.SaleLine, 0, len(inputs))

	for i, in := range inputs {
		if in.Quantity <= 0 {
			return nil, lineError(CodeInvalidQuantity, i, "")
		}
		if in.UnitPriceEur < 0 || math.IsNaN(in.UnitPriceEur) || math.IsInf(in.UnitPriceEur, 0) {
			return nil, lineError(CodeInvalidPrice, i, "")
		}

		article, ok := inv.Articles[in.ArticleID]
		if !ok || !article.Active {
			return nil, lineError(CodeUnknownArticle, i, in.ArticleID)
		}
		realDel, ok := inv.Deliveries[in.RealDeliveryID]
		if !ok {
			return nil, lineError(CodeUnknownDelivery, i, in.RealDeliveryID)
		}

		kgPerPiece := article.KgPerPiece()
		kgNeeded := float64(in.Quantity) * kgPerPiece

		availableReal := realDel.KgIn - sold.Real[realDel.ID] - staged.Real[realDel.ID]
		if kgNeeded > availableReal+kgEpsilon {
			return nil, stockError(CodeInsufficientRealStock, i, realDel.DisplayID, kgNeeded, math.Max(availableReal, 0))
		}

		line := domain.SaleLine{
			Position:                  i,
			ArticleID:                 article.ID,
			Quantity:                  in.Quantity,
			UnitPriceEur:              in.UnitPriceEur,
			RealDeliveryID:            realDel.ID,
			KgPerPieceSnapshot:        kgPerPiece,
			UnitCostPerKgRealSnapshot: realDel.UnitCostPerKg,
		}

		if realDel.IsInvoiced() {
			// Mirrored lines draw on the lot's own accounting balance, which
			// non-invoiced lots may already have consumed.
			availableAcc := realDel.KgIn - sold.Acc[realDel.ID] - staged.Acc[realDel.ID]
			if kgNeeded > availableAcc+kgEpsilon {
				return nil, stockError(CodeInsufficientAccountingStock, i, realDel.DisplayID, kgNeeded, math.Max(availableAcc, 0))
			}
		} else {
			accID := strings.TrimSpace(in.AccountingDeliveryID)
			if accID == "" {
				return nil, lineError(CodeMissingAccountingDelivery, i, realDel.DisplayID)
			}
			accDel, ok := inv.Deliveries[accID]
			if !ok {
				return nil, lineError(CodeUnknownDelivery, i, accID)
			}
			if !accDel.IsInvoiced() {
				return nil, lineError(CodeAccountingDeliveryNotInvoiced, i, accDel.DisplayID)
			}
			availableAcc := accDel.KgIn - sold.Acc[accDel.ID] - staged.Acc[accDel.ID]
			if kgNeeded > availableAcc+kgEpsilon {
				return nil, stockError(CodeInsufficientAccountingStock, i, accDel.DisplayID, kgNeeded, math.Max(availableAcc, 0))
			}
			cost := accDel.UnitCostPerKg
			line.AccountingDeliveryID = accDel.ID
			line.UnitCostPerKgAccSnapshot = &cost
		}

		staged.Add(line)
		lines = append(lines, line)
	}
	return lines, nil
}

// RevalidateStock re-checks already materialised lines (a draft being
// finalized) against committed balances. Snapshots are left untouched.
func RevalidateStock(inv Inventory, lines []domain.SaleLine) error {
	if len(lines) == 0 {
		return ErrEmptySale
	}
	sold := inv.Sold
	if sold.Real == nil || sold.Acc == nil {
		sold = NewSold()
	}
	staged := NewSold()
	for i, line := range lines {
		realDel, ok := inv.Deliveries[line.RealDeliveryID]
		if !ok {
			return lineError(CodeUnknownDelivery, i, line.RealDeliveryID)
		}
		kgNeeded := KgLine(line)
		availableReal := realDel.KgIn - sold.Real[realDel.ID] - staged.Real[realDel.ID]
		if kgNeeded > availableReal+kgEpsilon {
			return stockError(CodeInsufficientRealStock, i, realDel.DisplayID, kgNeeded, math.Max(availableReal, 0))
		}
		accID := line.EffectiveAccountingDeliveryID()
		accDel, ok := inv.Deliveries[accID]
		if !ok {
			return lineError(CodeUnknownDelivery, i, accID)
		}
		availableAcc := accDel.KgIn - sold.Acc[accDel.ID] - staged.Acc[accDel.ID]
		if kgNeeded > availableAcc+kgEpsilon {
			return stockError(CodeInsufficientAccountingStock, i, accDel.DisplayID, kgNeeded, math.Max(availableAcc, 0))
		}
		staged.Add(line)
	}
	return nil
}

// LockSet returns the delivery ids an allocation will read and write. Stores
// lock exactly these before building the Inventory.
func LockSet(inputs []domain.SaleLineInput) []string {
	seen := make(map[string]struct{}, len(inputs)*2)
	ids := make([]string, 0, len(inputs)*2)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, in := range inputs {
		add(in.RealDeliveryID)
		add(in.AccountingDeliveryID)
	}
	return ids
}

// ArticleIDs returns the distinct article ids referenced by inputs.
func ArticleIDs(inputs []domain.SaleLineInput) []string {
	seen := make(map[string]struct{}, len(inputs))
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := seen[in.ArticleID]; ok {
			continue
		}
		seen[in.ArticleID] = struct{}{}
		ids = append(ids, in.ArticleID)
	}
	return ids
}
