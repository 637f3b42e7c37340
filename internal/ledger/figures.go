package ledger

import (
	"math"

	"lotledger/backend/internal/domain"
)

// KgLine is quantity × frozen kg per piece.
func KgLine(line domain.SaleLine) float64 {
	return float64(line.Quantity) * line.KgPerPieceSnapshot
}

// AccUnitCost is the accounting unit cost, mirroring the real one when the line
// has no distinct accounting delivery.
func AccUnitCost(line domain.SaleLine) float64 {
	if line.UnitCostPerKgAccSnapshot != nil {
		return *line.UnitCostPerKgAccSnapshot
	}
	return line.UnitCostPerKgRealSnapshot
}

// MarginPercent is profit / revenue × 100, and 0 for zero revenue.
func MarginPercent(profit, revenue float64) float64 {
	if revenue == 0 {
		return 0
	}
	margin := profit / revenue * 100
	if math.IsNaN(margin) || math.IsInf(margin, 0) {
		return 0
	}
	return margin
}

// Figures computes the derived money and weight figures of one line from its
// snapshots only.
func Figures(line domain.SaleLine) domain.LineFigures {
	kg := KgLine(line)
	revenue := float64(line.Quantity) * line.UnitPriceEur
	cogsReal := kg * line.UnitCostPerKgRealSnapshot
	cogsAcc := kg * AccUnitCost(line)
	return domain.LineFigures{
		KgLine:            kg,
		RevenueEur:        revenue,
		CogsRealEur:       cogsReal,
		CogsAccEur:        cogsAcc,
		ProfitRealEur:     revenue - cogsReal,
		ProfitAccEur:      revenue - cogsAcc,
		MarginRealPercent: MarginPercent(revenue-cogsReal, revenue),
		MarginAccPercent:  MarginPercent(revenue-cogsAcc, revenue),
	}
}

// ComputeSale sums line figures into the sale-with-computed view.
func ComputeSale(sale domain.SaleWithLines) domain.ComputedSale {
	out := domain.ComputedSale{
		Sale:  sale.Sale,
		Lines: make([]domain.ComputedSaleLine, 0, len(sale.Lines)),
	}
	for _, line := range sale.Lines {
		fig := Figures(line)
		out.Lines = append(out.Lines, domain.ComputedSaleLine{SaleLine: line, LineFigures: fig})
		out.TotalPieces += line.Quantity
		out.KgLine += fig.KgLine
		out.RevenueEur += fig.RevenueEur
		out.CogsRealEur += fig.CogsRealEur
		out.CogsAccEur += fig.CogsAccEur
		out.ProfitRealEur += fig.ProfitRealEur
		out.ProfitAccEur += fig.ProfitAccEur
	}
	out.MarginRealPercent = MarginPercent(out.ProfitRealEur, out.RevenueEur)
	out.MarginAccPercent = MarginPercent(out.ProfitAccEur, out.RevenueEur)
	return out
}
