package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"lotledger/backend/internal/domain"
)

// Mode selects which ledger a report or picker reads.
type Mode string

const (
	ModeReal       Mode = "real"
	ModeAccounting Mode = "accounting"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeReal:
		return ModeReal, nil
	case ModeAccounting:
		return ModeAccounting, nil
	}
	return "", Invalid("mode")
}

// ReportQuery selects finalized sales with DateTime in [From, To). A zero bound
// is open. Quality, delivery and supplier filters match the delivery the mode
// displays: the real delivery in real mode, the effective accounting delivery
// in accounting mode.
type ReportQuery struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Mode          Mode      `json:"mode"`
	QualityID     string    `json:"quality_id,omitempty"`
	DeliveryID    string    `json:"delivery_id,omitempty"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	Supplier      string    `json:"supplier,omitempty"`
}

// Key is a stable identity for caching the report of q.
func (q ReportQuery) Key() string {
	return fmt.Sprintf("%s|%d|%d|%s|%s|%s|%s",
		q.Mode,
		unixOrZero(q.From),
		unixOrZero(q.To),
		q.QualityID,
		q.DeliveryID,
		strings.ToLower(q.PaymentMethod),
		strings.ToLower(q.Supplier),
	)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

// Dataset is the raw rows a report is computed from.
type Dataset struct {
	Sales      []domain.SaleWithLines
	Deliveries map[string]domain.Delivery
	Qualities  map[string]domain.Quality
	Articles   map[string]domain.Article
}

// TransactionRow is one sale line with both ledgers' figures.
type TransactionRow struct {
	SaleID                      string    `json:"sale_id"`
	SaleNumber                  int64     `json:"sale_number"`
	DateTime                    time.Time `json:"date_time"`
	PaymentMethod               string    `json:"payment_method"`
	LineID                      string    `json:"line_id"`
	ArticleID                   string    `json:"article_id"`
	ArticleName                 string    `json:"article_name"`
	Quantity                    int       `json:"quantity"`
	UnitPriceEur                float64   `json:"unit_price_eur"`
	RealDeliveryID              string    `json:"real_delivery_id"`
	RealDeliveryDisplayID       string    `json:"real_delivery_display_id"`
	AccountingDeliveryID        string    `json:"accounting_delivery_id"`
	AccountingDeliveryDisplayID string    `json:"accounting_delivery_display_id"`
	QualityID                   string    `json:"quality_id"`
	QualityName                 string    `json:"quality_name"`
	domain.LineFigures
}

// GroupRow is one rollup bucket; Cogs, Profit and MarginPercent belong to the
// report's mode.
type GroupRow struct {
	Key           string  `json:"key"`
	Label         string  `json:"label"`
	KgTotal       float64 `json:"kg_total"`
	Pieces        int     `json:"pieces"`
	RevenueEur    float64 `json:"revenue_eur"`
	CogsEur       float64 `json:"cogs_eur"`
	ProfitEur     float64 `json:"profit_eur"`
	MarginPercent float64 `json:"margin_percent"`
}

type Summary struct {
	RevenueEur    float64 `json:"revenue_eur"`
	CogsEur       float64 `json:"cogs_eur"`
	ProfitEur     float64 `json:"profit_eur"`
	MarginPercent float64 `json:"margin_percent"`
	TotalKg       float64 `json:"total_kg"`
	TotalPieces   int     `json:"total_pieces"`
	SaleCount     int     `json:"sale_count"`
}

type Report struct {
	Mode         Mode             `json:"mode"`
	Transactions []TransactionRow `json:"transactions"`
	ByDelivery   []GroupRow       `json:"by_delivery"`
	ByQuality    []GroupRow       `json:"by_quality"`
	ByArticle    []GroupRow       `json:"by_article"`
	Summary      Summary          `json:"summary"`
}

// BuildReport rolls finalized sales of ds up for q. In accounting mode a line
// whose effective accounting delivery is missing or not invoiced is dropped
// from every section.
func BuildReport(ds Dataset, q ReportQuery) Report {
	mode := q.Mode
	if mode == "" {
		mode = ModeReal
	}
	report := Report{
		Mode:         mode,
		Transactions: []TransactionRow{},
		ByDelivery:   []GroupRow{},
		ByQuality:    []GroupRow{},
		ByArticle:    []GroupRow{},
	}

	byDelivery := newGroups()
	byQuality := newGroups()
	byArticle := newGroups()
	sales := make(map[string]struct{})

	for _, sale := range ds.Sales {
		if !sale.IsFinalized() || !inRange(sale.DateTime, q.From, q.To) {
			continue
		}
		if q.PaymentMethod != "" && !strings.EqualFold(sale.PaymentMethod, q.PaymentMethod) {
			continue
		}
		for _, line := range sale.Lines {
			displayID := line.RealDeliveryID
			if mode == ModeAccounting {
				displayID = line.EffectiveAccountingDeliveryID()
			}
			display, ok := ds.Deliveries[displayID]
			if mode == ModeAccounting && (!ok || !display.IsInvoiced()) {
				continue
			}
			if q.DeliveryID != "" && displayID != q.DeliveryID {
				continue
			}
			if q.QualityID != "" && display.QualityID != q.QualityID {
				continue
			}
			if q.Supplier != "" && !strings.EqualFold(strings.TrimSpace(display.Supplier), strings.TrimSpace(q.Supplier)) {
				continue
			}

			fig := Figures(line)
			report.Transactions = append(report.Transactions, transactionRow(ds, sale.Sale, line, display, fig))
			sales[sale.ID] = struct{}{}

			cogs, profit := fig.CogsRealEur, fig.ProfitRealEur
			if mode == ModeAccounting {
				cogs, profit = fig.CogsAccEur, fig.ProfitAccEur
			}

			deliveryLabel := display.DisplayID
			if deliveryLabel == "" {
				deliveryLabel = displayID
			}
			qualityLabel := ds.Qualities[display.QualityID].Name
			if qualityLabel == "" {
				qualityLabel = display.QualityID
			}
			articleLabel := ds.Articles[line.ArticleID].Name
			if articleLabel == "" {
				articleLabel = line.ArticleID
			}

			byDelivery.add(displayID, deliveryLabel, line.Quantity, fig, cogs, profit)
			byQuality.add(display.QualityID, qualityLabel, line.Quantity, fig, cogs, profit)
			byArticle.add(line.ArticleID, articleLabel, line.Quantity, fig, cogs, profit)

			report.Summary.RevenueEur += fig.RevenueEur
			report.Summary.CogsEur += cogs
			report.Summary.ProfitEur += profit
			report.Summary.TotalKg += fig.KgLine
			report.Summary.TotalPieces += line.Quantity
		}
	}

	report.Summary.SaleCount = len(sales)
	report.Summary.MarginPercent = MarginPercent(report.Summary.ProfitEur, report.Summary.RevenueEur)
	report.ByDelivery = byDelivery.rows()
	report.ByQuality = byQuality.rows()
	report.ByArticle = byArticle.rows()

	sort.SliceStable(report.Transactions, func(i, j int) bool {
		a, b := report.Transactions[i], report.Transactions[j]
		if !a.DateTime.Equal(b.DateTime) {
			return a.DateTime.Before(b.DateTime)
		}
		return a.SaleNumber < b.SaleNumber
	})
	return report
}

func transactionRow(ds Dataset, sale domain.Sale, line domain.SaleLine, display domain.Delivery, fig domain.LineFigures) TransactionRow {
	accID := line.EffectiveAccountingDeliveryID()
	return TransactionRow{
		SaleID:                      sale.ID,
		SaleNumber:                  sale.SaleNumber,
		DateTime:                    sale.DateTime,
		PaymentMethod:               sale.PaymentMethod,
		LineID:                      line.ID,
		ArticleID:                   line.ArticleID,
		ArticleName:                 ds.Articles[line.ArticleID].Name,
		Quantity:                    line.Quantity,
		UnitPriceEur:                line.UnitPriceEur,
		RealDeliveryID:              line.RealDeliveryID,
		RealDeliveryDisplayID:       ds.Deliveries[line.RealDeliveryID].DisplayID,
		AccountingDeliveryID:        accID,
		AccountingDeliveryDisplayID: ds.Deliveries[accID].DisplayID,
		QualityID:                   display.QualityID,
		QualityName:                 ds.Qualities[display.QualityID].Name,
		LineFigures:                 fig,
	}
}

func inRange(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

type groups struct {
	order []string
	byKey map[string]*GroupRow
}

func newGroups() *groups {
	return &groups{byKey: make(map[string]*GroupRow)}
}

func (g *groups) add(key, label string, pieces int, fig domain.LineFigures, cogs, profit float64) {
	row, ok := g.byKey[key]
	if !ok {
		row = &GroupRow{Key: key, Label: label}
		g.byKey[key] = row
		g.order = append(g.order, key)
	}
	row.KgTotal += fig.KgLine
	row.Pieces += pieces
	row.RevenueEur += fig.RevenueEur
	row.CogsEur += cogs
	row.ProfitEur += profit
}

func (g *groups) rows() []GroupRow {
	out := make([]GroupRow, 0, len(g.order))
	for _, key := range g.order {
		row := *g.byKey[key]
		row.MarginPercent = MarginPercent(row.ProfitEur, row.RevenueEur)
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Key < out[j].Key
	})
	return out
}
