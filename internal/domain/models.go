package domain

import (
	"strings"
	"time"
)

type Quality struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type QualityCreateRequest struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

type QualityUpdateRequest struct {
	Name   *string `json:"name,omitempty"`
	Note   *string `json:"note,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

type Article struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	GramsPerPiece float64   `json:"grams_per_piece"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// KgPerPiece converts the article's piece weight to kilograms.
func (a Article) KgPerPiece() float64 {
	return a.GramsPerPiece / 1000
}

type ArticleCreateRequest struct {
	Name          string  `json:"name"`
	GramsPerPiece float64 `json:"grams_per_piece"`
}

type ArticleUpdateRequest struct {
	Name          *string  `json:"name,omitempty"`
	GramsPerPiece *float64 `json:"grams_per_piece,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

type Delivery struct {
	ID            string    `json:"id"`
	DisplayID     string    `json:"display_id"`
	Date          time.Time `json:"date"`
	QualityID     string    `json:"quality_id"`
	KgIn          float64   `json:"kg_in"`
	UnitCostPerKg float64   `json:"unit_cost_per_kg"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	Supplier      string    `json:"supplier,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsInvoiced reports whether the lot belongs to the accounting ledger.
func (d Delivery) IsInvoiced() bool {
	return strings.TrimSpace(d.InvoiceNumber) != ""
}

type DeliveryCreateRequest struct {
	DisplayID     string    `json:"display_id"`
	Date          time.Time `json:"date"`
	QualityID     string    `json:"quality_id"`
	KgIn          float64   `json:"kg_in"`
	UnitCostPerKg float64   `json:"unit_cost_per_kg"`
	InvoiceNumber string    `json:"invoice_number"`
	Supplier      string    `json:"supplier"`
	Note          string    `json:"note"`
}

type DeliveryUpdateRequest struct {
	DisplayID     *string    `json:"display_id,omitempty"`
	Date          *time.Time `json:"date,omitempty"`
	QualityID     *string    `json:"quality_id,omitempty"`
	KgIn          *float64   `json:"kg_in,omitempty"`
	UnitCostPerKg *float64   `json:"unit_cost_per_kg,omitempty"`
	InvoiceNumber *string    `json:"invoice_number,omitempty"`
	Supplier      *string    `json:"supplier,omitempty"`
	Note          *string    `json:"note,omitempty"`
}

// DeliveryBalance is the delivery-with-balances view. It is never stored.
type DeliveryBalance struct {
	Delivery
	QualityName     string  `json:"quality_name,omitempty"`
	IsInvoiced      bool    `json:"is_invoiced"`
	KgSoldReal      float64 `json:"kg_sold_real"`
	KgSoldAcc       float64 `json:"kg_sold_acc"`
	KgRemainingReal float64 `json:"kg_remaining_real"`
	KgRemainingAcc  float64 `json:"kg_remaining_acc"`
	TotalCostEur    float64 `json:"total_cost_eur"`
}

type DeliveryFilter struct {
	QualityID    string
	InvoicedOnly bool
	InStockOnly  bool
}

type Sale struct {
	ID            string    `json:"id"`
	SaleNumber    int64     `json:"sale_number"`
	DateTime      time.Time `json:"date_time"`
	PaymentMethod string    `json:"payment_method"`
	Note          string    `json:"note,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsFinalized reports whether the sale counts toward balances and reports.
func (s Sale) IsFinalized() bool {
	return s.Status == SaleStatusFinalized
}

type SaleLine struct {
	ID                        string   `json:"id"`
	SaleID                    string   `json:"sale_id"`
	Position                  int      `json:"position"`
	ArticleID                 string   `json:"article_id"`
	Quantity                  int      `json:"quantity"`
	UnitPriceEur              float64  `json:"unit_price_eur"`
	RealDeliveryID            string   `json:"real_delivery_id"`
	AccountingDeliveryID      string   `json:"accounting_delivery_id,omitempty"`
	KgPerPieceSnapshot        float64  `json:"kg_per_piece_snapshot"`
	UnitCostPerKgRealSnapshot float64  `json:"unit_cost_per_kg_real_snapshot"`
	UnitCostPerKgAccSnapshot  *float64 `json:"unit_cost_per_kg_acc_snapshot,omitempty"`
}

// EffectiveAccountingDeliveryID is the delivery the accounting ledger draws from.
func (l SaleLine) EffectiveAccountingDeliveryID() string {
	if l.AccountingDeliveryID != "" {
		return l.AccountingDeliveryID
	}
	return l.RealDeliveryID
}

// SaleWithLines is the raw persisted shape of a sale.
type SaleWithLines struct {
	Sale
	Lines []SaleLine `json:"lines"`
}

type SaleLineInput struct {
	ArticleID            string  `json:"article_id"`
	Quantity             int     `json:"quantity"`
	UnitPriceEur         float64 `json:"unit_price_eur"`
	RealDeliveryID       string  `json:"real_delivery_id"`
	AccountingDeliveryID string  `json:"accounting_delivery_id,omitempty"`
}

type SaleCreateRequest struct {
	DateTime      time.Time       `json:"date_time"`
	PaymentMethod string          `json:"payment_method"`
	Note          string          `json:"note"`
	Draft         bool            `json:"draft"`
	Lines         []SaleLineInput `json:"lines"`
}

type SaleFilter struct {
	From   time.Time
	To     time.Time
	Status string
	Limit  int
}

// LineFigures is the sale-line-with-computed view.
type LineFigures struct {
	KgLine            float64 `json:"kg_line"`
	RevenueEur        float64 `json:"revenue_eur"`
	CogsRealEur       float64 `json:"cogs_real_eur"`
	CogsAccEur        float64 `json:"cogs_acc_eur"`
	ProfitRealEur     float64 `json:"profit_real_eur"`
	ProfitAccEur      float64 `json:"profit_acc_eur"`
	MarginRealPercent float64 `json:"margin_real_percent"`
	MarginAccPercent  float64 `json:"margin_acc_percent"`
}

type ComputedSaleLine struct {
	SaleLine
	LineFigures
}

type ComputedSale struct {
	Sale
	Lines       []ComputedSaleLine `json:"lines"`
	TotalPieces int                `json:"total_pieces"`
	LineFigures
}

type CascadeSummary struct {
	Qualities  int `json:"qualities"`
	Deliveries int `json:"deliveries"`
	Sales      int `json:"sales"`
	Lines      int `json:"lines"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SaleStatusDraft     = "draft"
	SaleStatusFinalized = "finalized"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentOther    = "other"
)
