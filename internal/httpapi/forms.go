package httpapi

import (
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
)

// Request bodies mirror the UI forms: decimals and dates arrive as strings
// and are parsed here, so the ledger only ever sees typed values.

const dateLayout = "2006-01-02"

type qualityForm struct {
	Name string `json:"name" validate:"required,max=120"`
	Note string `json:"note" validate:"max=500"`
}

type qualityPatchForm struct {
	Name   *string `json:"name" validate:"omitempty,max=120"`
	Note   *string `json:"note" validate:"omitempty,max=500"`
	Active *bool   `json:"active"`
}

type articleForm struct {
	Name          string `json:"name" validate:"required,max=120"`
	GramsPerPiece string `json:"grams_per_piece" validate:"required,max=32"`
}

type articlePatchForm struct {
	Name          *string `json:"name" validate:"omitempty,max=120"`
	GramsPerPiece *string `json:"grams_per_piece" validate:"omitempty,max=32"`
	Active        *bool   `json:"active"`
}

type deliveryForm struct {
	DisplayID     string `json:"display_id" validate:"required,max=64"`
	Date          string `json:"date" validate:"required"`
	QualityID     string `json:"quality_id" validate:"required,max=64"`
	KgIn          string `json:"kg_in" validate:"required,max=32"`
	UnitCostPerKg string `json:"unit_cost_per_kg" validate:"required,max=32"`
	InvoiceNumber string `json:"invoice_number" validate:"max=64"`
	Supplier      string `json:"supplier" validate:"max=120"`
	Note          string `json:"note" validate:"max=500"`
}

type deliveryPatchForm struct {
	DisplayID     *string `json:"display_id" validate:"omitempty,max=64"`
	Date          *string `json:"date"`
	QualityID     *string `json:"quality_id" validate:"omitempty,max=64"`
	KgIn          *string `json:"kg_in" validate:"omitempty,max=32"`
	UnitCostPerKg *string `json:"unit_cost_per_kg" validate:"omitempty,max=32"`
	InvoiceNumber *string `json:"invoice_number" validate:"omitempty,max=64"`
	Supplier      *string `json:"supplier" validate:"omitempty,max=120"`
	Note          *string `json:"note" validate:"omitempty,max=500"`
}

type saleLineForm struct {
	ArticleID            string `json:"article_id" validate:"required,max=64"`
	Quantity             string `json:"quantity" validate:"required,max=16"`
	UnitPriceEur         string `json:"unit_price_eur" validate:"required,max=32"`
	RealDeliveryID       string `json:"real_delivery_id" validate:"required,max=64"`
	AccountingDeliveryID string `json:"accounting_delivery_id" validate:"max=64"`
}

type saleForm struct {
	DateTime      string         `json:"date_time"`
	PaymentMethod string         `json:"payment_method" validate:"max=32"`
	Note          string         `json:"note" validate:"max=500"`
	Draft         bool           `json:"draft"`
	Lines         []saleLineForm `json:"lines" validate:"max=200,dive"`
}

type saleNoteForm struct {
	PaymentMethod string `json:"payment_method" validate:"max=32"`
	Note          string `json:"note" validate:"max=500"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateForm runs struct validation and reports the first offending field
// as an InvalidInput error.
func validateForm(v *validator.Validate, form any) error {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return ledger.Invalid(fieldErrs[0].Field())
	}
	return ledger.Invalid("body")
}

// parseDecimal accepts either "." or "," as the decimal separator.
func parseDecimal(field string, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Count(raw, ",")+strings.Count(raw, ".") > 1 {
		return 0, ledger.Invalid(field)
	}
	value, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, ledger.Invalid(field)
	}
	return value, nil
}

func parseDate(field string, raw string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, ledger.Invalid(field)
	}
	return parsed.UTC(), nil
}

// parseDateTime accepts RFC 3339 or a bare date. Empty means now.
func parseDateTime(field string, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	return parseDate(field, raw)
}

func (f qualityPatchForm) toRequest() domain.QualityUpdateRequest {
	return domain.QualityUpdateRequest{Name: f.Name, Note: f.Note, Active: f.Active}
}

func (f articleForm) toRequest() (domain.ArticleCreateRequest, error) {
	grams, err := parseDecimal("grams_per_piece", f.GramsPerPiece)
	if err != nil {
		return domain.ArticleCreateRequest{}, err
	}
	return domain.ArticleCreateRequest{Name: f.Name, GramsPerPiece: grams}, nil
}

func (f articlePatchForm) toRequest() (domain.ArticleUpdateRequest, error) {
	req := domain.ArticleUpdateRequest{Name: f.Name, Active: f.Active}
	if f.GramsPerPiece != nil {
		grams, err := parseDecimal("grams_per_piece", *f.GramsPerPiece)
		if err != nil {
			return domain.ArticleUpdateRequest{}, err
		}
		req.GramsPerPiece = &grams
	}
	return req, nil
}

func (f deliveryForm) toRequest() (domain.DeliveryCreateRequest, error) {
	date, err := parseDate("date", f.Date)
	if err != nil {
		return domain.DeliveryCreateRequest{}, err
	}
	kgIn, err := parseDecimal("kg_in", f.KgIn)
	if err != nil {
		return domain.DeliveryCreateRequest{}, err
	}
	unitCost, err := parseDecimal("unit_cost_per_kg", f.UnitCostPerKg)
	if err != nil {
		return domain.DeliveryCreateRequest{}, err
	}
	return domain.DeliveryCreateRequest{
		DisplayID:     f.DisplayID,
		Date:          date,
		QualityID:     f.QualityID,
		KgIn:          kgIn,
		UnitCostPerKg: unitCost,
		InvoiceNumber: f.InvoiceNumber,
		Supplier:      f.Supplier,
		Note:          f.Note,
	}, nil
}

func (f deliveryPatchForm) toRequest() (domain.DeliveryUpdateRequest, error) {
	req := domain.DeliveryUpdateRequest{
		DisplayID:     f.DisplayID,
		QualityID:     f.QualityID,
		InvoiceNumber: f.InvoiceNumber,
		Supplier:      f.Supplier,
		Note:          f.Note,
	}
	if f.Date != nil {
		date, err := parseDate("date", *f.Date)
		if err != nil {
			return domain.DeliveryUpdateRequest{}, err
		}
		req.Date = &date
	}
	if f.KgIn != nil {
		kgIn, err := parseDecimal("kg_in", *f.KgIn)
		if err != nil {
			return domain.DeliveryUpdateRequest{}, err
		}
		req.KgIn = &kgIn
	}
	if f.UnitCostPerKg != nil {
		unitCost, err := parseDecimal("unit_cost_per_kg", *f.UnitCostPerKg)
		if err != nil {
			return domain.DeliveryUpdateRequest{}, err
		}
		req.UnitCostPerKg = &unitCost
	}
	return req, nil
}

func (f saleForm) toRequest() (domain.SaleCreateRequest, error) {
	at, err := parseDateTime("date_time", f.DateTime)
	if err != nil {
		return domain.SaleCreateRequest{}, err
	}

	lines := make([]domain.SaleLineInput, len(f.Lines))
	for i, line := range f.Lines {
		qty, err := strconv.Atoi(strings.TrimSpace(line.Quantity))
		if err != nil {
			return domain.SaleCreateRequest{}, &ledger.Error{Code: ledger.CodeInvalidQuantity, Line: i}
		}
		price, err := parseDecimal("unit_price_eur", line.UnitPriceEur)
		if err != nil {
			return domain.SaleCreateRequest{}, &ledger.Error{Code: ledger.CodeInvalidPrice, Line: i}
		}
		lines[i] = domain.SaleLineInput{
			ArticleID:            line.ArticleID,
			Quantity:             qty,
			UnitPriceEur:         price,
			RealDeliveryID:       line.RealDeliveryID,
			AccountingDeliveryID: line.AccountingDeliveryID,
		}
	}

	return domain.SaleCreateRequest{
		DateTime:      at,
		PaymentMethod: f.PaymentMethod,
		Note:          f.Note,
		Draft:         f.Draft,
		Lines:         lines,
	}, nil
}

// parseDayRange turns inclusive YYYY-MM-DD bounds into a half-open
// [from, to) instant range. Empty bounds stay open.
func parseDayRange(fromRaw string, toRaw string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if strings.TrimSpace(fromRaw) != "" {
		if from, err = parseDate("from", fromRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if strings.TrimSpace(toRaw) != "" {
		if to, err = parseDate("to", toRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = to.Add(24 * time.Hour)
	}
	return from, to, nil
}
