package ledger

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknownArticle                Code = "unknown_article"
	CodeUnknownDelivery               Code = "unknown_delivery"
	CodeUnknownQuality                Code = "unknown_quality"
	CodeInsufficientRealStock         Code = "insufficient_real_stock"
	CodeInsufficientAccountingStock   Code = "insufficient_accounting_stock"
	CodeMissingAccountingDelivery     Code = "missing_accounting_delivery"
	CodeAccountingDeliveryNotInvoiced Code = "accounting_delivery_not_invoiced"
	CodeDeliveryLocked                Code = "delivery_locked"
	CodeDuplicateDisplayID            Code = "duplicate_display_id"
	CodeDuplicateName                 Code = "duplicate_name"
	CodeEmptySale                     Code = "empty_sale"
	CodeInvalidQuantity               Code = "invalid_quantity"
	CodeInvalidPrice                  Code = "invalid_price"
	CodeInvalidInput                  Code = "invalid_input"
)

// Sentinels for errors.Is matching; a *Error matches the sentinel of its Code.
var (
	ErrUnknownArticle                = &Error{Code: CodeUnknownArticle, Line: -1}
	ErrUnknownDelivery               = &Error{Code: CodeUnknownDelivery, Line: -1}
	ErrUnknownQuality                = &Error{Code: CodeUnknownQuality, Line: -1}
	ErrInsufficientRealStock         = &Error{Code: CodeInsufficientRealStock, Line: -1}
	ErrInsufficientAccountingStock   = &Error{Code: CodeInsufficientAccountingStock, Line: -1}
	ErrMissingAccountingDelivery     = &Error{Code: CodeMissingAccountingDelivery, Line: -1}
	ErrAccountingDeliveryNotInvoiced = &Error{Code: CodeAccountingDeliveryNotInvoiced, Line: -1}
	ErrDeliveryLocked                = &Error{Code: CodeDeliveryLocked, Line: -1}
	ErrDuplicateDisplayID            = &Error{Code: CodeDuplicateDisplayID, Line: -1}
	ErrDuplicateName                 = &Error{Code: CodeDuplicateName, Line: -1}
	ErrEmptySale                     = &Error{Code: CodeEmptySale, Line: -1}
	ErrInvalidQuantity               = &Error{Code: CodeInvalidQuantity, Line: -1}
	ErrInvalidPrice                  = &Error{Code: CodeInvalidPrice, Line: -1}
	ErrInvalidInput                  = &Error{Code: CodeInvalidInput, Line: -1}
)

// Error is a validation failure. Line is the zero-based sale line index, or -1
// when the failure is not tied to a line.
type Error struct {
	Code      Code
	Line      int
	ID        string
	Field     string
	Required  float64
	Available float64
}

func (e *Error) Error() string {
	prefix := ""
	if e.Line >= 0 {
		prefix = fmt.Sprintf("line %d: ", e.Line+1)
	}
	switch e.Code {
	case CodeInsufficientRealStock:
		return fmt.Sprintf("%sinsufficient real stock in delivery %s: required %.3f kg, available %.3f kg", prefix, e.ID, e.Required, e.Available)
	case CodeInsufficientAccountingStock:
		return fmt.Sprintf("%sinsufficient accounting stock in delivery %s: required %.3f kg, available %.3f kg", prefix, e.ID, e.Required, e.Available)
	case CodeUnknownArticle:
		return fmt.Sprintf("%sunknown or inactive article %q", prefix, e.ID)
	case CodeUnknownDelivery:
		return fmt.Sprintf("%sunknown delivery %q", prefix, e.ID)
	case CodeUnknownQuality:
		return fmt.Sprintf("%sunknown or inactive quality %q", prefix, e.ID)
	case CodeMissingAccountingDelivery:
		return fmt.Sprintf("%sdelivery %s is not invoiced, an invoiced accounting delivery is required", prefix, e.ID)
	case CodeAccountingDeliveryNotInvoiced:
		return fmt.Sprintf("%saccounting delivery %s is not invoiced", prefix, e.ID)
	case CodeDeliveryLocked:
		return fmt.Sprintf("delivery %s is referenced by sales, only the note can be edited (field %s)", e.ID, e.Field)
	case CodeDuplicateDisplayID:
		return fmt.Sprintf("delivery display id %q already exists", e.ID)
	case CodeDuplicateName:
		return fmt.Sprintf("name %q already exists", e.ID)
	case CodeEmptySale:
		return "sale has no lines"
	case CodeInvalidQuantity:
		return fmt.Sprintf("%squantity must be a positive integer", prefix)
	case CodeInvalidPrice:
		return fmt.Sprintf("%sunit price must be zero or positive", prefix)
	case CodeInvalidInput:
		if e.Field != "" {
			return fmt.Sprintf("%sinvalid %s", prefix, e.Field)
		}
		return prefix + "invalid input"
	}
	return string(e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the validation code from err, if any.
func CodeOf(err error) (Code, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Code, true
	}
	return "", false
}

func lineError(code Code, line int, id string) *Error {
	return &Error{Code: code, Line: line, ID: id}
}

func stockError(code Code, line int, id string, required, available float64) *Error {
	return &Error{Code: code, Line: line, ID: id, Required: required, Available: available}
}

// Invalid builds a field-level InvalidInput error outside of any sale line.
func Invalid(field string) *Error {
	return &Error{Code: CodeInvalidInput, Line: -1, Field: field}
}

// Locked builds a DeliveryLocked error naming the first locked field touched.
func Locked(deliveryID, field string) *Error {
	return &Error{Code: CodeDeliveryLocked, Line: -1, ID: deliveryID, Field: field}
}

// DuplicateDisplayID builds a DuplicateDisplayId error.
func DuplicateDisplayID(displayID string) *Error {
	return &Error{Code: CodeDuplicateDisplayID, Line: -1, ID: displayID}
}

// DuplicateName builds a DuplicateName error.
func DuplicateName(name string) *Error {
	return &Error{Code: CodeDuplicateName, Line: -1, ID: name}
}

// UnknownQuality builds an UnknownQuality error.
func UnknownQuality(id string) *Error {
	return &Error{Code: CodeUnknownQuality, Line: -1, ID: id}
}
