package ledger

import (
	"strings"

	"lotledger/backend/internal/domain"
)

// ApplyDeliveryEdit merges patch into current. When the delivery is
// referenced by any sale line only the note may change; touching any other
// field with a different value yields DeliveryLocked.
func ApplyDeliveryEdit(current domain.Delivery, patch domain.DeliveryUpdateRequest, referencedLines int) (domain.Delivery, error) {
	next := current
	locked := referencedLines > 0

	check := func(field string, changed bool) error {
		if locked && changed {
			return Locked(current.DisplayID, field)
		}
		return nil
	}

	if patch.DisplayID != nil {
		v := strings.TrimSpace(*patch.DisplayID)
		if v == "" {
			return current, Invalid("display_id")
		}
		if err := check("display_id", v != current.DisplayID); err != nil {
			return current, err
		}
		next.DisplayID = v
	}
	if patch.QualityID != nil {
		v := strings.TrimSpace(*patch.QualityID)
		if v == "" {
			return current, Invalid("quality_id")
		}
		if err := check("quality_id", v != current.QualityID); err != nil {
			return current, err
		}
		next.QualityID = v
	}
	if patch.KgIn != nil {
		if !(*patch.KgIn > 0) {
			return current, Invalid("kg_in")
		}
		if err := check("kg_in", *patch.KgIn != current.KgIn); err != nil {
			return current, err
		}
		next.KgIn = *patch.KgIn
	}
	if patch.UnitCostPerKg != nil {
		if !(*patch.UnitCostPerKg >= 0) {
			return current, Invalid("unit_cost_per_kg")
		}
		if err := check("unit_cost_per_kg", *patch.UnitCostPerKg != current.UnitCostPerKg); err != nil {
			return current, err
		}
		next.UnitCostPerKg = *patch.UnitCostPerKg
	}
	if patch.Date != nil {
		if patch.Date.IsZero() {
			return current, Invalid("date")
		}
		if err := check("date", !patch.Date.Equal(current.Date)); err != nil {
			return current, err
		}
		next.Date = *patch.Date
	}
	if patch.InvoiceNumber != nil {
		v := strings.TrimSpace(*patch.InvoiceNumber)
		if err := check("invoice_number", v != current.InvoiceNumber); err != nil {
			return current, err
		}
		next.InvoiceNumber = v
	}
	if patch.Supplier != nil {
		v := strings.TrimSpace(*patch.Supplier)
		if err := check("supplier", v != current.Supplier); err != nil {
			return current, err
		}
		next.Supplier = v
	}
	if patch.Note != nil {
		next.Note = strings.TrimSpace(*patch.Note)
	}
	return next, nil
}

// ValidateNewDelivery checks the field ranges of a delivery before insert.
func ValidateNewDelivery(d domain.Delivery) error {
	switch {
	case strings.TrimSpace(d.DisplayID) == "":
		return Invalid("display_id")
	case strings.TrimSpace(d.QualityID) == "":
		return Invalid("quality_id")
	case d.Date.IsZero():
		return Invalid("date")
	case !(d.KgIn > 0):
		return Invalid("kg_in")
	case !(d.UnitCostPerKg >= 0):
		return Invalid("unit_cost_per_kg")
	}
	return nil
}
