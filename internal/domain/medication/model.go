package medication

import (
	"time"

	"github.com/google/uuid"
)

// Medication is one stocked item in the infirmary cabinet.
type Medication struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	GenericName  *string    `db:"generic_name" json:"generic_name,omitempty"`
	DosageForm   *string    `db:"dosage_form" json:"dosage_form,omitempty"`
	Strength     *string    `db:"strength" json:"strength,omitempty"`
	Category     *string    `db:"category" json:"category,omitempty"`
	Supplier     *string    `db:"supplier" json:"supplier,omitempty"`
	CurrentStock int        `db:"current_stock" json:"current_stock"`
	MinimumStock int        `db:"minimum_stock" json:"minimum_stock"`
	ExpiryDate   *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	Active       bool       `db:"active" json:"active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// IsLowStock reports stock at or below the reorder threshold.
func (m *Medication) IsLowStock() bool {
	return m.CurrentStock <= m.MinimumStock
}

// StrengthLabel is the strength text or "" when unset.
func (m *Medication) StrengthLabel() string {
	if m.Strength == nil {
		return ""
	}
	return *m.Strength
}

type MovementKind string

const (
	MovementRestock    MovementKind = "RESTOCK"
	MovementDispense   MovementKind = "DISPENSE"
	MovementAdjustment MovementKind = "ADJUSTMENT"
)

// StockMovement is one ledger line. Quantity is signed: positive for stock
// coming in, negative for stock going out.
type StockMovement struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	MedicationID uuid.UUID    `db:"medication_id" json:"medication_id"`
	Kind         MovementKind `db:"kind" json:"kind"`
	Quantity     int          `db:"quantity" json:"quantity"`
	StockAfter   int          `db:"stock_after" json:"stock_after"`
	VisitID      *uuid.UUID   `db:"visit_id" json:"visit_id,omitempty"`
	PerformedBy  *string      `db:"performed_by" json:"performed_by,omitempty"`
	Note         *string      `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// Filter narrows a medication listing.
type Filter struct {
	Active     *bool
	Category   string
	Search     string // case-insensitive match on name or generic name
	Selectable bool   // in stock and not expired today
}
