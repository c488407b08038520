package visit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("visit not found")
	ErrInvalidDisposition = errors.New("invalid disposition")
	// ErrInvalidReference is returned when the visit points at a student or
	// medication that does not exist.
	ErrInvalidReference = errors.New("referenced record does not exist")
)

// Disposition is the outcome of a visit as stored by the backend.
type Disposition string

const (
	ReturnedToClass    Disposition = "RETURNED_TO_CLASS"
	SentHome           Disposition = "SENT_HOME"
	UnderObservation   Disposition = "UNDER_OBSERVATION"
	ReferredToHospital Disposition = "REFERRED_TO_HOSPITAL"
)

// Display labels as shown on the intake form.
const (
	LabelReturnedToClass   = "Returned to Class"
	LabelSentHome          = "Sent Home"
	LabelUnderObservation  = "Under Observation"
	LabelEmergencyReferral = "Emergency Referral"
)

var labelToDisposition = map[string]Disposition{
	strings.ToLower(LabelReturnedToClass):   ReturnedToClass,
	strings.ToLower(LabelSentHome):          SentHome,
	strings.ToLower(LabelUnderObservation):  UnderObservation,
	strings.ToLower(LabelEmergencyReferral): ReferredToHospital,
}

// ParseDisposition accepts a form label or a backend code and returns the
// code together with the emergency flag. Only an emergency referral raises
// the flag.
func ParseDisposition(s string) (Disposition, bool, error) {
	v := strings.TrimSpace(s)
	if d, ok := labelToDisposition[strings.ToLower(v)]; ok {
		return d, d == ReferredToHospital, nil
	}
	switch d := Disposition(strings.ToUpper(v)); d {
	case ReturnedToClass, SentHome, UnderObservation, ReferredToHospital:
		return d, d == ReferredToHospital, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrInvalidDisposition, s)
}

// Label is the form label for d.
func (d Disposition) Label() string {
	switch d {
	case ReturnedToClass:
		return LabelReturnedToClass
	case SentHome:
		return LabelSentHome
	case UnderObservation:
		return LabelUnderObservation
	case ReferredToHospital:
		return LabelEmergencyReferral
	}
	return string(d)
}

type VitalSigns struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	Pulse           *int     `json:"pulse,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
	BloodPressure   *string  `json:"blood_pressure,omitempty"`
	SpO2            *int     `json:"spo2,omitempty"`
}

// AdministeredMedication is one dose given during a visit. StockBefore,
// StockAfter and Strength are snapshots taken when the dose was dispensed.
type AdministeredMedication struct {
	ID             uuid.UUID `json:"id"`
	VisitID        uuid.UUID `json:"visit_id"`
	MedicationID   uuid.UUID `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
	Strength       *string   `json:"strength,omitempty"`
	Dosage         string    `json:"dosage"`
	Notes          *string   `json:"notes,omitempty"`
	Quantity       int       `json:"quantity"`
	StockBefore    int       `json:"stock_before"`
	StockAfter     int       `json:"stock_after"`
	// MovementID is the DISPENSE ledger line that took the stock.
	MovementID *uuid.UUID `json:"movement_id,omitempty"`
	// Dispensed marks an entry whose stock the caller already took through
	// the dispense endpoint. It must carry that call's MovementID.
	Dispensed bool `json:"dispensed,omitempty"`
}

type Treatment struct {
	ID          uuid.UUID `json:"id"`
	VisitID     uuid.UUID `json:"visit_id"`
	Description string    `json:"description"`
	Notes       *string   `json:"notes,omitempty"`
}

type Visit struct {
	ID           uuid.UUID                `json:"id"`
	StudentID    uuid.UUID                `json:"student_id"`
	NurseID      *string                  `json:"nurse_id,omitempty"`
	NurseName    *string                  `json:"nurse_name,omitempty"`
	Reason       string                   `json:"reason"`
	Symptoms     string                   `json:"symptoms"`
	Observations *string                  `json:"observations,omitempty"`
	Vitals       VitalSigns               `json:"vital_signs"`
	Disposition  Disposition              `json:"disposition"`
	Emergency    bool                     `json:"emergency"`
	Medications  []AdministeredMedication `json:"medications"`
	Treatments   []Treatment              `json:"treatments"`
	VisitTime    time.Time                `json:"visit_time"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Filter narrows visit listings and exports.
type Filter struct {
	StudentID   *uuid.UUID
	Disposition Disposition
	Emergency   *bool
	From        *time.Time
	To          *time.Time
}

// Row is a visit flattened for export, joined with student display fields.
type Row struct {
	VisitID       uuid.UUID   `json:"visit_id"`
	VisitTime     time.Time   `json:"visit_time"`
	StudentNumber string      `json:"student_number"`
	StudentName   string      `json:"student_name"`
	Grade         string      `json:"grade"`
	Class         string      `json:"class"`
	NurseName     string      `json:"nurse_name"`
	Reason        string      `json:"reason"`
	Symptoms      string      `json:"symptoms"`
	Disposition   Disposition `json:"disposition"`
	Emergency     bool        `json:"emergency"`
	Medications   string      `json:"medications"`
	Treatments    string      `json:"treatments"`
}
