package simsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/visit"
)

var (
	// ErrPendingMedication means a medication was selected or a dosage typed
	// but never added. Submit refuses until the caller commits or discards it.
	ErrPendingMedication = errors.New("a medication entry has not been added to the visit")
	ErrAlreadySubmitted  = errors.New("visit has already been submitted")
	ErrNotSelectable     = medication.ErrNotSelectable
)

type State int

const (
	StateEditing State = iota
	StateSubmitted
)

func (s State) String() string {
	if s == StateSubmitted {
		return "submitted"
	}
	return "editing"
}

// PendingAction tells Submit what to do with an uncommitted medication entry.
type PendingAction int

const (
	// PendingRefuse fails with ErrPendingMedication when an entry is pending.
	PendingRefuse PendingAction = iota
	PendingCommit
	PendingDiscard
)

// PendingMedication is the entry being composed: a selected medication and
// the dosage typed for it. Either may be set without the other; with
// neither the entry is not pending.
type PendingMedication struct {
	Medication *Medication
	Dosage     string
	Notes      string
	Quantity   int // 0 reads the quantity from Dosage
}

func (p *PendingMedication) started() bool {
	return p != nil && (p.Medication != nil || strings.TrimSpace(p.Dosage) != "")
}

// IntakeAPI is what Intake needs from the server. *Client satisfies it.
type IntakeAPI interface {
	Dispense(ctx context.Context, id uuid.UUID, quantity int, dosage string) (*DispenseResult, error)
	CreateVisit(ctx context.Context, v *Visit) error
}

// Intake collects one visit. Doses are dispensed as they are added, so the
// nurse sees a stock failure at the moment of selection; the visit itself is
// sent once by Submit.
type Intake struct {
	api IntakeAPI
	now func() time.Time

	mu      sync.Mutex
	state   State
	visit   Visit
	pending *PendingMedication
}

func NewIntake(api IntakeAPI) *Intake {
	return &Intake{
		api: api,
		now: time.Now,
		visit: Visit{
			Medications: []AdministeredMedication{},
			Treatments:  []Treatment{},
		},
	}
}

func (in *Intake) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Intake) edit(fn func() error) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == StateSubmitted {
		return ErrAlreadySubmitted
	}
	return fn()
}

func (in *Intake) SetStudent(id uuid.UUID) error {
	return in.edit(func() error {
		in.visit.StudentID = id
		return nil
	})
}

func (in *Intake) SetReason(reason string) error {
	return in.edit(func() error {
		in.visit.Reason = reason
		return nil
	})
}

func (in *Intake) SetSymptoms(symptoms string) error {
	return in.edit(func() error {
		in.visit.Symptoms = symptoms
		return nil
	})
}

func (in *Intake) SetObservations(observations string) error {
	return in.edit(func() error {
		if observations == "" {
			in.visit.Observations = nil
			return nil
		}
		in.visit.Observations = &observations
		return nil
	})
}

func (in *Intake) SetVitals(v VitalSigns) error {
	return in.edit(func() error {
		in.visit.Vitals = v
		return nil
	})
}

// SetDisposition accepts a display label ("Emergency Referral") or a backend
// code. Only an emergency referral raises the emergency flag.
func (in *Intake) SetDisposition(label string) error {
	return in.edit(func() error {
		d, emergency, err := visit.ParseDisposition(label)
		if err != nil {
			return err
		}
		in.visit.Disposition = d
		in.visit.Emergency = emergency
		return nil
	})
}

func (in *Intake) AddTreatment(description, notes string) error {
	return in.edit(func() error {
		if strings.TrimSpace(description) == "" {
			return fmt.Errorf("description is required")
		}
		t := Treatment{Description: description}
		if notes != "" {
			t.Notes = &notes
		}
		in.visit.Treatments = append(in.visit.Treatments, t)
		return nil
	})
}

// SelectMedication starts or updates the pending entry. Out-of-stock and
// expired medications cannot be selected.
func (in *Intake) SelectMedication(m *Medication) error {
	return in.edit(func() error {
		if m == nil || !medication.IsSelectable(m, in.now()) {
			name := ""
			if m != nil {
				name = m.Name
			}
			return fmt.Errorf("%w: %s", ErrNotSelectable, name)
		}
		in.pendingEntry().Medication = m
		return nil
	})
}

// SetDosage records the dosage text for the pending entry.
func (in *Intake) SetDosage(dosage, notes string) error {
	return in.edit(func() error {
		p := in.pendingEntry()
		p.Dosage = dosage
		p.Notes = notes
		return nil
	})
}

// SetQuantity overrides the quantity read from the dosage text.
func (in *Intake) SetQuantity(q int) error {
	return in.edit(func() error {
		if q < 0 {
			return medication.ErrInvalidQuantity
		}
		in.pendingEntry().Quantity = q
		return nil
	})
}

func (in *Intake) pendingEntry() *PendingMedication {
	if in.pending == nil {
		in.pending = &PendingMedication{}
	}
	return in.pending
}

// Pending returns a copy of the uncommitted entry, or nil when no
// medication is selected and no dosage typed.
func (in *Intake) Pending() *PendingMedication {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.pending.started() {
		return nil
	}
	p := *in.pending
	return &p
}

// CommitPending dispenses the pending entry and adds it to the visit. If the
// server refuses, the entry stays pending and nothing is added.
func (in *Intake) CommitPending(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == StateSubmitted {
		return ErrAlreadySubmitted
	}
	return in.commitLocked(ctx)
}

func (in *Intake) commitLocked(ctx context.Context) error {
	p := in.pending
	if !p.started() {
		in.pending = nil
		return nil
	}
	if p.Medication == nil {
		return fmt.Errorf("select a medication before adding it")
	}
	if strings.TrimSpace(p.Dosage) == "" {
		return fmt.Errorf("dosage is required")
	}
	if !medication.IsSelectable(p.Medication, in.now()) {
		return fmt.Errorf("%w: %s", ErrNotSelectable, p.Medication.Name)
	}
	q := p.Quantity
	if q == 0 {
		q = medication.ParseQuantity(p.Dosage)
	}

	res, err := in.api.Dispense(ctx, p.Medication.ID, q, p.Dosage)
	if err != nil {
		return err
	}

	movementID := res.MovementID
	entry := AdministeredMedication{
		MedicationID:   res.ID,
		MedicationName: res.Name,
		Strength:       res.Strength,
		Dosage:         p.Dosage,
		Quantity:       q,
		StockBefore:    res.CurrentStock + q,
		StockAfter:     res.CurrentStock,
		MovementID:     &movementID,
		Dispensed:      true,
	}
	if p.Notes != "" {
		notes := p.Notes
		entry.Notes = &notes
	}
	in.visit.Medications = append(in.visit.Medications, entry)
	in.pending = nil
	return nil
}

// DiscardPending drops the uncommitted entry without touching stock.
func (in *Intake) DiscardPending() error {
	return in.edit(func() error {
		in.pending = nil
		return nil
	})
}

// Medications returns the entries already added to the visit.
func (in *Intake) Medications() []AdministeredMedication {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]AdministeredMedication, len(in.visit.Medications))
	copy(out, in.visit.Medications)
	return out
}

func (in *Intake) validateLocked() error {
	var missing []string
	if in.visit.StudentID == uuid.Nil {
		missing = append(missing, "student")
	}
	if strings.TrimSpace(in.visit.Reason) == "" {
		missing = append(missing, "reason")
	}
	if strings.TrimSpace(in.visit.Symptoms) == "" {
		missing = append(missing, "symptoms")
	}
	if in.visit.Disposition == "" {
		missing = append(missing, "disposition")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Submit checks the required fields, resolves any pending entry according
// to action, then sends the visit. Nothing is dispensed for a visit that
// fails validation. On success the intake moves to StateSubmitted and
// returns the stored visit.
func (in *Intake) Submit(ctx context.Context, action PendingAction) (*Visit, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == StateSubmitted {
		return nil, ErrAlreadySubmitted
	}
	if err := in.validateLocked(); err != nil {
		return nil, err
	}

	if in.pending.started() {
		switch action {
		case PendingCommit:
			if err := in.commitLocked(ctx); err != nil {
				return nil, err
			}
		case PendingDiscard:
			in.pending = nil
		default:
			return nil, ErrPendingMedication
		}
	}
	in.pending = nil

	v := in.visit
	v.Medications = append([]AdministeredMedication(nil), in.visit.Medications...)
	v.Treatments = append([]Treatment(nil), in.visit.Treatments...)
	if v.Medications == nil {
		v.Medications = []AdministeredMedication{}
	}
	if v.Treatments == nil {
		v.Treatments = []Treatment{}
	}
	if err := in.api.CreateVisit(ctx, &v); err != nil {
		return nil, err
	}
	in.state = StateSubmitted
	in.visit = v
	return &v, nil
}
