package visit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/db"
)

// MaxExportRows caps a single export.
const MaxExportRows = 5000

// Dispenser takes stock for an administered dose, or claims stock already
// taken for it. medication.Service satisfies it.
type Dispenser interface {
	DispenseMovement(ctx context.Context, id uuid.UUID, quantity int, visitID *uuid.UUID) (*medication.Medication, *medication.StockMovement, error)
	ClaimDispense(ctx context.Context, movementID, medicationID uuid.UUID, quantity int, visitID uuid.UUID) (*medication.Medication, *medication.StockMovement, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier pushes emergency visits to live clients. websocket.Hub
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, topic, eventType, resourceID string, data interface{})
}

// EmergencyEvent is the payload of a visit.emergency event.
type EmergencyEvent struct {
	StudentID   uuid.UUID   `json:"student_id"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason"`
	NurseName   *string     `json:"nurse_name,omitempty"`
	VisitTime   time.Time   `json:"visit_time"`
}

type Service struct {
	repo      Repository
	dispenser Dispenser
	tx        Transactor
	notifier  Notifier
	logger    zerolog.Logger
}

func NewService(repo Repository, dispenser Dispenser, tx Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		dispenser: dispenser,
		tx:        tx,
		logger:    logger.With().Str("component", "visit").Logger(),
	}
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Validate checks the fields a visit needs before it can be recorded and
// normalises the disposition into its backend code and emergency flag.
func Validate(v *Visit) error {
	if v.StudentID == uuid.Nil {
		return fmt.Errorf("student_id is required")
	}
	if strings.TrimSpace(v.Reason) == "" {
		return fmt.Errorf("reason is required")
	}
	if strings.TrimSpace(v.Symptoms) == "" {
		return fmt.Errorf("symptoms is required")
	}
	if v.Disposition == "" {
		return fmt.Errorf("disposition is required")
	}
	d, emergency, err := ParseDisposition(string(v.Disposition))
	if err != nil {
		return err
	}
	v.Disposition = d
	v.Emergency = emergency

	for i := range v.Medications {
		m := &v.Medications[i]
		if m.MedicationID == uuid.Nil {
			return fmt.Errorf("medications[%d]: medication_id is required", i)
		}
		if strings.TrimSpace(m.Dosage) == "" {
			return fmt.Errorf("medications[%d]: dosage is required", i)
		}
		if m.Quantity < 0 {
			return fmt.Errorf("medications[%d]: quantity must be positive", i)
		}
		if m.Quantity == 0 {
			m.Quantity = medication.ParseQuantity(m.Dosage)
		}
		if m.Dispensed && (m.MovementID == nil || *m.MovementID == uuid.Nil) {
			return fmt.Errorf("medications[%d]: movement_id is required for a dispensed entry", i)
		}
	}
	for i, t := range v.Treatments {
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("treatments[%d]: description is required", i)
		}
	}
	return nil
}

// CreateVisit records the visit and dispenses every administered dose that
// has not been dispensed yet, all in one transaction. A pre-dispensed dose
// must cite its unlinked DISPENSE movement, which is linked to the visit and
// supplies the stock snapshots. If any dose fails nothing is recorded, no
// stock moves and no event is published.
func (s *Service) CreateVisit(ctx context.Context, v *Visit) error {
	if err := Validate(v); err != nil {
		return err
	}
	if sess := auth.SessionFromContext(ctx); sess != nil {
		v.NurseID = strPtr(sess.UserID)
		v.NurseName = strPtr(sess.DisplayName())
	}
	if v.Treatments == nil {
		v.Treatments = []Treatment{}
	}
	if v.Medications == nil {
		v.Medications = []AdministeredMedication{}
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, v); err != nil {
			return err
		}
		for i := range v.Medications {
			m := &v.Medications[i]
			m.VisitID = v.ID
			var (
				med *medication.Medication
				mv  *medication.StockMovement
				err error
			)
			if m.Dispensed {
				med, mv, err = s.dispenser.ClaimDispense(ctx, *m.MovementID, m.MedicationID, m.Quantity, v.ID)
			} else {
				med, mv, err = s.dispenser.DispenseMovement(ctx, m.MedicationID, m.Quantity, &v.ID)
			}
			if err != nil {
				return fmt.Errorf("dispense %s: %w", m.MedicationID, err)
			}
			m.MedicationName = med.Name
			m.Strength = med.Strength
			m.StockAfter = mv.StockAfter
			m.StockBefore = mv.StockAfter - mv.Quantity
			m.MovementID = &mv.ID
			m.Dispensed = true
			if err := s.repo.AddMedication(ctx, m); err != nil {
				return fmt.Errorf("record medication %s: %w", m.MedicationID, err)
			}
		}
		for i := range v.Treatments {
			v.Treatments[i].VisitID = v.ID
			if err := s.repo.AddTreatment(ctx, &v.Treatments[i]); err != nil {
				return fmt.Errorf("record treatment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := s.logger.Info()
	if v.Emergency {
		ev = s.logger.Warn()
	}
	ev.Str("visit_id", v.ID.String()).
		Str("student_id", v.StudentID.String()).
		Str("disposition", string(v.Disposition)).
		Bool("emergency", v.Emergency).
		Int("medications", len(v.Medications)).
		Msg("visit recorded")

	if v.Emergency && s.notifier != nil {
		payload := EmergencyEvent{
			StudentID:   v.StudentID,
			Disposition: v.Disposition,
			Reason:      v.Reason,
			NurseName:   v.NurseName,
			VisitTime:   v.VisitTime,
		}
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.notifier.Notify(ctx, "emergency", "visit.emergency", v.ID.String(), payload)
		})
	}
	return nil
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	return s.repo.Search(ctx, f, limit, offset)
}

// ExportRows returns up to MaxExportRows rows, newest first.
func (s *Service) ExportRows(ctx context.Context, f Filter) ([]Row, error) {
	return s.repo.ExportRows(ctx, f, MaxExportRows)
}

// ParseFilter reads list and export query parameters. Dates are YYYY-MM-DD
// and "to" is inclusive of the whole day.
func ParseFilter(get func(string) string) (Filter, error) {
	var f Filter
	if v := get("student_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid student_id")
		}
		f.StudentID = &id
	}
	if v := get("disposition"); v != "" {
		d, _, err := ParseDisposition(v)
		if err != nil {
			return f, err
		}
		f.Disposition = d
	}
	if v := get("emergency"); v != "" {
		b := v == "true" || v == "1"
		if !b && v != "false" && v != "0" {
			return f, fmt.Errorf("emergency must be true or false")
		}
		f.Emergency = &b
	}
	if v := get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("from must be YYYY-MM-DD")
		}
		f.From = &t
	}
	if v := get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("to must be YYYY-MM-DD")
		}
		t = t.AddDate(0, 0, 1)
		f.To = &t
	}
	return f, nil
}

func strPtr(s string) *string { return &s }
