package medication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/cache"
	"github.com/sims/sims/internal/platform/db"
)

// DefaultListTTL is how long a medication listing stays cached.
const DefaultListTTL = 5 * time.Minute

// Transactor runs fn inside one database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder receives stock and cache metrics. telemetry.Provider satisfies it.
type Recorder interface {
	RecordStockChange(ctx context.Context, kind string, quantity int)
	RecordCacheLookup(ctx context.Context, cache string, hit bool)
}

// Notifier pushes committed stock changes to live clients. websocket.Hub
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, topic, eventType, resourceID string, data interface{})
}

// StockEvent is the payload of stock.changed and stock.low events.
type StockEvent struct {
	Name         string       `json:"name"`
	Kind         MovementKind `json:"kind"`
	Quantity     int          `json:"quantity"`
	CurrentStock int          `json:"current_stock"`
	MinimumStock int          `json:"minimum_stock"`
	LowStock     bool         `json:"low_stock"`
}

type Service struct {
	repo     Repository
	tx       Transactor
	cache    cache.Provider
	ttl      time.Duration
	recorder Recorder
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, tx Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		ttl:    DefaultListTTL,
		logger: logger.With().Str("component", "medication").Logger(),
		now:    time.Now,
	}
}

// SetCache attaches a list cache. A ttl of zero keeps DefaultListTTL.
func (s *Service) SetCache(c cache.Provider, ttl time.Duration) {
	s.cache = c
	if ttl > 0 {
		s.ttl = ttl
	}
}

func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	if m.Name == "" {
		return ValidationError("name is required")
	}
	if m.CurrentStock < 0 {
		return ValidationError("current_stock must not be negative")
	}
	if m.MinimumStock < 0 {
		return ValidationError("minimum_stock must not be negative")
	}
	m.Active = true

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, m); err != nil {
			return err
		}
		if m.CurrentStock == 0 {
			return nil
		}
		return s.repo.AddMovement(ctx, &StockMovement{
			MedicationID: m.ID,
			Kind:         MovementRestock,
			Quantity:     m.CurrentStock,
			StockAfter:   m.CurrentStock,
			PerformedBy:  performer(ctx),
			Note:         strPtr("initial stock"),
		})
	})
	if err != nil {
		return err
	}
	db.AfterCommit(ctx, s.Invalidate)
	return nil
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateMedication(ctx context.Context, m *Medication) error {
	if m.Name == "" {
		return ValidationError("name is required")
	}
	if m.MinimumStock < 0 {
		return ValidationError("minimum_stock must not be negative")
	}
	if err := s.repo.Update(ctx, m); err != nil {
		return err
	}
	db.AfterCommit(ctx, s.Invalidate)
	return nil
}

// DeleteMedication deactivates the medication. Its ledger and the visits
// that reference it are kept.
func (s *Service) DeleteMedication(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	db.AfterCommit(ctx, s.Invalidate)
	return nil
}

type cachedPage struct {
	Items []*Medication `json:"items"`
	Total int           `json:"total"`
}

// ListMedications serves from the list cache when one is attached. Every
// mutation bumps the school's generation so stale pages are never read.
func (s *Service) ListMedications(ctx context.Context, f Filter, limit, offset int) ([]*Medication, int, error) {
	if s.cache == nil {
		return s.repo.Search(ctx, f, limit, offset)
	}

	key := s.listKey(ctx, f, limit, offset)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var page cachedPage
		if json.Unmarshal(raw, &page) == nil {
			s.recordCache(ctx, true)
			return page.Items, page.Total, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Msg("medication cache read failed")
	}
	s.recordCache(ctx, false)

	items, total, err := s.repo.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if raw, err := json.Marshal(cachedPage{Items: items, Total: total}); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn().Err(err).Msg("medication cache write failed")
		}
	}
	return items, total, nil
}

func (s *Service) LowStock(ctx context.Context) ([]*Medication, error) {
	return s.repo.LowStock(ctx)
}

// Restock adds quantity units and records a RESTOCK movement.
func (s *Service) Restock(ctx context.Context, id uuid.UUID, quantity int, note string) (*Medication, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return s.move(ctx, id, MovementRestock, quantity, nil, note)
}

// AdjustStock applies a signed correction after a stock count.
func (s *Service) AdjustStock(ctx context.Context, id uuid.UUID, delta int, note string) (*Medication, error) {
	if delta == 0 {
		return nil, ValidationError("delta must not be zero")
	}
	if note == "" {
		return nil, ValidationError("note is required for an adjustment")
	}
	return s.move(ctx, id, MovementAdjustment, delta, nil, note)
}

// Dispense takes quantity units of a selectable medication off the shelf.
// The decrement is conditional at the storage layer, so two nurses
// dispensing the last unit cannot both succeed. visitID links the ledger
// line to the visit that administered the dose.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, quantity int, visitID *uuid.UUID) (*Medication, error) {
	after, _, err := s.DispenseMovement(ctx, id, quantity, visitID)
	return after, err
}

// DispenseMovement is Dispense that also returns the DISPENSE ledger line.
// Cache invalidation, metrics and events wait for the outermost commit, so
// a caller's transaction that later rolls back publishes nothing.
func (s *Service) DispenseMovement(ctx context.Context, id uuid.UUID, quantity int, visitID *uuid.UUID) (*Medication, *StockMovement, error) {
	if quantity <= 0 {
		return nil, nil, ErrInvalidQuantity
	}

	var before, after *Medication
	var mv *StockMovement
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !m.Active || !IsSelectable(m, s.now()) {
			return fmt.Errorf("%w: %s", ErrNotSelectable, m.Name)
		}
		if _, err := Dispense(m, quantity); err != nil {
			return err
		}
		before = m
		after, mv, err = s.applyMovement(ctx, id, MovementDispense, -quantity, visitID, "")
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	db.AfterCommit(ctx, func(ctx context.Context) {
		s.afterMovement(ctx, after, MovementDispense, -quantity)
		if after.IsLowStock() && !before.IsLowStock() {
			s.logger.Warn().
				Str("medication_id", after.ID.String()).
				Str("name", after.Name).
				Int("current_stock", after.CurrentStock).
				Int("minimum_stock", after.MinimumStock).
				Msg("medication reached low stock")
			s.notify(ctx, "stock.low", after, MovementDispense, -quantity)
		}
	})
	return after, mv, nil
}

// ClaimDispense links an earlier DISPENSE movement to visitID. The movement
// must be for medicationID, must have taken exactly quantity units and must
// not belong to a visit yet; otherwise ErrNoDispense. Stock is not touched.
func (s *Service) ClaimDispense(ctx context.Context, movementID, medicationID uuid.UUID, quantity int, visitID uuid.UUID) (*Medication, *StockMovement, error) {
	if quantity <= 0 {
		return nil, nil, ErrInvalidQuantity
	}
	var m *Medication
	var mv *StockMovement
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if mv, err = s.repo.ClaimMovement(ctx, movementID, medicationID, -quantity, visitID); err != nil {
			return err
		}
		m, err = s.repo.GetByID(ctx, medicationID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return m, mv, nil
}

func (s *Service) Movements(ctx context.Context, id uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	return s.repo.ListMovements(ctx, id, limit, offset)
}

func (s *Service) move(ctx context.Context, id uuid.UUID, kind MovementKind, delta int, visitID *uuid.UUID, note string) (*Medication, error) {
	var after *Medication
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		after, _, err = s.applyMovement(ctx, id, kind, delta, visitID, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	db.AfterCommit(ctx, func(ctx context.Context) {
		s.afterMovement(ctx, after, kind, delta)
	})
	return after, nil
}

func (s *Service) applyMovement(ctx context.Context, id uuid.UUID, kind MovementKind, delta int, visitID *uuid.UUID, note string) (*Medication, *StockMovement, error) {
	m, err := s.repo.AdjustStock(ctx, id, delta)
	if err != nil {
		return nil, nil, err
	}
	mv := &StockMovement{
		MedicationID: id,
		Kind:         kind,
		Quantity:     delta,
		StockAfter:   m.CurrentStock,
		VisitID:      visitID,
		PerformedBy:  performer(ctx),
	}
	if note != "" {
		mv.Note = strPtr(note)
	}
	if err := s.repo.AddMovement(ctx, mv); err != nil {
		return nil, nil, fmt.Errorf("record stock movement: %w", err)
	}
	return m, mv, nil
}

func (s *Service) afterMovement(ctx context.Context, m *Medication, kind MovementKind, delta int) {
	s.Invalidate(ctx)
	if s.recorder != nil {
		s.recorder.RecordStockChange(ctx, string(kind), delta)
	}
	s.logger.Info().
		Str("medication_id", m.ID.String()).
		Str("kind", string(kind)).
		Int("quantity", delta).
		Int("current_stock", m.CurrentStock).
		Str("performed_by", stringOr(performer(ctx), "")).
		Msg("stock moved")
	s.notify(ctx, "stock.changed", m, kind, delta)
}

func (s *Service) notify(ctx context.Context, eventType string, m *Medication, kind MovementKind, delta int) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, "inventory", eventType, m.ID.String(), StockEvent{
		Name:         m.Name,
		Kind:         kind,
		Quantity:     delta,
		CurrentStock: m.CurrentStock,
		MinimumStock: m.MinimumStock,
		LowStock:     m.IsLowStock(),
	})
}

// Invalidate drops every cached listing for the caller's school.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	gen := strconv.FormatInt(s.now().UnixNano(), 36)
	if err := s.cache.Set(ctx, s.genKey(ctx), []byte(gen), 0); err != nil {
		s.logger.Warn().Err(err).Msg("medication cache invalidation failed")
	}
}

func (s *Service) genKey(ctx context.Context) string {
	school := db.SchoolFromContext(ctx)
	if school == "" {
		school = "_"
	}
	return "medications:" + school + ":gen"
}

func (s *Service) listKey(ctx context.Context, f Filter, limit, offset int) string {
	genKey := s.genKey(ctx)
	gen, err := s.cache.Get(ctx, genKey)
	if err != nil {
		gen = []byte(strconv.FormatInt(s.now().UnixNano(), 36))
		_ = s.cache.Set(ctx, genKey, gen, 0)
	}
	active := "any"
	if f.Active != nil {
		active = strconv.FormatBool(*f.Active)
	}
	return fmt.Sprintf("%s:%s:list:%s|%s|%s|%t|%d|%d",
		genKey[:len(genKey)-len(":gen")], gen, active, f.Category, f.Search, f.Selectable, limit, offset)
}

func (s *Service) recordCache(ctx context.Context, hit bool) {
	if s.recorder != nil {
		s.recorder.RecordCacheLookup(ctx, "medications", hit)
	}
}

func performer(ctx context.Context) *string {
	if sess := auth.SessionFromContext(ctx); sess != nil {
		return strPtr(sess.DisplayName())
	}
	return nil
}

func strPtr(s string) *string { return &s }

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
