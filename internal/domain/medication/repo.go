package medication

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	Update(ctx context.Context, m *Medication) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Medication, int, error)
	LowStock(ctx context.Context) ([]*Medication, error)
	// AdjustStock applies delta in a single conditional UPDATE. A negative
	// delta larger than the stock on hand fails with ErrInsufficientStock
	// and leaves the row untouched.
	AdjustStock(ctx context.Context, id uuid.UUID, delta int) (*Medication, error)
	AddMovement(ctx context.Context, mv *StockMovement) error
	// ClaimMovement sets visit_id on a DISPENSE movement of medicationID with
	// the given signed quantity whose visit_id is still null. Anything else
	// fails with ErrNoDispense.
	ClaimMovement(ctx context.Context, id, medicationID uuid.UUID, quantity int, visitID uuid.UUID) (*StockMovement, error)
	ListMovements(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockMovement, int, error)
}
