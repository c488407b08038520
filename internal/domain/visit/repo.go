package visit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the visit row only; medications and treatments are
	// added separately once their stock has been taken.
	Create(ctx context.Context, v *Visit) error
	AddMedication(ctx context.Context, m *AdministeredMedication) error
	AddTreatment(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error)
	ExportRows(ctx context.Context, f Filter, limit int) ([]Row, error)
}
