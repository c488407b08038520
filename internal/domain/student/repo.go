package student

import (
	"context"

	"github.com/google/uuid"
)

type StudentRepository interface {
	Create(ctx context.Context, s *Student) error
	GetByID(ctx context.Context, id uuid.UUID) (*Student, error)
	Update(ctx context.Context, s *Student) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Student, int, error)
	SetConditions(ctx context.Context, studentID uuid.UUID, conditionIDs []uuid.UUID) error
}

type LookupRepository interface {
	ListGrades(ctx context.Context) ([]*Grade, error)
	ListClasses(ctx context.Context, gradeID *uuid.UUID) ([]*Class, error)
	ListConditions(ctx context.Context) ([]*Condition, error)
	CreateGrade(ctx context.Context, g *Grade) error
	CreateClass(ctx context.Context, c *Class) error
	CreateCondition(ctx context.Context, c *Condition) error
}

type MedicalHistoryRepository interface {
	Create(ctx context.Context, h *MedicalHistory) error
	ListByStudent(ctx context.Context, studentID uuid.UUID) ([]*MedicalHistory, error)
}
