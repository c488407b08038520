package student

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sims/sims/internal/platform/auth"
)

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	students StudentRepository
	lookups  LookupRepository
	history  MedicalHistoryRepository
	tx       Transactor
}

func NewService(students StudentRepository, lookups LookupRepository, history MedicalHistoryRepository, tx Transactor) *Service {
	return &Service{students: students, lookups: lookups, history: history, tx: tx}
}

func validateStudent(s *Student) error {
	s.StudentNumber = strings.TrimSpace(s.StudentNumber)
	if s.StudentNumber == "" {
		return fmt.Errorf("student_number is required")
	}
	if strings.TrimSpace(s.FirstName) == "" {
		return fmt.Errorf("first_name is required")
	}
	if strings.TrimSpace(s.LastName) == "" {
		return fmt.Errorf("last_name is required")
	}
	if s.ClassID != nil && s.GradeID == nil {
		return fmt.Errorf("grade_id is required when class_id is set")
	}
	return nil
}

func (s *Service) CreateStudent(ctx context.Context, st *Student) error {
	if err := validateStudent(st); err != nil {
		return err
	}
	st.Active = true
	if st.ConditionIDs == nil {
		st.ConditionIDs = []uuid.UUID{}
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.students.Create(ctx, st); err != nil {
			return err
		}
		return s.students.SetConditions(ctx, st.ID, st.ConditionIDs)
	})
}

func (s *Service) GetStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	return s.students.GetByID(ctx, id)
}

func (s *Service) UpdateStudent(ctx context.Context, st *Student) error {
	if err := validateStudent(st); err != nil {
		return err
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.students.Update(ctx, st); err != nil {
			return err
		}
		if st.ConditionIDs == nil {
			return nil
		}
		return s.students.SetConditions(ctx, st.ID, st.ConditionIDs)
	})
}

// DeleteStudent deactivates the record; visit history stays linked.
func (s *Service) DeleteStudent(ctx context.Context, id uuid.UUID) error {
	return s.students.Deactivate(ctx, id)
}

func (s *Service) ListStudents(ctx context.Context, f Filter, limit, offset int) ([]*Student, int, error) {
	return s.students.Search(ctx, f, limit, offset)
}

// -- Lookups --

func (s *Service) ListGrades(ctx context.Context) ([]*Grade, error) {
	return s.lookups.ListGrades(ctx)
}

func (s *Service) ListClasses(ctx context.Context, gradeID *uuid.UUID) ([]*Class, error) {
	return s.lookups.ListClasses(ctx, gradeID)
}

func (s *Service) ListConditions(ctx context.Context) ([]*Condition, error) {
	return s.lookups.ListConditions(ctx)
}

func (s *Service) CreateGrade(ctx context.Context, g *Grade) error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.lookups.CreateGrade(ctx, g)
}

func (s *Service) CreateClass(ctx context.Context, c *Class) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.GradeID == uuid.Nil {
		return fmt.Errorf("grade_id is required")
	}
	return s.lookups.CreateClass(ctx, c)
}

func (s *Service) CreateCondition(ctx context.Context, c *Condition) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.lookups.CreateCondition(ctx, c)
}

// -- Medical history --

func (s *Service) AddMedicalHistory(ctx context.Context, h *MedicalHistory) error {
	if h.StudentID == uuid.Nil {
		return fmt.Errorf("student_id is required")
	}
	if strings.TrimSpace(h.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := s.students.GetByID(ctx, h.StudentID); err != nil {
		return err
	}
	if sess := auth.SessionFromContext(ctx); sess != nil {
		name := sess.DisplayName()
		h.RecordedBy = &name
	}
	return s.history.Create(ctx, h)
}

func (s *Service) MedicalHistory(ctx context.Context, studentID uuid.UUID) ([]*MedicalHistory, error) {
	if _, err := s.students.GetByID(ctx, studentID); err != nil {
		return nil, err
	}
	return s.history.ListByStudent(ctx, studentID)
}
