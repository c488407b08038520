package student

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("student not found")
	ErrDuplicate = errors.New("already exists")
)

type Student struct {
	ID            uuid.UUID   `json:"id"`
	StudentNumber string      `json:"student_number"`
	FirstName     string      `json:"first_name"`
	LastName      string      `json:"last_name"`
	DateOfBirth   *time.Time  `json:"date_of_birth,omitempty"`
	Gender        *string     `json:"gender,omitempty"`
	GradeID       *uuid.UUID  `json:"grade_id,omitempty"`
	ClassID       *uuid.UUID  `json:"class_id,omitempty"`
	GuardianName  *string     `json:"guardian_name,omitempty"`
	GuardianPhone *string     `json:"guardian_phone,omitempty"`
	Active        bool        `json:"active"`
	ConditionIDs  []uuid.UUID `json:"condition_ids"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (s *Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

type Grade struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
}

type Class struct {
	ID      uuid.UUID `json:"id"`
	GradeID uuid.UUID `json:"grade_id"`
	Name    string    `json:"name"`
}

// Condition is a chronic condition a student can be flagged with.
type Condition struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
}

type MedicalHistory struct {
	ID          uuid.UUID  `json:"id"`
	StudentID   uuid.UUID  `json:"student_id"`
	ConditionID *uuid.UUID `json:"condition_id,omitempty"`
	Description string     `json:"description"`
	DiagnosedOn *time.Time `json:"diagnosed_on,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	RecordedBy  *string    `json:"recorded_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Filter struct {
	Search  string // name or student number
	GradeID *uuid.UUID
	ClassID *uuid.UUID
	Active  *bool
}
