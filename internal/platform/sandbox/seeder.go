// Package sandbox seeds demo data for DEMO_MODE deployments: grades, classes,
// chronic conditions, a student roster and a stocked medication cabinet. It
// writes through the domain services so every row passes the same validation
// as data entered by staff.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/student"
	"github.com/sims/sims/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated demo data.
type SeedConfig struct {
	Grades          int   `json:"grades"`
	ClassesPerGrade int   `json:"classes_per_grade"`
	Students        int   `json:"students"`
	Seed            int64 `json:"seed"`
}

// DefaultSeedConfig returns a roster the size of a small primary school.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Grades:          6,
		ClassesPerGrade: 2,
		Students:        120,
	}
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Grades      int           `json:"grades"`
	Classes     int           `json:"classes"`
	Conditions  int           `json:"conditions"`
	Students    int           `json:"students"`
	Medications int           `json:"medications"`
	Duration    time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Data pools
// ---------------------------------------------------------------------------

type cabinetItem struct {
	Name         string
	Generic      string
	Form         string
	Strength     string
	Category     string
	Stock        int
	Minimum      int
	ExpiryMonths int // relative to seed time; negative is already expired
}

var (
	firstNames = []string{
		"Amara", "Ben", "Chloe", "Daniel", "Ella", "Farid", "Grace", "Hugo",
		"Isla", "Jamal", "Kira", "Liam", "Maya", "Noah", "Olivia", "Pablo",
		"Quinn", "Ruby", "Sami", "Tara", "Umar", "Vera", "Wei", "Yara", "Zane",
	}

	lastNames = []string{
		"Adeyemi", "Brown", "Chen", "Diaz", "Evans", "Fischer", "Garcia",
		"Haddad", "Ito", "Johnson", "Khan", "Lopez", "Mensah", "Novak",
		"Okafor", "Patel", "Rossi", "Silva", "Tanaka", "Walker",
	}

	guardianRelations = []string{"Mother", "Father", "Guardian"}

	conditionPool = []student.Condition{
		{Name: "Asthma", Description: strPtr("Carries a reliever inhaler")},
		{Name: "Type 1 Diabetes", Description: strPtr("Insulin dependent; check glucose on any visit")},
		{Name: "Epilepsy"},
		{Name: "Peanut Allergy", Description: strPtr("Adrenaline auto-injector in the cabinet")},
		{Name: "Eczema"},
		{Name: "ADHD"},
	}

	cabinet = []cabinetItem{
		{"Paracetamol", "Acetaminophen", "Tablet", "500mg", "Analgesic", 120, 30, 18},
		{"Ibuprofen", "Ibuprofen", "Tablet", "200mg", "Analgesic", 80, 20, 14},
		{"Cetirizine", "Cetirizine hydrochloride", "Tablet", "10mg", "Antihistamine", 40, 10, 20},
		{"Salbutamol Inhaler", "Salbutamol", "Inhaler", "100mcg", "Respiratory", 6, 2, 10},
		{"Oral Rehydration Salts", "", "Sachet", "", "Gastrointestinal", 25, 10, 24},
		{"Antiseptic Cream", "Cetrimide", "Cream", "0.5%", "First Aid", 8, 3, 12},
		{"Adrenaline Auto-Injector", "Epinephrine", "Injection", "0.3mg", "Emergency", 2, 2, 9},
		{"Loratadine", "Loratadine", "Syrup", "5mg/5ml", "Antihistamine", 0, 4, 12},
		{"Calamine Lotion", "", "Lotion", "", "First Aid", 5, 2, -1},
	}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic demo records.
type DataGenerator struct {
	rng     *rand.Rand
	counter int
	now     time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64, now time.Time) *DataGenerator {
	if seed == 0 {
		seed = now.UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
		now: now,
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("+1-%03d-%03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

// Student produces a student in the given grade and class. gradeLevel is
// 1-based and sets a plausible age.
func (g *DataGenerator) Student(gradeLevel int, gradeID, classID uuid.UUID, conditions []uuid.UUID) *student.Student {
	g.counter++
	age := 5 + gradeLevel
	dob := time.Date(g.now.Year()-age, time.Month(1+g.rng.Intn(12)), 1+g.rng.Intn(28), 0, 0, 0, 0, time.UTC)
	gender := "female"
	if g.rng.Intn(2) == 0 {
		gender = "male"
	}
	last := g.pick(lastNames)

	st := &student.Student{
		StudentNumber: fmt.Sprintf("S%d%04d", g.now.Year()%100, g.counter),
		FirstName:     g.pick(firstNames),
		LastName:      last,
		DateOfBirth:   &dob,
		Gender:        &gender,
		GradeID:       &gradeID,
		ClassID:       &classID,
		GuardianName:  strPtr(g.pick(guardianRelations) + " " + last),
		GuardianPhone: strPtr(g.randomPhone()),
		ConditionIDs:  []uuid.UUID{},
	}
	// Roughly one student in five has a chronic condition.
	if len(conditions) > 0 && g.rng.Intn(5) == 0 {
		st.ConditionIDs = append(st.ConditionIDs, conditions[g.rng.Intn(len(conditions))])
	}
	return st
}

// Medication turns a cabinet entry into a medication record.
func (g *DataGenerator) Medication(item cabinetItem) *medication.Medication {
	expiry := g.now.AddDate(0, item.ExpiryMonths, 0).Truncate(24 * time.Hour)
	if item.ExpiryMonths < 0 {
		expiry = g.now.AddDate(0, 0, -7).Truncate(24 * time.Hour)
	}
	m := &medication.Medication{
		Name:         item.Name,
		CurrentStock: item.Stock,
		MinimumStock: item.Minimum,
		ExpiryDate:   &expiry,
		Supplier:     strPtr("District Health Stores"),
	}
	if item.Generic != "" {
		m.GenericName = strPtr(item.Generic)
	}
	if item.Form != "" {
		m.DosageForm = strPtr(item.Form)
	}
	if item.Strength != "" {
		m.Strength = strPtr(item.Strength)
	}
	if item.Category != "" {
		m.Category = strPtr(item.Category)
	}
	return m
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Roster is the part of student.Service the seeder writes through.
type Roster interface {
	CreateGrade(ctx context.Context, g *student.Grade) error
	CreateClass(ctx context.Context, c *student.Class) error
	CreateCondition(ctx context.Context, c *student.Condition) error
	CreateStudent(ctx context.Context, st *student.Student) error
}

// Pharmacy is the part of medication.Service the seeder writes through.
type Pharmacy interface {
	CreateMedication(ctx context.Context, m *medication.Medication) error
}

// Seeder writes a complete demo data set for the school in ctx.
type Seeder struct {
	roster   Roster
	pharmacy Pharmacy
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSeeder(roster Roster, pharmacy Pharmacy, logger zerolog.Logger) *Seeder {
	return &Seeder{
		roster:   roster,
		pharmacy: pharmacy,
		logger:   logger.With().Str("component", "sandbox").Logger(),
		now:      time.Now,
	}
}

// Seed creates grades, classes, conditions, students and the medication
// cabinet. The cabinet always includes one out-of-stock and one expired item
// so the selectable list can be seen filtering them out.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	start := s.now()
	def := DefaultSeedConfig()
	if cfg.Grades <= 0 {
		cfg.Grades = def.Grades
	}
	if cfg.ClassesPerGrade <= 0 {
		cfg.ClassesPerGrade = def.ClassesPerGrade
	}
	if cfg.Students < 0 {
		return nil, fmt.Errorf("students must not be negative")
	}
	gen := NewDataGenerator(cfg.Seed, start)
	result := &SeedResult{}

	var conditionIDs []uuid.UUID
	for i := range conditionPool {
		c := conditionPool[i]
		if err := s.roster.CreateCondition(ctx, &c); err != nil {
			return nil, fmt.Errorf("seed condition %s: %w", c.Name, err)
		}
		conditionIDs = append(conditionIDs, c.ID)
		result.Conditions++
	}

	type slot struct {
		level   int
		gradeID uuid.UUID
		classID uuid.UUID
	}
	var slots []slot
	for level := 1; level <= cfg.Grades; level++ {
		g := &student.Grade{Name: fmt.Sprintf("Grade %d", level), SortOrder: level}
		if err := s.roster.CreateGrade(ctx, g); err != nil {
			return nil, fmt.Errorf("seed grade %s: %w", g.Name, err)
		}
		result.Grades++
		for k := 0; k < cfg.ClassesPerGrade; k++ {
			c := &student.Class{GradeID: g.ID, Name: fmt.Sprintf("%d%c", level, 'A'+k)}
			if err := s.roster.CreateClass(ctx, c); err != nil {
				return nil, fmt.Errorf("seed class %s: %w", c.Name, err)
			}
			slots = append(slots, slot{level: level, gradeID: g.ID, classID: c.ID})
			result.Classes++
		}
	}

	// Students are spread round-robin across classes.
	for i := 0; i < cfg.Students; i++ {
		sl := slots[i%len(slots)]
		st := gen.Student(sl.level, sl.gradeID, sl.classID, conditionIDs)
		if err := s.roster.CreateStudent(ctx, st); err != nil {
			return nil, fmt.Errorf("seed student %s: %w", st.StudentNumber, err)
		}
		result.Students++
	}

	for _, item := range cabinet {
		m := gen.Medication(item)
		if err := s.pharmacy.CreateMedication(ctx, m); err != nil {
			return nil, fmt.Errorf("seed medication %s: %w", m.Name, err)
		}
		result.Medications++
	}

	result.Duration = s.now().Sub(start)
	s.logger.Info().
		Int("grades", result.Grades).
		Int("classes", result.Classes).
		Int("students", result.Students).
		Int("medications", result.Medications).
		Dur("duration", result.Duration).
		Msg("demo data seeded")
	return result, nil
}

// ---------------------------------------------------------------------------
// SeedHandler: Echo HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler exposes the seeder to administrators when demo mode is on.
type SeedHandler struct {
	seeder  *Seeder
	enabled bool
	mu      sync.Mutex
}

func NewSeedHandler(seeder *Seeder, enabled bool) *SeedHandler {
	return &SeedHandler{seeder: seeder, enabled: enabled}
}

// RegisterRoutes registers the demo routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/demo", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	if !h.enabled {
		return echo.NewHTTPError(http.StatusNotFound, "demo mode is disabled")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	result, err := h.seeder.Seed(c.Request().Context(), cfg)
	if errors.Is(err, student.ErrDuplicate) {
		return echo.NewHTTPError(http.StatusConflict, "demo data is already present: "+err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func strPtr(s string) *string { return &s }
