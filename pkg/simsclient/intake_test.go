package simsclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/visit"
)

type fakeAPI struct {
	stock     map[uuid.UUID]*Medication
	dispensed int
	movements []uuid.UUID
	submitted []*Visit
	failVisit error
}

func newFakeAPI(meds ...*Medication) *fakeAPI {
	f := &fakeAPI{stock: map[uuid.UUID]*Medication{}}
	for _, m := range meds {
		f.stock[m.ID] = m
	}
	return f
}

func (f *fakeAPI) Dispense(_ context.Context, id uuid.UUID, q int, _ string) (*DispenseResult, error) {
	m, ok := f.stock[id]
	if !ok {
		return nil, &APIError{Status: 404, Message: "medication not found"}
	}
	after, err := medication.Dispense(m, q)
	if err != nil {
		return nil, &APIError{Status: 409, Message: err.Error()}
	}
	m.CurrentStock = after
	f.dispensed++
	res := &DispenseResult{Medication: *m, MovementID: uuid.New()}
	f.movements = append(f.movements, res.MovementID)
	return res, nil
}

func (f *fakeAPI) CreateVisit(_ context.Context, v *Visit) error {
	if f.failVisit != nil {
		return f.failVisit
	}
	v.ID = uuid.New()
	f.submitted = append(f.submitted, v)
	return nil
}

var intakeDay = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func med(name string, stock int) *Medication {
	return &Medication{ID: uuid.New(), Name: name, CurrentStock: stock, Active: true}
}

func newTestIntake(api IntakeAPI) *Intake {
	in := NewIntake(api)
	in.now = func() time.Time { return intakeDay }
	return in
}

func fillRequired(t *testing.T, in *Intake, disposition string) {
	t.Helper()
	require.NoError(t, in.SetStudent(uuid.New()))
	require.NoError(t, in.SetReason("Headache"))
	require.NoError(t, in.SetSymptoms("Throbbing pain since lunch"))
	require.NoError(t, in.SetDisposition(disposition))
}

func TestIntake_EndToEnd_DispensesOnce(t *testing.T) {
	para := med("Paracetamol", 5)
	api := newFakeAPI(para)
	in := newTestIntake(api)
	fillRequired(t, in, "Returned to Class")

	require.NoError(t, in.SelectMedication(para))
	require.NoError(t, in.SetDosage("1 tablet", ""))
	require.NoError(t, in.CommitPending(context.Background()))

	v, err := in.Submit(context.Background(), PendingRefuse)
	require.NoError(t, err)
	require.Len(t, v.Medications, 1)
	m := v.Medications[0]
	assert.Equal(t, 5, m.StockBefore)
	assert.Equal(t, 4, m.StockAfter)
	assert.True(t, m.Dispensed)
	require.NotNil(t, m.MovementID)
	assert.Equal(t, api.movements[0], *m.MovementID)
	assert.Equal(t, 4, para.CurrentStock)
	assert.Equal(t, 1, api.dispensed)
	assert.Equal(t, StateSubmitted, in.State())
}

func TestIntake_Submit_RequiresFields(t *testing.T) {
	in := newTestIntake(newFakeAPI())
	require.NoError(t, in.SetReason("Fall"))
	_, err := in.Submit(context.Background(), PendingRefuse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "student")
	assert.Contains(t, err.Error(), "symptoms")
	assert.Contains(t, err.Error(), "disposition")
	assert.NotContains(t, err.Error(), "reason")
	assert.Equal(t, StateEditing, in.State())
}

func TestIntake_PendingEntryIsNeverDropped(t *testing.T) {
	para := med("Paracetamol", 5)
	api := newFakeAPI(para)
	in := newTestIntake(api)
	fillRequired(t, in, "Sent Home")
	require.NoError(t, in.SetDosage("2 tablets", ""))
	require.NoError(t, in.SelectMedication(para))

	_, err := in.Submit(context.Background(), PendingRefuse)
	assert.ErrorIs(t, err, ErrPendingMedication)
	assert.Empty(t, api.submitted)
	assert.NotNil(t, in.Pending())

	v, err := in.Submit(context.Background(), PendingCommit)
	require.NoError(t, err)
	require.Len(t, v.Medications, 1)
	assert.Equal(t, 2, v.Medications[0].Quantity)
	assert.Equal(t, 3, para.CurrentStock)
}

func TestIntake_Submit_DiscardPending(t *testing.T) {
	para := med("Paracetamol", 5)
	api := newFakeAPI(para)
	in := newTestIntake(api)
	fillRequired(t, in, "Under Observation")
	require.NoError(t, in.SelectMedication(para))

	v, err := in.Submit(context.Background(), PendingDiscard)
	require.NoError(t, err)
	assert.Empty(t, v.Medications)
	assert.Equal(t, 5, para.CurrentStock)
	assert.Zero(t, api.dispensed)
}

func TestIntake_SelectMedication_RejectsUnselectable(t *testing.T) {
	expired := intakeDay.AddDate(0, 0, -1)
	tests := []struct {
		name string
		m    *Medication
	}{
		{"zero stock", med("Ibuprofen", 0)},
		{"expired", &Medication{ID: uuid.New(), Name: "Calamine", CurrentStock: 3, ExpiryDate: &expired}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newTestIntake(newFakeAPI())
			err := in.SelectMedication(tt.m)
			assert.ErrorIs(t, err, ErrNotSelectable)
			assert.Nil(t, in.Pending())
		})
	}
}

func TestIntake_CommitPending_FailureAddsNothing(t *testing.T) {
	para := med("Paracetamol", 1)
	api := newFakeAPI(para)
	in := newTestIntake(api)
	require.NoError(t, in.SelectMedication(para))
	require.NoError(t, in.SetDosage("2 tablets", ""))

	err := in.CommitPending(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, 409))
	assert.Contains(t, err.Error(), "insufficient stock")
	assert.Empty(t, in.Medications())
	assert.NotNil(t, in.Pending(), "the entry stays pending so the nurse can fix it")
	assert.Equal(t, 1, para.CurrentStock)
}

func TestIntake_CommitPending_NeedsMedicationAndDosage(t *testing.T) {
	in := newTestIntake(newFakeAPI())
	require.NoError(t, in.SetDosage("1 tablet", ""))
	assert.Error(t, in.CommitPending(context.Background()))

	in = newTestIntake(newFakeAPI())
	require.NoError(t, in.SelectMedication(med("Paracetamol", 4)))
	assert.Error(t, in.CommitPending(context.Background()))
}

func TestIntake_SetQuantity_Overrides(t *testing.T) {
	para := med("Paracetamol", 10)
	in := newTestIntake(newFakeAPI(para))
	require.NoError(t, in.SelectMedication(para))
	require.NoError(t, in.SetDosage("500mg", ""))
	require.NoError(t, in.SetQuantity(1))
	require.NoError(t, in.CommitPending(context.Background()))
	assert.Equal(t, 9, para.CurrentStock)

	assert.ErrorIs(t, in.SetQuantity(-1), medication.ErrInvalidQuantity)
}

func TestIntake_EmergencyReferral(t *testing.T) {
	api := newFakeAPI()
	in := newTestIntake(api)
	fillRequired(t, in, "Emergency Referral")

	v, err := in.Submit(context.Background(), PendingRefuse)
	require.NoError(t, err)
	assert.Equal(t, visit.ReferredToHospital, v.Disposition)
	assert.True(t, v.Emergency)
}

func TestIntake_SetDisposition_Invalid(t *testing.T) {
	in := newTestIntake(newFakeAPI())
	assert.Error(t, in.SetDisposition("Went to lunch"))
}

func TestIntake_SubmittedRefusesEdits(t *testing.T) {
	in := newTestIntake(newFakeAPI())
	fillRequired(t, in, "Returned to Class")
	_, err := in.Submit(context.Background(), PendingRefuse)
	require.NoError(t, err)

	assert.ErrorIs(t, in.SetReason("again"), ErrAlreadySubmitted)
	assert.ErrorIs(t, in.AddTreatment("Ice pack", ""), ErrAlreadySubmitted)
	assert.ErrorIs(t, in.DiscardPending(), ErrAlreadySubmitted)
	_, err = in.Submit(context.Background(), PendingRefuse)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestIntake_SubmitFailureStaysEditing(t *testing.T) {
	api := newFakeAPI()
	api.failVisit = errors.New("connection refused")
	in := newTestIntake(api)
	fillRequired(t, in, "Sent Home")
	require.NoError(t, in.AddTreatment("Rest", "20 minutes lying down"))

	_, err := in.Submit(context.Background(), PendingRefuse)
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, StateEditing, in.State())

	api.failVisit = nil
	v, err := in.Submit(context.Background(), PendingRefuse)
	require.NoError(t, err)
	require.Len(t, v.Treatments, 1)
}

func TestIntake_Submit_InvalidVisitDispensesNothing(t *testing.T) {
	para := med("Paracetamol", 5)
	api := newFakeAPI(para)
	in := newTestIntake(api)
	require.NoError(t, in.SelectMedication(para))
	require.NoError(t, in.SetDosage("2 tablets", ""))

	_, err := in.Submit(context.Background(), PendingCommit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required: student, reason, symptoms, disposition")
	assert.Equal(t, 5, para.CurrentStock)
	assert.Zero(t, api.dispensed)
	assert.NotNil(t, in.Pending(), "the entry stays pending until the visit is valid")
	assert.Empty(t, api.submitted)
}

func TestIntake_BlankEntryIsNotPending(t *testing.T) {
	api := newFakeAPI()
	in := newTestIntake(api)
	fillRequired(t, in, "Returned to Class")
	require.NoError(t, in.SetDosage("  ", ""))
	require.NoError(t, in.SetQuantity(0))
	assert.Nil(t, in.Pending())

	v, err := in.Submit(context.Background(), PendingRefuse)
	require.NoError(t, err)
	assert.Empty(t, v.Medications)
	assert.Zero(t, api.dispensed)
}

func TestIntake_CommitPending_BlankEntryAddsNothing(t *testing.T) {
	api := newFakeAPI()
	in := newTestIntake(api)
	require.NoError(t, in.SetQuantity(2))
	require.NoError(t, in.CommitPending(context.Background()))
	assert.Empty(t, in.Medications())
	assert.Zero(t, api.dispensed)
}
