package visit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func postVisit(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(nurseCtx())
	rec := httptest.NewRecorder()
	return rec, h.CreateVisit(echo.New().NewContext(req, rec))
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_CreateVisit(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	med := f.stock.add("Paracetamol", 5, farFuture())

	body := `{"student_id":"` + uuid.New().String() + `","reason":"Fever","symptoms":"38.5C",
		"disposition":"Emergency Referral","vital_signs":{"temperature":38.5,"pulse":110},
		"medications":[{"medication_id":"` + med.ID.String() + `","dosage":"1 tablet"}],
		"treatments":[{"description":"Cold compress"}]}`
	rec, err := postVisit(t, h, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var v Visit
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Disposition != ReferredToHospital || !v.Emergency {
		t.Errorf("expected emergency referral, got %s/%v", v.Disposition, v.Emergency)
	}
	if len(v.Medications) != 1 || v.Medications[0].StockAfter != 4 {
		t.Errorf("unexpected medications %+v", v.Medications)
	}
	if v.Vitals.Temperature == nil || *v.Vitals.Temperature != 38.5 {
		t.Errorf("expected temperature to round-trip, got %v", v.Vitals.Temperature)
	}
}

func TestHandler_CreateVisit_OutOfStock(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	med := f.stock.add("Ibuprofen", 0, nil)

	body := `{"student_id":"` + uuid.New().String() + `","reason":"Sprain","symptoms":"Swollen ankle",
		"disposition":"SENT_HOME","medications":[{"medication_id":"` + med.ID.String() + `","dosage":"1"}]}`
	_, err := postVisit(t, h, body)
	if code := statusOf(t, err); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_CreateVisit_UnknownMedication(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	body := `{"student_id":"` + uuid.New().String() + `","reason":"Sprain","symptoms":"Swollen ankle",
		"disposition":"SENT_HOME","medications":[{"medication_id":"` + uuid.New().String() + `","dosage":"1"}]}`
	_, err := postVisit(t, h, body)
	if code := statusOf(t, err); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_CreateVisit_BadRequest(t *testing.T) {
	h := NewHandler(newFixture().svc)
	_, err := postVisit(t, h, `{"reason":"Fever"}`)
	if code := statusOf(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetVisit_NotFound(t *testing.T) {
	h := NewHandler(newFixture().svc)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := statusOf(t, h.GetVisit(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ListVisits_BadFilter(t *testing.T) {
	h := NewHandler(newFixture().svc)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?disposition=Teleported", nil), httptest.NewRecorder())
	if code := statusOf(t, h.ListVisits(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
