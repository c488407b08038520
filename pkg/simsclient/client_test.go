package simsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	srv        *httptest.Server
	listCalls  int32
	stock      int32
	medID      uuid.UUID
	movementID uuid.UUID
	lastAuth   string
	lastQuery  string
	lastVisit  Visit
	exportBody string
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{medID: uuid.New(), movementID: uuid.New(), stock: 5}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/medications", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.listCalls, 1)
		f.lastAuth = r.Header.Get("Authorization")
		f.lastQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  []Medication{{ID: f.medID, Name: "Paracetamol", CurrentStock: int(atomic.LoadInt32(&f.stock))}},
			"total": 1,
		})
	})
	mux.HandleFunc("/api/medications/"+f.medID.String()+"/dispense", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Quantity int `json:"quantity"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if int32(body.Quantity) > atomic.LoadInt32(&f.stock) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"message": "insufficient stock"})
			return
		}
		left := atomic.AddInt32(&f.stock, -int32(body.Quantity))
		json.NewEncoder(w).Encode(DispenseResult{
			Medication: Medication{ID: f.medID, Name: "Paracetamol", CurrentStock: int(left)},
			MovementID: f.movementID,
		})
	})
	mux.HandleFunc("/api/medications/"+f.medID.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var m Medication
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		if m.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "name is required"})
			return
		}
		m.CurrentStock = int(atomic.LoadInt32(&f.stock))
		json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("/api/visits", func(w http.ResponseWriter, r *http.Request) {
		var v Visit
		require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
		v.ID = uuid.New()
		f.lastVisit = v
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(v)
	})
	mux.HandleFunc("/api/visits/export", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.RawQuery
		w.Header().Set("Content-Disposition", `attachment; filename="visits-2026-03-02.csv"`)
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(f.exportBody))
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/visits/export") {
			w.Header().Set("Content-Type", "application/json")
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) client() *Client {
	return New(Config{BaseURL: f.srv.URL}, StaticToken("nurse-token"))
}

func TestClient_ListMedications_Cached(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	for i := 0; i < 3; i++ {
		items, total, err := c.ListMedications(context.Background(), MedicationQuery{Selectable: true})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "Paracetamol", items[0].Name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.listCalls))
	assert.Equal(t, "Bearer nurse-token", f.lastAuth)
	assert.Contains(t, f.lastQuery, "selectable=true")

	// A different query is a different cache entry.
	_, _, err := c.ListMedications(context.Background(), MedicationQuery{Search: "para"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.listCalls))
}

func TestClient_ListMedications_Expires(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.SelectableMedications(context.Background())
	require.NoError(t, err)
	now = now.Add(DefaultCacheTTL - time.Second)
	_, err = c.SelectableMedications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.listCalls))

	now = now.Add(2 * time.Second)
	_, err = c.SelectableMedications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.listCalls))
}

func TestClient_Dispense_InvalidatesCache(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	items, err := c.SelectableMedications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, items[0].CurrentStock)

	m, err := c.Dispense(context.Background(), f.medID, 2, "2 tablets")
	require.NoError(t, err)
	assert.Equal(t, 3, m.CurrentStock)
	assert.Equal(t, f.movementID, m.MovementID)

	items, err = c.SelectableMedications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, items[0].CurrentStock)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.listCalls))
}

func TestClient_Dispense_Conflict(t *testing.T) {
	f := newFakeServer(t)
	_, err := f.client().Dispense(context.Background(), f.medID, 9, "")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.Equal(t, "insufficient stock", err.Error())
}

func TestClient_UpdateMedication_InvalidatesCache(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	_, err := c.SelectableMedications(context.Background())
	require.NoError(t, err)

	m := &Medication{ID: f.medID, Name: "Paracetamol 500", MinimumStock: 4}
	require.NoError(t, c.UpdateMedication(context.Background(), m))
	assert.Equal(t, "Paracetamol 500", m.Name)
	assert.Equal(t, 5, m.CurrentStock)

	_, err = c.SelectableMedications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.listCalls))

	err = c.UpdateMedication(context.Background(), &Medication{ID: f.medID})
	assert.True(t, IsStatus(err, http.StatusBadRequest))
	assert.Equal(t, "name is required", err.Error())
}

func TestClient_ListMedications_ReturnsCopies(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	items, _, err := c.ListMedications(context.Background(), MedicationQuery{})
	require.NoError(t, err)
	items[0].Name = "Tampered"
	items[0].CurrentStock = 999

	again, _, err := c.ListMedications(context.Background(), MedicationQuery{})
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol", again[0].Name)
	assert.Equal(t, 5, again[0].CurrentStock)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.listCalls))
}

func TestClient_ListMedications_InFlightPageNotCachedAcrossInvalidation(t *testing.T) {
	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			close(entered)
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  []Medication{{ID: uuid.New(), Name: "Paracetamol", CurrentStock: 6 - int(n)}},
			"total": 1,
		})
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL}, StaticToken("nurse-token"))

	done := make(chan []Medication, 1)
	go func() {
		items, _, err := c.ListMedications(context.Background(), MedicationQuery{})
		assert.NoError(t, err)
		done <- items
	}()
	<-entered
	c.InvalidateMedications()
	close(release)

	stale := <-done
	require.Len(t, stale, 1)
	assert.Equal(t, 5, stale[0].CurrentStock)

	fresh, _, err := c.ListMedications(context.Background(), MedicationQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, fresh[0].CurrentStock)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_CreateVisit(t *testing.T) {
	f := newFakeServer(t)
	v := &Visit{StudentID: uuid.New(), Reason: "Headache", Symptoms: "pain", Disposition: "Returned to Class"}
	require.NoError(t, f.client().CreateVisit(context.Background(), v))
	assert.NotEqual(t, uuid.Nil, v.ID)
	assert.Equal(t, "Headache", f.lastVisit.Reason)
}

func TestClient_ExportVisits(t *testing.T) {
	f := newFakeServer(t)
	f.exportBody = "Date,Student\n"
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	body, name, err := f.client().ExportVisits(context.Background(), "csv", VisitQuery{From: from})
	require.NoError(t, err)
	assert.Equal(t, "Date,Student\n", string(body))
	assert.Equal(t, "visits-2026-03-02.csv", name)
	assert.Contains(t, f.lastQuery, "from=2026-03-01")
	assert.Contains(t, f.lastQuery, "format=csv")
}
