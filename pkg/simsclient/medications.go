package simsclient

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// MedicationQuery narrows a medication listing.
type MedicationQuery struct {
	Selectable bool
	Active     *bool
	Category   string
	Search     string
	Limit      int
	Offset     int
}

func (q MedicationQuery) params() map[string]string {
	p := map[string]string{}
	if q.Selectable {
		p["selectable"] = "true"
	}
	if q.Active != nil {
		p["active"] = strconv.FormatBool(*q.Active)
	}
	if q.Category != "" {
		p["category"] = q.Category
	}
	if q.Search != "" {
		p["search"] = q.Search
	}
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		p["offset"] = strconv.Itoa(q.Offset)
	}
	return p
}

func (q MedicationQuery) key() string {
	active := "any"
	if q.Active != nil {
		active = strconv.FormatBool(*q.Active)
	}
	return strconv.FormatBool(q.Selectable) + "|" + active + "|" + q.Category + "|" +
		q.Search + "|" + strconv.Itoa(q.Limit) + "|" + strconv.Itoa(q.Offset)
}

type medicationPage struct {
	Data  []Medication `json:"data"`
	Total int          `json:"total"`
}

// ListMedications returns a page of medications. Identical queries within
// the cache TTL are answered from memory; any write through this client
// clears the cache. Callers own the returned slice.
func (c *Client) ListMedications(ctx context.Context, q MedicationQuery) ([]Medication, int, error) {
	key := q.key()
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return cloneMedications(e.items), e.total, nil
	}
	gen := c.gen
	c.mu.Unlock()

	var page medicationPage
	if _, err := c.do(ctx, http.MethodGet, "/medications", nil, &page, q.params()); err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	// A page fetched across an invalidation may predate the write.
	if c.gen == gen {
		c.cache[key] = cacheEntry{items: cloneMedications(page.Data), total: page.Total, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return cloneMedications(page.Data), page.Total, nil
}

func cloneMedications(items []Medication) []Medication {
	out := make([]Medication, len(items))
	copy(out, items)
	return out
}

// SelectableMedications lists the medications a nurse can administer now.
func (c *Client) SelectableMedications(ctx context.Context) ([]Medication, error) {
	items, _, err := c.ListMedications(ctx, MedicationQuery{Selectable: true, Limit: 100})
	return items, err
}

// InvalidateMedications drops every cached listing. Listings already in
// flight are returned to their callers but not cached.
func (c *Client) InvalidateMedications() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.gen++
	c.mu.Unlock()
}

func (c *Client) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	var m Medication
	if _, err := c.do(ctx, http.MethodGet, "/medications/"+id.String(), nil, &m, nil); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) CreateMedication(ctx context.Context, m *Medication) error {
	if _, err := c.do(ctx, http.MethodPost, "/medications", m, m, nil); err != nil {
		return err
	}
	c.InvalidateMedications()
	return nil
}

// UpdateMedication replaces the descriptive fields of m. Stock is left to
// Restock and Dispense.
func (c *Client) UpdateMedication(ctx context.Context, m *Medication) error {
	if _, err := c.do(ctx, http.MethodPut, "/medications/"+m.ID.String(), m, m, nil); err != nil {
		return err
	}
	c.InvalidateMedications()
	return nil
}

func (c *Client) Restock(ctx context.Context, id uuid.UUID, quantity int, note string) (*Medication, error) {
	var m Medication
	body := map[string]interface{}{"quantity": quantity, "note": note}
	if _, err := c.do(ctx, http.MethodPost, "/medications/"+id.String()+"/restock", body, &m, nil); err != nil {
		return nil, err
	}
	c.InvalidateMedications()
	return &m, nil
}

// DispenseResult is the medication with its new stock and the ledger line
// that took it. A visit carrying the dose cites MovementID.
type DispenseResult struct {
	Medication
	MovementID uuid.UUID `json:"movement_id"`
}

// Dispense takes quantity units off the shelf. A zero quantity lets the
// server read it from dosage.
func (c *Client) Dispense(ctx context.Context, id uuid.UUID, quantity int, dosage string) (*DispenseResult, error) {
	var res DispenseResult
	body := map[string]interface{}{"quantity": quantity, "dosage": dosage}
	_, err := c.do(ctx, http.MethodPost, "/medications/"+id.String()+"/dispense", body, &res, nil)
	// Stock may have moved even when the call reports an error.
	c.InvalidateMedications()
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) LowStock(ctx context.Context) ([]Medication, error) {
	items := []Medication{}
	if _, err := c.do(ctx, http.MethodGet, "/medications/low-stock", nil, &items, nil); err != nil {
		return nil, err
	}
	return items, nil
}
