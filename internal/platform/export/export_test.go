package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/sims/sims/internal/domain/visit"
)

var when = time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

func sampleRows() []visit.Row {
	return []visit.Row{
		{
			VisitID: uuid.New(), VisitTime: when, StudentNumber: "S-001", StudentName: "Ada Obi",
			Grade: "Grade 5", Class: "5B", NurseName: "nurse.joy",
			Reason: "Headache, dizziness", Symptoms: `Said "it spins"`,
			Disposition: visit.ReturnedToClass, Medications: "Paracetamol (1 tablet)",
		},
		{
			VisitID: uuid.New(), VisitTime: when.Add(time.Hour), StudentNumber: "S-002", StudentName: "Ben <Script>",
			Reason: "Fall", Symptoms: "Swollen wrist\nbruising",
			Disposition: visit.ReferredToHospital, Emergency: true,
		},
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		row  visit.Row
		want string
	}{
		{visit.Row{Emergency: true, Disposition: visit.ReturnedToClass}, SeverityCritical},
		{visit.Row{Emergency: true, Disposition: visit.ReferredToHospital}, SeverityCritical},
		{visit.Row{Disposition: visit.ReferredToHospital}, SeveritySerious},
		{visit.Row{Disposition: visit.SentHome}, SeverityModerate},
		{visit.Row{Disposition: visit.UnderObservation}, SeverityStable},
		{visit.Row{Disposition: visit.ReturnedToClass}, SeverityStable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Severity(tt.row), "%+v", tt.row)
	}
}

func TestEmptyRowsReturnNoData(t *testing.T) {
	_, err := CSV(nil, time.UTC)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = PrintHTML([]visit.Row{}, "t", when)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = PDF(nil, "t", when)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = XLSX(nil, time.UTC)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCSV(t *testing.T) {
	out, err := CSV(sampleRows(), time.UTC)
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Columns, records[0])
	assert.Equal(t, "2026-03-10 09:15", records[1][0])
	assert.Equal(t, "Headache, dizziness", records[1][5])
	assert.Equal(t, `Said "it spins"`, records[1][6])
	assert.Equal(t, "Emergency Referral", records[2][7])
	assert.Equal(t, SeverityCritical, records[2][8])

	text := string(out)
	assert.Contains(t, text, `"Headache, dizziness"`)
	assert.Contains(t, text, `"Said ""it spins"""`)
	assert.Contains(t, text, ",S-001,Ada Obi,", "plain fields are not quoted")
}

func TestPrintHTML_EscapesCells(t *testing.T) {
	out, err := PrintHTML(sampleRows(), "March visits", when)
	require.NoError(t, err)
	html := string(out)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "<title>March visits</title>")
	assert.Contains(t, html, "Ben &lt;Script&gt;")
	assert.NotContains(t, html, "<Script>")
	assert.Contains(t, html, `class="Critical"`)
	assert.Contains(t, html, "2 visit(s)")
}

func TestPDF(t *testing.T) {
	out, err := PDF(sampleRows(), "March visits", when)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestPDF_PaginatesLongLists(t *testing.T) {
	var rows []visit.Row
	for i := 0; i < 80; i++ {
		rows = append(rows, sampleRows()[i%2])
	}
	short, err := PDF(sampleRows(), "v", when)
	require.NoError(t, err)
	long, err := PDF(rows, "v", when)
	require.NoError(t, err)
	assert.Greater(t, len(long), len(short))
}

func TestFitText_KeepsAccentsWhenTruncating(t *testing.T) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 8)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	name := "Zoë Müller-Fernández de la Cruz Santísima"

	got := fitText(pdf, tr, name, 30)
	assert.NotContains(t, got, "\uFFFD")
	assert.True(t, strings.HasPrefix(got, tr("Zoë Müller")), "got %q", got)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, pdf.GetStringWidth(got), 30.0)

	runes := []rune(name)
	matched := false
	for k := range runes {
		if got == tr(string(runes[:k])+"...") {
			matched = true
			break
		}
	}
	assert.True(t, matched, "expected a translated prefix of the UTF-8 name, got %q", got)

	assert.Equal(t, tr("Zoë"), fitText(pdf, tr, "Zoë", 30))
}

func TestXLSX(t *testing.T) {
	out, err := XLSX(sampleRows(), time.UTC)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue(sheetName, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Date", header)
	student, err := f.GetCellValue(sheetName, "C2")
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", student)
	severity, err := f.GetCellValue(sheetName, "I3")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, severity)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "visits-2026-03-10.pdf", Filename("PDF", when))
}

// -- Handler --

type stubSource struct {
	rows []visit.Row
	got  visit.Filter
}

func (s *stubSource) ExportRows(_ context.Context, f visit.Filter) ([]visit.Row, error) {
	s.got = f
	return s.rows, nil
}

func newTestHandler(rows []visit.Row) (*Handler, *stubSource) {
	src := &stubSource{rows: rows}
	h := NewHandler(src, zerolog.Nop())
	h.now = func() time.Time { return when }
	return h, src
}

func TestHandler_ExportVisits_CSV(t *testing.T) {
	h, src := newTestHandler(sampleRows())
	req := httptest.NewRequest(http.MethodGet, "/api/visits/export?format=csv&disposition=SENT_HOME", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	require.NoError(t, h.ExportVisits(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMECSV, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "visits-2026-03-10.csv")
	assert.Equal(t, visit.SentHome, src.got.Disposition)
}

func TestHandler_ExportVisits_HTMLInline(t *testing.T) {
	h, _ := newTestHandler(sampleRows())
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?format=html", nil), rec)

	require.NoError(t, h.ExportVisits(c))
	assert.Empty(t, rec.Header().Get(echo.HeaderContentDisposition))
	assert.Contains(t, rec.Body.String(), "<table>")
}

func TestHandler_ExportVisits_NoData(t *testing.T) {
	h, _ := newTestHandler(nil)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?format=pdf", nil), httptest.NewRecorder())

	err := h.ExportVisits(c)
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnprocessableEntity, he.Code)
}

func TestHandler_ExportVisits_UnknownFormat(t *testing.T) {
	h, _ := newTestHandler(sampleRows())
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?format=docx", nil), httptest.NewRecorder())

	err := h.ExportVisits(c)
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
