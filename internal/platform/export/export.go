// Package export renders visit rows as CSV, printable HTML, PDF and XLSX.
// Every renderer is a pure function of its rows.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"time"

	"github.com/sims/sims/internal/domain/visit"
)

// ErrNoData is returned instead of an empty document.
var ErrNoData = errors.New("no data to export")

const (
	SeverityCritical = "Critical"
	SeveritySerious  = "Serious"
	SeverityModerate = "Moderate"
	SeverityStable   = "Stable"
)

// Severity ranks a visit: emergency first, then hospital referral, then
// sent home. Everything else is stable.
func Severity(r visit.Row) string {
	switch {
	case r.Emergency:
		return SeverityCritical
	case r.Disposition == visit.ReferredToHospital:
		return SeveritySerious
	case r.Disposition == visit.SentHome:
		return SeverityModerate
	default:
		return SeverityStable
	}
}

// Columns is the header shared by every tabular format.
var Columns = []string{
	"Date", "Student No.", "Student", "Grade", "Class", "Reason", "Symptoms",
	"Disposition", "Severity", "Medications", "Treatments", "Nurse",
}

const dateLayout = "2006-01-02 15:04"

func record(r visit.Row, loc *time.Location) []string {
	return []string{
		r.VisitTime.In(loc).Format(dateLayout),
		r.StudentNumber,
		r.StudentName,
		r.Grade,
		r.Class,
		r.Reason,
		r.Symptoms,
		r.Disposition.Label(),
		Severity(r),
		r.Medications,
		r.Treatments,
		r.NurseName,
	}
}

// CSV renders rows as UTF-8 comma separated values. Fields are quoted only
// when they contain a comma, quote or line break.
func CSV(rows []visit.Row, loc *time.Location) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	if loc == nil {
		loc = time.UTC
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(record(r, loc)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// Filename is the download name for a format, stamped with the export day.
func Filename(format string, now time.Time) string {
	return "visits-" + now.Format("2006-01-02") + "." + strings.ToLower(format)
}
