package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/sims/sims/internal/domain/visit"
)

type pdfColumn struct {
	title string
	width float64
	value func(r visit.Row, loc *time.Location) string
}

// Landscape A4 leaves 277mm between the margins.
var pdfColumns = []pdfColumn{
	{"Date", 28, func(r visit.Row, loc *time.Location) string { return r.VisitTime.In(loc).Format(dateLayout) }},
	{"Student", 40, func(r visit.Row, _ *time.Location) string { return r.StudentName }},
	{"Grade / Class", 26, func(r visit.Row, _ *time.Location) string { return joinNonEmpty(r.Grade, r.Class) }},
	{"Reason", 40, func(r visit.Row, _ *time.Location) string { return r.Reason }},
	{"Disposition", 34, func(r visit.Row, _ *time.Location) string { return r.Disposition.Label() }},
	{"Severity", 22, func(r visit.Row, _ *time.Location) string { return Severity(r) }},
	{"Medications", 55, func(r visit.Row, _ *time.Location) string { return r.Medications }},
	{"Nurse", 32, func(r visit.Row, _ *time.Location) string { return r.NurseName }},
}

var severityColor = map[string][3]int{
	SeverityCritical: {176, 0, 32},
	SeveritySerious:  {211, 84, 0},
	SeverityModerate: {183, 149, 11},
	SeverityStable:   {39, 174, 96},
}

const (
	pdfMargin     = 10.0
	pdfRowHeight  = 7.0
	pdfPageHeight = 210.0
	pdfPageWidth  = 297.0
)

// PDF draws the visit table with explicit coordinates: a filled banner,
// ruled rows and a coloured dot per severity.
func PDF(rows []visit.Row, title string, now time.Time) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	loc := now.Location()

	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetCreator("sims", true)
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)
	pdf.SetAutoPageBreak(false, pdfMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	page := 0
	y := 0.0
	newPage := func() {
		page++
		pdf.AddPage()
		y = drawBanner(pdf, tr(title), now, len(rows), page)
		y = drawHeader(pdf, y)
	}
	newPage()

	for i, r := range rows {
		if y+pdfRowHeight > pdfPageHeight-pdfMargin {
			newPage()
		}
		if i%2 == 1 {
			pdf.SetFillColor(245, 248, 252)
			pdf.Rect(pdfMargin, y, pdfPageWidth-2*pdfMargin, pdfRowHeight, "F")
		}
		x := pdfMargin
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(34, 34, 34)
		for _, col := range pdfColumns {
			text := col.value(r, loc)
			if col.title == "Severity" {
				c := severityColor[text]
				pdf.SetFillColor(c[0], c[1], c[2])
				pdf.Circle(x+2.5, y+pdfRowHeight/2, 1.3, "F")
				pdf.Text(x+5, y+pdfRowHeight-2.2, tr(text))
			} else {
				pdf.Text(x+1, y+pdfRowHeight-2.2, fitText(pdf, tr, text, col.width-2))
			}
			x += col.width
		}
		y += pdfRowHeight
		pdf.SetDrawColor(200, 200, 200)
		pdf.SetLineWidth(0.1)
		pdf.Line(pdfMargin, y, pdfPageWidth-pdfMargin, y)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBanner(pdf *fpdf.Fpdf, title string, now time.Time, total, page int) float64 {
	pdf.SetFillColor(31, 78, 121)
	pdf.Rect(pdfMargin, pdfMargin, pdfPageWidth-2*pdfMargin, 14, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 13)
	pdf.Text(pdfMargin+4, pdfMargin+9, title)
	pdf.SetFont("Helvetica", "", 8)
	meta := fmt.Sprintf("Generated %s  |  %d visit(s)  |  page %d", now.Format(dateLayout), total, page)
	pdf.Text(pdfPageWidth-pdfMargin-4-pdf.GetStringWidth(meta), pdfMargin+9, meta)
	return pdfMargin + 18
}

func drawHeader(pdf *fpdf.Fpdf, y float64) float64 {
	pdf.SetFillColor(230, 243, 255)
	pdf.SetDrawColor(120, 120, 120)
	pdf.SetLineWidth(0.2)
	pdf.Rect(pdfMargin, y, pdfPageWidth-2*pdfMargin, pdfRowHeight, "FD")
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 8)
	x := pdfMargin
	for _, col := range pdfColumns {
		pdf.Text(x+1, y+pdfRowHeight-2.2, col.title)
		x += col.width
	}
	return y + pdfRowHeight
}

// fitText trims the UTF-8 string s with an ellipsis until its translated
// form fits width, and returns the translated text.
func fitText(pdf *fpdf.Fpdf, tr func(string) string, s string, width float64) string {
	if pdf.GetStringWidth(tr(s)) <= width {
		return tr(s)
	}
	runes := []rune(s)
	for len(runes) > 0 && pdf.GetStringWidth(tr(string(runes)+"...")) > width {
		runes = runes[:len(runes)-1]
	}
	return tr(string(runes) + "...")
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " / " + b
}
