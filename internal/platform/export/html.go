package export

import (
	"bytes"
	"html/template"
	"time"

	"github.com/sims/sims/internal/domain/visit"
)

var printTemplate = template.Must(template.New("print").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: Arial, sans-serif; margin: 24px; color: #222; }
  h1 { font-size: 18px; margin-bottom: 4px; }
  p.meta { font-size: 11px; color: #666; margin-top: 0; }
  table { border-collapse: collapse; width: 100%; font-size: 11px; }
  th, td { border: 1px solid #999; padding: 4px 6px; text-align: left; vertical-align: top; }
  th { background: #e6f3ff; }
  td.Critical { color: #b00020; font-weight: bold; }
  td.Serious { color: #d35400; }
  td.Moderate { color: #b7950b; }
  @media print { body { margin: 0; } }
</style>
</head>
<body onload="window.print()">
<h1>{{.Title}}</h1>
<p class="meta">Generated {{.Generated}} &middot; {{len .Rows}} visit(s)</p>
<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range $i, $cell := .Cells}}<td{{if eq $i 8}} class="{{$cell}}"{{end}}>{{$cell}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

type printRow struct{ Cells []string }

// PrintHTML renders a standalone document that opens the print dialog.
// All cell text is escaped.
func PrintHTML(rows []visit.Row, title string, now time.Time) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	loc := now.Location()
	data := struct {
		Title     string
		Generated string
		Columns   []string
		Rows      []printRow
	}{
		Title:     title,
		Generated: now.Format(dateLayout),
		Columns:   Columns,
	}
	for _, r := range rows {
		data.Rows = append(data.Rows, printRow{Cells: record(r, loc)})
	}
	var buf bytes.Buffer
	if err := printTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
