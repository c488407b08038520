package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sims/sims/internal/domain/visit"
)

const sheetName = "Visits"

var columnWidths = []float64{18, 14, 26, 10, 10, 30, 30, 22, 12, 40, 30, 20}

// XLSX writes rows to a single sheet with a styled, frozen header row.
func XLSX(rows []visit.Row, loc *time.Location) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	criticalStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "B00020"},
	})
	if err != nil {
		return nil, fmt.Errorf("create severity style: %w", err)
	}

	for i, title := range Columns {
		if err := setCell(f, i+1, 1, title); err != nil {
			return nil, err
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if i < len(columnWidths) {
			if err := f.SetColWidth(sheetName, col, col, columnWidths[i]); err != nil {
				return nil, fmt.Errorf("set column width: %w", err)
			}
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(Columns), 1)
	if err := f.SetCellStyle(sheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}

	severityCol := 9
	for i, r := range rows {
		row := i + 2
		for j, value := range record(r, loc) {
			if err := setCell(f, j+1, row, value); err != nil {
				return nil, err
			}
		}
		if Severity(r) == SeverityCritical {
			cell, _ := excelize.CoordinatesToCellName(severityCol, row)
			if err := f.SetCellStyle(sheetName, cell, cell, criticalStyle); err != nil {
				return nil, fmt.Errorf("set severity style: %w", err)
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		return fmt.Errorf("set cell %s: %w", cell, err)
	}
	return nil
}
