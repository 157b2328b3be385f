package audit

import (
	"encoding/json"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Audit"

// WriteXLSX renders rows as a single-sheet workbook.
func WriteXLSX(w io.Writer, rows []TimelineRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}
	header := []any{"At", "Actor", "Action", "Entity", "Entity ID", "Details"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range rows {
		meta := ""
		if len(row.Meta) > 0 {
			raw, err := json.Marshal(row.Meta)
			if err != nil {
				return err
			}
			meta = string(raw)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{row.At.UTC().Format("2006-01-02 15:04:05"), row.Actor, row.Action, row.Entity, row.EntityID, meta}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}
