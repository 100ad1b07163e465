package reconcile

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	exportSheet    = "Conflicts"
	exportPageSize = 500
)

var exportHeader = []interface{}{
	"ID", "Record Server ID", "Resource Type", "Created At", "Resolved", "Client Payload", "Server Payload",
}

// ExportConflicts writes conflicts to w as an xlsx workbook, unresolved ones
// only unless all is set. It returns the number of rows written.
func ExportConflicts(ctx context.Context, recorder *ConflictRecorder, w io.Writer, all bool) (int, error) {
	var resolved *bool
	if !all {
		f := false
		resolved = &f
	}

	var conflicts []*Conflict
	for offset := 0; ; offset += exportPageSize {
		page, total, err := recorder.List(ctx, resolved, exportPageSize, offset)
		if err != nil {
			return 0, err
		}
		conflicts = append(conflicts, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	if err := WriteConflictsXLSX(w, conflicts); err != nil {
		return 0, err
	}
	return len(conflicts), nil
}

// WriteConflictsXLSX renders conflicts as a single sheet workbook.
func WriteConflictsXLSX(w io.Writer, conflicts []*Conflict) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, c := range conflicts {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		recordID := ""
		if c.RecordServerID != nil {
			recordID = c.RecordServerID.String()
		}
		row := []interface{}{
			c.ID.String(),
			recordID,
			c.ResourceType,
			c.CreatedAt.UTC().Format(time.RFC3339),
			c.Resolved,
			string(c.ClientPayload),
			string(c.ServerPayload),
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write conflict %s: %w", c.ID, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
