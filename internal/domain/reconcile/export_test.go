package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

func readSheet(t *testing.T, data []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	return rows
}

func TestWriteConflictsXLSX(t *testing.T) {
	recID := uuid.New()
	conflicts := []*Conflict{
		{ID: uuid.New(), RecordServerID: &recID, ResourceType: "Observation",
			ClientPayload: json.RawMessage(`{"v":2}`), ServerPayload: json.RawMessage(`{"v":1}`)},
		{ID: uuid.New(), ResourceType: "Condition", ClientPayload: json.RawMessage(`{}`)},
	}

	var buf bytes.Buffer
	if err := WriteConflictsXLSX(&buf, conflicts); err != nil {
		t.Fatalf("WriteConflictsXLSX: %v", err)
	}

	rows := readSheet(t, buf.Bytes())
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][6] != "Server Payload" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != conflicts[0].ID.String() || rows[1][1] != recID.String() || rows[1][5] != `{"v":2}` {
		t.Errorf("unexpected first row: %v", rows[1])
	}
	if rows[2][1] != "" || rows[2][2] != "Condition" {
		t.Errorf("unexpected second row: %v", rows[2])
	}
}

func TestExportConflicts_UnresolvedByDefault(t *testing.T) {
	repo := &mockConflictRepo{}
	recorder := NewConflictRecorder(repo)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := recorder.Record(ctx, nil, "Observation", json.RawMessage(`{}`), json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	repo.conflicts[1].Resolved = true

	var open bytes.Buffer
	n, err := ExportConflicts(ctx, recorder, &open, false)
	if err != nil {
		t.Fatalf("ExportConflicts: %v", err)
	}
	if n != 2 || len(readSheet(t, open.Bytes())) != 3 {
		t.Errorf("expected 2 unresolved rows, got %d", n)
	}

	var all bytes.Buffer
	n, err = ExportConflicts(ctx, recorder, &all, true)
	if err != nil {
		t.Fatalf("ExportConflicts: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows with --all, got %d", n)
	}
}
