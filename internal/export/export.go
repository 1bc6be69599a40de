package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agrosync/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Queue"

var header = []string{"ID", "Type", "Collection", "Status", "Retries", "Last Error", "Enqueued At", "Payload"}

// Workbook renders a queue snapshot into an xlsx workbook and returns its
// bytes. Dead and pending entries alike are included; the workbook is the
// operator's view of everything still held locally.
func Workbook(ops []models.SyncOperation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	for col, title := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheetName, cell, title)
	}

	style, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	_ = f.SetCellStyle(sheetName, "A1", "H1", style)
	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "F", 16)
	_ = f.SetColWidth(sheetName, "G", "H", 28)

	for i, op := range ops {
		row := i + 2
		values := []any{
			op.ID,
			op.Type,
			op.Collection,
			op.Status,
			op.RetryCount,
			op.LastError,
			op.EnqueuedAt.Format(time.RFC3339),
			string(op.Payload),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.DeleteSheet("Sheet1")

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile saves the workbook under dir with a timestamped name and returns
// the full path.
func WriteFile(dir string, ops []models.SyncOperation) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	data, err := Workbook(ops)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("queue_%s.xlsx", time.Now().Format("2006-01-02_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save export: %w", err)
	}
	return path, nil
}
