package question

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{"Question", "Option A", "Option B", "Option C", "Option D", "Answer"}

// ExportXLSX renders the bank in the import layout with a header row, so the
// file can be re-imported with hasHeader=true.
func (s *Service) ExportXLSX(ctx context.Context) ([]byte, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	for i, h := range exportHeaders {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cellName, h)
	}
	for i, q := range items {
		rowNo := i + 2
		cellName, _ := excelize.CoordinatesToCellName(1, rowNo)
		_ = f.SetCellValue(sheet, cellName, q.Question)
		for j, opt := range q.Options {
			if j >= MaxOptions {
				break
			}
			cellName, _ = excelize.CoordinatesToCellName(j+2, rowNo)
			_ = f.SetCellValue(sheet, cellName, opt)
		}
		cellName, _ = excelize.CoordinatesToCellName(MaxOptions+2, rowNo)
		_ = f.SetCellValue(sheet, cellName, q.CorrectAnswer)
	}
	_ = f.SetColWidth(sheet, "A", "A", 60)
	_ = f.SetColWidth(sheet, "B", "E", 28)
	_ = f.SetColWidth(sheet, "F", "F", 10)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
