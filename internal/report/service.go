package report

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"examdesk/internal/exam"

	"github.com/xuri/excelize/v2"
)

const resultsSheet = "Results"

var exportHeaders = []string{"Name", "Department", "Score", "Correct", "Used time (s)", "Passed", "Submitted at"}

type resultSource interface {
	ListResults(ctx context.Context, f exam.ListFilter) ([]exam.Result, error)
}

type Service struct {
	results resultSource
}

type DepartmentStats struct {
	Department   string `json:"department"`
	Count        int    `json:"count"`
	AverageScore int    `json:"averageScore"`
}

type Summary struct {
	TotalExams   int               `json:"totalExams"`
	AverageScore int               `json:"averageScore"`
	HighestScore int               `json:"highestScore"`
	LowestScore  int               `json:"lowestScore"`
	PassCount    int               `json:"passCount"`
	PassRate     int               `json:"passRate"`
	Departments  []DepartmentStats `json:"departments"`
}

func NewService(results resultSource) *Service {
	return &Service{results: results}
}

func (s *Service) Summary(ctx context.Context, department string) (*Summary, error) {
	items, err := s.results.ListResults(ctx, exam.ListFilter{Department: strings.TrimSpace(department)})
	if err != nil {
		return nil, err
	}
	out := Summarize(items)
	return &out, nil
}

// Summarize aggregates results. Averages and the pass rate are rounded half
// away from zero; an empty slice yields all zeros.
func Summarize(items []exam.Result) Summary {
	out := Summary{Departments: []DepartmentStats{}}
	if len(items) == 0 {
		return out
	}

	type acc struct{ count, total int }
	byDept := map[string]*acc{}
	total := 0
	out.HighestScore = items[0].Score
	out.LowestScore = items[0].Score
	for _, r := range items {
		total += r.Score
		if r.Score > out.HighestScore {
			out.HighestScore = r.Score
		}
		if r.Score < out.LowestScore {
			out.LowestScore = r.Score
		}
		if r.IsPassed {
			out.PassCount++
		}
		a := byDept[r.Department]
		if a == nil {
			a = &acc{}
			byDept[r.Department] = a
		}
		a.count++
		a.total += r.Score
	}

	out.TotalExams = len(items)
	out.AverageScore = roundDiv(total, len(items))
	out.PassRate = roundDiv(out.PassCount*100, len(items))
	for name, a := range byDept {
		out.Departments = append(out.Departments, DepartmentStats{
			Department:   name,
			Count:        a.count,
			AverageScore: roundDiv(a.total, a.count),
		})
	}
	sort.Slice(out.Departments, func(i, j int) bool {
		return out.Departments[i].Department < out.Departments[j].Department
	})
	return out
}

// ExportXLSX writes one row per result, newest first.
func (s *Service) ExportXLSX(ctx context.Context, department string) ([]byte, error) {
	items, err := s.results.ListResults(ctx, exam.ListFilter{Department: strings.TrimSpace(department)})
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), resultsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(resultsSheet, cellName, h)
	}
	for i, r := range items {
		row := []interface{}{
			r.UserName,
			r.Department,
			r.Score,
			fmt.Sprintf("%d/%d", r.CorrectAnswers, r.TotalQuestions),
			r.UsedTime,
			r.IsPassed,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
		}
		cellName, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(resultsSheet, cellName, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	_ = f.SetColWidth(resultsSheet, "A", "B", 15)
	_ = f.SetColWidth(resultsSheet, "C", "C", 10)
	_ = f.SetColWidth(resultsSheet, "D", "F", 15)
	_ = f.SetColWidth(resultsSheet, "G", "G", 25)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func roundDiv(sum, n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}
