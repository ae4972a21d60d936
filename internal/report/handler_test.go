package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type mockReportService struct {
	summaryFn func(ctx context.Context, department string) (*Summary, error)
	exportFn  func(ctx context.Context, department string) ([]byte, error)
}

func (m *mockReportService) Summary(ctx context.Context, department string) (*Summary, error) {
	if m.summaryFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.summaryFn(ctx, department)
}

func (m *mockReportService) ExportXLSX(ctx context.Context, department string) ([]byte, error) {
	if m.exportFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.exportFn(ctx, department)
}

func newTestHandler(svc reportService) *Handler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewHandler(svc, l)
}

func TestStatsHandler(t *testing.T) {
	h := newTestHandler(&mockReportService{
		summaryFn: func(ctx context.Context, department string) (*Summary, error) {
			if department != "ops" {
				t.Fatalf("unexpected department %q", department)
			}
			return &Summary{TotalExams: 2, AverageScore: 70, PassRate: 50, Departments: []DepartmentStats{{Department: "ops", Count: 2, AverageScore: 70}}}, nil
		},
	})
	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/exams/stats?department=ops", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["totalExams"] != float64(2) || resp["averageScore"] != float64(70) {
		t.Fatalf("unexpected response: %v", resp)
	}
	if depts, _ := resp["departments"].([]interface{}); len(depts) != 1 {
		t.Fatalf("unexpected departments: %v", resp["departments"])
	}
}

func TestStatsHandlerHidesInternalErrors(t *testing.T) {
	h := newTestHandler(&mockReportService{
		summaryFn: func(ctx context.Context, department string) (*Summary, error) {
			return nil, errors.New("db down")
		},
	})
	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/exams/stats", nil))
	if rr.Code != http.StatusInternalServerError || strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("unexpected response %d: %s", rr.Code, rr.Body.String())
	}
}

func TestExportHandlerSetsAttachmentHeaders(t *testing.T) {
	h := newTestHandler(&mockReportService{
		exportFn: func(ctx context.Context, department string) ([]byte, error) { return []byte("xlsx"), nil },
	})
	rr := httptest.NewRecorder()
	h.Export(rr, httptest.NewRequest(http.MethodGet, "/api/exams/export", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "exam-results.xlsx") || rr.Body.String() != "xlsx" {
		t.Fatalf("unexpected export response: %v %q", rr.Header(), rr.Body.String())
	}
}
