package report

import (
	"context"
	"net/http"

	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type reportService interface {
	Summary(ctx context.Context, department string) (*Summary, error)
	ExportXLSX(ctx context.Context, department string) ([]byte, error)
}

type Handler struct {
	svc reportService
	log logrus.FieldLogger
}

func NewHandler(svc reportService, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Summary(r.Context(), r.URL.Query().Get("department"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"totalExams":   out.TotalExams,
		"averageScore": out.AverageScore,
		"highestScore": out.HighestScore,
		"lowestScore":  out.LowestScore,
		"passCount":    out.PassCount,
		"passRate":     out.PassRate,
		"departments":  out.Departments,
	})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.ExportXLSX(r.Context(), r.URL.Query().Get("department"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="exam-results.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).Error("report request failed")
	apiresp.WriteError(w, r, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
}
