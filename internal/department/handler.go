package department

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

type departmentService interface {
	List(ctx context.Context) ([]Department, error)
	Create(ctx context.Context, name string) (*Department, error)
	Delete(ctx context.Context, id int64) error
}

type Handler struct {
	svc departmentService
	log logrus.FieldLogger
}

type createRequest struct {
	Name string `json:"name" validate:"required"`
}

func NewHandler(svc departmentService, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"departments": items, "names": names})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, i18n.Td(r.Context(), "ValidationFailed", map[string]any{"Field": "name"}))
		return
	}

	d, err := h.svc.Create(r.Context(), req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, apiresp.Fields{"department": d})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"message": i18n.T(r.Context(), "DepartmentDeleted")})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
	case errors.Is(err, ErrDepartmentExists):
		h.fail(w, r, http.StatusConflict, "DepartmentExists")
	case errors.Is(err, ErrDepartmentNotFound):
		h.fail(w, r, http.StatusNotFound, "DepartmentNotFound")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	apiresp.WriteError(w, r, status, i18n.T(r.Context(), msgID))
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).Error("department request failed")
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}
