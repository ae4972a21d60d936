package question

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"
	"examdesk/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

type questionService interface {
	List(ctx context.Context) ([]Question, error)
	Get(ctx context.Context, id int64) (*Question, error)
	Create(ctx context.Context, in Input) (*Question, error)
	Update(ctx context.Context, id int64, in Input) (*Question, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) (int64, error)
	Random(ctx context.Context, n int) ([]Question, error)
	ImportFile(ctx context.Context, filename string, r io.Reader, opts ImportOptions) (*ImportReport, error)
	ExportXLSX(ctx context.Context) ([]byte, error)
}

type adminVerifier interface {
	VerifyAdminPassword(password string) bool
}

type Handler struct {
	svc    questionService
	stager *upload.Stager
	admin  adminVerifier
	log    logrus.FieldLogger
}

type questionRequest struct {
	Question      string   `json:"question" validate:"required"`
	Options       []string `json:"options" validate:"min=2,max=4"`
	CorrectAnswer string   `json:"correctAnswer" validate:"required"`
	// Type is accepted for compatibility and ignored; it is derived from
	// CorrectAnswer.
	Type string `json:"type"`
}

type clearRequest struct {
	Password string `json:"password"`
}

var rowErrorMessages = map[string]string{
	RowIncomplete:       "ImportRowIncomplete",
	RowTooFewOptions:    "ImportRowTooFewOptions",
	RowTooManyOptions:   "ImportRowTooManyOptions",
	RowMissingAnswer:    "ImportRowMissingAnswer",
	RowAnswerOutOfRange: "ImportRowAnswerOutOfRange",
}

func NewHandler(svc questionService, stager *upload.Stager, admin adminVerifier, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, stager: stager, admin: admin, log: log}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"questions": items, "total": len(items)})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	q, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"question": q})
}

func (h *Handler) Random(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(strings.TrimSpace(chi.URLParam(r, "count")))
	if err != nil || n <= 0 {
		h.fail(w, r, http.StatusBadRequest, "QuestionCountInvalid")
		return
	}
	items, err := h.svc.Random(r.Context(), n)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]Question, 0, len(items))
	for _, q := range items {
		out = append(out, q.Public())
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"questions": out})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}
	q, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, apiresp.Fields{
		"message":  i18n.T(r.Context(), "QuestionSaved"),
		"question": q,
	})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	in, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}
	q, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message":  i18n.T(r.Context(), "QuestionSaved"),
		"question": q,
	})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"message": i18n.T(r.Context(), "QuestionDeleted")})
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	if h.admin == nil || !h.admin.VerifyAdminPassword(req.Password) {
		h.fail(w, r, http.StatusForbidden, "AdminPasswordIncorrect")
		return
	}
	n, err := h.svc.Clear(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"deleted":    n,
	}).Info("question bank cleared")
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message": i18n.T(r.Context(), "QuestionBankCleared"),
		"deleted": n,
	})
}

// Upload accepts a multipart form with "file", "mode" (append|overwrite) and
// "hasHeader" ("true" skips the first row).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.stager.MaxBytes()+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, http.StatusRequestEntityTooLarge, "UploadTooLarge")
			return
		}
		h.fail(w, r, http.StatusBadRequest, "UploadMissingFile")
		return
	}
	defer r.MultipartForm.RemoveAll()

	src, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "UploadMissingFile")
		return
	}
	defer src.Close()

	staged, err := h.stager.Stage(src, header.Filename)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			h.fail(w, r, http.StatusRequestEntityTooLarge, "UploadTooLarge")
			return
		}
		h.internalError(w, r, err)
		return
	}
	defer h.stager.Remove(staged)

	f, err := h.stager.Open(staged)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	defer f.Close()

	opts := ImportOptions{
		Mode:      r.FormValue("mode"),
		HasHeader: strings.EqualFold(strings.TrimSpace(r.FormValue("hasHeader")), "true"),
	}
	start := time.Now()
	report, err := h.svc.ImportFile(r.Context(), staged.Name, f, opts)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedFormat):
			h.fail(w, r, http.StatusBadRequest, "UploadUnsupported")
		case errors.Is(err, ErrInvalidInput):
			h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		default:
			h.internalError(w, r, err)
		}
		return
	}

	h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"file":       staged.Name,
		"mode":       opts.Mode,
		"imported":   report.Imported,
		"rejected":   len(report.Errors),
		"took_ms":    time.Since(start).Milliseconds(),
	}).Info("question import")

	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message":   importSummary(r.Context(), report),
		"count":     report.Imported,
		"total":     report.Total,
		"totalRows": report.TotalRows,
		"errors":    localizeRowErrors(r.Context(), report.Errors),
	})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.ExportXLSX(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="questions.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) decodeQuestion(w http.ResponseWriter, r *http.Request) (Input, bool) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return Input{}, false
	}
	if err := validate.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "QuestionInvalid")
		return Input{}, false
	}
	return Input{Question: req.Question, Options: req.Options, CorrectAnswer: req.CorrectAnswer}, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.fail(w, r, http.StatusBadRequest, "QuestionInvalid")
	case errors.Is(err, ErrQuestionNotFound):
		h.fail(w, r, http.StatusNotFound, "QuestionNotFound")
	case errors.Is(err, ErrEmptyBank):
		h.fail(w, r, http.StatusNotFound, "QuestionBankEmpty")
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
	}).Error("question request failed")
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}

func importSummary(ctx context.Context, report *ImportReport) string {
	if len(report.Errors) == 0 {
		return i18n.Tp(ctx, "ImportSummary", report.Imported, nil)
	}
	return i18n.Tp(ctx, "ImportSummaryWithErrors", report.Imported, map[string]any{"Errors": len(report.Errors)})
}

func localizeRowErrors(ctx context.Context, errs []RowError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		msgID, ok := rowErrorMessages[e.Code]
		if !ok {
			msgID = "ImportRowIncomplete"
		}
		out = append(out, i18n.Td(ctx, msgID, map[string]any{"Row": e.Row, "Answer": e.Answer}))
	}
	return out
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidInput
	}
	return id, nil
}
