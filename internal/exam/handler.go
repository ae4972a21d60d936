package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"examdesk/internal/app/apireq"
	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"
	"examdesk/internal/question"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

type examService interface {
	Submit(ctx context.Context, in SubmitInput) (*Result, error)
	CheckEligibility(ctx context.Context, userName, department string) (*Eligibility, error)
	ListResults(ctx context.Context, f ListFilter) ([]Result, error)
	GetResult(ctx context.Context, id int64) (*Result, error)
	DeleteResult(ctx context.Context, id int64) error
	Paper(ctx context.Context) (*Paper, error)
}

type Handler struct {
	svc examService
	log logrus.FieldLogger
}

type submitRequest struct {
	UserName     string                  `json:"userName" validate:"required"`
	Department   string                  `json:"department" validate:"required"`
	Questions    []submittedQuestionBody `json:"questions"`
	UsedTime     apireq.FlexInt          `json:"usedTime"`
	PassingScore apireq.FlexInt          `json:"passingScore"`
}

type submittedQuestionBody struct {
	ID         apireq.FlexInt `json:"id"`
	Question   string         `json:"question"`
	Options    optionList     `json:"options"`
	UserAnswer answerValue    `json:"userAnswer"`
}

// answerValue accepts "AC", ["A","C"] or null. Any other shape decodes to an
// empty answer, which grades as unanswered.
type answerValue string

func (a *answerValue) UnmarshalJSON(b []byte) error {
	*a = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if json.Unmarshal(b, &s) == nil {
			*a = answerValue(s)
		}
	case '[':
		var list []any
		if json.Unmarshal(b, &list) != nil {
			return nil
		}
		var sb strings.Builder
		for _, item := range list {
			if s, ok := item.(string); ok {
				sb.WriteString(s)
			}
		}
		*a = answerValue(sb.String())
	}
	return nil
}

// optionList keeps the string options of a submitted question and drops
// everything else. Options are informational; grading uses the stored ones.
type optionList []string

func (o *optionList) UnmarshalJSON(b []byte) error {
	*o = nil
	var list []any
	if json.Unmarshal(b, &list) != nil {
		return nil
	}
	for _, item := range list {
		if s, ok := item.(string); ok {
			*o = append(*o, s)
		}
	}
	return nil
}

func NewHandler(svc examService, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	req.UserName = strings.TrimSpace(req.UserName)
	req.Department = strings.TrimSpace(req.Department)
	if err := validate.Struct(req); err != nil {
		h.failValidation(w, r, validationField(err))
		return
	}

	in := SubmitInput{
		UserName:     req.UserName,
		Department:   req.Department,
		UsedTime:     req.UsedTime.Value,
		PassingScore: req.PassingScore.Ptr(),
	}
	for _, q := range req.Questions {
		in.Questions = append(in.Questions, SubmittedQuestion{
			ID:         int64(q.ID.Value),
			Question:   q.Question,
			Options:    []string(q.Options),
			UserAnswer: string(q.UserAnswer),
		})
	}

	res, err := h.svc.Submit(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"result_id":  res.ID,
		"department": res.Department,
		"score":      res.Score,
		"total":      res.TotalQuestions,
	}).Info("exam submitted")

	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message":        i18n.T(r.Context(), "ExamSubmitted"),
		"id":             res.ID,
		"score":          res.Score,
		"totalQuestions": res.TotalQuestions,
		"correctAnswers": res.CorrectAnswers,
		"passingScore":   res.PassingScore,
		"isPassed":       res.IsPassed,
	})
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	dept := strings.TrimSpace(chi.URLParam(r, "department"))
	if name == "" {
		h.failValidation(w, r, "name")
		return
	}
	if dept == "" {
		h.failValidation(w, r, "department")
		return
	}
	out, err := h.svc.CheckEligibility(r.Context(), name, dept)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	fields := apiresp.Fields{
		"hasCompletedExam": out.HasCompletedExam,
		"examMode":         out.ExamMode,
		"canRetake":        out.CanRetake,
	}
	if out.ExamData != nil {
		fields["examData"] = out.ExamData
	}
	apiresp.WriteOK(w, r, http.StatusOK, fields)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListResults(r.Context(), ListFilter{
		Department:    r.URL.Query().Get("department"),
		WithQuestions: r.URL.Query().Get("summary") != "true",
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"results": items, "total": len(items)})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	res, err := h.svc.GetResult(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"result": res})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	if err := h.svc.DeleteResult(r.Context(), id); err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"message": i18n.T(r.Context(), "ResultDeleted")})
}

func (h *Handler) Paper(w http.ResponseWriter, r *http.Request) {
	paper, err := h.svc.Paper(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"settings":  paper.Settings,
		"questions": paper.Questions,
		"total":     len(paper.Questions),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.failValidation(w, r, "userName")
	case errors.Is(err, ErrExamAlreadyCompleted):
		h.fail(w, r, http.StatusConflict, "ExamAlreadyCompleted")
	case errors.Is(err, ErrResultNotFound):
		h.fail(w, r, http.StatusNotFound, "ResultNotFound")
	case errors.Is(err, question.ErrEmptyBank):
		h.fail(w, r, http.StatusNotFound, "QuestionBankEmpty")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	apiresp.WriteError(w, r, status, i18n.T(r.Context(), msgID))
}

func (h *Handler) failValidation(w http.ResponseWriter, r *http.Request, field string) {
	apiresp.WriteError(w, r, http.StatusBadRequest, i18n.Td(r.Context(), "ValidationFailed", map[string]any{"Field": field}))
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).Error("exam request failed")
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}

func validationField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}
