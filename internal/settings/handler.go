package settings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"examdesk/internal/app/apireq"
	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type settingsService interface {
	GetExamSettings(ctx context.Context) (*ExamSetting, error)
	SaveExamSettings(ctx context.Context, in ExamSettingInput) (*ExamSetting, error)
	GetUserSettings(ctx context.Context) (*ExamSetting, error)
	UpdateUserSettings(ctx context.Context, in UserSettingsInput) (*ExamSetting, error)
	ListSystem(ctx context.Context) ([]SystemSetting, error)
	SetSystem(ctx context.Context, key, value string) (*SystemSetting, error)
	ExamMode(ctx context.Context) (string, error)
}

type Handler struct {
	svc settingsService
	log logrus.FieldLogger
}

type examSettingsRequest struct {
	QuestionMode        string         `json:"questionMode"`
	CustomQuestionCount apireq.FlexInt `json:"customQuestionCount"`
	ExamDuration        apireq.FlexInt `json:"examDuration"`
	PassingScore        apireq.FlexInt `json:"passingScore"`
}

type userSettingsRequest struct {
	QuestionCount apireq.FlexInt `json:"questionCount"`
	ExamDuration  apireq.FlexInt `json:"examDuration"`
	PassingScore  apireq.FlexInt `json:"passingScore"`
}

type systemSettingRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func NewHandler(svc settingsService, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) GetExamSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetExamSettings(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, examSettingFields(s))
}

func (h *Handler) SaveExamSettings(w http.ResponseWriter, r *http.Request) {
	var req examSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	s, err := h.svc.SaveExamSettings(r.Context(), ExamSettingInput{
		QuestionMode:        req.QuestionMode,
		CustomQuestionCount: req.CustomQuestionCount.Value,
		ExamDuration:        req.ExamDuration.Value,
		PassingScore:        req.PassingScore.Value,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message":  i18n.T(r.Context(), "SettingsSaved"),
		"settings": s,
	})
}

func (h *Handler) GetUserSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetUserSettings(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, userSettingFields(s))
}

func (h *Handler) SaveUserSettings(w http.ResponseWriter, r *http.Request) {
	var req userSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	s, err := h.svc.UpdateUserSettings(r.Context(), UserSettingsInput{
		QuestionCount: req.QuestionCount.Ptr(),
		ExamDuration:  req.ExamDuration.Ptr(),
		PassingScore:  req.PassingScore.Ptr(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, userSettingFields(s))
}

func (h *Handler) ListSystem(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListSystem(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"settings": items})
}

func (h *Handler) SetSystem(w http.ResponseWriter, r *http.Request) {
	var req systemSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	value, ok := scalarString(req.Value)
	if req.Key == "" || !ok {
		h.fail(w, r, http.StatusBadRequest, "SettingKeyRequired")
		return
	}
	s, err := h.svc.SetSystem(r.Context(), req.Key, value)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"key":        s.Key,
		"value":      s.Value,
	}).Info("system setting updated")
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{
		"message": i18n.T(r.Context(), "SettingsSaved"),
		"setting": s,
	})
}

func (h *Handler) GetExamMode(w http.ResponseWriter, r *http.Request) {
	mode, err := h.svc.ExamMode(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, apiresp.Fields{"examMode": mode})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidExamMode):
		h.fail(w, r, http.StatusBadRequest, "ExamModeInvalid")
	case errors.Is(err, ErrInvalidInput):
		h.fail(w, r, http.StatusBadRequest, "SettingKeyRequired")
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
	}).Error("settings request failed")
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}

func examSettingFields(s *ExamSetting) apiresp.Fields {
	return apiresp.Fields{
		"questionMode":        s.QuestionMode,
		"customQuestionCount": s.CustomQuestionCount,
		"examDuration":        s.ExamDuration,
		"passingScore":        s.PassingScore,
		"lastUpdated":         s.LastUpdated,
	}
}

func userSettingFields(s *ExamSetting) apiresp.Fields {
	return apiresp.Fields{
		"questionCount": s.CustomQuestionCount,
		"examDuration":  s.ExamDuration,
		"passingScore":  s.PassingScore,
		"lastUpdated":   s.LastUpdated,
	}
}

// scalarString accepts a JSON string, number or bool value.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch v.(type) {
	case float64, bool:
		return string(raw), true
	default:
		return "", false
	}
}
