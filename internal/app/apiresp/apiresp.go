package apiresp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Fields are merged into the top-level response object next to "success".
type Fields map[string]interface{}

type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, fields Fields) {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["success"] = true
	if id := middleware.GetReqID(r.Context()); id != "" {
		out["request_id"] = id
	}
	write(w, status, out)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	write(w, status, Envelope{
		Success:   false,
		Message:   msg,
		Code:      codeFromStatus(status),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// WriteErrorFields is WriteError with extra payload, e.g. per-row import errors.
func WriteErrorFields(w http.ResponseWriter, r *http.Request, status int, msg string, fields Fields) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	out := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		out[k] = v
	}
	out["success"] = false
	out["message"] = msg
	out["code"] = codeFromStatus(status)
	if id := middleware.GetReqID(r.Context()); id != "" {
		out["request_id"] = id
	}
	write(w, status, out)
}

func write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func codeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}
