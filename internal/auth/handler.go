package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"examdesk/internal/app/apiresp"
	"examdesk/internal/i18n"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type contextKey string

const userContextKey contextKey = "auth_user"

var validate = validator.New()

type loginService interface {
	Login(ctx context.Context, in LoginInput) (*LoginResult, error)
	ParseAdminToken(raw string) (*Claims, error)
}

type Handler struct {
	svc               loginService
	enforceAdminToken bool
	log               logrus.FieldLogger
}

type loginRequest struct {
	Name       string `json:"name" validate:"required"`
	Department string `json:"department"`
	Password   string `json:"password"`
}

func NewHandler(svc loginService, enforceAdminToken bool, log logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, enforceAdminToken: enforceAdminToken, log: log}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "InvalidRequestBody")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, i18n.Td(r.Context(), "ValidationFailed", map[string]any{"Field": "name"}))
		return
	}

	res, err := h.svc.Login(r.Context(), LoginInput{Name: req.Name, Department: req.Department, Password: req.Password})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			apiresp.WriteError(w, r, http.StatusBadRequest, i18n.Td(r.Context(), "ValidationFailed", map[string]any{"Field": "department"}))
		case errors.Is(err, ErrUnknownDepartment):
			h.fail(w, r, http.StatusUnauthorized, "LoginUnknownDepartment")
		case errors.Is(err, ErrInvalidCredentials):
			h.log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"name":       req.Name,
				"remote_ip":  r.RemoteAddr,
			}).Warn("login rejected")
			h.fail(w, r, http.StatusUnauthorized, "LoginInvalidCredentials")
		default:
			h.internalError(w, r, err)
		}
		return
	}

	fields := apiresp.Fields{
		"message": i18n.T(r.Context(), "LoginSucceeded"),
		"isAdmin": res.User.IsAdmin,
		"user":    res.User,
	}
	if res.Token != "" {
		fields["token"] = res.Token
		fields["expiresAt"] = res.ExpiresAt.UTC().Format(time.RFC3339)
	}
	apiresp.WriteOK(w, r, http.StatusOK, fields)
}

// RequireAdmin checks for a bearer admin token. With enforcement off it only
// attaches the token's user when one is present and valid.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := readBearerToken(r)
		if raw == "" {
			if h.enforceAdminToken {
				h.fail(w, r, http.StatusUnauthorized, "AdminTokenRequired")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, err := h.svc.ParseAdminToken(raw)
		if err != nil {
			if h.enforceAdminToken {
				h.fail(w, r, http.StatusUnauthorized, "AdminTokenInvalid")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		user := &User{Name: claims.Name, Department: claims.Department, IsAdmin: true}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func CurrentUser(ctx context.Context) (*User, bool) {
	v := ctx.Value(userContextKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}

// ContextWithUser injects an authenticated user into context.
// Useful for tests and internal handlers.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func readBearerToken(r *http.Request) string {
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	apiresp.WriteError(w, r, status, i18n.T(r.Context(), msgID))
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).Error("auth request failed")
	h.fail(w, r, http.StatusInternalServerError, "InternalError")
}
