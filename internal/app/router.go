package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"examdesk/internal/app/apiresp"
	"examdesk/internal/app/observability"
	"examdesk/internal/auth"
	"examdesk/internal/department"
	"examdesk/internal/exam"
	"examdesk/internal/i18n"
	"examdesk/internal/question"
	"examdesk/internal/report"
	"examdesk/internal/settings"
	"examdesk/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// Router is the HTTP entry point together with the state that background
// jobs need to maintain.
type Router struct {
	http.Handler
	limiters []*IPRateLimiter
}

// PruneLimiters drops expired rate limit buckets.
func (rt *Router) PruneLimiters() int {
	n := 0
	for _, l := range rt.limiters {
		n += l.Prune()
	}
	return n
}

func NewRouter(cfg Config, conn *sql.DB, stager *upload.Stager, log *logrus.Logger) (*Router, error) {
	r := chi.NewRouter()
	metrics := observability.NewCollector(conn, log)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(i18n.Middleware)
	r.Use(CSRFMiddleware(cfg.CSRFEnforced))

	deptSvc := department.NewService(conn)
	deptHandler := department.NewHandler(deptSvc, log)

	authSvc, err := auth.NewService(conn, deptSvc, auth.ServiceConfig{
		AdminNames:      cfg.AdminNames,
		AdminPassword:   cfg.AdminPassword,
		AdminDepartment: cfg.AdminDepartment,
		JWTSecret:       cfg.JWTSecret,
		TokenTTL:        cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}
	authHandler := auth.NewHandler(authSvc, cfg.EnforceAdminToken, log)

	questionSvc := question.NewService(conn)
	questionHandler := question.NewHandler(questionSvc, stager, authSvc, log)

	settingsSvc := settings.NewService(conn)
	settingsHandler := settings.NewHandler(settingsSvc, log)

	examSvc := exam.NewService(conn, questionSvc)
	examHandler := exam.NewHandler(examSvc, log)

	reportHandler := report.NewHandler(report.NewService(examSvc), log)

	loginLimiter := NewIPRateLimiter(cfg.AuthRateLimitPerMin, time.Minute)
	clearLimiter := NewIPRateLimiter(cfg.AuthRateLimitPerMin, time.Minute)

	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
	r.Get("/healthz", health)
	r.Get("/health", health)
	r.Get("/metrics", metrics.MetricsHandler)

	r.Route("/api", func(api chi.Router) {
		api.With(RateLimitMiddleware(loginLimiter)).Post("/login", authHandler.Login)

		api.Get("/questions/random/{count}", questionHandler.Random)
		api.Get("/exam-settings", settingsHandler.GetExamSettings)
		api.Get("/users/settings", settingsHandler.GetUserSettings)
		api.Get("/settings/exam-mode", settingsHandler.GetExamMode)
		api.Get("/departments", deptHandler.List)

		api.Post("/exams/submit", examHandler.Submit)
		api.Get("/exams/check/{name}/{department}", examHandler.Check)
		api.Get("/exams/paper", examHandler.Paper)

		api.Group(func(admin chi.Router) {
			admin.Use(authHandler.RequireAdmin)

			admin.Get("/questions", questionHandler.List)
			admin.Post("/questions", questionHandler.Create)
			admin.Get("/questions/export", questionHandler.Export)
			admin.Post("/questions/upload", questionHandler.Upload)
			admin.With(RateLimitMiddleware(clearLimiter)).Post("/questions/clear", questionHandler.Clear)
			admin.Get("/questions/{id}", questionHandler.Get)
			admin.Put("/questions/{id}", questionHandler.Update)
			admin.Delete("/questions/{id}", questionHandler.Delete)

			admin.Post("/exam-settings", settingsHandler.SaveExamSettings)
			admin.Post("/users/settings", settingsHandler.SaveUserSettings)
			admin.Get("/admin/settings", settingsHandler.ListSystem)
			admin.Post("/admin/settings", settingsHandler.SetSystem)

			admin.Get("/exams", examHandler.List)
			admin.Get("/exams/stats", reportHandler.Stats)
			admin.Get("/exams/export", reportHandler.Export)
			admin.Get("/exams/{id}", examHandler.Get)
			admin.Delete("/exams/{id}", examHandler.Delete)

			admin.Post("/departments", deptHandler.Create)
			admin.Delete("/departments/{id}", deptHandler.Delete)
		})

		api.NotFound(func(w http.ResponseWriter, r *http.Request) {
			apiresp.WriteError(w, r, http.StatusNotFound, i18n.T(r.Context(), "NotFound"))
		})
	})

	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		r.Get("/*", spaHandler(dir))
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Accept-Language", csrfHeaderName}),
	)

	return &Router{
		Handler:  cors(r),
		limiters: []*IPRateLimiter{loginLimiter, clearLimiter},
	}, nil
}

// spaHandler serves files from dir and falls back to index.html so client
// side routes resolve.
func spaHandler(dir string) http.HandlerFunc {
	fs := http.FileServer(http.Dir(dir))
	return func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	}
}
