package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	internaldb "examdesk/internal/db"
	"examdesk/internal/department"
	"examdesk/internal/upload"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	router  *Router
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := internaldb.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := department.NewService(conn).EnsureSeeded(ctx, []string{"ops"}); err != nil {
		t.Fatalf("seed departments: %v", err)
	}

	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.AdminPassword = "secret"
	cfg.AuthRateLimitPerMin = 2
	if mutate != nil {
		mutate(&cfg)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	stager, err := upload.NewStager(upload.Config{Dir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	rt, err := NewRouter(cfg, conn, stager, log)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &testServer{t: t, handler: rt, router: rt}
}

func (s *testServer) do(method, target, body, token string) (int, map[string]interface{}) {
	s.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.RemoteAddr = "192.0.2.1:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	out := map[string]interface{}{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			s.t.Fatalf("%s %s: decode response: %v", method, target, err)
		}
	}
	return rr.Code, out
}

func TestRouterExamFlow(t *testing.T) {
	s := newTestServer(t, nil)

	if code, _ := s.do(http.MethodGet, "/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}

	code, resp := s.do(http.MethodPost, "/api/login", `{"name":"admin","password":"secret"}`, "")
	if code != http.StatusOK || resp["isAdmin"] != true {
		t.Fatalf("admin login: %d %v", code, resp)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected admin token: %v", resp)
	}

	for _, body := range []string{
		`{"question":"2+2?","options":["3","4"],"correctAnswer":"B"}`,
		`{"question":"Primes?","options":["2","4","5"],"correctAnswer":"AC"}`,
	} {
		if code, resp := s.do(http.MethodPost, "/api/questions", body, token); code != http.StatusCreated {
			t.Fatalf("create question: %d %v", code, resp)
		}
	}

	code, resp = s.do(http.MethodGet, "/api/questions/random/5", "", "")
	if code != http.StatusOK {
		t.Fatalf("random: %d %v", code, resp)
	}
	qs, _ := resp["questions"].([]interface{})
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %v", resp["questions"])
	}

	if code, resp := s.do(http.MethodPost, "/api/login", `{"name":"alice","department":"ops"}`, ""); code != http.StatusOK {
		t.Fatalf("user login: %d %v", code, resp)
	}

	submit := `{"userName":"alice","department":"ops","usedTime":42,"questions":[
		{"question":"2+2?","userAnswer":"B"},
		{"question":"Primes?","userAnswer":["C","A"]}
	]}`
	code, resp = s.do(http.MethodPost, "/api/exams/submit", submit, "")
	if code != http.StatusOK || resp["score"] != float64(100) || resp["isPassed"] != true {
		t.Fatalf("submit: %d %v", code, resp)
	}

	code, resp = s.do(http.MethodGet, "/api/exams/check/alice/ops", "", "")
	if code != http.StatusOK || resp["hasCompletedExam"] != true || resp["canRetake"] != true {
		t.Fatalf("check: %d %v", code, resp)
	}

	code, resp = s.do(http.MethodGet, "/api/exams/stats", "", "")
	if code != http.StatusOK || resp["totalExams"] != float64(1) || resp["averageScore"] != float64(100) {
		t.Fatalf("stats: %d %v", code, resp)
	}

	if code, resp := s.do(http.MethodPost, "/api/admin/settings", `{"key":"examMode","value":"restricted"}`, token); code != http.StatusOK {
		t.Fatalf("set exam mode: %d %v", code, resp)
	}
	if code, _ := s.do(http.MethodPost, "/api/exams/submit", submit, ""); code != http.StatusConflict {
		t.Fatalf("expected 409 in restricted mode, got %d", code)
	}
}

func TestRouterUnknownDepartmentLogin(t *testing.T) {
	s := newTestServer(t, nil)
	if code, _ := s.do(http.MethodPost, "/api/login", `{"name":"bob","department":"nowhere"}`, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRouterEnforcedAdminToken(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.EnforceAdminToken = true })

	if code, _ := s.do(http.MethodGet, "/api/questions", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := s.do(http.MethodGet, "/api/departments", "", ""); code != http.StatusOK {
		t.Fatalf("public route should stay open, got %d", code)
	}

	_, resp := s.do(http.MethodPost, "/api/login", `{"name":"admin","password":"secret"}`, "")
	token, _ := resp["token"].(string)
	if code, _ := s.do(http.MethodGet, "/api/questions", "", token); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
}

func TestRouterLoginRateLimit(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"name":"admin","password":"wrong"}`
	for i := 0; i < 2; i++ {
		if code, _ := s.do(http.MethodPost, "/api/login", body, ""); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, code)
		}
	}
	if code, resp := s.do(http.MethodPost, "/api/login", body, ""); code != http.StatusTooManyRequests || resp["code"] != "rate_limited" {
		t.Fatalf("expected 429, got %d %v", code, resp)
	}
	if n := s.router.PruneLimiters(); n != 0 {
		t.Fatalf("live buckets must not be pruned, got %d", n)
	}
}

func TestRouterUnknownAPIRouteIsJSON404(t *testing.T) {
	s := newTestServer(t, nil)
	code, resp := s.do(http.MethodGet, "/api/nope", "", "")
	if code != http.StatusNotFound || resp["code"] != "not_found" {
		t.Fatalf("expected json 404, got %d %v", code, resp)
	}
}
