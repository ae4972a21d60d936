package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterAllow(t *testing.T) {
	l := NewIPRateLimiter(2, 0)
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatalf("first two requests should pass")
	}
	if l.Allow("k") {
		t.Fatalf("third request should be blocked")
	}
	if !l.Allow("other") {
		t.Fatalf("keys must be limited independently")
	}
}

func TestIPRateLimiterWindowResetAndPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewIPRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("k") || l.Allow("k") {
		t.Fatalf("expected one request per window")
	}
	now = now.Add(2 * time.Minute)
	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned bucket, got %d", removed)
	}
	if !l.Allow("k") {
		t.Fatalf("request in a new window should pass")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	h := RateLimitMiddleware(NewIPRateLimiter(1, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/login", nil))
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rr.Code)
		}
	}
}

func TestCSRFMiddleware(t *testing.T) {
	next := CSRFMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		cookie string
		header string
		want   int
	}{
		{name: "matching token", cookie: "abc", header: "abc", want: http.StatusOK},
		{name: "missing cookie", header: "abc", want: http.StatusForbidden},
		{name: "mismatched header", cookie: "abc", header: "xyz", want: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/exams/submit", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set(csrfHeaderName, tc.header)
			}
			w := httptest.NewRecorder()
			next.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestCSRFMiddlewareIssuesCookieOnSafeRequest(t *testing.T) {
	next := CSRFMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	next.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/exam-settings", nil))

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected csrf cookie to be issued")
	}
}
