package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNegotiate(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("init: %v", err)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"", "en"},
		{"zh-CN,zh;q=0.9,en;q=0.8", "zh"},
		{"en-US", "en"},
		{"fr-FR", "en"},
	}
	for _, tc := range tests {
		if got := Negotiate(tc.header); got != tc.want {
			t.Fatalf("Negotiate(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestMiddlewareLocalizesRowError(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("init: %v", err)
	}

	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Td(r.Context(), "ImportRowTooFewOptions", map[string]any{"Row": 3})
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "zh")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "第3行: 选项数量不足，至少需要2个选项" {
		t.Fatalf("unexpected translation %q", got)
	}
}

func TestUnknownMessageFallsBackToID(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := T(context.Background(), "NoSuchMessage"); got != "NoSuchMessage" {
		t.Fatalf("expected message id fallback, got %q", got)
	}
	if got := Tp(context.Background(), "ImportSummary", 1, nil); got != "Imported 1 question" {
		t.Fatalf("unexpected plural %q", got)
	}
}
