package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	for _, path := range []string{"/api/v1/campaigns/abc", "/api/v1/campaigns/def", "/ok"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	}

	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "404")); got != 2 {
		t.Errorf("route pattern counter = %v, want 2", got)
	}
	if got := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", "/ok", "200")); got != 1 {
		t.Errorf("implicit 200 counter = %v, want 1", got)
	}
	if got := counterValue(t, m.APIErrorsTotal.WithLabelValues("not_found")); got != 2 {
		t.Errorf("not_found errors = %v, want 2", got)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestNormalizePathFallback(t *testing.T) {
	req := httptest.NewRequest("GET", "/webhooks/550e8400-e29b-41d4-a716-446655440000", nil)
	if got := normalizePath(req); got != "/webhooks/{id}" {
		t.Errorf("normalizePath() = %s", got)
	}
}

func TestIsUUID(t *testing.T) {
	valid := []string{
		"550e8400-e29b-41d4-a716-446655440000",
		"550E8400-E29B-41D4-A716-446655440000",
	}
	invalid := []string{
		"",
		"campaigns",
		"550e8400e29b41d4a716446655440000",
		"{550e8400-e29b-41d4-a716-446655440000}",
		"550e8400-e29b-41d4-a716-44665544000g",
	}

	for _, s := range valid {
		if !isUUID(s) {
			t.Errorf("isUUID(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if isUUID(s) {
			t.Errorf("isUUID(%q) = true", s)
		}
	}
}

func TestCategorizeStatus(t *testing.T) {
	want := map[string][]int{
		"bad_request":  {http.StatusBadRequest, http.StatusUnprocessableEntity},
		"auth_error":   {http.StatusUnauthorized, http.StatusForbidden},
		"not_found":    {http.StatusNotFound},
		"conflict":     {http.StatusConflict},
		"rate_limited": {http.StatusTooManyRequests},
		"client_error": {http.StatusTeapot, http.StatusRequestEntityTooLarge},
		"server_error": {http.StatusInternalServerError, http.StatusBadGateway},
		"unknown":      {http.StatusOK, http.StatusCreated},
	}

	for class, codes := range want {
		for _, code := range codes {
			if got := categorizeStatus(code); got != class {
				t.Errorf("categorizeStatus(%d) = %s, want %s", code, got, class)
			}
		}
	}
}
