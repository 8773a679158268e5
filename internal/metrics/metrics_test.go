package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.SessionsActive.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "muscle_sessions_active 3") {
		t.Fatalf("metrics output missing sessions_active gauge: %s", rec.Body.String())
	}
}

func TestHealthzHandlerReportsSessionCount(t *testing.T) {
	h := HealthzHandler(func() int { return 5 })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sessions=5") {
		t.Fatalf("healthz output missing session count: %s", rec.Body.String())
	}
}
