package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesRuntimeMetrics(t *testing.T) {
	body := scrape(t, NewMetrics())
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go collector output, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/obligations/{id}")

	req := httptest.NewRequest(http.MethodGet, "/obligations/abc", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `bankrecon_http_requests_total{code="409",route="/obligations/{id}"} 1`) {
		t.Fatalf("expected request counter, got: %s", body)
	}
	if !strings.Contains(body, `bankrecon_http_request_duration_seconds_bucket{route="/obligations/{id}"`) {
		t.Fatalf("expected duration histogram, got: %s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if m.Middleware(next) == nil {
		t.Fatal("expected passthrough middleware")
	}
}

func TestReconMetricsCounters(t *testing.T) {
	metrics := NewMetrics()
	recon := NewReconMetrics(metrics.Registerer())

	recon.ObserveValidation("blocked")
	recon.ObserveValidation("blocked")
	recon.ObserveCommit("insufficient_balance")
	recon.ObserveShortAllocation()

	body := scrape(t, metrics)
	for _, want := range []string{
		`bankrecon_reference_validations_total{status="blocked"} 2`,
		`bankrecon_payment_commits_total{result="insufficient_balance"} 1`,
		`bankrecon_short_allocations_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape, got: %s", want, body)
		}
	}

	var nilRecon *ReconMetrics
	nilRecon.ObserveCommit("ok")
}
