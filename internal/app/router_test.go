package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/observability"
	"github.com/brokerdesk/bankrecon/internal/statement"
)

func testRouter(limit int) http.Handler {
	cfg := &Config{AppEnv: "test", RateLimitPerMinute: limit}
	return NewRouter(RouterParams{
		Config: cfg,
		Handlers: DomainHandlers{
			Allocation: allocation.NewHandler(allocation.NewEngine(allocation.NewRandomOrder(7))),
			Statement:  statement.NewHandler(nil, statement.NewNormalizer(statement.Options{})),
		},
		Metrics: observability.NewMetrics(),
	})
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(100).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAllocationPreviewMounted(t *testing.T) {
	body := `{"target":"100.00","candidates":[{"reference_number":"A","face_amount":"60.00"},{"reference_number":"B","face_amount":"60.00"}]}`
	rec := httptest.NewRecorder()
	testRouter(100).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/allocations/preview", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"allocations"`)
}

func TestUnknownRouteIsProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(100).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), `"title":"Not Found"`)
}

func TestRateLimit(t *testing.T) {
	router := testRouter(2)
	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	router := testRouter(100)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `bankrecon_http_requests_total{code="200",route="/healthz"}`)
}
