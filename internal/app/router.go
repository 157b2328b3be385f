package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/audit"
	"github.com/brokerdesk/bankrecon/internal/cutoffs"
	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/obligations"
	"github.com/brokerdesk/bankrecon/internal/observability"
	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/references"
	"github.com/brokerdesk/bankrecon/internal/statement"
	"github.com/brokerdesk/bankrecon/jobs"
)

// DomainHandlers groups the JSON API handlers. Nil handlers are not mounted.
type DomainHandlers struct {
	Ledger      *ledger.Handler
	References  *references.Handler
	Allocation  *allocation.Handler
	Advances    *advances.Handler
	Obligations *obligations.Handler
	Cutoffs     *cutoffs.Handler
	Statement   *statement.Handler
	Audit       *audit.Handler
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Handlers   DomainHandlers
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := params.Handlers
	if h.Ledger != nil {
		h.Ledger.MountRoutes(r)
	}
	if h.References != nil {
		h.References.MountRoutes(r)
	}
	if h.Allocation != nil {
		h.Allocation.MountRoutes(r)
	}
	if h.Advances != nil {
		h.Advances.MountRoutes(r)
	}
	if h.Obligations != nil {
		h.Obligations.MountRoutes(r)
	}
	if h.Cutoffs != nil {
		h.Cutoffs.MountRoutes(r)
	}
	if h.Statement != nil {
		h.Statement.MountRoutes(r)
	}
	if h.Audit != nil {
		h.Audit.MountRoutes(r)
	}
	if params.JobHandler != nil {
		params.JobHandler.MountRoutes(r)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", r.URL.Path)
	})
	return r
}
