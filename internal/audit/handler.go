package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Handler exposes the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit/timeline", h.timeline)
	r.Get("/audit/timeline.xlsx", h.export)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.xlsx"`)
	if err := WriteXLSX(w, rows); err != nil {
		h.logger.Error("audit export write", slog.Any("error", err))
	}
}

// parseFilters reads from and to as YYYY-MM-DD; to is inclusive.
func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	f := TimelineFilters{
		Actor:    q.Get("actor"),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return TimelineFilters{}, shared.ErrValidation
		}
		f.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return TimelineFilters{}, shared.ErrValidation
		}
		f.To = to.AddDate(0, 0, 1)
	}
	return f, nil
}
