package references

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Handler serves validation requests. Clients typically debounce these while an
// operator types a reference number and cancel stale requests.
type Handler struct {
	logger    *slog.Logger
	validator *Validator
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, validator *Validator) *Handler {
	return &Handler{logger: logger, validator: validator}
}

// MountRoutes registers the validation endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/references/{reference}/validation", h.validate)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requested := decimal.Zero
	if raw := q.Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("amount %q: %w", raw, shared.ErrValidation))
			return
		}
		requested = amount
	}
	var excluding *uuid.UUID
	if raw := q.Get("excluding"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("excluding %q: %w", raw, shared.ErrValidation))
			return
		}
		excluding = &id
	}
	report, err := h.validator.Validate(r.Context(), chi.URLParam(r, "reference"), requested, excluding)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("validate reference", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
