package advances

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
)

// Handler exposes advances over JSON. Recovery into a new obligation is served by
// the obligations handler so the target obligation can be checked.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers advance endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/brokers/{brokerID}/orphan-advances", h.listOrphans)
	r.Get("/advances/{id}", h.show)
	r.Post("/advances/{id}/deduction", h.markDeducted)
}

// View is the JSON shape of an advance.
type View struct {
	ID              uuid.UUID       `json:"id"`
	BrokerID        uuid.UUID       `json:"broker_id"`
	Amount          decimal.Decimal `json:"amount"`
	Status          Status          `json:"status"`
	LinkedPaymentID *uuid.UUID      `json:"linked_payment_id"`
	Reason          string          `json:"reason,omitempty"`
	DeductedAt      *time.Time      `json:"deducted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ToView converts an advance.
func ToView(a Advance) View {
	return View{
		ID:              a.ID,
		BrokerID:        a.BrokerID,
		Amount:          a.Amount,
		Status:          a.Status,
		LinkedPaymentID: a.LinkedPaymentID,
		Reason:          a.Reason,
		DeductedAt:      a.DeductedAt,
		CreatedAt:       a.CreatedAt,
	}
}

func (h *Handler) listOrphans(w http.ResponseWriter, r *http.Request) {
	brokerID, err := httpx.UUIDParam(r, "brokerID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orphans, err := h.service.FindOrphanAdvances(r.Context(), brokerID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]View, 0, len(orphans))
	for _, a := range orphans {
		out = append(out, ToView(a))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToView(a))
}

func (h *Handler) markDeducted(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.MarkDeducted(r.Context(), id)
	if err != nil {
		h.logger.Warn("mark advance deducted", slog.String("advance_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToView(a))
}
