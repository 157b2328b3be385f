package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Handler exposes the ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/import", h.importBatch)
		r.Get("/{reference}", h.lookup)
	})
}

// TransferView is the JSON shape of a transfer.
type TransferView struct {
	ID               uuid.UUID        `json:"id"`
	ReferenceNumber  string           `json:"reference_number"`
	Date             string           `json:"date"`
	Description      string           `json:"description"`
	Amount           decimal.Decimal  `json:"amount"`
	UsedAmount       decimal.Decimal  `json:"used_amount"`
	RemainingAmount  decimal.Decimal  `json:"remaining_amount"`
	Status           TransferStatus   `json:"status"`
	CutoffID         *uuid.UUID       `json:"cutoff_id,omitempty"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	TransferType     TransferType     `json:"transfer_type,omitempty"`
	Included         bool             `json:"included"`
	OriginalCutoffID *uuid.UUID       `json:"original_cutoff_id,omitempty"`
}

// View converts a transfer to its JSON shape.
func View(t BankTransfer) TransferView {
	return TransferView{
		ID:               t.ID,
		ReferenceNumber:  t.ReferenceNumber,
		Date:             t.Date.Format(time.DateOnly),
		Description:      t.Description,
		Amount:           t.Amount,
		UsedAmount:       t.UsedAmount,
		RemainingAmount:  t.Remaining(),
		Status:           t.Status(),
		CutoffID:         t.CutoffID,
		SettlementStatus: t.Settlement.Status,
		TransferType:     t.Settlement.Type,
		Included:         t.Settlement.Included,
		OriginalCutoffID: t.Settlement.OriginalCutoffID,
	}
}

type importRequest struct {
	CutoffID *uuid.UUID     `json:"cutoff_id"`
	Rows     []StatementRow `json:"rows" validate:"required,min=1,dive"`
}

func (h *Handler) importBatch(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.ImportBatch(r.Context(), req.CutoffID, req.Rows)
	if err != nil {
		h.logger.Error("import statement", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Lookup(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, View(t))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: TransferStatus(q.Get("status"))}
	if raw := q.Get("cutoff_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, shared.ErrValidation)
			return
		}
		filter.CutoffID = &id
	}
	page := shared.PaginationFromQuery(q)
	filter.Limit, filter.Offset = page.Limit(), page.Offset()
	transfers, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]TransferView, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, View(t))
	}
	httpx.JSON(w, http.StatusOK, out)
}
