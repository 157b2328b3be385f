package obligations

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/allocation"
	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// ActorHeader names the operator performing a request, recorded in audit logs.
const ActorHeader = "X-Actor"

const idempotencyModule = "obligations.mark_paid"

// IdempotencyGuard rejects replayed requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes obligations over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyGuard
	validate    *validator.Validate
}

// NewHandler constructs the handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyGuard) *Handler {
	return &Handler{logger: logger, service: service, idempotency: idempotency, validate: validator.New()}
}

// MountRoutes registers obligation endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/obligations", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Post("/mark-paid", h.markPaid)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.show)
			r.Put("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/switch-to-bank", h.switchToBank)
			r.Post("/revert-payment", h.revertPayment)
			r.Post("/replace-reference", h.replaceReference)
			r.Post("/recover-advance", h.recoverAdvance)
		})
	})
}

// ReferenceView is the JSON shape of a payment reference.
type ReferenceView struct {
	ReferenceNumber string          `json:"reference_number"`
	Date            *time.Time      `json:"date,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	AmountToUse     decimal.Decimal `json:"amount_to_use"`
	ExistsInBank    bool            `json:"exists_in_bank"`
}

// View is the JSON shape of an obligation including its derived state.
type View struct {
	ID              uuid.UUID       `json:"id"`
	ClientName      string          `json:"client_name"`
	BrokerID        *uuid.UUID      `json:"broker_id,omitempty"`
	Purpose         Purpose         `json:"purpose"`
	Funding         FundingKind     `json:"funding"`
	AmountToPay     decimal.Decimal `json:"amount_to_pay"`
	Funded          decimal.Decimal `json:"funded"`
	References      []ReferenceView `json:"references"`
	Advance         *advances.View  `json:"advance,omitempty"`
	DivisionGroupID *uuid.UUID      `json:"division_group_id,omitempty"`
	DivisionIndex   int             `json:"division_index,omitempty"`
	DeferUntil      *time.Time      `json:"defer_until,omitempty"`
	OtherBank       bool            `json:"other_bank"`
	CanBePaid       bool            `json:"can_be_paid"`
	State           State           `json:"state"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (h *Handler) view(o Obligation) View {
	v := View{
		ID:              o.ID,
		ClientName:      o.ClientName,
		BrokerID:        o.BrokerID,
		Purpose:         o.Purpose,
		Funding:         o.Funding,
		AmountToPay:     o.AmountToPay,
		Funded:          o.Funded(),
		References:      make([]ReferenceView, 0, len(o.References)),
		DivisionGroupID: o.DivisionGroupID,
		DivisionIndex:   o.DivisionIndex,
		DeferUntil:      o.DeferUntil,
		OtherBank:       o.OtherBank,
		CanBePaid:       o.CanBePaid,
		State:           h.service.State(o),
		PaidAt:          o.PaidAt,
		CreatedAt:       o.CreatedAt,
	}
	for _, ref := range o.References {
		v.References = append(v.References, ReferenceView{
			ReferenceNumber: ref.ReferenceNumber,
			Date:            ref.Date,
			Amount:          ref.Amount,
			AmountToUse:     ref.AmountToUse,
			ExistsInBank:    ref.ExistsInBank,
		})
	}
	if o.Advance != nil {
		a := advances.ToView(*o.Advance)
		v.Advance = &a
	}
	return v
}

type resultResponse struct {
	Obligations []View                  `json:"obligations"`
	Allocations []allocation.Allocation `json:"allocations"`
	Warning     *warningView            `json:"warning,omitempty"`
}

type warningView struct {
	Message   string          `json:"message"`
	Target    decimal.Decimal `json:"target"`
	Allocated decimal.Decimal `json:"allocated"`
}

func (h *Handler) result(res Result) resultResponse {
	out := resultResponse{
		Obligations: make([]View, 0, len(res.Obligations)),
		Allocations: res.Allocation.Allocations,
	}
	for _, o := range res.Obligations {
		out.Obligations = append(out.Obligations, h.view(o))
	}
	if res.Warning != nil {
		out.Warning = &warningView{
			Message:   res.Warning.Error(),
			Target:    res.Allocation.Target,
			Allocated: res.Allocation.Total,
		}
	}
	return out
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		IncludePaid: q.Get("include_paid") == "true",
		ReadyOnly:   q.Get("ready") == "true",
	}
	if raw := q.Get("broker_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, shared.ErrValidation)
			return
		}
		filter.BrokerID = &id
	}
	page := shared.PaginationFromQuery(q)
	filter.Limit, filter.Offset = page.Limit(), page.Offset()
	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]View, 0, len(items))
	for _, o := range items {
		out = append(out, h.view(o))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(o))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.Actor = actor(r)
	res, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.logger.Warn("create obligation", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, h.result(res))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in UpdateInput
	if err := httpx.DecodeAndValidate(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ID = id
	in.Actor = actor(r)
	res, err := h.service.Update(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.result(res))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id, actor(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchRequest struct {
	References []ReferenceInput `json:"references" validate:"required,min=1,dive"`
	Confirm    bool             `json:"confirm"`
}

func (h *Handler) switchToBank(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req switchRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.SwitchToBankFunding(r.Context(), id, req.References, req.Confirm, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.result(res))
}

type markPaidRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=200"`
}

type outcomeView struct {
	ID     uuid.UUID `json:"id"`
	Paid   bool      `json:"paid"`
	Error  string    `json:"error,omitempty"`
	Detail any       `json:"detail,omitempty"`
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	outcomes := h.service.MarkPaid(r.Context(), req.IDs, actor(r))
	out := make([]outcomeView, 0, len(outcomes))
	failed := 0
	for _, oc := range outcomes {
		v := outcomeView{ID: oc.ID, Paid: oc.Err == nil}
		if oc.Err != nil {
			failed++
			v.Error = oc.Err.Error()
			var d httpx.Detailer
			if errors.As(oc.Err, &d) {
				v.Detail = d.Detail()
			}
		}
		out = append(out, v)
	}
	if failed == len(outcomes) && key != "" && h.idempotency != nil {
		// nothing committed, the operator may retry with the same key
		if err := h.idempotency.Delete(r.Context(), key, idempotencyModule); err != nil {
			h.logger.Error("release idempotency key", slog.Any("error", err))
		}
	}
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, out)
}

func (h *Handler) revertPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.RevertPayment(r.Context(), id, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(o))
}

type replaceRequest struct {
	Placeholder string         `json:"placeholder" validate:"required"`
	Reference   ReferenceInput `json:"reference"`
}

func (h *Handler) replaceReference(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req replaceRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.ReplaceReference(r.Context(), id, req.Placeholder, req.Reference, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.result(res))
}

type recoverRequest struct {
	AdvanceID uuid.UUID `json:"advance_id" validate:"required"`
}

func (h *Handler) recoverAdvance(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recoverRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := h.service.RecoverOrphanAdvance(r.Context(), req.AdvanceID, id, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.view(o))
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}
