package cutoffs

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// ActorHeader names the operator performing a request.
const ActorHeader = "X-Actor"

// Handler exposes cutoffs, groups and transfer settlement over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers cutoff, group and settlement endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/cutoffs", func(r chi.Router) {
		r.Get("/", h.listCutoffs)
		r.Post("/", h.createCutoff)
		r.Post("/import", h.importCutoff)
		r.Get("/suggestion", h.suggest)
		r.Get("/{id}", h.showCutoff)
		r.Post("/{id}/close", h.closeCutoff)
	})
	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.listGroups)
		r.Post("/", h.createGroup)
		r.Post("/mark-paid", h.markPaid)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.showGroup)
			r.Delete("/", h.deleteGroup)
			r.Post("/reconcile", h.reconcile)
			r.Post("/transfers", h.addTransfer)
			r.Delete("/transfers/{transferID}", h.removeTransfer)
		})
	})
	r.Route("/settlements/{transferID}", func(r chi.Router) {
		r.Post("/classify", h.classify)
		r.Post("/inclusion", h.include)
		r.Delete("/inclusion", h.revertInclusion)
	})
}

// CutoffView is the JSON shape of a cutoff.
type CutoffView struct {
	ID        uuid.UUID    `json:"id"`
	Label     string       `json:"label"`
	StartDate string       `json:"start_date"`
	EndDate   string       `json:"end_date"`
	Notes     string       `json:"notes,omitempty"`
	Status    CutoffStatus `json:"status"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

func cutoffView(c Cutoff) CutoffView {
	return CutoffView{
		ID:        c.ID,
		Label:     c.Label,
		StartDate: c.StartDate.Format(time.DateOnly),
		EndDate:   c.EndDate.Format(time.DateOnly),
		Notes:     c.Notes,
		Status:    c.Status,
		ClosedAt:  c.ClosedAt,
	}
}

// GroupView is the JSON shape of a group.
type GroupView struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Template        Template        `json:"template"`
	InsurerID       uuid.UUID       `json:"insurer_id"`
	IsLife          *bool           `json:"is_life_insurance,omitempty"`
	CutoffID        *uuid.UUID      `json:"cutoff_id,omitempty"`
	Status          GroupStatus     `json:"status"`
	Total           decimal.Decimal `json:"total_amount"`
	TransferIDs     []uuid.UUID     `json:"transfer_ids"`
	FortnightPaidID *uuid.UUID      `json:"fortnight_paid_id,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
}

func groupView(g Group) GroupView {
	ids := g.TransferIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return GroupView{
		ID:              g.ID,
		Name:            g.Name,
		Template:        g.Template,
		InsurerID:       g.InsurerID,
		IsLife:          g.IsLife,
		CutoffID:        g.CutoffID,
		Status:          g.Status,
		Total:           g.Total,
		TransferIDs:     ids,
		FortnightPaidID: g.FortnightPaidID,
		PaidAt:          g.PaidAt,
	}
}

type cutoffRequest struct {
	Label     string `json:"label" validate:"max=120"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Notes     string `json:"notes" validate:"max=1000"`
}

func (req cutoffRequest) input() (CutoffInput, error) {
	start, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return CutoffInput{}, fmt.Errorf("start_date: %w", shared.ErrValidation)
	}
	end, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		return CutoffInput{}, fmt.Errorf("end_date: %w", shared.ErrValidation)
	}
	return CutoffInput{Label: req.Label, StartDate: start, EndDate: end, Notes: req.Notes}, nil
}

func (h *Handler) listCutoffs(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListCutoffs(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]CutoffView, 0, len(items))
	for _, c := range items {
		out = append(out, cutoffView(c))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createCutoff(w http.ResponseWriter, r *http.Request) {
	var req cutoffRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.CreateCutoff(r.Context(), in, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cutoffView(c))
}

type importRequest struct {
	Cutoff cutoffRequest         `json:"cutoff"`
	Rows   []ledger.StatementRow `json:"rows" validate:"required,min=1,dive"`
}

type importResponse struct {
	Cutoff   CutoffView `json:"cutoff"`
	Imported int        `json:"imported"`
	Skipped  int        `json:"skipped"`
}

func (h *Handler) importCutoff(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := req.Cutoff.input()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.ImportCutoff(r.Context(), in, req.Rows, actor(r))
	if err != nil {
		h.logger.Error("import cutoff", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, importResponse{
		Cutoff:   cutoffView(out.Cutoff),
		Imported: out.Import.Imported,
		Skipped:  out.Import.Skipped,
	})
}

func (h *Handler) suggest(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.SuggestNextCutoff(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"last_end_date": s.LastEndDate.Format(time.DateOnly),
		"start_date":    s.StartDate.Format(time.DateOnly),
		"end_date":      s.EndDate.Format(time.DateOnly),
		"label":         s.Label,
	})
}

func (h *Handler) showCutoff(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.GetCutoff(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cutoffView(c))
}

func (h *Handler) closeCutoff(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.CloseCutoff(r.Context(), id, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cutoffView(c))
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := GroupFilter{Status: GroupStatus(q.Get("status"))}
	for name, dst := range map[string]**uuid.UUID{
		"insurer_id":   &filter.InsurerID,
		"cutoff_id":    &filter.CutoffID,
		"fortnight_id": &filter.FortnightID,
	} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("invalid %s: %w", name, shared.ErrValidation))
			return
		}
		*dst = &id
	}
	items, err := h.service.ListGroups(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]GroupView, 0, len(items))
	for _, g := range items {
		out = append(out, groupView(g))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var in GroupInput
	if err := httpx.DecodeAndValidate(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.CreateGroup(r.Context(), in, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, groupView(g))
}

func (h *Handler) showGroup(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.GetGroup(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupView(g))
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteGroup(r.Context(), id, actor(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.MarkGroupReconciled(r.Context(), id, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupView(g))
}

type memberRequest struct {
	TransferID uuid.UUID `json:"transfer_id" validate:"required"`
}

func (h *Handler) addTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req memberRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.AddTransferToGroup(r.Context(), id, req.TransferID, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupView(g))
}

func (h *Handler) removeTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	transferID, err := httpx.UUIDParam(r, "transferID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.RemoveTransferFromGroup(r.Context(), id, transferID, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupView(g))
}

type markPaidRequest struct {
	IDs         []uuid.UUID `json:"ids" validate:"required,min=1,max=100"`
	FortnightID uuid.UUID   `json:"fortnight_id" validate:"required"`
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	groups, err := h.service.MarkGroupsPaid(r.Context(), req.IDs, req.FortnightID, actor(r))
	if err != nil {
		h.logger.Warn("mark groups paid", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView(g))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request) {
	transferID, err := httpx.UUIDParam(r, "transferID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in ClassifyInput
	if err := httpx.DecodeAndValidate(r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.ClassifyTransfer(r.Context(), transferID, in, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger.View(t))
}

type includeRequest struct {
	CutoffID uuid.UUID `json:"cutoff_id" validate:"required"`
}

func (h *Handler) include(w http.ResponseWriter, r *http.Request) {
	transferID, err := httpx.UUIDParam(r, "transferID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req includeRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.IncludeTransfer(r.Context(), transferID, req.CutoffID, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger.View(t))
}

func (h *Handler) revertInclusion(w http.ResponseWriter, r *http.Request) {
	transferID, err := httpx.UUIDParam(r, "transferID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.RevertInclusion(r.Context(), transferID, actor(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger.View(t))
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}
