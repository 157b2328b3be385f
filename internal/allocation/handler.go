package allocation

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
)

// Handler serves allocation previews for the payment forms. It never persists.
type Handler struct {
	engine   *Engine
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, validate: validator.New()}
}

// MountRoutes registers the preview endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/allocations/preview", h.preview)
}

type previewRequest struct {
	Target     decimal.Decimal `json:"target"`
	Candidates []Candidate     `json:"candidates" validate:"required,min=1,dive"`
}

type previewResponse struct {
	Result
	Warning string `json:"warning,omitempty"`
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.engine.Allocate(req.Target, req.Candidates)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := previewResponse{Result: res}
	if warning := res.Warning(); warning != nil {
		out.Warning = warning.Error()
	}
	httpx.JSON(w, http.StatusOK, out)
}
