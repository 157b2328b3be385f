package statement

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brokerdesk/bankrecon/internal/platform/httpx"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// MaxUploadBytes caps statement uploads.
const MaxUploadBytes = 10 << 20

// Handler previews statement files before they are imported into a cutoff.
type Handler struct {
	logger     *slog.Logger
	normalizer *Normalizer
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, normalizer *Normalizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, normalizer: normalizer}
}

// MountRoutes registers statement endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/statements/preview", h.preview)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		httpx.RespondError(w, fmt.Errorf("statement: upload: %v: %w", err, shared.ErrValidation))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("statement: file field required: %w", shared.ErrValidation))
		return
	}
	defer file.Close()
	format, err := FormatFromName(header.Filename)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.normalizer.Parse(file, format)
	if err != nil {
		h.logger.Warn("statement preview", slog.String("file", header.Filename), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
