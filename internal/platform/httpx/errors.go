// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Detailer is implemented by errors carrying structured detail for operators.
type Detailer interface {
	Detail() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := classify(err)
	problem := ProblemDetail{
		Title:  title,
		Status: status,
	}
	if status != http.StatusInternalServerError {
		problem.Detail = err.Error()
	}
	var detailer Detailer
	if errors.As(err, &detailer) {
		problem.Extensions = detailer.Detail()
	}
	JSON(w, status, problem)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient Balance"
	case errors.Is(err, shared.ErrBlocked):
		return http.StatusConflict, "Blocked"
	case errors.Is(err, shared.ErrAlreadyLinked):
		return http.StatusConflict, "Already Linked"
	case errors.Is(err, shared.ErrImmutable):
		return http.StatusConflict, "Immutable"
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict, "Conflict"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
