// internal/api/response/response.go
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/newthinker/replay/internal/core"
)

// Meta contains response metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// SuccessResponse is the standard success response format.
type SuccessResponse struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Cause       string   `json:"cause,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// JSON writes a success response with data.
func JSON(w http.ResponseWriter, status int, data any) {
	resp := SuccessResponse{
		Data: data,
		Meta: Meta{Timestamp: time.Now().UTC()},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Error writes an error response. The HTTP status is derived from the
// error's code via StatusFor.
func Error(w http.ResponseWriter, err error) {
	ErrorWithStatus(w, StatusFor(err), err)
}

// ErrorWithStatus writes an error response with an explicit status.
func ErrorWithStatus(w http.ResponseWriter, status int, err error) {
	detail := ErrorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		detail.Code = coreErr.Code
		detail.Message = coreErr.Message
		detail.Suggestions = coreErr.Suggestions
		if coreErr.Cause != nil {
			detail.Cause = coreErr.Cause.Error()
		}
	}

	resp := ErrorResponse{Error: detail}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// StatusFor maps error codes onto HTTP statuses. Invalid configuration maps
// to 400; requests that are well formed but cannot be served from the data
// catalog map to 422; contention and lifecycle conflicts to 409.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrConfigMissing),
		errors.Is(err, core.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDataUnavailable),
		errors.Is(err, core.ErrSymbolAmbiguous):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTierLimit),
		errors.Is(err, core.ErrResultNotReady),
		errors.Is(err, core.ErrTaskTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
