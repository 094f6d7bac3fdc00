package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

// RespondError renders err in the failure envelope. Untyped errors become INTERNAL_ERROR
// and their text is never sent to the client.
func RespondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	typed, ok := shared.AsError(err)
	if !ok {
		typed = shared.NewError(shared.CodeInternal, "")
	}
	status := typed.Code.HTTPStatus()
	if logger != nil {
		attrs := []any{
			slog.String("code", string(typed.Code)),
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestID(r)),
			slog.Any("error", err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
		} else {
			logger.Debug("request rejected", attrs...)
		}
	}
	JSON(w, status, ErrorEnvelope{
		Error: ErrorBody{
			Code:    string(typed.Code),
			Message: typed.Message,
			Details: typed.Details,
		},
		RequestID: RequestID(r),
	})
}

// ValidationError converts validator failures into a VALIDATION_ERROR with per-field details.
func ValidationError(err error) *shared.Error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return shared.WrapError(shared.CodeValidation, "", err)
	}
	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	return shared.NewError(shared.CodeValidation, "").WithDetails(map[string]any{"fields": fields})
}

// BadRequest wraps a malformed-body error as VALIDATION_ERROR.
func BadRequest(err error) *shared.Error {
	return shared.WrapError(shared.CodeValidation, "malformed request body", err)
}
