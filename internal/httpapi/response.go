package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/mcp"
	"github.com/dotcommander/relay/internal/openrouter"
)

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeForbidden      = "forbidden"
	errorCodeUpstream       = "upstream_error"
	errorCodeRuntime        = "runtime_error"
)

var (
	errInvalidRequest  = errors.New("invalid request")
	errPendingNotFound = errors.New("pending approval not found")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeError(w, status, code, errorMessage(err))
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeMappedError(w, invalidRequestError(message))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequestError("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequestError("request body is required")
		}
		return invalidRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}
	return nil
}

func mapError(err error) (int, string) {
	var connectErr *mcp.ConnectError
	var upstreamErr *openrouter.UpstreamError
	var userErr errs.Error

	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, errPendingNotFound):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, openrouter.ErrModelNotFound):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, mcp.ErrUnknownServer):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, mcp.ErrServerDisabled):
		return http.StatusForbidden, errorCodeForbidden
	case errors.As(err, &connectErr):
		return http.StatusBadGateway, errorCodeUpstream
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, errorCodeUpstream
	case errors.As(err, &userErr):
		return http.StatusBadRequest, errorCodeInvalidRequest
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

// errorMessage prefers the short user-facing reason when one was attached.
func errorMessage(err error) string {
	var userErr errs.Error
	if errors.As(err, &userErr) && userErr.ReasonText() != "" {
		return userErr.ReasonText()
	}
	return err.Error()
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}
