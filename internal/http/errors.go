package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mistakeknot/querydesk/internal/auth"
	"github.com/mistakeknot/querydesk/internal/core"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"query already claimed"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope: {"error":{"code","message","details"}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "already_claimed", "already_resolved", "transfer_pending", "conflict":
		return http.StatusConflict
	case "invalid_transition":
		return http.StatusUnprocessableEntity
	case "not_owner", "not_candidate", "invalid_role":
		return http.StatusForbidden
	case "invalid":
		return http.StatusBadRequest
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail converts a coordinator error into the envelope. Internal errors are
// logged and their text withheld.
func (s *Service) fail(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := core.Kind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		return newAPIError(status, "internal", "internal error", nil)
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Warn("store unavailable", "error", err)
	}
	return newAPIError(status, kind, err.Error(), nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// caller returns the authenticated identity or a 401.
func caller(ctx context.Context) (core.Identity, huma.StatusError) {
	info, ok := auth.FromContext(ctx)
	if !ok || info.UserID == "" {
		return core.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "identity required", nil)
	}
	return info.Identity(), nil
}
