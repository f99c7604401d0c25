package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid request")
	ErrConflict          = errors.New("state changed concurrently")
	ErrAlreadyClaimed    = errors.New("query already claimed by another agent")
	ErrAlreadyResolved   = errors.New("transfer already resolved")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotOwner          = errors.New("caller does not own the query")
	ErrNotCandidate      = errors.New("caller is not the transfer candidate")
	ErrInvalidRole       = errors.New("role not permitted")
	ErrTransferPending   = errors.New("query already has a pending transfer")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnavailable       = errors.New("server storage unavailable")
)

var codeErrors = map[string]error{
	"not_found":          ErrNotFound,
	"invalid":            ErrInvalid,
	"conflict":           ErrConflict,
	"already_claimed":    ErrAlreadyClaimed,
	"already_resolved":   ErrAlreadyResolved,
	"invalid_transition": ErrInvalidTransition,
	"not_owner":          ErrNotOwner,
	"not_candidate":      ErrNotCandidate,
	"invalid_role":       ErrInvalidRole,
	"transfer_pending":   ErrTransferPending,
	"unauthorized":       ErrUnauthorized,
	"unavailable":        ErrUnavailable,
}

// APIError is a non-2xx response. errors.Is matches it against the
// sentinel for its code.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// Expected reports whether err is a lost race the user should see as an
// outcome rather than a failure.
func Expected(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrConflict)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		return apiErr
	}
	apiErr.Code = http.StatusText(resp.StatusCode)
	apiErr.Message = string(body)
	return apiErr
}
