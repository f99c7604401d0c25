package core

import "errors"

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
	ErrUnavailable       = errors.New("store unavailable")
)

// Kind is the stable, machine-readable name of a core error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotCandidate):
		return "not_candidate"
	case errors.Is(err, ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// ErrorForKind is the inverse of Kind for the client side of the wire.
func ErrorForKind(kind string) error {
	switch kind {
	case "not_found":
		return ErrNotFound
	case "already_claimed":
		return ErrAlreadyClaimed
	case "already_resolved":
		return ErrAlreadyResolved
	case "transfer_pending":
		return ErrTransferPending
	case "conflict":
		return ErrConflict
	case "invalid_transition":
		return ErrInvalidTransition
	case "not_owner":
		return ErrNotOwner
	case "not_candidate":
		return ErrNotCandidate
	case "invalid_role":
		return ErrInvalidRole
	case "invalid":
		return ErrInvalid
	case "unavailable":
		return ErrUnavailable
	}
	return nil
}
