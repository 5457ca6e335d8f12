package lifecycle

import "errors"

var (
	// ErrAlreadyActive is returned by Create when the user already holds an
	// unresolved request.
	ErrAlreadyActive = errors.New("user already has an active request")
	// ErrAlreadyResolved is returned when a request has already left pending.
	// Callers racing to accept the same request treat it as a no-op.
	ErrAlreadyResolved = errors.New("request already resolved")
	// ErrNotFound is returned for unknown request ids or empty slots.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidKind is returned for kinds outside store.Kinds.
	ErrInvalidKind = errors.New("invalid request kind")
)
