package engine

import (
	"errors"
	"fmt"

	"otcdesk/internal/models"
)

var (
	// ErrNotFound covers both a missing deal id and an id that belongs to
	// a different group; group ownership is part of the lookup.
	ErrNotFound = errors.New("deal not found")

	// ErrExpired means the deal's quote/lock validity lapsed. Distinct from
	// TransitionError so callers can answer with an "offer expired" message
	// instead of a generic refusal.
	ErrExpired = errors.New("deal expired")

	// ErrActiveDealExists rejects a create while a non-terminal deal is
	// open for the same group and client. The caller decides whether to
	// cancel the old deal first; the engine never supersedes on its own.
	ErrActiveDealExists = errors.New("active deal already exists for client")
)

// TransitionError reports an operation against a deal that is not in a
// required source state.
type TransitionError struct {
	Current   models.DealState
	Attempted models.DealState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: deal is %s, attempted %s", e.Current, e.Attempted)
}

// ValidationError is malformed input caught before any store mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a store or feed failure. The transition it guarded
// did not happen; there is never partial state to clean up.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
