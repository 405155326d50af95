package engine

import "fmt"

// NotFoundError reports a referenced entity that does not exist. Surfaced to
// the caller as-is; not retryable.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError reports a status-graph violation. The payload keeps
// both statuses so an operator can correct the requested action.
type InvalidTransitionError struct {
	OrderID   string
	Current   string
	Requested string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.Current, e.Requested)
}

// ConcurrencyConflictError reports a serialization failure on an order or
// ledger row after the internal retry budget is exhausted. Safe to retry
// with backoff.
type ConcurrencyConflictError struct {
	Resource string
	ID       string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Resource, e.ID)
}
