package domain

import "fmt"

// OutOfDateVersionError is returned when an optimistic compare-and-update
// affects zero rows: another writer persisted a newer version first.
type OutOfDateVersionError struct {
	AggregateType string
	AggregateID   string
	Expected      int
}

func (e *OutOfDateVersionError) Error() string {
	return fmt.Sprintf("The %s you are trying to update is out of date. Please refresh and try again. (id=%s, expected version=%d)",
		e.AggregateType, e.AggregateID, e.Expected)
}

// CannotPersistViewError is raised when code attempts to persist a
// non-persistable snapshot produced by a temporal read-only view.
type CannotPersistViewError struct {
	AggregateType string
	AggregateID   string
}

func (e *CannotPersistViewError) Error() string {
	return fmt.Sprintf("cannot persist %s %s: it is a read-only temporal view", e.AggregateType, e.AggregateID)
}

// ImproperlyConfiguredError signals a missing event model / event-type
// mapping discovered at boot or first use.
type ImproperlyConfiguredError struct {
	Detail string
}

func (e *ImproperlyConfiguredError) Error() string {
	return fmt.Sprintf("improperly configured: %s", e.Detail)
}

// NotImplementedForKindError is raised when an aggregate has no registered
// applier for an event kind it is asked to apply. This is always a
// programmer error: every kind an aggregate can emit must have an apply
// handler registered before it is ever recorded.
type NotImplementedForKindError struct {
	AggregateType string
	Kind          string
}

func (e *NotImplementedForKindError) Error() string {
	return fmt.Sprintf("%s has no apply handler registered for event kind %q", e.AggregateType, e.Kind)
}

// DomainValidationError reports a business-rule precondition failure in a
// domain method. It is the Go analogue of spec.md's ValueError.
type DomainValidationError struct {
	Message string
}

func (e *DomainValidationError) Error() string {
	return e.Message
}

// NewDomainValidationError builds a DomainValidationError.
func NewDomainValidationError(format string, args ...interface{}) error {
	return &DomainValidationError{Message: fmt.Sprintf(format, args...)}
}

// MissingEntityError reports that a referenced lot or action could not be
// found. Also a ValueError analogue in spec.md's taxonomy.
type MissingEntityError struct {
	EntityType string
	ID         string
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("%s %q was not found", e.EntityType, e.ID)
}

// ContextValidationError wraps a panic-worthy failure raised by a
// validate_<kind>_context handler during replay: the stored event history
// itself violates an invariant the aggregate currently enforces. This
// indicates data corruption, not a normal control-flow error.
type ContextValidationError struct {
	AggregateType string
	AggregateID   string
	Kind          string
	Cause         error
}

func (e *ContextValidationError) Error() string {
	return fmt.Sprintf("context validation failed replaying %s event %q on %s %s: %v",
		e.Kind, e.Kind, e.AggregateType, e.AggregateID, e.Cause)
}

func (e *ContextValidationError) Unwrap() error { return e.Cause }
