package plan

import "fmt"

// ValidationError marks malformed input: empty titles, payloads missing
// required fields, an h2 task without a valid parent. Never applied.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError marks an operation whose target id is absent from the tree
// or the entity store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StaleChangeError marks an attempt to resolve a pending change that has
// already reached a terminal state.
type StaleChangeError struct {
	ChangeID string
	Status   ChangeStatus
}

func (e *StaleChangeError) Error() string {
	return fmt.Sprintf("change %s already %s", e.ChangeID, e.Status)
}

// TransientError wraps a network or store failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}
