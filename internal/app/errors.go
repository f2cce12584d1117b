package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"planloom/api/internal/plan"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// storeErr translates an entity-store failure into the taxonomy the change
// engine relies on: missing rows become NotFoundError, everything else is a
// retryable TransientError.
func storeErr(op string, err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return plan.NotFound(kind, id)
	}
	return plan.Transient(op, err)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *plan.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message, nil
	}
	var notFoundErr *plan.NotFoundError
	if errors.As(err, &notFoundErr) {
		return http.StatusNotFound, "NOT_FOUND", notFoundErr.Error(), nil
	}
	var staleErr *plan.StaleChangeError
	if errors.As(err, &staleErr) {
		return http.StatusConflict, "STALE_CHANGE", staleErr.Error(), map[string]any{"status": string(staleErr.Status)}
	}
	var transientErr *plan.TransientError
	if errors.As(err, &transientErr) {
		return http.StatusServiceUnavailable, "TRANSIENT", "Store temporarily unavailable, retry", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
