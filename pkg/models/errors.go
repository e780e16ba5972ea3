package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	// ErrNotFound is returned by stores when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic update lost a race
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a unique constraint was violated
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError means the caller supplied bad input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).AddMetaValue("field", e.Field)
}

// ConflictError means two or more distinct Persons claim the same verified email
type ConflictError struct {
	Email     string
	PersonIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("email %s is claimed by persons [%s]", e.Email, strings.Join(e.PersonIDs, ", "))
}

func (e *ConflictError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).AddMetaValue("person_ids", strings.Join(e.PersonIDs, ","))
}

// StoreUnavailableError means the persistence layer could not serve the request. Retryable.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func NewStoreUnavailableError(op string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusServiceUnavailable, "store unavailable, retry later").AddMetaValue("op", e.Op)
}

// StaleDecisionError means a review entry was already decided or superseded
type StaleDecisionError struct {
	EntryID string
	Status  ReviewStatus
}

func (e *StaleDecisionError) Error() string {
	return fmt.Sprintf("review entry %s is no longer pending (status %s)", e.EntryID, e.Status)
}

func (e *StaleDecisionError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).AddMetaValue("status", string(e.Status))
}

type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "%s not found", e.Entity).AddMetaValue("id", e.ID)
}

// IsRetryable reports whether the operation may succeed if attempted again
func IsRetryable(err error) bool {
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicate)
}

// ToHTTPError maps a domain error onto its HTTP status. Unknown errors pass through unchanged.
func ToHTTPError(err error) error {
	if err == nil || httperror.IsHTTPError(err) {
		return err
	}
	var (
		validation  *ValidationError
		conflict    *ConflictError
		unavailable *StoreUnavailableError
		stale       *StaleDecisionError
		notFound    *NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return validation.ToHTTPError()
	case errors.As(err, &conflict):
		return conflict.ToHTTPError()
	case errors.As(err, &stale):
		return stale.ToHTTPError()
	case errors.As(err, &notFound):
		return notFound.ToHTTPError()
	case errors.As(err, &unavailable):
		return unavailable.ToHTTPError()
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDuplicate):
		return httperror.NewHTTPError(http.StatusConflict, "concurrent modification, retry")
	}
	return err
}
