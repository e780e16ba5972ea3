package database

import (
	"errors"

	"github.com/lib/pq"
)

const (
	uniqueViolation    = pq.ErrorCode("23505")
	serializationError = pq.ErrorCode("40001")
	deadlockDetected   = pq.ErrorCode("40P01")
)

// IsUniqueViolation reports whether err came from a violated unique constraint
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// IsTransient reports whether the statement may succeed on retry
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == serializationError || pqErr.Code == deadlockDetected
}
