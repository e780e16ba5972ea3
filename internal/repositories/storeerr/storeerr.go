// Package storeerr translates driver errors into the store error contract
package storeerr

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Translate maps err from a statement on entity id:
//   - no rows becomes *models.NotFoundError
//   - a unique violation becomes models.ErrDuplicate
//   - a serialization failure or deadlock becomes models.ErrVersionConflict
//   - anything else is logged and becomes *models.StoreUnavailableError
func Translate(ctx context.Context, logger ectologger.Logger, op, entity, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return models.NewNotFoundError(entity, id)
	case database.IsUniqueViolation(err):
		return models.ErrDuplicate
	case database.IsTransient(err):
		return models.ErrVersionConflict
	}

	var unavailable *models.StoreUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	log := logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"op": op, "entity": entity})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn("Store call abandoned")
	} else {
		log.Error("Store call failed")
	}
	return models.NewStoreUnavailableError(op, err)
}
