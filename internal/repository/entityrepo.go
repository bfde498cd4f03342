package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/schoolsync/internal/model"
)

// EntityRepository stores synced domain records (bookings, profile fields, ...).
type EntityRepository interface {
	// Apply performs one create/update/delete and returns the resulting record.
	// Replays are applied: a create whose payload equals the live record and a
	// delete of a tombstone both return the stored record. Otherwise create on a
	// live id yields errs.ErrAlreadyExists, and update or delete of a missing
	// record yields errs.ErrNotFound.
	Apply(ctx context.Context, userID uuid.UUID, op model.QueuedOperation) (model.Entity, error)

	// Get returns a live record.
	Get(ctx context.Context, userID uuid.UUID, typ, id string) (*model.Entity, error)

	// ChangesSince returns records touched strictly after since, oldest first, at most limit.
	ChangesSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]model.Entity, error)
}
