package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
)

// EntityRepo implements EntityRepository using PostgreSQL. Deletes are tombstones
// so they show up in ChangesSince.
type EntityRepo struct {
	db  *DB
	now func() time.Time
}

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db, now: time.Now} }

// Apply performs a single operation.
func (r *EntityRepo) Apply(ctx context.Context, userID uuid.UUID, op model.QueuedOperation) (model.Entity, error) {
	// a tombstoned id may be created again
	const ins = `
INSERT INTO entities (user_id, type, id, payload, deleted, updated_at)
VALUES ($1, $2, $3, $4, false, $5)
ON CONFLICT (user_id, type, id) DO UPDATE
SET payload=EXCLUDED.payload, deleted=false, updated_at=EXCLUDED.updated_at
WHERE entities.deleted`
	const upd = `
UPDATE entities SET payload=$4, updated_at=$5
WHERE user_id=$1 AND type=$2 AND id=$3 AND NOT deleted`
	const del = `
UPDATE entities SET deleted=true, updated_at=$4
WHERE user_id=$1 AND type=$2 AND id=$3 AND NOT deleted`

	now := r.now().UTC()
	e := model.Entity{UserID: userID, Type: op.EntityType, ID: op.EntityID, Payload: payloadOrEmpty(op.Payload), UpdatedAt: now}

	switch op.Operation {
	case model.OpCreate:
		tag, err := r.db.Pool.Exec(ctx, ins, userID, op.EntityType, op.EntityID, []byte(e.Payload), now)
		if err != nil {
			return model.Entity{}, err
		}
		if tag.RowsAffected() == 0 {
			// a replayed create with the same payload is already applied
			at, found, err := r.stamp(ctx, sameLive, userID, op.EntityType, op.EntityID, []byte(e.Payload))
			if err != nil {
				return model.Entity{}, err
			}
			if !found {
				return model.Entity{}, errs.ErrAlreadyExists
			}
			e.UpdatedAt = at
		}
	case model.OpUpdate:
		tag, err := r.db.Pool.Exec(ctx, upd, userID, op.EntityType, op.EntityID, []byte(e.Payload), now)
		if err != nil {
			return model.Entity{}, err
		}
		if tag.RowsAffected() == 0 {
			return model.Entity{}, errs.ErrNotFound
		}
	case model.OpDelete:
		tag, err := r.db.Pool.Exec(ctx, del, userID, op.EntityType, op.EntityID, now)
		if err != nil {
			return model.Entity{}, err
		}
		if tag.RowsAffected() == 0 {
			at, found, err := r.stamp(ctx, tombstone, userID, op.EntityType, op.EntityID)
			if err != nil {
				return model.Entity{}, err
			}
			if !found {
				return model.Entity{}, errs.ErrNotFound
			}
			e.UpdatedAt = at
		}
		e.Payload, e.Deleted = nil, true
	default:
		return model.Entity{}, fmt.Errorf("validation: unknown operation %q", op.Operation)
	}
	return e, nil
}

const (
	sameLive = `
SELECT updated_at FROM entities
WHERE user_id=$1 AND type=$2 AND id=$3 AND NOT deleted AND payload=$4::jsonb`
	tombstone = `
SELECT updated_at FROM entities
WHERE user_id=$1 AND type=$2 AND id=$3 AND deleted`
)

// stamp runs a single-row lookup and reports the stored updated_at.
func (r *EntityRepo) stamp(ctx context.Context, q string, args ...any) (time.Time, bool, error) {
	var at time.Time
	if err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return at, true, nil
}

// Get returns a live entity.
func (r *EntityRepo) Get(ctx context.Context, userID uuid.UUID, typ, id string) (*model.Entity, error) {
	const q = `
SELECT payload, updated_at
FROM entities WHERE user_id=$1 AND type=$2 AND id=$3 AND NOT deleted`
	e := model.Entity{UserID: userID, Type: typ, ID: id}
	var payload []byte
	if err := r.db.Pool.QueryRow(ctx, q, userID, typ, id).Scan(&payload, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// ChangesSince returns entities touched after since, oldest first.
func (r *EntityRepo) ChangesSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]model.Entity, error) {
	const q = `
SELECT type, id, payload, deleted, updated_at
FROM entities
WHERE user_id=$1 AND updated_at>$2
ORDER BY updated_at ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e := model.Entity{UserID: userID}
		var payload []byte
		if err = rows.Scan(&e.Type, &e.ID, &payload, &e.Deleted, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if !e.Deleted {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}
