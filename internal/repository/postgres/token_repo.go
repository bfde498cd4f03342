package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL. Only SHA-256 hashes are stored.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a refresh-token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

// Create stores a new token hash.
func (r *TokenRepo) Create(ctx context.Context, t model.RefreshToken) error {
	const q = `INSERT INTO refresh_tokens (hash, user_id, expires_at) VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, t.Hash, t.UserID, t.ExpiresAt)
	return err
}

// Rotate revokes oldHash and stores next for the same user.
// Unknown, revoked and expired tokens yield errs.ErrUnauthorized.
func (r *TokenRepo) Rotate(ctx context.Context, oldHash string, next model.RefreshToken, now time.Time) (uuid.UUID, error) {
	const sel = `SELECT user_id, expires_at, revoked_at FROM refresh_tokens WHERE hash=$1 FOR UPDATE`
	const rev = `UPDATE refresh_tokens SET revoked_at=$2 WHERE hash=$1`
	const ins = `INSERT INTO refresh_tokens (hash, user_id, expires_at) VALUES ($1, $2, $3)`

	var userID uuid.UUID
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var (
			expiresAt time.Time
			revokedAt *time.Time
		)
		if err := tx.QueryRow(ctx, sel, oldHash).Scan(&userID, &expiresAt, &revokedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrUnauthorized
			}
			return err
		}
		if revokedAt != nil || !expiresAt.After(now) {
			return errs.ErrUnauthorized
		}
		if _, err := tx.Exec(ctx, rev, oldHash, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, ins, next.Hash, userID, next.ExpiresAt)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// RevokeAll revokes every live token of the user.
func (r *TokenRepo) RevokeAll(ctx context.Context, userID uuid.UUID, now time.Time) error {
	const q = `UPDATE refresh_tokens SET revoked_at=$2 WHERE user_id=$1 AND revoked_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, userID, now)
	return err
}
