package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/schoolsync/internal/model"
)

// TokenRepository stores hashed refresh tokens.
type TokenRepository interface {
	// Create stores a freshly issued token.
	Create(ctx context.Context, t model.RefreshToken) error
	// Rotate revokes the live token with oldHash and stores next in one transaction.
	// errs.ErrUnauthorized when oldHash is unknown, revoked or expired at now.
	Rotate(ctx context.Context, oldHash string, next model.RefreshToken, now time.Time) (uuid.UUID, error)
	// RevokeAll revokes every live token of a user.
	RevokeAll(ctx context.Context, userID uuid.UUID, now time.Time) error
}
