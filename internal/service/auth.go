// Package service contains application services for authentication and batch sync.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/schoolsync/internal/crypto"
	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/limiter"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/repository"
)

// AuthService defines account and session operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, email, password string) (userID string, err error)
	// LoginWithIP applies rate limiting, authenticates and issues a token pair.
	LoginWithIP(ctx context.Context, email, password, ip string) (model.Tokens, model.User, error)
	// Refresh rotates a refresh token and issues a new access token.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Logout revokes every refresh token of the user.
	Logout(ctx context.Context, userID uuid.UUID) error
	// VerifyAccess validates an access token and returns its subject.
	VerifyAccess(token string) (uuid.UUID, error)
}

type AuthServiceImpl struct {
	users      repository.UserRepository
	tokens     repository.TokenRepository
	signKey    []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	lim        limiter.Limiter
	now        func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(
	users repository.UserRepository,
	tokens repository.TokenRepository,
	signKey []byte,
	accessTTL, refreshTTL time.Duration,
	lim limiter.Limiter,
) *AuthServiceImpl {
	return &AuthServiceImpl{
		users:      users,
		tokens:     tokens,
		signKey:    signKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		lim:        lim,
		now:        time.Now,
	}
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

// Register creates a new user record with a per-user salt.
func (s *AuthServiceImpl) Register(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", fmt.Errorf("%w: empty email/password", errs.ErrValidation)
	}
	if !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: malformed email", errs.ErrValidation)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	saltAuth, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	u := &model.User{
		ID:       uid,
		Email:    email,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), saltAuth),
		SaltAuth: saltAuth,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return "", err
	}
	return uid.String(), nil
}

// LoginWithIP authenticates with rate limiting by (email, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, email, password, ip string) (model.Tokens, model.User, error) {
	email = normalizeEmail(email)
	ipHash := limiter.HashIP(ip)

	allowed, wait, err := s.lim.Allow(ctx, email, ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	if !allowed {
		return model.Tokens{}, model.User{}, &errs.RateLimitError{RetryAfter: wait}
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) {
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, model.User{}, err
		}
		if blocked, d, ferr := s.lim.Failure(ctx, email, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, &errs.RateLimitError{RetryAfter: d}
		}
		// unknown email and wrong password look the same
		return model.Tokens{}, model.User{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, email, ipHash)

	tokens, err := s.issue(ctx, u.ID)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return tokens, *u, nil
}

// Refresh rotates refreshToken. Unknown, revoked and expired tokens yield errs.ErrUnauthorized.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	if refreshToken == "" {
		return model.Tokens{}, errs.ErrUnauthorized
	}
	next, nextHash, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.Tokens{}, err
	}
	now := s.now()
	uid, err := s.tokens.Rotate(ctx, pkgcrypto.HashToken(refreshToken),
		model.RefreshToken{Hash: nextHash, ExpiresAt: now.Add(s.refreshTTL)}, now)
	if err != nil {
		return model.Tokens{}, err
	}
	access, exp, err := s.issueAccessToken(uid)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: next, ExpiresAt: exp}, nil
}

// Logout revokes all refresh tokens of userID.
func (s *AuthServiceImpl) Logout(ctx context.Context, userID uuid.UUID) error {
	return s.tokens.RevokeAll(ctx, userID, s.now())
}

// VerifyAccess validates signature, algorithm and expiry.
func (s *AuthServiceImpl) VerifyAccess(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	uid, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return uid, nil
}

func (s *AuthServiceImpl) issue(ctx context.Context, uid uuid.UUID) (model.Tokens, error) {
	access, exp, err := s.issueAccessToken(uid)
	if err != nil {
		return model.Tokens{}, err
	}
	refresh, hash, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.Tokens{}, err
	}
	if err := s.tokens.Create(ctx, model.RefreshToken{Hash: hash, UserID: uid, ExpiresAt: s.now().Add(s.refreshTTL)}); err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	return signed, exp, err
}
