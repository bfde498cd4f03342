// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client and server layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a state conflict (duplicate create, stale update).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller must back off before retrying.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransport indicates no HTTP response was received at all.
	ErrTransport = errors.New("transport failure")

	// ErrResponseTooLarge indicates a response body over the client's read limit.
	ErrResponseTooLarge = errors.New("response body too large")

	// ErrSessionExpired indicates every session recovery path is exhausted; the user must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrInsecureStorage indicates no secure store is available and plaintext fallback is not allowed.
	ErrInsecureStorage = errors.New("secure storage unavailable")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation")

	// ErrNoRefreshToken indicates a renewal was requested without a stored refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")
)
