// Package credstore persists the session credentials: access, refresh and
// session tokens plus the long-lived device certificate.
//
// Each credential is its own durable entry so it can be invalidated
// independently. ClearAll drops the session tokens only; the device
// certificate survives until ClearDevice (full logout).
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
	"github.com/and161185/schoolsync/internal/model"
	"github.com/and161185/schoolsync/internal/storage"
)

// Durable keys.
const (
	KeyAccessToken       = "access_token"
	KeyRefreshToken      = "refresh_token"
	KeySessionToken      = "session_token"
	KeyDeviceCertificate = "device_certificate"
	KeyLegacyMigrated    = "legacy_migrated"
)

var sessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeySessionToken}

// Store is the credential store on top of a storage backend.
type Store struct {
	kv  storage.Store
	log *zap.Logger

	// mu serializes multi-entry writes (token rotation, clears).
	mu sync.Mutex
}

// New constructs a credential store. A nil logger disables logging.
func New(kv storage.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, log: log}
}

// Save stores value under key.
func (s *Store) Save(ctx context.Context, key, value string) error {
	return s.kv.Set(ctx, key, []byte(value))
}

// Get returns the value under key; ok is false when nothing is stored.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// ClearAll removes access, refresh and session tokens. The device certificate is kept.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errList []error
	for _, k := range sessionKeys {
		if err := s.kv.Delete(ctx, k); err != nil {
			errList = append(errList, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errList...)
}

// ClearDevice removes the device certificate (full logout only).
func (s *Store) ClearDevice(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, KeyDeviceCertificate)
}

// AccessToken returns the stored access token or "".
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, KeyAccessToken)
	return v, err
}

// RefreshToken returns the stored refresh token or "".
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, KeyRefreshToken)
	return v, err
}

// SessionToken returns the stored session token or "".
func (s *Store) SessionToken(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, KeySessionToken)
	return v, err
}

// SetTokens writes the non-empty tokens of t.
func (s *Store) SetTokens(ctx context.Context, t model.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTokensLocked(ctx, t)
}

func (s *Store) setTokensLocked(ctx context.Context, t model.Tokens) error {
	pairs := []struct{ k, v string }{
		{KeyAccessToken, t.AccessToken},
		{KeyRefreshToken, t.RefreshToken},
		{KeySessionToken, t.SessionToken},
	}
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if err := s.kv.Set(ctx, p.k, []byte(p.v)); err != nil {
			return fmt.Errorf("save %s: %w", p.k, err)
		}
	}
	return nil
}

// DeviceCertificate returns the stored certificate or nil.
func (s *Store) DeviceCertificate(ctx context.Context) (*model.DeviceCertificate, error) {
	b, err := s.kv.Get(ctx, KeyDeviceCertificate)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.DeviceCertificate
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode device certificate: %w", err)
	}
	return &c, nil
}

// SetDeviceCertificate replaces the stored certificate.
func (s *Store) SetDeviceCertificate(ctx context.Context, c model.DeviceCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCertLocked(ctx, c)
}

func (s *Store) setCertLocked(ctx context.Context, c model.DeviceCertificate) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyDeviceCertificate, b)
}

// Reissue stores tokens obtained through the device certificate and rotates the
// certificate to embed the new refresh token, under one lock. The certificate
// is written first; if any write fails every touched entry is restored.
func (s *Store) Reissue(ctx context.Context, t model.Tokens, c model.DeviceCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.rawLocked(ctx, append([]string{KeyDeviceCertificate}, sessionKeys...))
	if err != nil {
		return fmt.Errorf("snapshot credentials: %w", err)
	}
	err = s.setCertLocked(ctx, c)
	if err == nil {
		err = s.setTokensLocked(ctx, t)
	}
	if err != nil {
		if rerr := s.restoreLocked(ctx, prev); rerr != nil {
			s.log.Error("restore credentials after failed reissue", zap.Error(rerr))
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// rawLocked reads keys as stored; absent keys map to nil.
func (s *Store) rawLocked(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, err := s.kv.Get(ctx, k)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			out[k] = nil
		case err != nil:
			return nil, err
		default:
			out[k] = b
		}
	}
	return out, nil
}

// restoreLocked writes back every entry of prev that no longer matches.
func (s *Store) restoreLocked(ctx context.Context, prev map[string][]byte) error {
	keys := make([]string, 0, len(prev))
	for k := range prev {
		keys = append(keys, k)
	}
	cur, err := s.rawLocked(ctx, keys)
	if err != nil {
		return err
	}
	var errList []error
	for k, v := range prev {
		if bytes.Equal(cur[k], v) && (cur[k] == nil) == (v == nil) {
			continue
		}
		if v == nil {
			err = s.kv.Delete(ctx, k)
		} else {
			err = s.kv.Set(ctx, k, v)
		}
		if err != nil {
			errList = append(errList, fmt.Errorf("restore %s: %w", k, err))
		}
	}
	return errors.Join(errList...)
}

// Snapshot reads every credential.
func (s *Store) Snapshot(ctx context.Context) (model.Credentials, error) {
	var c model.Credentials
	var err error
	if c.AccessToken, err = s.AccessToken(ctx); err != nil {
		return c, err
	}
	if c.RefreshToken, err = s.RefreshToken(ctx); err != nil {
		return c, err
	}
	if c.SessionToken, err = s.SessionToken(ctx); err != nil {
		return c, err
	}
	c.Device, err = s.DeviceCertificate(ctx)
	return c, err
}
