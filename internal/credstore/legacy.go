package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/model"
)

// LegacySource is an old, insecure token location that predates the credential store.
type LegacySource interface {
	// Load returns the legacy tokens; ok is false when there is nothing to migrate.
	Load(ctx context.Context) (model.Tokens, bool, error)
	// Remove deletes the legacy copy.
	Remove(ctx context.Context) error
}

// legacyTokenFile is the plaintext token.json written by earlier client versions.
type legacyTokenFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LegacyFile reads tokens from a plaintext JSON file.
type LegacyFile struct{ Path string }

func (l LegacyFile) Load(context.Context) (model.Tokens, bool, error) {
	b, err := os.ReadFile(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Tokens{}, false, nil
	}
	if err != nil {
		return model.Tokens{}, false, err
	}
	var tf legacyTokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return model.Tokens{}, false, err
	}
	t := model.Tokens{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
		SessionToken: tf.SessionToken,
		ExpiresAt:    tf.ExpiresAt,
	}
	return t, t.AccessToken != "" || t.RefreshToken != "" || t.SessionToken != "", nil
}

func (l LegacyFile) Remove(context.Context) error {
	err := os.Remove(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MigrateLegacy moves legacy tokens into the store and deletes the originals.
// It runs at most once per install (KeyLegacyMigrated) and never fails the
// caller: problems are logged and the migration is retried on the next start.
// Entries already present in the store win over legacy copies.
func MigrateLegacy(ctx context.Context, src LegacySource, dst *Store, log *zap.Logger) bool {
	if log == nil {
		log = zap.NewNop()
	}
	if done, _, err := dst.Get(ctx, KeyLegacyMigrated); err != nil {
		log.Warn("legacy migration: read flag", zap.Error(err))
		return false
	} else if done == "1" {
		return false
	}

	t, ok, err := src.Load(ctx)
	if err != nil {
		log.Warn("legacy migration: load", zap.Error(err))
		return false
	}
	if ok {
		if err := dst.adoptMissing(ctx, t); err != nil {
			log.Warn("legacy migration: save", zap.Error(err))
			return false
		}
		if err := src.Remove(ctx); err != nil {
			log.Warn("legacy migration: remove originals", zap.Error(err))
			return false
		}
	}
	if err := dst.Save(ctx, KeyLegacyMigrated, "1"); err != nil {
		log.Warn("legacy migration: write flag", zap.Error(err))
		return false
	}
	log.Info("legacy migration complete", zap.Bool("moved", ok))
	return ok
}

func (s *Store) adoptMissing(ctx context.Context, t model.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fill model.Tokens
	for _, p := range []struct {
		key string
		val string
		dst *string
	}{
		{KeyAccessToken, t.AccessToken, &fill.AccessToken},
		{KeyRefreshToken, t.RefreshToken, &fill.RefreshToken},
		{KeySessionToken, t.SessionToken, &fill.SessionToken},
	} {
		_, exists, err := s.Get(ctx, p.key)
		if err != nil {
			return err
		}
		if !exists {
			*p.dst = p.val
		}
	}
	return s.setTokensLocked(ctx, fill)
}
