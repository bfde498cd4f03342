package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/crypto/clientcrypto"
	"github.com/and161185/schoolsync/internal/errs"
)

// Kind names the backend picked by Select.
type Kind string

const (
	KindSecure Kind = "secure"
	KindPlain  Kind = "plain"
)

const saltKey = "store.salt"

// Options describe the platform capabilities available at startup.
type Options struct {
	// Dir is the root directory for durable state.
	Dir string
	// DeviceSecret is the platform-held secret; empty means no secure storage.
	DeviceSecret []byte
	// AllowInsecure permits a plaintext fallback on platforms without secure storage.
	// It must stay false on trusted-boundary builds.
	AllowInsecure bool
	Logger        *zap.Logger
}

// Select picks the backend once, based on capabilities. The rest of the core only sees Store.
func Select(ctx context.Context, opts Options) (Store, Kind, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.DeviceSecret) == 0 {
		if !opts.AllowInsecure {
			return nil, "", errs.ErrInsecureStorage
		}
		fs, err := NewFileStore(filepath.Join(opts.Dir, "plain"))
		if err != nil {
			return nil, "", err
		}
		log.Warn("secure storage unavailable, using plaintext store", zap.String("dir", fs.Dir()))
		return fs, KindPlain, nil
	}

	fs, err := NewFileStore(filepath.Join(opts.Dir, "sealed"))
	if err != nil {
		return nil, "", err
	}
	salt, err := loadOrCreateSalt(ctx, fs)
	if err != nil {
		return nil, "", fmt.Errorf("storage: salt: %w", err)
	}
	sealed, err := NewSealedStore(fs, clientcrypto.DeriveMasterKey(opts.DeviceSecret, salt))
	if err != nil {
		return nil, "", err
	}
	log.Debug("using sealed store", zap.String("dir", fs.Dir()))
	return sealed, KindSecure, nil
}

func loadOrCreateSalt(ctx context.Context, s Store) ([]byte, error) {
	salt, err := s.Get(ctx, saltKey)
	if err == nil && len(salt) == clientcrypto.SaltLen {
		return salt, nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	salt, err = clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, saltKey, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
