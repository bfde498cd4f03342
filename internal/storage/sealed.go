package storage

import (
	"context"
	"fmt"

	"github.com/and161185/schoolsync/internal/crypto/clientcrypto"
)

// SealedStore encrypts every value before handing it to the underlying store.
type SealedStore struct {
	inner  Store
	master []byte
}

// NewSealedStore wraps inner; master must be clientcrypto.KeyLen bytes.
func NewSealedStore(inner Store, master []byte) (*SealedStore, error) {
	if len(master) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("storage: master key must be %d bytes", clientcrypto.KeyLen)
	}
	return &SealedStore{inner: inner, master: append([]byte(nil), master...)}, nil
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	k, err := clientcrypto.DeriveEntryKey(s.master, key)
	if err != nil {
		return nil, err
	}
	pt, err := clientcrypto.Open(k, key, sealed)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}
	return pt, nil
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	k, err := clientcrypto.DeriveEntryKey(s.master, key)
	if err != nil {
		return err
	}
	sealed, err := clientcrypto.Seal(k, key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
