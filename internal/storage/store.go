// Package storage provides the durable key-value backends used by the client core.
//
// Every write replaces the whole value stored under a key; there are no
// partial or field-level updates. Callers that need read-modify-write
// semantics serialize it themselves.
package storage

import (
	"context"
	"fmt"
	"regexp"
)

// Store is a durable key-value store with whole-value writes.
type Store interface {
	// Get returns the value for key or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var keyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

func validKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}
