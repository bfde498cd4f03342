// Package clientcrypto contains client-side primitives for sealing values at rest.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrCiphertext is returned when a sealed value is truncated or fails authentication.
var ErrCiphertext = errors.New("sealed value corrupted or key mismatch")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveMasterKey derives the store master key from a device secret and a per-install salt using Argon2id.
func DeriveMasterKey(deviceSecret, salt []byte) []byte {
	return argon2.IDKey(deviceSecret, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveEntryKey derives a per-entry key via HKDF-SHA256 using the entry name as info.
func DeriveEntryKey(master []byte, name string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(name))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts value with XChaCha20-Poly1305; the entry name is bound as AAD
// so a sealed value cannot be replayed under another key.
// Layout: nonce || ciphertext.
func Seal(key []byte, name string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, value, []byte(name)), nil
}

// Open reverses Seal for the same key and entry name.
func Open(key []byte, name string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertext
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], []byte(name))
	if err != nil {
		return nil, ErrCiphertext
	}
	return pt, nil
}
