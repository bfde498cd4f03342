package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandBytes(t *testing.T) {
	t.Parallel()

	a, err := RandBytes(32)
	require.NoError(t, err)
	require.Len(t, a, 32)
	b, err := RandBytes(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, make([]byte, 32), a)
}

func TestPasswordHashing(t *testing.T) {
	t.Parallel()
	salt := []byte("0123456789abcdef")
	h := HashPassword([]byte("lesson-7"), salt)
	require.Len(t, h, 32)
	require.Equal(t, h, HashPassword([]byte("lesson-7"), salt))

	cases := []struct {
		name     string
		password string
		salt     []byte
		want     bool
	}{
		{"match", "lesson-7", salt, true},
		{"wrong password", "lesson-8", salt, false},
		{"wrong salt", "lesson-7", []byte("fedcba9876543210"), false},
		{"empty password", "", salt, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, VerifyPassword([]byte(tc.password), tc.salt, h))
		})
	}
}

func TestNewRefreshToken_HashMatches(t *testing.T) {
	t.Parallel()

	tok, hash, err := NewRefreshToken()
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	require.Len(t, hash, 64)
	require.Equal(t, hash, HashToken(tok))

	tok2, hash2, err := NewRefreshToken()
	require.NoError(t, err)
	require.NotEqual(t, tok, tok2)
	require.NotEqual(t, hash, hash2)
}
