package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("4c0883a69102937d6231471b5dbb6204fe512961708279f1d7b1b3a1f6f1c3e2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "4c0883a6")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "4c0883a69102937d6231471b5dbb6204fe512961708279f1d7b1b3a1f6f1c3e2", plain)

	again, err := s.Seal("same")
	require.NoError(t, err)
	other, err := s.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, again, other, "nonce must differ per seal")
}

func TestSealer_WrongKeyOrTamper(t *testing.T) {
	s, _ := NewSealer(testKey)
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	other, _ := NewSealer(strings.Repeat("z", 32))
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = s.Open("!!not-base64")
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = s.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewSealer_KeyLength(t *testing.T) {
	_, err := NewSealer("short")
	assert.Error(t, err)
}
