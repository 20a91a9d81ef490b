package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	k1 := DeriveKey([]byte("passphrase"), []byte("salt1234"))
	k2 := DeriveKey([]byte("passphrase"), []byte("salt1234"))
	k3 := DeriveKey([]byte("passphrase"), []byte("other-salt"))

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := DeriveKey([]byte("passphrase"), []byte("salt1234"))
	plaintext := []byte(`[{"id":"123","name":"Test"}]`)

	sealed, err := Seal(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := Open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSeal_NoncesDiffer(t *testing.T) {
	key := DeriveKey([]byte("p"), []byte("saltsalt"))

	a, err := Seal([]byte("x"), key)
	require.NoError(t, err)
	b, err := Seal([]byte("x"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpen_WrongKeyOrTampered(t *testing.T) {
	key := DeriveKey([]byte("p"), []byte("saltsalt"))
	other := DeriveKey([]byte("q"), []byte("saltsalt"))

	sealed, err := Seal([]byte("payload"), key)
	require.NoError(t, err)

	_, err = Open(sealed, other)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(sealed, key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = Open([]byte("short"), key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
