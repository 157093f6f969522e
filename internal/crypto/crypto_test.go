package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpen(t *testing.T) {
	a, err := New(key(1))
	require.NoError(t, err)

	sealed, err := a.Seal("u1", "hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hunter2")

	again, err := a.Seal("u1", "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce is random")

	got, err := a.Open("u1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestOpenRejectsWrongUserOrKey(t *testing.T) {
	a, _ := New(key(1))
	b, _ := New(key(2))
	sealed, err := a.Seal("u1", "pw")
	require.NoError(t, err)

	_, err = a.Open("u2", sealed)
	assert.Error(t, err)
	_, err = b.Open("u1", sealed)
	assert.Error(t, err)
	_, err = a.Open("u1", Prefix+"AAAA")
	assert.Error(t, err)
}

func TestNilAEAD(t *testing.T) {
	var a *AEAD
	_, err := a.Seal("u1", "pw")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = New([]byte("short"))
	assert.Error(t, err)
}
