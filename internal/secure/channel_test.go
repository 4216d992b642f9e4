package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns two channels that have exchanged public keys.
func pair(t *testing.T) (a, b *Channel) {
	t.Helper()
	a, b = New(), New()
	aPub, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bPub, err := b.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, a.DeriveSharedKey(bPub))
	require.NoError(t, b.DeriveSharedKey(aPub))
	return a, b
}

func TestSharedKeyAgreement(t *testing.T) {
	a, b := pair(t)
	assert.True(t, a.Established())
	assert.True(t, b.Established())
	requireCanTalk(t, a, b)
	requireCanTalk(t, b, a)
}

// requireCanTalk checks that from and to hold the same session key.
func requireCanTalk(t *testing.T, from, to *Channel) {
	t.Helper()
	nonce, ct, err := from.Encrypt([]byte("ping"))
	require.NoError(t, err)
	pt, err := to.Decrypt(nonce, ct)
	require.NoError(t, err)
	require.Equal(t, "ping", string(pt))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pair(t)
	for _, msg := range []string{"", "hello", "привет 🐢", string(make([]byte, 70000))} {
		nonce, ct, err := a.Encrypt([]byte(msg))
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)
		pt, err := b.Decrypt(nonce, ct)
		require.NoError(t, err)
		assert.Equal(t, msg, string(pt))
	}
}

func TestNoncesAreFresh(t *testing.T) {
	a, _ := pair(t)
	seen := make(map[string]struct{})
	for range 256 {
		nonce, _, err := a.Encrypt([]byte("x"))
		require.NoError(t, err)
		_, dup := seen[string(nonce)]
		require.False(t, dup)
		seen[string(nonce)] = struct{}{}
	}
}

func TestDecryptRejectsAnyBitFlip(t *testing.T) {
	a, b := pair(t)
	nonce, ct, err := a.Encrypt([]byte("attack at dawn"))
	require.NoError(t, err)

	for i := range len(ct) * 8 {
		bad := append([]byte(nil), ct...)
		bad[i/8] ^= 1 << (i % 8)
		_, err := b.Decrypt(nonce, bad)
		require.ErrorIs(t, err, ErrDecrypt, "ciphertext bit %d", i)
	}
	for i := range len(nonce) * 8 {
		bad := append([]byte(nil), nonce...)
		bad[i/8] ^= 1 << (i % 8)
		_, err := b.Decrypt(bad, ct)
		require.ErrorIs(t, err, ErrDecrypt, "nonce bit %d", i)
	}
}

func TestDecryptWithWrongSession(t *testing.T) {
	a, _ := pair(t)
	_, c := pair(t)
	nonce, ct, err := a.Encrypt([]byte("hi"))
	require.NoError(t, err)
	_, err = c.Decrypt(nonce, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptBeforeEstablished(t *testing.T) {
	c := New()
	_, err := c.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = c.Encrypt([]byte("x"))
	require.ErrorIs(t, err, ErrNotEstablished)
	_, err = c.Decrypt(make([]byte, NonceSize), make([]byte, 32))
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestDeriveSharedKeyRules(t *testing.T) {
	c := New()
	require.ErrorIs(t, c.DeriveSharedKey(make([]byte, PublicKeySize)), ErrNoKeyPair)

	other := New()
	otherPub, err := other.GenerateKeyPair()
	require.NoError(t, err)
	_, err = c.GenerateKeyPair()
	require.NoError(t, err)

	require.ErrorIs(t, c.DeriveSharedKey([]byte{1, 2, 3}), ErrBadPublicKey)
	require.ErrorIs(t, c.DeriveSharedKey(make([]byte, PublicKeySize)), ErrBadPublicKey)

	cPub := c.PublicKey()
	require.NoError(t, other.DeriveSharedKey(cPub))
	require.NoError(t, c.DeriveSharedKey(otherPub))
	require.NoError(t, c.DeriveSharedKey(otherPub))
	requireCanTalk(t, c, other)

	third := New()
	thirdPub, err := third.GenerateKeyPair()
	require.NoError(t, err)
	require.ErrorIs(t, c.DeriveSharedKey(thirdPub), ErrPeerKeyMismatch)
	requireCanTalk(t, other, c)
}

func TestWipe(t *testing.T) {
	a, _ := pair(t)
	a.Wipe()
	assert.False(t, a.Established())
	assert.Nil(t, a.PublicKey())
	assert.Nil(t, a.aead)
	assert.Equal(t, [PublicKeySize]byte{}, a.peer)
	_, _, err := a.Encrypt([]byte("x"))
	require.ErrorIs(t, err, ErrNotEstablished)
}
