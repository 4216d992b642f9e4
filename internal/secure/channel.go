package secure

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize       = chacha20poly1305.KeySize
	NonceSize     = chacha20poly1305.NonceSize
	PublicKeySize = curve25519.PointSize

	hkdfInfo = "turtle/session/v1"
)

var (
	ErrNoKeyPair       = errors.New("key pair not generated")
	ErrNotEstablished  = errors.New("shared key not established")
	ErrPeerKeyMismatch = errors.New("peer public key differs from established key")
	ErrBadPublicKey    = errors.New("bad peer public key")
	ErrDecrypt         = errors.New("decryption failed")
)

// Channel is one side of an encryption session.
type Channel struct {
	mu sync.Mutex

	priv    [curve25519.ScalarSize]byte
	pub     [PublicKeySize]byte
	hasKeys bool

	peer        [PublicKeySize]byte
	aead        cipher.AEAD
	established bool
}

func New() *Channel { return &Channel{} }

// GenerateKeyPair creates a fresh ephemeral key pair and returns the public
// half. Calling it again replaces the pair and drops any derived key.
func (c *Channel) GenerateKeyPair() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		wipe(priv[:])
		return nil, err
	}

	c.resetLocked()
	c.priv = priv
	copy(c.pub[:], pub)
	c.hasKeys = true
	wipe(priv[:])
	return bytes.Clone(c.pub[:]), nil
}

// PublicKey returns the local public key, or nil before GenerateKeyPair.
func (c *Channel) PublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasKeys {
		return nil
	}
	return bytes.Clone(c.pub[:])
}

// DeriveSharedKey computes the session key from the local private key and
// peerPublic. Repeating the call with the same peer key is a no-op; a
// different key after establishment is rejected.
func (c *Channel) DeriveSharedKey(peerPublic []byte) error {
	if len(peerPublic) != PublicKeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(peerPublic))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasKeys {
		return ErrNoKeyPair
	}
	if c.established {
		if bytes.Equal(c.peer[:], peerPublic) {
			return nil
		}
		return ErrPeerKeyMismatch
	}

	secret, err := curve25519.X25519(c.priv[:], peerPublic)
	if err != nil {
		// low-order point, all-zero output
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	defer wipe(secret)

	kdf := hkdf.New(sha256.New, secret, transcriptSalt(c.pub[:], peerPublic), []byte(hkdfInfo))
	var key [KeySize]byte
	defer wipe(key[:])
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}

	copy(c.peer[:], peerPublic)
	c.aead = aead
	c.established = true
	return nil
}

func (c *Channel) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Channel) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	c.mu.Lock()
	aead := c.aead
	ok := c.established
	c.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotEstablished
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext. Any tampering yields ErrDecrypt.
func (c *Channel) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	aead := c.aead
	ok := c.established
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotEstablished
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Wipe zeroes key material and drops the AEAD. The key schedule held inside
// the AEAD is not reachable and is left to the garbage collector. The
// channel is unusable afterwards.
func (c *Channel) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	wipe(c.priv[:])
	wipe(c.pub[:])
	c.hasKeys = false
}

func (c *Channel) resetLocked() {
	wipe(c.peer[:])
	c.aead = nil
	c.established = false
}

// transcriptSalt orders both public keys so each side computes the same salt.
func transcriptSalt(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	salt := make([]byte, 0, len(a)+len(b))
	salt = append(salt, a...)
	return append(salt, b...)
}

// clamp per RFC 7748.
func clamp(k *[curve25519.ScalarSize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
