// Package secure implements the per-connection encryption session.
//
// # Contents
//
//   - Ephemeral X25519 key generation (GenerateKeyPair)
//   - Shared key derivation: X25519 followed by HKDF-SHA256 to a 256-bit key
//     (DeriveSharedKey)
//   - ChaCha20-Poly1305 sealing with a fresh random 96-bit nonce per message
//     (Encrypt, Decrypt)
//   - Best-effort wiping of key material (Wipe)
//
// # Notes
//
// A Channel is used by exactly one peer connection and discarded with it.
// Keys are never persisted. Decrypt failures are reported as ErrDecrypt and
// callers drop the message.
package secure
