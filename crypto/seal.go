// Package crypto seals chunk payloads for encrypted transfers. Keys are
// derived per session from a pre-shared secret; nonces are derived from the
// session id and chunk index, so a retransmitted chunk reuses its nonce
// with an identical plaintext and never leaks.
package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// Overhead is the per-chunk ciphertext expansion.
	Overhead = chacha20poly1305.Overhead
)

var (
	// ErrInvalidKeyLength indicates a key that is not KeySize bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid session key length")
	// ErrDecryptFailed indicates an AEAD open failure; the chunk must be
	// treated as lost.
	ErrDecryptFailed = errors.New("crypto: chunk decryption failed")
)

// DeriveKey derives the session key from a pre-shared secret and the wire
// session id using HKDF-SHA256.
func DeriveKey(secret []byte, sessionID uint32) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: pre-shared secret is required")
	}

	info := make([]byte, 0, 20)
	info = append(info, "rgtp chunk key v1"...)
	info = binary.BigEndian.AppendUint32(info, sessionID)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts one chunk payload for the given session and chunk index.
func Seal(key []byte, sessionID, sequence uint32, payload []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce(sessionID, sequence), payload, nil), nil
}

// Open decrypts one sealed chunk payload. Any tampering or key mismatch
// yields ErrDecryptFailed.
func Open(key []byte, sessionID, sequence uint32, box []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	payload, err := aead.Open(nil, nonce(sessionID, sequence), box, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return payload, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

func nonce(sessionID, sequence uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[0:4], sessionID)
	binary.BigEndian.PutUint32(n[4:8], sequence)
	return n
}
