// Package wrap protects per-object authorization values under a token
// wrapping key using AES-256-GCM.
package wrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrCiphertextTooShort indicates the ciphertext is too short to carry
	// a nonce.
	ErrCiphertextTooShort = errors.New("wrap: ciphertext too short")

	// ErrIntegrity indicates the ciphertext failed authentication. This is
	// the sole detector of a wrong PIN once the seal object unsealed, and
	// also fires on a corrupted or tampered record; the two cases are not
	// distinguishable at this layer.
	ErrIntegrity = errors.New("wrap: integrity check failed")
)

// Wrapper wraps and unwraps object authorization values under a single
// wrapping key. It holds no persistent state.
type Wrapper struct {
	aead cipher.AEAD
}

// New builds a Wrapper from an unsealed wrapping key.
func New(key []byte) (*Wrapper, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	return &Wrapper{aead: aead}, nil
}

// Wrap encrypts an authorization value. The nonce is prepended to the
// ciphertext and the whole record is hex encoded for storage in the
// object's attribute record.
func (w *Wrapper) Wrap(plaintext []byte) (string, error) {
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("wrap: %w", err)
	}
	ct := w.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ct), nil
}

// Unwrap decrypts a hex-encoded wrapped authorization value. It returns
// ErrIntegrity when the record was not produced under the same key.
func (w *Wrapper) Unwrap(wrapped string) ([]byte, error) {
	ct, err := hex.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("wrap: malformed record: %w", err)
	}
	ns := w.aead.NonceSize()
	if len(ct) < ns {
		return nil, ErrCiphertextTooShort
	}
	pt, err := w.aead.Open(nil, ct[:ns], ct[ns:], nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return pt, nil
}

// RandAuthValue returns a fresh object authorization value: 16 random
// bytes rendered as a fixed-length hex string.
func RandAuthValue() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("wrap: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
