// Package kdf derives token authorization secrets from PINs.
package kdf

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 iteration count used for PIN stretching.
	Iterations = 100000

	// KeyLength is the derived secret length in bytes before hex encoding.
	KeyLength = 32
)

// DerivePIN derives the seal-object authorization value from a PIN and the
// per-token salt stored alongside the seal blobs. The derivation is
// deterministic; a wrong PIN is only detectable when the trust anchor
// rejects the resulting authorization at unseal time.
//
// The returned value is hex encoded because the authorization travels as a
// printable string, matching the provisioning side of the store.
func DerivePIN(pin string, salt []byte) string {
	key := pbkdf2.Key([]byte(pin), salt, Iterations, KeyLength, sha256.New)
	return hex.EncodeToString(key)
}
