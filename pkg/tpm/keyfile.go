package tpm

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"
)

// ResolvePassin resolves an OpenSSL-style pass phrase argument
// ("pass:secret", "env:VAR", "file:path"). An empty argument yields an
// empty pass phrase.
func ResolvePassin(passin string) (string, error) {
	if passin == "" {
		return "", nil
	}
	switch {
	case strings.HasPrefix(passin, "pass:"):
		return strings.TrimPrefix(passin, "pass:"), nil
	case strings.HasPrefix(passin, "env:"):
		return os.Getenv(strings.TrimPrefix(passin, "env:")), nil
	case strings.HasPrefix(passin, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(passin, "file:"))
		if err != nil {
			return "", fmt.Errorf("tpm: passin file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("tpm: malformed passin %q", passin)
	}
}

// ParseKeyFile reads external key material for import. For rsa and ecc the
// file is a PEM private key (optionally encrypted, unlocked with passin);
// for hmac variants the file content is the raw key.
func ParseKeyFile(path, alg, passin string) (*ExternalKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tpm: read key file: %w", err)
	}

	if alg == "hmac" || strings.HasPrefix(alg, "hmac:") || alg == "keyedhash" {
		return &ExternalKey{Keyedhash: data}, nil
	}

	pass, err := ResolvePassin(passin)
	if err != nil {
		return nil, err
	}
	priv, err := parsePEMPrivateKey(data, pass)
	if err != nil {
		return nil, err
	}

	switch key := priv.(type) {
	case *rsa.PrivateKey:
		if alg != "" && alg != "rsa" {
			return nil, fmt.Errorf("%w: file holds an RSA key, requested %q", ErrUnsupportedAlgorithm, alg)
		}
		return &ExternalKey{RSA: key}, nil
	case *ecdsa.PrivateKey:
		if alg != "" && alg != "ecc" {
			return nil, fmt.Errorf("%w: file holds an EC key, requested %q", ErrUnsupportedAlgorithm, alg)
		}
		return &ExternalKey{ECC: key}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, priv)
	}
}

func parsePEMPrivateKey(data []byte, pass string) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("tpm: no PEM block in key file")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	case "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(pass))
		if err != nil {
			return nil, fmt.Errorf("tpm: decrypt private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("tpm: unsupported PEM block %q", block.Type)
	}
}
