package tpm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
)

// Algs enumerates the algorithms accepted by key creation.
var Algs = []string{
	"rsa1024", "rsa2048",
	"aes128", "aes256",
	"ecc224", "ecc256", "ecc384", "ecc521",
	"hmac",
}

// PublicInfo is the anchor-issued description of a public area, in the
// structured form the attribute factory consumes.
type PublicInfo struct {
	Type     string `yaml:"type"`
	Bits     int    `yaml:"bits,omitempty"`
	Modulus  string `yaml:"rsa,omitempty"` // hex
	Exponent int    `yaml:"exponent,omitempty"`
	Curve    string `yaml:"curve-id,omitempty"`
	X        string `yaml:"x,omitempty"` // hex
	Y        string `yaml:"y,omitempty"` // hex
	Sign     bool   `yaml:"sign"`
	Decrypt  bool   `yaml:"decrypt"`
}

// ParsePublic converts a TPM public area into PublicInfo.
func ParsePublic(pub *tpm2.TPMTPublic) (*PublicInfo, error) {
	info := &PublicInfo{
		Sign:    pub.ObjectAttributes.SignEncrypt,
		Decrypt: pub.ObjectAttributes.Decrypt,
	}
	switch pub.Type {
	case tpm2.TPMAlgRSA:
		detail, err := pub.Parameters.RSADetail()
		if err != nil {
			return nil, fmt.Errorf("tpm: rsa public area: %w", err)
		}
		unique, err := pub.Unique.RSA()
		if err != nil {
			return nil, fmt.Errorf("tpm: rsa public area: %w", err)
		}
		info.Type = "rsa"
		info.Bits = int(detail.KeyBits)
		info.Modulus = hex.EncodeToString(unique.Buffer)
		info.Exponent = int(detail.Exponent)
		if info.Exponent == 0 {
			info.Exponent = 65537
		}
	case tpm2.TPMAlgECC:
		detail, err := pub.Parameters.ECCDetail()
		if err != nil {
			return nil, fmt.Errorf("tpm: ecc public area: %w", err)
		}
		unique, err := pub.Unique.ECC()
		if err != nil {
			return nil, fmt.Errorf("tpm: ecc public area: %w", err)
		}
		info.Type = "ecc"
		info.Curve, info.Bits = curveName(detail.CurveID)
		info.X = hex.EncodeToString(unique.X.Buffer)
		info.Y = hex.EncodeToString(unique.Y.Buffer)
	case tpm2.TPMAlgSymCipher:
		detail, err := pub.Parameters.SymDetail()
		if err != nil {
			return nil, fmt.Errorf("tpm: symcipher public area: %w", err)
		}
		bits, err := detail.Sym.KeyBits.AES()
		if err != nil {
			return nil, fmt.Errorf("tpm: symcipher public area: %w", err)
		}
		info.Type = "symcipher"
		info.Bits = int(*bits)
	case tpm2.TPMAlgKeyedHash:
		info.Type = "keyedhash"
	default:
		return nil, fmt.Errorf("%w: public area type 0x%x", ErrUnsupportedAlgorithm, pub.Type)
	}
	return info, nil
}

func curveName(id tpm2.TPMECCCurve) (string, int) {
	switch id {
	case tpm2.TPMECCNistP224:
		return "nist_p224", 224
	case tpm2.TPMECCNistP256:
		return "nist_p256", 256
	case tpm2.TPMECCNistP384:
		return "nist_p384", 384
	case tpm2.TPMECCNistP521:
		return "nist_p521", 521
	default:
		return fmt.Sprintf("0x%x", uint16(id)), 0
	}
}

// PublicKeyFromBlob converts a marshaled TPM2B_PUBLIC blob back into a
// standard-library public key. Only RSA and ECC areas qualify.
func PublicKeyFromBlob(blob []byte) (crypto.PublicKey, error) {
	b2, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob)
	if err != nil {
		return nil, fmt.Errorf("tpm: malformed public blob: %w", err)
	}
	pub, err := b2.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm: malformed public blob: %w", err)
	}
	switch pub.Type {
	case tpm2.TPMAlgRSA:
		detail, err := pub.Parameters.RSADetail()
		if err != nil {
			return nil, fmt.Errorf("tpm: rsa public area: %w", err)
		}
		unique, err := pub.Unique.RSA()
		if err != nil {
			return nil, fmt.Errorf("tpm: rsa public area: %w", err)
		}
		exp := int(detail.Exponent)
		if exp == 0 {
			exp = 65537
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(unique.Buffer),
			E: exp,
		}, nil
	case tpm2.TPMAlgECC:
		detail, err := pub.Parameters.ECCDetail()
		if err != nil {
			return nil, fmt.Errorf("tpm: ecc public area: %w", err)
		}
		unique, err := pub.Unique.ECC()
		if err != nil {
			return nil, fmt.Errorf("tpm: ecc public area: %w", err)
		}
		curve, err := curveFromID(detail.CurveID)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(unique.X.Buffer),
			Y:     new(big.Int).SetBytes(unique.Y.Buffer),
		}, nil
	default:
		return nil, fmt.Errorf("%w: public area type 0x%x", ErrUnsupportedAlgorithm, pub.Type)
	}
}

func curveFromID(id tpm2.TPMECCCurve) (elliptic.Curve, error) {
	switch id {
	case tpm2.TPMECCNistP224:
		return elliptic.P224(), nil
	case tpm2.TPMECCNistP256:
		return elliptic.P256(), nil
	case tpm2.TPMECCNistP384:
		return elliptic.P384(), nil
	case tpm2.TPMECCNistP521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: curve 0x%x", ErrUnsupportedAlgorithm, uint16(id))
	}
}

func curveID(curve elliptic.Curve) (tpm2.TPMECCCurve, error) {
	switch curve {
	case elliptic.P224():
		return tpm2.TPMECCNistP224, nil
	case elliptic.P256():
		return tpm2.TPMECCNistP256, nil
	case elliptic.P384():
		return tpm2.TPMECCNistP384, nil
	case elliptic.P521():
		return tpm2.TPMECCNistP521, nil
	default:
		return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, curve.Params().Name)
	}
}

// signDecryptAttrs is the object attribute set for ordinary user keys:
// usable with auth, not restricted, signing and decrypting allowed.
func signDecryptAttrs() tpm2.TPMAObject {
	return tpm2.TPMAObject{
		FixedTPM:            true,
		FixedParent:         true,
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
		SignEncrypt:         true,
		Decrypt:             true,
	}
}

// createTemplate builds the public template for anchor-native key creation.
func createTemplate(alg string) (tpm2.TPMTPublic, error) {
	switch alg {
	case "rsa1024", "rsa2048":
		bits := 1024
		if alg == "rsa2048" {
			bits = 2048
		}
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgRSA,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: signDecryptAttrs(),
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgNull,
					},
					KeyBits: tpm2.TPMKeyBits(bits),
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgRSA,
				&tpm2.TPM2BPublicKeyRSA{},
			),
		}, nil
	case "ecc224", "ecc256", "ecc384", "ecc521":
		var curve tpm2.TPMECCCurve
		switch alg {
		case "ecc224":
			curve = tpm2.TPMECCNistP224
		case "ecc256":
			curve = tpm2.TPMECCNistP256
		case "ecc384":
			curve = tpm2.TPMECCNistP384
		case "ecc521":
			curve = tpm2.TPMECCNistP521
		}
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgECC,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: signDecryptAttrs(),
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: curve,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCPoint{},
			),
		}, nil
	case "aes128", "aes256":
		bits := 128
		if alg == "aes256" {
			bits = 256
		}
		attrs := signDecryptAttrs()
		attrs.SignEncrypt = true
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgSymCipher,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: attrs,
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgSymCipher,
				&tpm2.TPMSSymCipherParms{
					Sym: tpm2.TPMTSymDefObject{
						Algorithm: tpm2.TPMAlgAES,
						KeyBits: tpm2.NewTPMUSymKeyBits(
							tpm2.TPMAlgAES,
							tpm2.TPMKeyBits(bits),
						),
						Mode: tpm2.NewTPMUSymMode(
							tpm2.TPMAlgAES,
							tpm2.TPMAlgCFB,
						),
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgSymCipher,
				&tpm2.TPM2BDigest{},
			),
		}, nil
	case "hmac":
		attrs := signDecryptAttrs()
		attrs.Decrypt = false
		return tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgKeyedHash,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: attrs,
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPMSKeyedHashParms{
					Scheme: tpm2.TPMTKeyedHashScheme{
						Scheme: tpm2.TPMAlgHMAC,
						Details: tpm2.NewTPMUSchemeKeyedHash(
							tpm2.TPMAlgHMAC,
							&tpm2.TPMSSchemeHMAC{
								HashAlg: tpm2.TPMAlgSHA256,
							},
						),
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPM2BDigest{},
			),
		}, nil
	default:
		return tpm2.TPMTPublic{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// ExternalKey is parsed external key material destined for import. Exactly
// one of RSA, ECC or Keyedhash is set.
type ExternalKey struct {
	RSA       *rsa.PrivateKey
	ECC       *ecdsa.PrivateKey
	Keyedhash []byte
}

// importPair builds the public template and sensitive area for importing an
// external key as an unencrypted duplicate.
func importPair(key *ExternalKey, objAuth string, attrs ObjectAttrs) (tpm2.TPMTPublic, tpm2.TPMTSensitive, error) {
	objectAttrs := tpm2.TPMAObject{
		UserWithAuth: attrs.UserWithAuth || (!attrs.Sign && !attrs.Decrypt),
		SignEncrypt:  attrs.Sign,
		Decrypt:      attrs.Decrypt,
	}
	if !attrs.Sign && !attrs.Decrypt {
		// Defaults for asymmetric user keys.
		objectAttrs.SignEncrypt = true
		objectAttrs.Decrypt = true
		objectAttrs.UserWithAuth = true
	}

	auth := tpm2.TPM2BAuth{Buffer: []byte(objAuth)}

	switch {
	case key.RSA != nil:
		priv := key.RSA
		public := tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgRSA,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: objectAttrs,
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgNull,
					},
					KeyBits:  tpm2.TPMKeyBits(priv.N.BitLen()),
					Exponent: uint32(priv.E),
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgRSA,
				&tpm2.TPM2BPublicKeyRSA{Buffer: priv.N.Bytes()},
			),
		}
		sensitive := tpm2.TPMTSensitive{
			SensitiveType: tpm2.TPMAlgRSA,
			AuthValue:     auth,
			Sensitive: tpm2.NewTPMUSensitiveComposite(
				tpm2.TPMAlgRSA,
				&tpm2.TPM2BPrivateKeyRSA{Buffer: priv.Primes[0].Bytes()},
			),
		}
		return public, sensitive, nil

	case key.ECC != nil:
		priv := key.ECC
		id, err := curveID(priv.Curve)
		if err != nil {
			return tpm2.TPMTPublic{}, tpm2.TPMTSensitive{}, err
		}
		size := (priv.Curve.Params().BitSize + 7) / 8
		public := tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgECC,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: objectAttrs,
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: id,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCPoint{
					X: tpm2.TPM2BECCParameter{Buffer: padBytes(priv.X, size)},
					Y: tpm2.TPM2BECCParameter{Buffer: padBytes(priv.Y, size)},
				},
			),
		}
		sensitive := tpm2.TPMTSensitive{
			SensitiveType: tpm2.TPMAlgECC,
			AuthValue:     auth,
			Sensitive: tpm2.NewTPMUSensitiveComposite(
				tpm2.TPMAlgECC,
				&tpm2.TPM2BECCParameter{Buffer: padBytes(priv.D, size)},
			),
		}
		return public, sensitive, nil

	case key.Keyedhash != nil:
		// The unique field of a keyedhash object is H(seed || key).
		seed := make([]byte, sha256.Size)
		if err := fillRandom(seed); err != nil {
			return tpm2.TPMTPublic{}, tpm2.TPMTSensitive{}, err
		}
		sum := sha256.Sum256(append(append([]byte{}, seed...), key.Keyedhash...))
		public := tpm2.TPMTPublic{
			Type:             tpm2.TPMAlgKeyedHash,
			NameAlg:          tpm2.TPMAlgSHA256,
			ObjectAttributes: objectAttrs,
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPMSKeyedHashParms{
					Scheme: tpm2.TPMTKeyedHashScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPM2BDigest{Buffer: sum[:]},
			),
		}
		sensitive := tpm2.TPMTSensitive{
			SensitiveType: tpm2.TPMAlgKeyedHash,
			AuthValue:     auth,
			SeedValue:     tpm2.TPM2BDigest{Buffer: seed},
			Sensitive: tpm2.NewTPMUSensitiveComposite(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPM2BSensitiveData{Buffer: key.Keyedhash},
			),
		}
		return public, sensitive, nil
	}
	return tpm2.TPMTPublic{}, tpm2.TPMTSensitive{}, fmt.Errorf("%w: no key material", ErrUnsupportedAlgorithm)
}

func padBytes(v *big.Int, size int) []byte {
	buf := make([]byte, size)
	return v.FillBytes(buf)
}
