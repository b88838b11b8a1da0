package token

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

// newObjectParams collects everything the attribute factory needs to build
// the record(s) for a new tertiary object.
type newObjectParams struct {
	info           *tpm.PublicInfo
	encObjAuth     string
	id             string
	label          string
	alwaysAuth     bool
	privBlob       []byte
	pubBlob        []byte
	extraPriv      pkcs11.Attributes
	overrideKeyLen int
}

// buildObjects derives the private attribute record and, for asymmetric
// keys, the parallel public record from the anchor-issued public metadata.
// The two records share CKA_ID and CKA_LABEL but are stored as independent
// rows.
func buildObjects(p newObjectParams) (priv, pub pkcs11.Attributes, err error) {
	priv = pkcs11.Attributes{
		pkcs11.CKA_TOKEN:               true,
		pkcs11.CKA_PRIVATE:             true,
		pkcs11.CKA_SENSITIVE:           true,
		pkcs11.CKA_EXTRACTABLE:         false,
		pkcs11.CKA_ALWAYS_AUTHENTICATE: p.alwaysAuth,
		pkcs11.CKA_TPM2_OBJAUTH_ENC:    p.encObjAuth,
		pkcs11.CKA_TPM2_PUB_BLOB:       hex.EncodeToString(p.pubBlob),
	}
	if p.privBlob != nil {
		priv[pkcs11.CKA_TPM2_PRIV_BLOB] = hex.EncodeToString(p.privBlob)
	}
	priv.SetHex(pkcs11.CKA_ID, p.id)
	if p.label != "" {
		priv.SetHex(pkcs11.CKA_LABEL, p.label)
	}

	switch p.info.Type {
	case "rsa":
		priv[pkcs11.CKA_CLASS] = pkcs11.CKO_PRIVATE_KEY
		priv[pkcs11.CKA_KEY_TYPE] = pkcs11.CKK_RSA
		priv[pkcs11.CKA_MODULUS] = p.info.Modulus
		priv[pkcs11.CKA_MODULUS_BITS] = p.info.Bits
		priv[pkcs11.CKA_PUBLIC_EXPONENT] = p.info.Exponent
		priv[pkcs11.CKA_SIGN] = p.info.Sign
		priv[pkcs11.CKA_DECRYPT] = p.info.Decrypt

		pub = publicTwin(priv, p)
		pub[pkcs11.CKA_VERIFY] = p.info.Sign
		pub[pkcs11.CKA_ENCRYPT] = p.info.Decrypt

	case "ecc":
		params, point, perr := ecPublicAttrs(p.info)
		if perr != nil {
			return nil, nil, perr
		}
		priv[pkcs11.CKA_CLASS] = pkcs11.CKO_PRIVATE_KEY
		priv[pkcs11.CKA_KEY_TYPE] = pkcs11.CKK_EC
		priv[pkcs11.CKA_EC_PARAMS] = params
		priv[pkcs11.CKA_EC_POINT] = point
		priv[pkcs11.CKA_SIGN] = p.info.Sign

		pub = publicTwin(priv, p)
		pub[pkcs11.CKA_VERIFY] = p.info.Sign

	case "symcipher":
		priv[pkcs11.CKA_CLASS] = pkcs11.CKO_SECRET_KEY
		priv[pkcs11.CKA_KEY_TYPE] = pkcs11.CKK_AES
		priv[pkcs11.CKA_VALUE_LEN] = p.info.Bits / 8
		priv[pkcs11.CKA_ENCRYPT] = true
		priv[pkcs11.CKA_DECRYPT] = true

	case "keyedhash":
		priv[pkcs11.CKA_CLASS] = pkcs11.CKO_SECRET_KEY
		priv[pkcs11.CKA_KEY_TYPE] = pkcs11.CKK_GENERIC
		priv[pkcs11.CKA_SIGN] = p.info.Sign
		priv[pkcs11.CKA_VERIFY] = p.info.Sign
		// The anchor cannot report a keyedhash key's length; the caller
		// records it from the imported material.
		if p.overrideKeyLen > 0 {
			priv[pkcs11.CKA_VALUE_LEN] = p.overrideKeyLen
		}

	default:
		return nil, nil, Errf(KindAnchor, "unexpected public metadata type %q", p.info.Type)
	}

	for k, v := range p.extraPriv {
		priv[k] = v
	}
	return priv, pub, nil
}

// publicTwin seeds the public record of an asymmetric pair from the
// private one: same identity attributes and public key material, none of
// the custody attributes.
func publicTwin(priv pkcs11.Attributes, p newObjectParams) pkcs11.Attributes {
	pub := pkcs11.Attributes{
		pkcs11.CKA_CLASS:         pkcs11.CKO_PUBLIC_KEY,
		pkcs11.CKA_TOKEN:         true,
		pkcs11.CKA_PRIVATE:       false,
		pkcs11.CKA_TPM2_PUB_BLOB: hex.EncodeToString(p.pubBlob),
	}
	for _, id := range []uint32{
		pkcs11.CKA_ID,
		pkcs11.CKA_LABEL,
		pkcs11.CKA_KEY_TYPE,
		pkcs11.CKA_MODULUS,
		pkcs11.CKA_MODULUS_BITS,
		pkcs11.CKA_PUBLIC_EXPONENT,
		pkcs11.CKA_EC_PARAMS,
		pkcs11.CKA_EC_POINT,
	} {
		if v, ok := priv[id]; ok {
			pub[id] = v
		}
	}
	return pub
}

var curveOIDs = map[string]asn1.ObjectIdentifier{
	"nist_p224": {1, 3, 132, 0, 33},
	"nist_p256": {1, 2, 840, 10045, 3, 1, 7},
	"nist_p384": {1, 3, 132, 0, 34},
	"nist_p521": {1, 3, 132, 0, 35},
}

// ecPublicAttrs renders CKA_EC_PARAMS (DER curve OID) and CKA_EC_POINT
// (DER octet string holding the uncompressed point), both hex encoded.
func ecPublicAttrs(info *tpm.PublicInfo) (params, point string, err error) {
	oid, ok := curveOIDs[info.Curve]
	if !ok {
		return "", "", Errf(KindAnchor, "unsupported curve %q in public metadata", info.Curve)
	}
	der, err := asn1.Marshal(oid)
	if err != nil {
		return "", "", fmt.Errorf("token: marshal curve oid: %w", err)
	}
	x, err := hex.DecodeString(info.X)
	if err != nil {
		return "", "", Errf(KindAnchor, "malformed x coordinate in public metadata")
	}
	y, err := hex.DecodeString(info.Y)
	if err != nil {
		return "", "", Errf(KindAnchor, "malformed y coordinate in public metadata")
	}
	raw := append([]byte{0x04}, append(x, y...)...)
	wrapped, err := asn1.Marshal(raw)
	if err != nil {
		return "", "", fmt.Errorf("token: marshal ec point: %w", err)
	}
	return hex.EncodeToString(der), hex.EncodeToString(wrapped), nil
}
