// Package pkcs11 defines the PKCS#11 attribute and object-class constants
// shared with the token store and the provider library, along with the
// attribute map type stored for every token object.
//
// The numeric values are part of the on-disk compatibility contract and must
// not change.
package pkcs11

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// Object classes (CKO_*).
const (
	CKO_DATA        uint32 = 0x00000000
	CKO_CERTIFICATE uint32 = 0x00000001
	CKO_PUBLIC_KEY  uint32 = 0x00000002
	CKO_PRIVATE_KEY uint32 = 0x00000003
	CKO_SECRET_KEY  uint32 = 0x00000004
)

// Key types (CKK_*).
const (
	CKK_RSA         uint32 = 0x00000000
	CKK_EC          uint32 = 0x00000003
	CKK_GENERIC     uint32 = 0x00000010
	CKK_AES         uint32 = 0x0000001f
	CKK_SHA_1_HMAC  uint32 = 0x00000028
	CKK_SHA256_HMAC uint32 = 0x0000002b
	CKK_SHA384_HMAC uint32 = 0x0000002c
	CKK_SHA512_HMAC uint32 = 0x0000002d
)

// Certificate types (CKC_*).
const (
	CKC_X_509 uint32 = 0x00000000
)

// Attribute identifiers (CKA_*).
const (
	CKA_CLASS               uint32 = 0x00000000
	CKA_TOKEN               uint32 = 0x00000001
	CKA_PRIVATE             uint32 = 0x00000002
	CKA_LABEL               uint32 = 0x00000003
	CKA_VALUE               uint32 = 0x00000011
	CKA_CERTIFICATE_TYPE    uint32 = 0x00000080
	CKA_ISSUER              uint32 = 0x00000081
	CKA_SERIAL_NUMBER       uint32 = 0x00000082
	CKA_KEY_TYPE            uint32 = 0x00000100
	CKA_SUBJECT             uint32 = 0x00000101
	CKA_ID                  uint32 = 0x00000102
	CKA_SENSITIVE           uint32 = 0x00000103
	CKA_ENCRYPT             uint32 = 0x00000104
	CKA_DECRYPT             uint32 = 0x00000105
	CKA_WRAP                uint32 = 0x00000106
	CKA_UNWRAP              uint32 = 0x00000107
	CKA_SIGN                uint32 = 0x00000108
	CKA_VERIFY              uint32 = 0x0000010a
	CKA_MODULUS             uint32 = 0x00000120
	CKA_MODULUS_BITS        uint32 = 0x00000121
	CKA_PUBLIC_EXPONENT     uint32 = 0x00000122
	CKA_VALUE_LEN           uint32 = 0x00000161
	CKA_EXTRACTABLE         uint32 = 0x00000162
	CKA_EC_PARAMS           uint32 = 0x00000180
	CKA_EC_POINT            uint32 = 0x00000181
	CKA_ALWAYS_AUTHENTICATE uint32 = 0x00000202

	// CKA_VENDOR_DEFINED marks the base of the vendor attribute space.
	CKA_VENDOR_DEFINED uint32 = 0x80000000

	// Vendor attributes carrying the trust-anchor material for an object.
	CKA_TPM2_OBJAUTH_ENC   uint32 = CKA_VENDOR_DEFINED | 0x100
	CKA_TPM2_PUB_BLOB      uint32 = CKA_VENDOR_DEFINED | 0x101
	CKA_TPM2_PRIV_BLOB     uint32 = CKA_VENDOR_DEFINED | 0x102
	CKA_TPM2_ENC_BLOB      uint32 = CKA_VENDOR_DEFINED | 0x103
	CKA_TPM2_SERIALIZED_TR uint32 = CKA_VENDOR_DEFINED | 0x104
)

// attributeNames is the closed attribute registry. Symbolic name lookups and
// numeric reverse lookups both resolve against this table; it is built once
// at package init rather than scanned at runtime.
var attributeNames = map[uint32]string{
	CKA_CLASS:               "CKA_CLASS",
	CKA_TOKEN:               "CKA_TOKEN",
	CKA_PRIVATE:             "CKA_PRIVATE",
	CKA_LABEL:               "CKA_LABEL",
	CKA_VALUE:               "CKA_VALUE",
	CKA_CERTIFICATE_TYPE:    "CKA_CERTIFICATE_TYPE",
	CKA_ISSUER:              "CKA_ISSUER",
	CKA_SERIAL_NUMBER:       "CKA_SERIAL_NUMBER",
	CKA_KEY_TYPE:            "CKA_KEY_TYPE",
	CKA_SUBJECT:             "CKA_SUBJECT",
	CKA_ID:                  "CKA_ID",
	CKA_SENSITIVE:           "CKA_SENSITIVE",
	CKA_ENCRYPT:             "CKA_ENCRYPT",
	CKA_DECRYPT:             "CKA_DECRYPT",
	CKA_WRAP:                "CKA_WRAP",
	CKA_UNWRAP:              "CKA_UNWRAP",
	CKA_SIGN:                "CKA_SIGN",
	CKA_VERIFY:              "CKA_VERIFY",
	CKA_MODULUS:             "CKA_MODULUS",
	CKA_MODULUS_BITS:        "CKA_MODULUS_BITS",
	CKA_PUBLIC_EXPONENT:     "CKA_PUBLIC_EXPONENT",
	CKA_VALUE_LEN:           "CKA_VALUE_LEN",
	CKA_EXTRACTABLE:         "CKA_EXTRACTABLE",
	CKA_EC_PARAMS:           "CKA_EC_PARAMS",
	CKA_EC_POINT:            "CKA_EC_POINT",
	CKA_ALWAYS_AUTHENTICATE: "CKA_ALWAYS_AUTHENTICATE",
	CKA_TPM2_OBJAUTH_ENC:    "CKA_TPM2_OBJAUTH_ENC",
	CKA_TPM2_PUB_BLOB:       "CKA_TPM2_PUB_BLOB",
	CKA_TPM2_PRIV_BLOB:      "CKA_TPM2_PRIV_BLOB",
	CKA_TPM2_ENC_BLOB:       "CKA_TPM2_ENC_BLOB",
	CKA_TPM2_SERIALIZED_TR:  "CKA_TPM2_SERIALIZED_TR",
}

var attributeValues map[string]uint32

func init() {
	attributeValues = make(map[string]uint32, len(attributeNames))
	for v, n := range attributeNames {
		attributeValues[n] = v
	}
}

// AttributeName returns the symbolic name for an attribute identifier,
// or false if the identifier is not in the registry.
func AttributeName(id uint32) (string, bool) {
	n, ok := attributeNames[id]
	return n, ok
}

// AttributeID resolves a symbolic attribute name from the registry.
func AttributeID(name string) (uint32, bool) {
	v, ok := attributeValues[name]
	return v, ok
}

// Names returns all registered symbolic attribute names, sorted.
func Names() []string {
	names := make([]string, 0, len(attributeValues))
	for n := range attributeValues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Attributes is the attribute record of a single token object. Values are
// either hex-encoded strings, ints or bools, matching the storage encoding.
type Attributes map[uint32]any

// Class returns the CKA_CLASS of the record, or false if absent or malformed.
func (a Attributes) Class() (uint32, bool) {
	v, ok := a[CKA_CLASS]
	if !ok {
		return 0, false
	}
	return toUint32(v)
}

// HexString returns the given attribute decoded from its hex storage form.
func (a Attributes) HexString(id uint32) (string, bool) {
	v, ok := a[id]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// String returns the raw string form of the given attribute.
func (a Attributes) String(id uint32) (string, bool) {
	v, ok := a[id]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetHex stores s hex-encoded under id.
func (a Attributes) SetHex(id uint32, s string) {
	a[id] = hex.EncodeToString([]byte(s))
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	case int64:
		return uint32(n), true
	case uint64:
		return uint32(n), true
	}
	return 0, false
}

// Uint32 returns the numeric form of the given attribute.
func (a Attributes) Uint32(id uint32) (uint32, bool) {
	v, ok := a[id]
	if !ok {
		return 0, false
	}
	return toUint32(v)
}

// ClassName renders an object class for error messages.
func ClassName(class uint32) string {
	switch class {
	case CKO_DATA:
		return "CKO_DATA"
	case CKO_CERTIFICATE:
		return "CKO_CERTIFICATE"
	case CKO_PUBLIC_KEY:
		return "CKO_PUBLIC_KEY"
	case CKO_PRIVATE_KEY:
		return "CKO_PRIVATE_KEY"
	case CKO_SECRET_KEY:
		return "CKO_SECRET_KEY"
	default:
		return fmt.Sprintf("0x%x", class)
	}
}
