package tpm

import (
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
)

// TSSKeyPEMType is the PEM block type of engine-issued key descriptors.
const TSSKeyPEMType = "TSS2 PRIVATE KEY"

// oidLoadableKey identifies a loadable key in the TCG OID arc.
var oidLoadableKey = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 3}

// ErrNotTSSKey indicates the input is not a TSS2 key descriptor.
var ErrNotTSSKey = errors.New("tpm: not a TSS2 private key")

// TSSKey is a decoded engine key descriptor: an externally created key with
// an asserted parent handle and its anchor blob pair.
type TSSKey struct {
	EmptyAuth bool
	Parent    uint32
	Public    []byte // marshaled TPM2B_PUBLIC
	Private   []byte // marshaled TPM2B_PRIVATE
}

type tssKeyASN1 struct {
	Type      asn1.ObjectIdentifier
	EmptyAuth bool `asn1:"optional,explicit,tag:0"`
	Parent    int64
	Public    []byte
	Private   []byte
}

// ParseTSSKey decodes a PEM-encoded TSS2 key descriptor.
func ParseTSSKey(data []byte) (*TSSKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != TSSKeyPEMType {
		return nil, ErrNotTSSKey
	}
	var raw tssKeyASN1
	rest, err := asn1.Unmarshal(block.Bytes, &raw)
	if err != nil {
		return nil, fmt.Errorf("tpm: decode TSS2 key: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("tpm: decode TSS2 key: %d trailing bytes", len(rest))
	}
	if !raw.Type.Equal(oidLoadableKey) {
		return nil, fmt.Errorf("tpm: decode TSS2 key: unexpected type %v", raw.Type)
	}
	return &TSSKey{
		EmptyAuth: raw.EmptyAuth,
		Parent:    uint32(raw.Parent),
		Public:    raw.Public,
		Private:   raw.Private,
	}, nil
}

// EncodeTSSKey renders a key descriptor as a PEM block.
func EncodeTSSKey(key *TSSKey) ([]byte, error) {
	raw := tssKeyASN1{
		Type:      oidLoadableKey,
		EmptyAuth: key.EmptyAuth,
		Parent:    int64(key.Parent),
		Public:    key.Public,
		Private:   key.Private,
	}
	der, err := asn1.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tpm: encode TSS2 key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  TSSKeyPEMType,
		Bytes: der,
	}), nil
}
