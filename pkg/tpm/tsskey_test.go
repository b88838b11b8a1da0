package tpm

import (
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTSSKey_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  TSSKey
	}{
		{
			name: "persistent parent with auth",
			key: TSSKey{
				EmptyAuth: false,
				Parent:    0x81000001,
				Public:    []byte{0x00, 0x3a, 0x01, 0x02},
				Private:   []byte{0x00, 0x10, 0xaa, 0xbb},
			},
		},
		{
			name: "owner parent empty auth",
			key: TSSKey{
				EmptyAuth: true,
				Parent:    RHOwner,
				Public:    []byte{0x01},
				Private:   []byte{0x02},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeTSSKey(&tt.key)
			require.NoError(t, err)

			block, _ := pem.Decode(data)
			require.NotNil(t, block)
			assert.Equal(t, TSSKeyPEMType, block.Type)

			got, err := ParseTSSKey(data)
			require.NoError(t, err)
			assert.Equal(t, &tt.key, got)
		})
	}
}

func TestParseTSSKey_NotTSS(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"no pem", []byte("plain text")},
		{"wrong block type", pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: []byte{0x30, 0x00},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTSSKey(tt.data)
			assert.ErrorIs(t, err, ErrNotTSSKey)
		})
	}
}

func TestParseTSSKey_GarbageBody(t *testing.T) {
	data := pem.EncodeToMemory(&pem.Block{
		Type:  TSSKeyPEMType,
		Bytes: []byte{0xff, 0xfe, 0xfd},
	})
	_, err := ParseTSSKey(data)
	assert.Error(t, err)
}
