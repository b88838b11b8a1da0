package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
)

func addRawObject(t *testing.T, s *Session, attrs pkcs11.Attributes) int {
	t.Helper()
	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	id, err := s.store.AddTertiary(tok.ID, attrs)
	require.NoError(t, err)
	return id
}

func TestModifyObject_DumpAll(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	attrs := pkcs11.Attributes{
		pkcs11.CKA_CLASS:    pkcs11.CKO_DATA,
		pkcs11.CKA_KEY_TYPE: pkcs11.CKK_AES,
	}
	attrs.SetHex(pkcs11.CKA_LABEL, "thing")
	id := addRawObject(t, s, attrs)

	view, err := s.ModifyObject(ModifyOpts{ID: id})
	require.NoError(t, err)
	assert.Contains(t, view, "CKA_CLASS")
	assert.Contains(t, view, "CKA_KEY_TYPE")
	assert.Equal(t, "7468696e67", view["CKA_LABEL"])
}

func TestModifyObject_DumpOne(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	id := addRawObject(t, s, pkcs11.Attributes{pkcs11.CKA_CLASS: pkcs11.CKO_SECRET_KEY})

	tests := []struct {
		name string
		key  string
	}{
		{"symbolic", "CKA_CLASS"},
		{"numeric decimal", "0"},
		{"numeric hex", "0x0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view, err := s.ModifyObject(ModifyOpts{ID: id, Key: tt.key})
			require.NoError(t, err)
			require.Len(t, view, 1)
			assert.Contains(t, view, "CKA_CLASS")
		})
	}
}

func TestModifyObject_SetLabel(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	id := addRawObject(t, s, pkcs11.Attributes{pkcs11.CKA_CLASS: pkcs11.CKO_SECRET_KEY})

	view, err := s.ModifyObject(ModifyOpts{ID: id, Key: "CKA_LABEL", Value: "renamed", Type: "str"})
	require.NoError(t, err)
	assert.Equal(t, "72656e616d6564", view["CKA_LABEL"])

	// The change is persisted.
	obj, err := s.store.GetTertiary(id)
	require.NoError(t, err)
	label, ok := obj.Attrs.HexString(pkcs11.CKA_LABEL)
	require.True(t, ok)
	assert.Equal(t, "renamed", label)
}

func TestModifyObject_BulkReplace(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	id := addRawObject(t, s, pkcs11.Attributes{
		pkcs11.CKA_CLASS: pkcs11.CKO_SECRET_KEY,
		pkcs11.CKA_SIGN:  true,
	})

	path := writeTempFile(t, "attrs.yaml", []byte("CKA_CLASS: 4\nCKA_LABEL: 6e6577\n"))
	view, err := s.ModifyObject(ModifyOpts{ID: id, File: path})
	require.NoError(t, err)
	assert.Contains(t, view, "CKA_LABEL")

	// Replacement drops attributes absent from the file.
	obj, err := s.store.GetTertiary(id)
	require.NoError(t, err)
	_, hasSign := obj.Attrs[pkcs11.CKA_SIGN]
	assert.False(t, hasSign)
}

func TestModifyObject_BulkReplaceNumericKeys(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	id := addRawObject(t, s, pkcs11.Attributes{pkcs11.CKA_CLASS: pkcs11.CKO_SECRET_KEY})

	// Dumps key records by bare numeric identifiers; those must load back.
	path := writeTempFile(t, "attrs.yaml", []byte("0: 4\n3: 6e6577\n0x108: true\n"))
	view, err := s.ModifyObject(ModifyOpts{ID: id, File: path})
	require.NoError(t, err)
	assert.Contains(t, view, "CKA_CLASS")
	assert.Contains(t, view, "CKA_LABEL")
	assert.Contains(t, view, "CKA_SIGN")

	obj, err := s.store.GetTertiary(id)
	require.NoError(t, err)
	label, ok := obj.Attrs.String(pkcs11.CKA_LABEL)
	require.True(t, ok)
	assert.Equal(t, "6e6577", label)
}

func TestModifyObject_Validation(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	id := addRawObject(t, s, pkcs11.Attributes{pkcs11.CKA_CLASS: pkcs11.CKO_SECRET_KEY})

	tests := []struct {
		name     string
		opts     ModifyOpts
		wantKind Kind
	}{
		{"value without key", ModifyOpts{ID: id, Value: "x", Type: "raw"}, KindUsage},
		{"value without type", ModifyOpts{ID: id, Key: "CKA_LABEL", Value: "x"}, KindUsage},
		{"file with key", ModifyOpts{ID: id, Key: "CKA_LABEL", File: "attrs.yaml"}, KindUsage},
		{"unknown symbolic key", ModifyOpts{ID: id, Key: "CKA_NOPE"}, KindLookup},
		{"unregistered numeric key", ModifyOpts{ID: id, Key: "0x12345678"}, KindLookup},
		{"absent attribute", ModifyOpts{ID: id, Key: "CKA_MODULUS"}, KindLookup},
		{"missing object", ModifyOpts{ID: id + 100}, KindLookup},
		{"bad value type", ModifyOpts{ID: id, Key: "CKA_LABEL", Value: "x", Type: "float"}, KindUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ModifyObject(tt.opts)
			assert.True(t, IsKind(err, tt.wantKind), "got %v", err)
		})
	}
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		typ     string
		want    any
		wantErr bool
	}{
		{"int decimal", "42", "int", 42, false},
		{"int hex", "0x1f", "int", 31, false},
		{"int malformed", "forty", "int", nil, true},
		{"bool true", "true", "bool", true, false},
		{"bool yes", "YES", "bool", true, false},
		{"bool zero", "0", "bool", false, false},
		{"bool malformed", "maybe", "bool", nil, true},
		{"str hexifies", "abc", "str", "616263", false},
		{"raw passthrough", "616263", "raw", "616263", false},
		{"unknown type", "x", "blob", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceValue(tt.value, tt.typ)
			if tt.wantErr {
				assert.True(t, IsKind(err, KindUsage), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteObject(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	addTestKey(t, s, "pairkey")

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, objs, 2)

	// Deleting the private half leaves the public half alone.
	require.NoError(t, s.DeleteObject(objs[0].ID))
	remaining, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, objs[1].ID, remaining[0].ID)

	err = s.DeleteObject(objs[0].ID)
	assert.True(t, IsKind(err, KindLookup), "got %v", err)
}
