package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// provisionToken inserts the minimal primary/token/seal rows the key
// lifecycle operations expect.
func provisionToken(t *testing.T, s *Store, label string, config TokenConfig) (tokid, pid int) {
	t.Helper()
	pid, err := s.AddPrimary("owner", "primaryauth", PrimaryConfig{Transient: true, Template: "rsa2048"})
	require.NoError(t, err)
	tokid, err = s.AddToken(pid, label, config)
	require.NoError(t, err)
	_, err = s.AddSealObjects(&SealObjects{
		TokID:        tokid,
		UserPub:      []byte{0x01},
		UserPriv:     []byte{0x02},
		UserAuthSalt: "usersalt",
		SOPub:        []byte{0x03},
		SOPriv:       []byte{0x04},
		SOAuthSalt:   "sosalt",
	})
	require.NoError(t, err)
	return tokid, pid
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	// Schema bootstrap happens eagerly; touch a table to force the file.
	_, err = s.GetToken("absent")
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(dir, DBName))
	assert.NoError(t, err)
}

func TestToken_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	tokid, pid := provisionToken(t, s, "mytoken", TokenConfig{EmptyUserPIN: true, TokenInit: true})

	tok, err := s.GetToken("mytoken")
	require.NoError(t, err)
	assert.Equal(t, tokid, tok.ID)
	assert.Equal(t, pid, tok.PID)
	assert.Equal(t, "mytoken", tok.Label)
	assert.True(t, tok.Config.EmptyUserPIN)
	assert.True(t, tok.Config.TokenInit)

	byID, err := s.GetTokenByID(tokid)
	require.NoError(t, err)
	assert.Equal(t, tok, byID)
}

func TestGetToken_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetToken("absent")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = s.GetTokenByID(42)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestPrimary_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	pid, err := s.AddPrimary("owner", "objauth", PrimaryConfig{
		EsysTR: "81000001000bdeadbeef",
	})
	require.NoError(t, err)

	p, err := s.GetPrimary(pid)
	require.NoError(t, err)
	assert.Equal(t, "owner", p.Hierarchy)
	assert.Equal(t, "objauth", p.ObjAuth)
	assert.False(t, p.Config.Transient)
	assert.Equal(t, "81000001000bdeadbeef", p.Config.EsysTR)

	_, err = s.GetPrimary(pid + 1)
	assert.ErrorIs(t, err, ErrPrimaryNotFound)
}

func TestSealObjects_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	tokid, _ := provisionToken(t, s, "tok", TokenConfig{})

	o, err := s.GetSealObjects(tokid)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, o.UserPub)
	assert.Equal(t, []byte{0x02}, o.UserPriv)
	assert.Equal(t, "usersalt", o.UserAuthSalt)
	assert.Equal(t, []byte{0x03}, o.SOPub)
	assert.Equal(t, "sosalt", o.SOAuthSalt)

	_, err = s.GetSealObjects(tokid + 1)
	assert.ErrorIs(t, err, ErrSealNotFound)
}

func TestTertiary_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	tokid, _ := provisionToken(t, s, "tok", TokenConfig{})

	attrs := pkcs11.Attributes{
		pkcs11.CKA_CLASS:    pkcs11.CKO_PRIVATE_KEY,
		pkcs11.CKA_KEY_TYPE: pkcs11.CKK_RSA,
		pkcs11.CKA_SIGN:     true,
	}
	attrs.SetHex(pkcs11.CKA_LABEL, "mykey")

	id, err := s.AddTertiary(tokid, attrs)
	require.NoError(t, err)

	got, err := s.GetTertiary(id)
	require.NoError(t, err)
	assert.Equal(t, tokid, got.TokID)

	class, ok := got.Attrs.Class()
	require.True(t, ok)
	assert.Equal(t, pkcs11.CKO_PRIVATE_KEY, class)

	label, ok := got.Attrs.HexString(pkcs11.CKA_LABEL)
	require.True(t, ok)
	assert.Equal(t, "mykey", label)

	// Update replaces the whole record.
	got.Attrs[pkcs11.CKA_SIGN] = false
	require.NoError(t, s.UpdateTertiary(id, got.Attrs))
	updated, err := s.GetTertiary(id)
	require.NoError(t, err)
	v, ok := updated.Attrs[pkcs11.CKA_SIGN]
	require.True(t, ok)
	assert.Equal(t, false, v)

	// List returns rows in id order.
	id2, err := s.AddTertiary(tokid, pkcs11.Attributes{pkcs11.CKA_CLASS: pkcs11.CKO_PUBLIC_KEY})
	require.NoError(t, err)
	objs, err := s.ListTertiary(tokid)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, id, objs[0].ID)
	assert.Equal(t, id2, objs[1].ID)

	// Delete does not cascade to the sibling row.
	require.NoError(t, s.RemoveTertiary(id))
	_, err = s.GetTertiary(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = s.GetTertiary(id2)
	assert.NoError(t, err)
}

func TestTertiary_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTertiary(7)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.ErrorIs(t, s.UpdateTertiary(7, pkcs11.Attributes{}), ErrObjectNotFound)
	assert.ErrorIs(t, s.RemoveTertiary(7), ErrObjectNotFound)
}

func TestTokenLabel_Unique(t *testing.T) {
	s := openTestStore(t)
	provisionToken(t, s, "tok", TokenConfig{})

	_, err := s.AddToken(1, "tok", TokenConfig{})
	assert.Error(t, err)
}
