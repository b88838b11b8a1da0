package token

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdub/tpm2-pkcs11/pkg/kdf"
	"github.com/fdub/tpm2-pkcs11/pkg/logging"
	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

// fakeAnchor implements tpm.Anchor in memory. It hands out the configured
// wrapping key when unsealed with an accepted authorization and returns
// canned blobs for create/import.
type fakeAnchor struct {
	wrappingKey []byte
	sealAuths   map[string]bool

	createInfo *tpm.PublicInfo
	importInfo *tpm.PublicInfo
	publicBlob []byte

	// loadRejects makes Load fail when the private blob equals one of the
	// entries, to exercise the blob-pair retry.
	loadRejects [][]byte

	readHandles map[uint32]tpm.Object

	nextHandle uint32
	loads      int
	flushes    int
}

func (f *fakeAnchor) handle() uint32 {
	f.nextHandle++
	return 0x80000000 + f.nextHandle
}

func (f *fakeAnchor) Primary(ref tpm.PrimaryRef) (tpm.Object, func(), error) {
	return tpm.Object{Handle: f.handle(), Name: []byte("primary")}, func() { f.flushes++ }, nil
}

func (f *fakeAnchor) Load(parent tpm.Object, parentAuth string, priv, pub []byte) (tpm.Object, func(), error) {
	f.loads++
	for _, r := range f.loadRejects {
		if bytes.Equal(priv, r) {
			return tpm.Object{}, nil, Errf(KindAnchor, "integrity check failed")
		}
	}
	return tpm.Object{Handle: f.handle(), Name: []byte("loaded")}, func() { f.flushes++ }, nil
}

func (f *fakeAnchor) Unseal(obj tpm.Object, auth string) ([]byte, error) {
	if !f.sealAuths[auth] {
		return nil, Errf(KindAnchor, "auth fail")
	}
	return f.wrappingKey, nil
}

func (f *fakeAnchor) Create(parent tpm.Object, parentAuth, objAuth, alg string) (*tpm.KeyBlobs, error) {
	return &tpm.KeyBlobs{
		Private: []byte("created-priv"),
		Public:  f.publicBlob,
		Info:    f.createInfo,
	}, nil
}

func (f *fakeAnchor) ImportKey(parent tpm.Object, parentAuth, objAuth string, key *tpm.ExternalKey, attrs tpm.ObjectAttrs) (*tpm.KeyBlobs, error) {
	return &tpm.KeyBlobs{
		Private: []byte("imported-priv"),
		Public:  f.publicBlob,
		Info:    f.importInfo,
	}, nil
}

func (f *fakeAnchor) ReadPublic(obj tpm.Object) (*tpm.PublicInfo, []byte, error) {
	return f.createInfo, f.publicBlob, nil
}

func (f *fakeAnchor) ReadPublicHandle(handle uint32) (*tpm.PublicInfo, []byte, tpm.Object, error) {
	obj, ok := f.readHandles[handle]
	if !ok {
		return nil, nil, tpm.Object{}, Errf(KindAnchor, "no object at 0x%x", handle)
	}
	return f.createInfo, f.publicBlob, obj, nil
}

const (
	testUserPIN  = "myuserpin"
	testSOPIN    = "mysopin"
	testUserSalt = "usersalt"
	testSOSalt   = "sosalt"
)

// rsaPublicBlob builds a real marshaled TPM2B_PUBLIC so export can parse
// it back into a public key.
func rsaPublicBlob(t *testing.T) []byte {
	t.Helper()
	public := tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			UserWithAuth: true,
			SignEncrypt:  true,
			Decrypt:      true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme:  tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
				KeyBits: 2048,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{Buffer: bytes.Repeat([]byte{0xab}, 256)},
		),
	}
	return tpm2.Marshal(tpm2.New2B(public))
}

func rsaInfo() *tpm.PublicInfo {
	return &tpm.PublicInfo{
		Type:     "rsa",
		Bits:     2048,
		Modulus:  hex.EncodeToString(bytes.Repeat([]byte{0xab}, 256)),
		Exponent: 65537,
		Sign:     true,
		Decrypt:  true,
	}
}

func newFakeAnchor(t *testing.T) *fakeAnchor {
	t.Helper()
	blob := rsaPublicBlob(t)
	return &fakeAnchor{
		wrappingKey: bytes.Repeat([]byte{0x5a}, 32),
		sealAuths: map[string]bool{
			kdf.DerivePIN(testUserPIN, []byte(testUserSalt)): true,
			kdf.DerivePIN(testSOPIN, []byte(testSOSalt)):     true,
		},
		createInfo: rsaInfo(),
		importInfo: &tpm.PublicInfo{Type: "keyedhash", Sign: true, Decrypt: true},
		publicBlob: blob,
	}
}

// newTestSession provisions a one-token store and builds a session over
// the fake anchor.
func newTestSession(t *testing.T, anchor tpm.Anchor, config store.TokenConfig) *Session {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pid, err := st.AddPrimary("owner", "primaryauth", store.PrimaryConfig{Transient: true, Template: "rsa2048"})
	require.NoError(t, err)
	tokid, err := st.AddToken(pid, "testtoken", config)
	require.NoError(t, err)
	_, err = st.AddSealObjects(&store.SealObjects{
		TokID:        tokid,
		UserPub:      []byte("user-seal-pub"),
		UserPriv:     []byte("user-seal-priv"),
		UserAuthSalt: testUserSalt,
		SOPub:        []byte("so-seal-pub"),
		SOPriv:       []byte("so-seal-priv"),
		SOAuthSalt:   testSOSalt,
	})
	require.NoError(t, err)

	return &Session{
		store:  st,
		anchor: anchor,
		logger: logging.NewLoggerTo(io.Discard, false),
		dir:    t.TempDir(),
	}
}

func strptr(s string) *string { return &s }

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestResolvePINs(t *testing.T) {
	plain := &store.Token{}
	empty := &store.Token{Config: store.TokenConfig{EmptyUserPIN: true}}

	tests := []struct {
		name     string
		tok      *store.Token
		sopin    *string
		userpin  *string
		want     Credentials
		wantKind Kind
	}{
		{"user pin", plain, nil, strptr("u"), Credentials{PIN: "u"}, 0},
		{"so pin", plain, strptr("s"), nil, Credentials{PIN: "s", SO: true}, 0},
		{"both", plain, strptr("s"), strptr("u"), Credentials{}, KindUsage},
		{"neither", plain, nil, nil, Credentials{}, KindUsage},
		{"neither with empty-user-pin", empty, nil, nil, Credentials{PIN: ""}, 0},
		{"explicit empty user pin", plain, nil, strptr(""), Credentials{PIN: ""}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePINs(tt.tok, tt.sopin, tt.userpin)
			if tt.wantKind != 0 {
				assert.True(t, IsKind(err, tt.wantKind), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBeginAuth_BothPINClassesRecoverSameWrapper(t *testing.T) {
	anchor := newFakeAnchor(t)
	s := newTestSession(t, anchor, store.TokenConfig{})
	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)

	userAuth, err := s.beginAuth(tok, Credentials{PIN: testUserPIN}, "")
	require.NoError(t, err)
	defer userAuth.close()

	soAuth, err := s.beginAuth(tok, Credentials{PIN: testSOPIN, SO: true}, "")
	require.NoError(t, err)
	defer soAuth.close()

	// A record wrapped under one PIN class unwraps under the other: both
	// protect the same wrapping key.
	wrapped, err := userAuth.wrapper.Wrap([]byte("objauth"))
	require.NoError(t, err)
	got, err := soAuth.wrapper.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("objauth"), got)
}

func TestBeginAuth_WrongPIN(t *testing.T) {
	anchor := newFakeAnchor(t)
	s := newTestSession(t, anchor, store.TokenConfig{})
	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)

	_, err = s.beginAuth(tok, Credentials{PIN: "wrong"}, "")
	assert.True(t, IsKind(err, KindAuth), "got %v", err)
}

func TestAddKey_CreatesPairSharingID(t *testing.T) {
	anchor := newFakeAnchor(t)
	s := newTestSession(t, anchor, store.TokenConfig{})

	res, err := s.AddKey(KeyOpts{
		TokenLabel: "testtoken",
		KeyLabel:   "rsakey",
		UserPIN:    strptr(testUserPIN),
	}, "rsa2048")
	require.NoError(t, err)

	assert.Equal(t, "add", res.Action)
	require.Contains(t, res.Objects, "private")
	require.Contains(t, res.Objects, "public")
	assert.Equal(t, res.Objects["private"].ID, res.Objects["public"].ID)

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, objs, 2)

	privClass, _ := objs[0].Attrs.Class()
	pubClass, _ := objs[1].Attrs.Class()
	assert.Equal(t, pkcs11.CKO_PRIVATE_KEY, privClass)
	assert.Equal(t, pkcs11.CKO_PUBLIC_KEY, pubClass)

	label, ok := objs[0].Attrs.HexString(pkcs11.CKA_LABEL)
	require.True(t, ok)
	assert.Equal(t, "rsakey", label)

	// The public record carries no custody material.
	_, hasAuth := objs[1].Attrs[pkcs11.CKA_TPM2_OBJAUTH_ENC]
	assert.False(t, hasAuth)
	_, hasPriv := objs[1].Attrs[pkcs11.CKA_TPM2_PRIV_BLOB]
	assert.False(t, hasPriv)
}

func TestAddKey_HMACSingleRecord(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.createInfo = &tpm.PublicInfo{Type: "keyedhash", Sign: true}
	s := newTestSession(t, anchor, store.TokenConfig{})

	res, err := s.AddKey(KeyOpts{
		TokenLabel: "testtoken",
		KeyLabel:   "hmackey",
		UserPIN:    strptr(testUserPIN),
	}, "hmac")
	require.NoError(t, err)

	require.Contains(t, res.Objects, "private")
	assert.NotContains(t, res.Objects, "public")

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	class, _ := objs[0].Attrs.Class()
	assert.Equal(t, pkcs11.CKO_SECRET_KEY, class)
	keyType, _ := objs[0].Attrs.Uint32(pkcs11.CKA_KEY_TYPE)
	assert.Equal(t, pkcs11.CKK_GENERIC, keyType)
	// Anchor-created hmac keys have no recordable length.
	_, hasLen := objs[0].Attrs[pkcs11.CKA_VALUE_LEN]
	assert.False(t, hasLen)
}

func TestAddKey_UnsupportedAlgorithm(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})

	_, err := s.AddKey(KeyOpts{TokenLabel: "testtoken", UserPIN: strptr(testUserPIN)}, "dsa")
	assert.True(t, IsKind(err, KindUsage), "got %v", err)
}

func TestAddKey_UnknownToken(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})

	_, err := s.AddKey(KeyOpts{TokenLabel: "absent", UserPIN: strptr(testUserPIN)}, "rsa2048")
	assert.True(t, IsKind(err, KindLookup), "got %v", err)
}

func TestImportKey_HMACEmptyUserPIN(t *testing.T) {
	anchor := newFakeAnchor(t)
	s := newTestSession(t, anchor, store.TokenConfig{EmptyUserPIN: true})
	// The empty user PIN must be an accepted seal authorization.
	anchor.sealAuths[kdf.DerivePIN("", []byte(testUserSalt))] = true

	keyfile := writeTempFile(t, "hmac.key", []byte("0123456789abcdef"))

	res, err := s.ImportKey(KeyOpts{TokenLabel: "testtoken", KeyLabel: "hmackey"}, keyfile, "hmac", "")
	require.NoError(t, err)
	assert.Equal(t, "import", res.Action)
	require.Contains(t, res.Objects, "private")
	assert.NotContains(t, res.Objects, "public")

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	class, _ := objs[0].Attrs.Class()
	assert.Equal(t, pkcs11.CKO_SECRET_KEY, class)
	keyType, _ := objs[0].Attrs.Uint32(pkcs11.CKA_KEY_TYPE)
	assert.Equal(t, pkcs11.CKK_GENERIC, keyType)

	// The recorded key length comes from the imported material.
	keyLen, ok := objs[0].Attrs[pkcs11.CKA_VALUE_LEN]
	require.True(t, ok)
	assert.Equal(t, 16, keyLen)
}

func TestImportKey_RSAEmptyUserPIN(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.importInfo = rsaInfo()
	s := newTestSession(t, anchor, store.TokenConfig{EmptyUserPIN: true})
	anchor.sealAuths[kdf.DerivePIN("", []byte(testUserSalt))] = true

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	keyfile := writeTempFile(t, "key.pem", keyPEM)

	res, err := s.ImportKey(KeyOpts{TokenLabel: "testtoken", KeyLabel: "rsakey"}, keyfile, "", "")
	require.NoError(t, err)
	require.Contains(t, res.Objects, "private")
	require.Contains(t, res.Objects, "public")
	assert.Equal(t, res.Objects["private"].ID, res.Objects["public"].ID)

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestImportKey_Validation(t *testing.T) {
	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})

	_, err := s.ImportKey(KeyOpts{TokenLabel: "testtoken", UserPIN: strptr(testUserPIN)}, "", "rsa", "")
	assert.True(t, IsKind(err, KindUsage), "got %v", err)

	_, err = s.ImportKey(KeyOpts{TokenLabel: "testtoken", UserPIN: strptr(testUserPIN)}, "key.pem", "dsa", "")
	assert.True(t, IsKind(err, KindUsage), "got %v", err)
}

func TestParseLinkArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantKind linkKind
		wantErr  bool
	}{
		{"persistent handle", []string{"0x81000001"}, linkPersistentHandle, false},
		{"key file", []string{"key.pem"}, linkTSSKey, false},
		{"hex but not persistent", []string{"0x40000001"}, linkTSSKey, false},
		{"blob pair", []string{"key.pub", "key.priv"}, linkBlobPair, false},
		{"too many", []string{"a", "b", "c"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := parseLinkArgs(tt.args)
			if tt.wantErr {
				assert.True(t, IsKind(err, KindUsage), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, target.kind)
		})
	}
}

func TestValidateTSSParent(t *testing.T) {
	persistent := &store.PrimaryObject{ID: 1, Config: store.PrimaryConfig{
		EsysTR: tpm.SerializeHandle(0x81000008, []byte("name")),
	}}
	persistentNoTR := &store.PrimaryObject{ID: 1, Config: store.PrimaryConfig{}}
	transient := &store.PrimaryObject{ID: 2, Config: store.PrimaryConfig{Transient: true}}

	tests := []struct {
		name    string
		pobj    *store.PrimaryObject
		parent  uint32
		wantErr bool
	}{
		{"persistent, owner sentinel rejected when handle recorded", persistent, tpm.RHOwner, true},
		{"persistent, exact handle", persistent, 0x81000008, false},
		{"persistent no TR, owner sentinel", persistentNoTR, tpm.RHOwner, false},
		{"persistent, wrong handle", persistent, 0x81000009, true},
		{"persistent, transient parent", persistent, 0x80000001, true},
		{"persistent no TR, any persistent handle", persistentNoTR, 0x810000aa, false},
		{"transient, owner sentinel", transient, tpm.RHOwner, false},
		{"transient, legacy zero", transient, 0, false},
		{"transient, persistent parent", transient, 0x81000001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTSSParent(tt.pobj, tt.parent)
			if tt.wantErr {
				assert.True(t, IsKind(err, KindConfig), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLinkKey_BlobPairOrderIndependence(t *testing.T) {
	pub := []byte("blob-public")
	priv := []byte("blob-private")

	pubPath := writeTempFile(t, "key.pub", pub)
	privPath := writeTempFile(t, "key.priv", priv)

	for _, order := range [][]string{
		{pubPath, privPath},
		{privPath, pubPath},
	} {
		anchor := newFakeAnchor(t)
		// Loading the public blob as the private half fails; only the
		// correct assignment loads.
		anchor.loadRejects = [][]byte{pub}
		s := newTestSession(t, anchor, store.TokenConfig{})

		res, err := s.LinkKey(KeyOpts{
			TokenLabel: "testtoken",
			UserPIN:    strptr(testUserPIN),
		}, order, "linkedauth")
		require.NoError(t, err, "order %v", order)
		assert.Equal(t, "link", res.Action)
	}
}

func TestLinkKey_PersistentHandle(t *testing.T) {
	anchor := newFakeAnchor(t)
	anchor.readHandles = map[uint32]tpm.Object{
		0x81000003: {Handle: 0x81000003, Name: []byte("persisted")},
	}
	s := newTestSession(t, anchor, store.TokenConfig{})

	res, err := s.LinkKey(KeyOpts{
		TokenLabel: "testtoken",
		UserPIN:    strptr(testUserPIN),
	}, []string{"0x81000003"}, "linkedauth")
	require.NoError(t, err)

	tok, err := s.store.GetToken("testtoken")
	require.NoError(t, err)
	objs, err := s.store.ListTertiary(tok.ID)
	require.NoError(t, err)
	require.NotEmpty(t, objs)

	// The private record keeps the serialized handle reference and has no
	// private blob.
	tr, ok := objs[0].Attrs.String(pkcs11.CKA_TPM2_SERIALIZED_TR)
	require.True(t, ok)
	assert.Equal(t, tpm.SerializeHandle(0x81000003, []byte("persisted")), tr)
	_, hasPriv := objs[0].Attrs[pkcs11.CKA_TPM2_PRIV_BLOB]
	assert.False(t, hasPriv)
	assert.Equal(t, "link", res.Action)
}

func TestLinkKey_TSSDescriptor(t *testing.T) {
	data, err := tpm.EncodeTSSKey(&tpm.TSSKey{
		EmptyAuth: true,
		Parent:    tpm.RHOwner,
		Public:    []byte("tss-pub"),
		Private:   []byte("tss-priv"),
	})
	require.NoError(t, err)
	path := writeTempFile(t, "key.pem", data)

	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	res, err := s.LinkKey(KeyOpts{
		TokenLabel: "testtoken",
		UserPIN:    strptr(testUserPIN),
	}, []string{path}, "")
	require.NoError(t, err)
	assert.Equal(t, "link", res.Action)
}

func TestLinkKey_TSSDescriptorAuthRequired(t *testing.T) {
	data, err := tpm.EncodeTSSKey(&tpm.TSSKey{
		EmptyAuth: false,
		Parent:    tpm.RHOwner,
		Public:    []byte("tss-pub"),
		Private:   []byte("tss-priv"),
	})
	require.NoError(t, err)
	path := writeTempFile(t, "key.pem", data)

	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	_, err = s.LinkKey(KeyOpts{
		TokenLabel: "testtoken",
		UserPIN:    strptr(testUserPIN),
	}, []string{path}, "")
	assert.True(t, IsKind(err, KindUsage), "got %v", err)
}

func TestLinkKey_TSSParentMismatch(t *testing.T) {
	// Transient primary, key claims a persistent parent.
	data, err := tpm.EncodeTSSKey(&tpm.TSSKey{
		EmptyAuth: true,
		Parent:    0x81000001,
		Public:    []byte("tss-pub"),
		Private:   []byte("tss-priv"),
	})
	require.NoError(t, err)
	path := writeTempFile(t, "key.pem", data)

	s := newTestSession(t, newFakeAnchor(t), store.TokenConfig{})
	_, err = s.LinkKey(KeyOpts{
		TokenLabel: "testtoken",
		UserPIN:    strptr(testUserPIN),
	}, []string{path}, "")
	assert.True(t, IsKind(err, KindConfig), "got %v", err)
}
