package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
	"github.com/fdub/tpm2-pkcs11/pkg/wrap"
)

// KeyOpts are the arguments shared by every key ingestion operation.
type KeyOpts struct {
	TokenLabel    string
	KeyLabel      string
	ID            string // defaults to 8 random bytes of hex
	AlwaysAuth    bool
	HierarchyAuth string
	SOPIN         *string
	UserPIN       *string
}

// DefaultID returns the default key id: 8 random bytes rendered as hex.
func DefaultID() (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("token: rand: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// importAlgs is the closed set accepted by ImportKey. Plain "hmac" is
// remapped to a keyedhash object with sign and decrypt usage since the
// anchor has no HMAC-only object mode.
var importAlgs = map[string]bool{
	"":            true, // inferred from the key file
	"rsa":         true,
	"ecc":         true,
	"hmac":        true,
	"hmac:sha1":   true,
	"hmac:sha256": true,
	"hmac:sha384": true,
	"hmac:sha512": true,
}

// ImportKey imports external key material from a file into a token.
func (s *Session) ImportKey(opts KeyOpts, keyfile, alg, passin string) (*Result, error) {
	if keyfile == "" {
		return nil, Errf(KindUsage, "argument --privkey is required")
	}
	if !importAlgs[alg] {
		return nil, Errf(KindUsage, "unsupported import algorithm %q", alg)
	}

	key, err := tpm.ParseKeyFile(keyfile, alg, passin)
	if err != nil {
		return nil, WrapErr(KindUsage, err, "parse key file %s", keyfile)
	}

	var objAttrs tpm.ObjectAttrs
	overrideKeyLen := 0
	if key.Keyedhash != nil {
		// Keyedhash seal objects do not get sign; a plain HMAC key does.
		objAttrs = tpm.ObjectAttrs{UserWithAuth: true, Sign: true, Decrypt: alg == "hmac"}
		overrideKeyLen = len(key.Keyedhash)
	}

	return s.newKey(opts, "import", func(auth *authCtx, objAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
		blobs, err := s.anchor.ImportKey(auth.primary, auth.pobj.ObjAuth, objAuth, key, objAttrs)
		if err != nil {
			return nil, nil, WrapErr(KindAnchor, err, "import key")
		}
		return blobs, nil, nil
	}, overrideKeyLen)
}

// AddKey creates a new anchor-native key in a token.
func (s *Session) AddKey(opts KeyOpts, alg string) (*Result, error) {
	supported := false
	for _, a := range tpm.Algs {
		if a == alg {
			supported = true
			break
		}
	}
	if !supported {
		return nil, Errf(KindUsage, "unsupported algorithm %q, expected one of %v", alg, tpm.Algs)
	}

	return s.newKey(opts, "add", func(auth *authCtx, objAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
		blobs, err := s.anchor.Create(auth.primary, auth.pobj.ObjAuth, objAuth, alg)
		if err != nil {
			return nil, nil, WrapErr(KindAnchor, err, "create %s key", alg)
		}
		return blobs, nil, nil
	}, 0)
}

// newKey runs the ingestion skeleton shared by import, add and link:
// resolve token and PIN, recover the wrapping key, wrap a fresh object
// authorization, run the strategy, persist the resulting record(s).
func (s *Session) newKey(
	opts KeyOpts,
	action string,
	create func(auth *authCtx, objAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error),
	overrideKeyLen int,
) (*Result, error) {
	return s.newKeyWithAuthValue(opts, action, create, overrideKeyLen, nil)
}

// newKeyWithAuthValue is newKey with a caller-supplied object
// authorization value, used by link where the value must match a
// pre-existing anchor object's actual auth.
func (s *Session) newKeyWithAuthValue(
	opts KeyOpts,
	action string,
	create func(auth *authCtx, objAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error),
	overrideKeyLen int,
	explicitAuth *string,
) (*Result, error) {
	tok, err := s.store.GetToken(opts.TokenLabel)
	if err != nil {
		return nil, WrapErr(KindLookup, err, "token %q", opts.TokenLabel)
	}

	cred, err := ResolvePINs(tok, opts.SOPIN, opts.UserPIN)
	if err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		if id, err = DefaultID(); err != nil {
			return nil, err
		}
	}

	auth, err := s.beginAuth(tok, cred, opts.HierarchyAuth)
	if err != nil {
		return nil, err
	}
	defer auth.close()

	objAuth := ""
	if explicitAuth != nil {
		objAuth = *explicitAuth
	} else {
		if objAuth, err = wrap.RandAuthValue(); err != nil {
			return nil, err
		}
	}
	encObjAuth, err := auth.wrapper.Wrap([]byte(objAuth))
	if err != nil {
		return nil, WrapErr(KindAnchor, err, "wrap object authorization")
	}

	blobs, extraPriv, err := create(auth, objAuth)
	if err != nil {
		return nil, err
	}

	priv, pub, err := buildObjects(newObjectParams{
		info:           blobs.Info,
		encObjAuth:     encObjAuth,
		id:             id,
		label:          opts.KeyLabel,
		alwaysAuth:     opts.AlwaysAuth,
		privBlob:       blobs.Private,
		pubBlob:        blobs.Public,
		extraPriv:      extraPriv,
		overrideKeyLen: overrideKeyLen,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Action: action, Objects: map[string]ObjectRef{}}

	hexID, _ := priv.String(pkcs11.CKA_ID)
	if _, err := s.store.AddTertiary(tok.ID, priv); err != nil {
		return nil, WrapErr(KindStore, err, "persist private record")
	}
	res.Objects["private"] = ObjectRef{ID: hexID}
	s.logger.Debugf("token: stored private record for id %s", hexID)

	// Asymmetric pairs get a second, independent row. The two inserts are
	// not transactional; a failure here leaves the private record behind.
	if pub != nil {
		if _, err := s.store.AddTertiary(tok.ID, pub); err != nil {
			return nil, WrapErr(KindStore, err, "persist public record")
		}
		res.Objects["public"] = ObjectRef{ID: hexID}
	}
	return res, nil
}

// linkTarget is the link strategy decided once during argument
// validation: a persistent handle, a TSS2 key descriptor file, or an
// explicit blob pair.
type linkTarget struct {
	handle    uint32
	tssPath   string
	blobPaths [2]string
	kind      linkKind
}

type linkKind int

const (
	linkPersistentHandle linkKind = iota + 1
	linkTSSKey
	linkBlobPair
)

// parseLinkArgs classifies the positional link arguments.
func parseLinkArgs(args []string) (*linkTarget, error) {
	switch len(args) {
	case 1:
		if h, ok := tpm.IsPersistentHandle(args[0]); ok {
			return &linkTarget{kind: linkPersistentHandle, handle: h}, nil
		}
		return &linkTarget{kind: linkTSSKey, tssPath: args[0]}, nil
	case 2:
		return &linkTarget{kind: linkBlobPair, blobPaths: [2]string{args[0], args[1]}}, nil
	default:
		return nil, Errf(KindUsage,
			"expected one persistent handle, one key file or two key blobs, got: %d arguments", len(args))
	}
}

// LinkKey adopts an existing anchor-resident key into a token. The
// authorization value is caller-supplied since it must match the actual
// auth of the pre-existing object.
func (s *Session) LinkKey(opts KeyOpts, args []string, keyAuth string) (*Result, error) {
	target, err := parseLinkArgs(args)
	if err != nil {
		return nil, err
	}

	create := func(auth *authCtx, objAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
		switch target.kind {
		case linkPersistentHandle:
			return s.linkPersistentHandle(target.handle)
		case linkTSSKey:
			return s.linkTSSKey(auth, target.tssPath, keyAuth)
		default:
			return s.linkBlobPair(auth, target.blobPaths)
		}
	}
	return s.newKeyWithAuthValue(opts, "link", create, 0, &keyAuth)
}

// linkPersistentHandle reads the public area of a persistent handle. There
// is no private blob; the serialized handle reference is stored for later
// re-resolution.
func (s *Session) linkPersistentHandle(handle uint32) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
	info, pubBlob, obj, err := s.anchor.ReadPublicHandle(handle)
	if err != nil {
		return nil, nil, WrapErr(KindAnchor, err, "read persistent handle 0x%x", handle)
	}
	extra := pkcs11.Attributes{
		pkcs11.CKA_TPM2_SERIALIZED_TR: tpm.SerializeHandle(handle, obj.Name),
	}
	return &tpm.KeyBlobs{Public: pubBlob, Info: info}, extra, nil
}

// linkTSSKey links an externally-issued key descriptor after validating
// its asserted parent against the primary object configuration.
func (s *Session) linkTSSKey(auth *authCtx, path, keyAuth string) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, WrapErr(KindUsage, err, "read key file %s", path)
	}
	key, err := tpm.ParseTSSKey(data)
	if err != nil {
		return nil, nil, WrapErr(KindUsage, err, "decode key file %s", path)
	}

	if err := validateTSSParent(auth.pobj, key.Parent); err != nil {
		return nil, nil, err
	}

	if !key.EmptyAuth && keyAuth == "" {
		return nil, nil, Errf(KindUsage, "key expected to have auth value, please specify via option --auth")
	}

	obj, closeObj, err := s.anchor.Load(auth.primary, auth.pobj.ObjAuth, key.Private, key.Public)
	if err != nil {
		return nil, nil, WrapErr(KindAnchor, err, "load key from %s", path)
	}
	defer closeObj()

	info, _, err := s.anchor.ReadPublic(obj)
	if err != nil {
		return nil, nil, WrapErr(KindAnchor, err, "read public of %s", path)
	}
	return &tpm.KeyBlobs{Private: key.Private, Public: key.Public, Info: info}, nil, nil
}

// validateTSSParent enforces the parent-handle rules of the descriptor
// against the primary object record.
func validateTSSParent(pobj *store.PrimaryObject, parent uint32) error {
	if !pobj.Config.Transient {
		if parent != tpm.RHOwner && parent>>tpm.HRShift != tpm.HTPersistent {
			return Errf(KindConfig,
				"the primary object (id: %d) is persistent and the key does not have a persistent parent, got: 0x%x",
				pobj.ID, parent)
		}
		if pobj.Config.EsysTR != "" {
			expected, err := tpm.HandleFromSerialized(pobj.Config.EsysTR)
			if err != nil {
				return WrapErr(KindConfig, err, "primary object (id: %d) serialized handle", pobj.ID)
			}
			if parent != expected {
				return Errf(KindConfig, "key must be parented to 0x%X, got 0x%X", expected, parent)
			}
		}
		return nil
	}
	// Engine versions before 1.1.0 wrote a parent handle of zero instead
	// of the owner-hierarchy sentinel.
	if parent != tpm.RHOwner && parent != 0 {
		return Errf(KindConfig,
			"the primary object (id: %d) is transient and the key has a parent handle, got: 0x%x",
			pobj.ID, parent)
	}
	return nil
}

// linkBlobPair loads an explicit public/private blob pair, tolerating
// either argument order with a single swapped retry.
func (s *Session) linkBlobPair(auth *authCtx, paths [2]string) (*tpm.KeyBlobs, pkcs11.Attributes, error) {
	pub, err := os.ReadFile(paths[0])
	if err != nil {
		return nil, nil, WrapErr(KindUsage, err, "read blob %s", paths[0])
	}
	priv, err := os.ReadFile(paths[1])
	if err != nil {
		return nil, nil, WrapErr(KindUsage, err, "read blob %s", paths[1])
	}

	obj, closeObj, err := s.anchor.Load(auth.primary, auth.pobj.ObjAuth, priv, pub)
	if err != nil {
		s.logger.Debugf("token: blob load failed, retrying with swapped arguments: %v", err)
		pub, priv = priv, pub
		obj, closeObj, err = s.anchor.Load(auth.primary, auth.pobj.ObjAuth, priv, pub)
		if err != nil {
			return nil, nil, WrapErr(KindAnchor, err, "load blob pair (both argument orders)")
		}
	}
	defer closeObj()

	info, _, err := s.anchor.ReadPublic(obj)
	if err != nil {
		return nil, nil, WrapErr(KindAnchor, err, "read public of blob pair")
	}
	return &tpm.KeyBlobs{Private: priv, Public: pub, Info: info}, nil, nil
}
