package token

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

// Export formats. FormatAuto picks per object class and is the default.
const (
	FormatAuto = "auto"
	FormatPEM  = "pem"
	FormatTPM2 = "tpm2"
)

// ExportOpts are the arguments to Export. The object is addressed either
// directly by its store id, or by token label plus key label.
type ExportOpts struct {
	ID            int
	TokenLabel    string
	KeyLabel      string
	Format        string // FormatAuto (also empty), FormatPEM or FormatTPM2
	Output        string // output path prefix; defaults to key label or id
	HierarchyAuth string
	SOPIN         *string
	UserPIN       *string
}

// Export writes an object's key material to files and returns the written
// paths. What gets written depends on the object class and the requested
// format; only the private-key PEM path needs a PIN.
func (s *Session) Export(opts ExportOpts) ([]string, error) {
	switch opts.Format {
	case "", FormatAuto:
		opts.Format = FormatAuto
	case FormatPEM, FormatTPM2:
	default:
		return nil, Errf(KindUsage, "unsupported format %q, expected %s, %s or %s",
			opts.Format, FormatAuto, FormatPEM, FormatTPM2)
	}

	obj, tok, err := s.resolveObject(opts)
	if err != nil {
		return nil, err
	}

	prefix := opts.Output
	if prefix == "" {
		prefix = opts.KeyLabel
	}
	if prefix == "" {
		prefix = fmt.Sprintf("%d", obj.ID)
	}

	class, ok := obj.Attrs.Class()
	if !ok {
		return nil, Errf(KindNotSupported, "object %d has no class", obj.ID)
	}

	switch class {
	case pkcs11.CKO_SECRET_KEY:
		if opts.Format == FormatPEM {
			return nil, Errf(KindFormat, "secret keys have no PEM form, use format %s", FormatTPM2)
		}
		return s.exportBlobs(obj, prefix)

	case pkcs11.CKO_PRIVATE_KEY:
		if opts.Format == FormatTPM2 {
			return s.exportBlobs(obj, prefix)
		}
		return s.exportTSSKey(obj, tok, opts, prefix)

	case pkcs11.CKO_PUBLIC_KEY:
		return s.exportPublicPEM(obj, prefix)

	default:
		return nil, Errf(KindNotSupported, "cannot export objects of class %s", pkcs11.ClassName(class))
	}
}

// resolveObject locates the addressed object and its owning token.
func (s *Session) resolveObject(opts ExportOpts) (*store.TObject, *store.Token, error) {
	if opts.ID != 0 {
		if opts.TokenLabel != "" || opts.KeyLabel != "" {
			return nil, nil, Errf(KindUsage, "cannot specify --id with --label or --key-label")
		}
		obj, err := s.store.GetTertiary(opts.ID)
		if err != nil {
			return nil, nil, WrapErr(KindLookup, err, "object %d", opts.ID)
		}
		tok, err := s.store.GetTokenByID(obj.TokID)
		if err != nil {
			return nil, nil, WrapErr(KindStore, err, "token of object %d", opts.ID)
		}
		return obj, tok, nil
	}

	if opts.TokenLabel == "" || opts.KeyLabel == "" {
		return nil, nil, Errf(KindUsage, "either --id or both --label and --key-label are required")
	}
	tok, err := s.store.GetToken(opts.TokenLabel)
	if err != nil {
		return nil, nil, WrapErr(KindLookup, err, "token %q", opts.TokenLabel)
	}
	objs, err := s.store.ListTertiary(tok.ID)
	if err != nil {
		return nil, nil, WrapErr(KindStore, err, "list objects")
	}

	// A label names up to one key pair. Prefer the private half; it is
	// the one carrying the custody material.
	wantLabel := hex.EncodeToString([]byte(opts.KeyLabel))
	var match *store.TObject
	for _, obj := range objs {
		if v, ok := obj.Attrs.String(pkcs11.CKA_LABEL); !ok || v != wantLabel {
			continue
		}
		class, _ := obj.Attrs.Class()
		if class == pkcs11.CKO_PRIVATE_KEY {
			return obj, tok, nil
		}
		if match == nil {
			match = obj
		}
	}
	if match == nil {
		return nil, nil, Errf(KindLookup, "no object with label %q in token %q", opts.KeyLabel, opts.TokenLabel)
	}
	return match, tok, nil
}

// objectBlobs decodes the stored blob pair of an object. The private blob
// may be absent for persistent-handle links.
func objectBlobs(obj *store.TObject) (pub, priv []byte, err error) {
	pubHex, ok := obj.Attrs.String(pkcs11.CKA_TPM2_PUB_BLOB)
	if !ok {
		return nil, nil, Errf(KindStore, "object %d has no public blob", obj.ID)
	}
	if pub, err = hex.DecodeString(pubHex); err != nil {
		return nil, nil, Errf(KindStore, "object %d public blob is not hex", obj.ID)
	}
	if privHex, ok := obj.Attrs.String(pkcs11.CKA_TPM2_PRIV_BLOB); ok {
		if priv, err = hex.DecodeString(privHex); err != nil {
			return nil, nil, Errf(KindStore, "object %d private blob is not hex", obj.ID)
		}
	}
	return pub, priv, nil
}

// exportBlobs writes the raw blob pair as <prefix>.pub and <prefix>.priv.
func (s *Session) exportBlobs(obj *store.TObject, prefix string) ([]string, error) {
	pub, priv, err := objectBlobs(obj)
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, Errf(KindNotSupported,
			"object %d has no private blob (linked persistent handle), nothing to export", obj.ID)
	}
	pubPath := prefix + ".pub"
	privPath := prefix + ".priv"
	if err := s.writeFile(pubPath, pub); err != nil {
		return nil, err
	}
	if err := s.writeFile(privPath, priv); err != nil {
		return nil, err
	}
	return []string{pubPath, privPath}, nil
}

// exportTSSKey renders the private key as a TSS2 PEM descriptor. The PIN
// is required to recover the object authorization; its emptiness decides
// the descriptor's emptyAuth flag.
func (s *Session) exportTSSKey(obj *store.TObject, tok *store.Token, opts ExportOpts, prefix string) ([]string, error) {
	pub, priv, err := objectBlobs(obj)
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, Errf(KindNotSupported,
			"object %d has no private blob (linked persistent handle), nothing to export", obj.ID)
	}

	cred, err := ResolvePINs(tok, opts.SOPIN, opts.UserPIN)
	if err != nil {
		return nil, err
	}
	auth, err := s.beginAuth(tok, cred, opts.HierarchyAuth)
	if err != nil {
		return nil, err
	}
	defer auth.close()

	encObjAuth, ok := obj.Attrs.String(pkcs11.CKA_TPM2_OBJAUTH_ENC)
	if !ok {
		return nil, Errf(KindStore, "object %d has no wrapped authorization", obj.ID)
	}
	objAuth, err := auth.wrapper.Unwrap(encObjAuth)
	if err != nil {
		return nil, WrapErr(KindAuth, err, "unwrap object authorization")
	}

	parent := tpm.RHOwner
	if !auth.pobj.Config.Transient && auth.pobj.Config.EsysTR != "" {
		if parent, err = tpm.HandleFromSerialized(auth.pobj.Config.EsysTR); err != nil {
			return nil, WrapErr(KindConfig, err, "primary object serialized handle")
		}
	}

	data, err := tpm.EncodeTSSKey(&tpm.TSSKey{
		EmptyAuth: len(objAuth) == 0,
		Parent:    parent,
		Public:    pub,
		Private:   priv,
	})
	if err != nil {
		return nil, WrapErr(KindFormat, err, "encode key descriptor")
	}

	path := prefix + ".pem"
	if err := s.writeFile(path, data); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// exportPublicPEM writes the public half as a SubjectPublicKeyInfo PEM.
// No PIN is involved.
func (s *Session) exportPublicPEM(obj *store.TObject, prefix string) ([]string, error) {
	pub, _, err := objectBlobs(obj)
	if err != nil {
		return nil, err
	}
	key, err := tpm.PublicKeyFromBlob(pub)
	if err != nil {
		return nil, WrapErr(KindFormat, err, "object %d public blob", obj.ID)
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, WrapErr(KindFormat, err, "encode public key")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := prefix + ".pem"
	if err := s.writeFile(path, data); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// writeFile stages the content in the session scratch directory and moves
// it into place, so a failed export never leaves a partial file behind.
func (s *Session) writeFile(path string, data []byte) error {
	tmp := filepath.Join(s.dir, filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return WrapErr(KindUsage, err, "write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		// The scratch directory may sit on another filesystem.
		if werr := os.WriteFile(path, data, 0o600); werr != nil {
			return WrapErr(KindUsage, werr, "write %s", path)
		}
		os.Remove(tmp)
	}
	return nil
}
