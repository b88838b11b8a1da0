// Package tpm is the trust-anchor client. It executes the small set of
// TPM 2.0 commands the token store needs (load, unseal, create, import,
// readpublic) against a transport, and owns the handle hygiene around them.
package tpm

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/fdub/tpm2-pkcs11/pkg/logging"
)

var (
	// ErrUnsupportedAlgorithm indicates a key algorithm outside the
	// supported set.
	ErrUnsupportedAlgorithm = errors.New("tpm: unsupported algorithm")
)

// Object references a loaded anchor-resident object.
type Object struct {
	Handle uint32
	Name   []byte
}

// KeyBlobs is the result of creating, importing or linking a key: the
// anchor blob pair plus the parsed public metadata. Private may be nil for
// persistent-handle links.
type KeyBlobs struct {
	Private []byte
	Public  []byte
	Info    *PublicInfo
}

// ObjectAttrs overrides the object attributes applied to an imported key.
// The zero value selects per-algorithm defaults.
type ObjectAttrs struct {
	UserWithAuth bool
	Sign         bool
	Decrypt      bool
}

// PrimaryRef carries everything needed to materialize a token's primary
// object handle: either the serialized reference of a persistent primary,
// or the hierarchy and template to recreate a transient one.
type PrimaryRef struct {
	Transient     bool
	SerializedTR  string // hex; first four bytes are the big-endian handle
	HierarchyAuth string
	ObjAuth       string
	Template      string // "rsa2048" (default) or "ecc256"
}

// Anchor is the interface the token layer consumes. All failures are
// anchor errors and treated as fatal by the caller unless documented
// otherwise.
type Anchor interface {
	// Primary materializes the primary object handle. The returned closer
	// flushes the handle when it is transient.
	Primary(ref PrimaryRef) (Object, func(), error)

	// Load loads a blob pair under a parent, returning the transient
	// object and a closer flushing it.
	Load(parent Object, parentAuth string, priv, pub []byte) (Object, func(), error)

	// Unseal returns the sealed secret of a loaded seal object. Fails when
	// the authorization (derived from a PIN) is wrong.
	Unseal(obj Object, auth string) ([]byte, error)

	// Create generates a new key of the given algorithm under the parent.
	Create(parent Object, parentAuth, objAuth, alg string) (*KeyBlobs, error)

	// ImportKey imports external key material under the parent.
	ImportKey(parent Object, parentAuth, objAuth string, key *ExternalKey, attrs ObjectAttrs) (*KeyBlobs, error)

	// ReadPublic reads the public area of a loaded object.
	ReadPublic(obj Object) (*PublicInfo, []byte, error)

	// ReadPublicHandle reads the public area of a raw (typically
	// persistent) handle and returns the object reference with its name.
	ReadPublicHandle(handle uint32) (*PublicInfo, []byte, Object, error)
}

// TPM implements Anchor over a go-tpm transport.
type TPM struct {
	transport transport.TPM
	logger    *logging.Logger
}

// New wraps an open transport. The caller owns the transport lifetime.
func New(t transport.TPM, logger *logging.Logger) *TPM {
	return &TPM{transport: t, logger: logger}
}

// Open opens the TPM character device at path (e.g. /dev/tpmrm0).
func Open(path string, logger *logging.Logger) (*TPM, func() error, error) {
	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: open %s: %w", path, err)
	}
	return New(t, logger), t.Close, nil
}

func (t *TPM) flush(handle tpm2.TPMHandle) {
	if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(t.transport); err != nil {
		t.logger.Warnf("tpm: flush 0x%x: %v", handle, err)
	}
}

// Primary implements Anchor.
func (t *TPM) Primary(ref PrimaryRef) (Object, func(), error) {
	if !ref.Transient {
		handle, err := HandleFromSerialized(ref.SerializedTR)
		if err != nil {
			return Object{}, nil, err
		}
		rsp, err := tpm2.ReadPublic{
			ObjectHandle: tpm2.TPMHandle(handle),
		}.Execute(t.transport)
		if err != nil {
			return Object{}, nil, fmt.Errorf("tpm: read persistent primary 0x%x: %w", handle, err)
		}
		return Object{Handle: handle, Name: rsp.Name.Buffer}, func() {}, nil
	}

	template := tpm2.RSASRKTemplate
	if ref.Template == "ecc256" {
		template = tpm2.ECCSRKTemplate
	}
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth([]byte(ref.HierarchyAuth)),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{
					Buffer: []byte(ref.ObjAuth),
				},
			},
		},
		InPublic: tpm2.New2B(template),
	}.Execute(t.transport)
	if err != nil {
		return Object{}, nil, fmt.Errorf("tpm: create transient primary: %w", err)
	}
	obj := Object{
		Handle: uint32(rsp.ObjectHandle),
		Name:   rsp.Name.Buffer,
	}
	t.logger.Debugf("tpm: transient primary at 0x%x", obj.Handle)
	return obj, func() { t.flush(rsp.ObjectHandle) }, nil
}

// Load implements Anchor.
func (t *TPM) Load(parent Object, parentAuth string, priv, pub []byte) (Object, func(), error) {
	private, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](priv)
	if err != nil {
		return Object{}, nil, fmt.Errorf("tpm: malformed private blob: %w", err)
	}
	public, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pub)
	if err != nil {
		return Object{}, nil, fmt.Errorf("tpm: malformed public blob: %w", err)
	}
	rsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(parent.Handle),
			Name:   tpm2.TPM2BName{Buffer: parent.Name},
			Auth:   tpm2.PasswordAuth([]byte(parentAuth)),
		},
		InPrivate: *private,
		InPublic:  *public,
	}.Execute(t.transport)
	if err != nil {
		return Object{}, nil, fmt.Errorf("tpm: load: %w", err)
	}
	obj := Object{
		Handle: uint32(rsp.ObjectHandle),
		Name:   rsp.Name.Buffer,
	}
	return obj, func() { t.flush(rsp.ObjectHandle) }, nil
}

// Unseal implements Anchor.
func (t *TPM) Unseal(obj Object, auth string) ([]byte, error) {
	rsp, err := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(obj.Handle),
			Name:   tpm2.TPM2BName{Buffer: obj.Name},
			Auth:   tpm2.PasswordAuth([]byte(auth)),
		},
	}.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: unseal: %w", err)
	}
	return rsp.OutData.Buffer, nil
}

// Create implements Anchor.
func (t *TPM) Create(parent Object, parentAuth, objAuth, alg string) (*KeyBlobs, error) {
	template, err := createTemplate(alg)
	if err != nil {
		return nil, err
	}
	rsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(parent.Handle),
			Name:   tpm2.TPM2BName{Buffer: parent.Name},
			Auth:   tpm2.PasswordAuth([]byte(parentAuth)),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{
					Buffer: []byte(objAuth),
				},
			},
		},
		InPublic: tpm2.New2B(template),
	}.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: create %s: %w", alg, err)
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm: create %s: %w", alg, err)
	}
	info, err := ParsePublic(pub)
	if err != nil {
		return nil, err
	}
	return &KeyBlobs{
		Private: tpm2.Marshal(rsp.OutPrivate),
		Public:  tpm2.Marshal(rsp.OutPublic),
		Info:    info,
	}, nil
}

// ImportKey implements Anchor. External key material is imported as an
// unencrypted duplicate: no inner or outer wrapper, empty symmetric seed.
func (t *TPM) ImportKey(parent Object, parentAuth, objAuth string, key *ExternalKey, attrs ObjectAttrs) (*KeyBlobs, error) {
	public, sensitive, err := importPair(key, objAuth, attrs)
	if err != nil {
		return nil, err
	}
	rsp, err := tpm2.Import{
		ParentHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(parent.Handle),
			Name:   tpm2.TPM2BName{Buffer: parent.Name},
			Auth:   tpm2.PasswordAuth([]byte(parentAuth)),
		},
		ObjectPublic: tpm2.New2B(public),
		Duplicate: tpm2.TPM2BPrivate{
			Buffer: tpm2.Marshal(tpm2.New2B(sensitive)),
		},
		InSymSeed: tpm2.TPM2BEncryptedSecret{},
		Symmetric: tpm2.TPMTSymDef{
			Algorithm: tpm2.TPMAlgNull,
		},
	}.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: import: %w", err)
	}
	info, err := ParsePublic(&public)
	if err != nil {
		return nil, err
	}
	return &KeyBlobs{
		Private: tpm2.Marshal(rsp.OutPrivate),
		Public:  tpm2.Marshal(tpm2.New2B(public)),
		Info:    info,
	}, nil
}

// ReadPublic implements Anchor.
func (t *TPM) ReadPublic(obj Object) (*PublicInfo, []byte, error) {
	info, pub, _, err := t.ReadPublicHandle(obj.Handle)
	return info, pub, err
}

// ReadPublicHandle implements Anchor.
func (t *TPM) ReadPublicHandle(handle uint32) (*PublicInfo, []byte, Object, error) {
	rsp, err := tpm2.ReadPublic{
		ObjectHandle: tpm2.TPMHandle(handle),
	}.Execute(t.transport)
	if err != nil {
		return nil, nil, Object{}, fmt.Errorf("tpm: readpublic 0x%x: %w", handle, err)
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, nil, Object{}, fmt.Errorf("tpm: readpublic 0x%x: %w", handle, err)
	}
	info, err := ParsePublic(pub)
	if err != nil {
		return nil, nil, Object{}, err
	}
	obj := Object{Handle: handle, Name: rsp.Name.Buffer}
	return info, tpm2.Marshal(rsp.OutPublic), obj, nil
}
