package token

import (
	"github.com/fdub/tpm2-pkcs11/pkg/kdf"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
	"github.com/fdub/tpm2-pkcs11/pkg/wrap"
)

// Credentials is the resolved PIN for one invocation.
type Credentials struct {
	PIN string
	SO  bool
}

// ResolvePINs selects the PIN class for an invocation. Exactly one of
// sopin/userpin must be supplied (nil = absent); when neither is, a token
// configured to permit an empty user PIN substitutes one.
func ResolvePINs(tok *store.Token, sopin, userpin *string) (Credentials, error) {
	if sopin != nil && userpin != nil {
		return Credentials{}, Errf(KindUsage, "arguments --sopin and --userpin are mutually exclusive")
	}
	if sopin != nil {
		return Credentials{PIN: *sopin, SO: true}, nil
	}
	if userpin != nil {
		return Credentials{PIN: *userpin}, nil
	}
	if tok.Config.EmptyUserPIN {
		return Credentials{PIN: ""}, nil
	}
	return Credentials{}, Errf(KindUsage, "at least one of the arguments --sopin --userpin is required")
}

// authCtx is the per-invocation authorization state: the materialized
// primary object handle and the recovered wrapping-key wrapper.
type authCtx struct {
	pobj    *store.PrimaryObject
	primary tpm.Object
	wrapper *wrap.Wrapper
	close   func()
}

// beginAuth runs the wrapping-key recovery protocol: materialize the
// primary handle, load the PIN-class seal blob pair under it, derive the
// seal authorization from the PIN and stored salt, unseal the wrapping key
// and construct the wrapper. The wrapping key lives only for this
// invocation.
func (s *Session) beginAuth(tok *store.Token, cred Credentials, hierarchyAuth string) (*authCtx, error) {
	pobj, err := s.store.GetPrimary(tok.PID)
	if err != nil {
		return nil, WrapErr(KindStore, err, "resolve primary object for token %q", tok.Label)
	}

	primary, closePrimary, err := s.anchor.Primary(tpm.PrimaryRef{
		Transient:     pobj.Config.Transient,
		SerializedTR:  pobj.Config.EsysTR,
		HierarchyAuth: hierarchyAuth,
		ObjAuth:       pobj.ObjAuth,
		Template:      pobj.Config.Template,
	})
	if err != nil {
		return nil, WrapErr(KindAnchor, err, "primary object for token %q", tok.Label)
	}

	seal, err := s.store.GetSealObjects(tok.ID)
	if err != nil {
		closePrimary()
		return nil, WrapErr(KindStore, err, "seal objects for token %q", tok.Label)
	}

	sealPub, sealPriv, salt := seal.UserPub, seal.UserPriv, seal.UserAuthSalt
	if cred.SO {
		sealPub, sealPriv, salt = seal.SOPub, seal.SOPriv, seal.SOAuthSalt
	}

	sealObj, closeSeal, err := s.anchor.Load(primary, pobj.ObjAuth, sealPriv, sealPub)
	if err != nil {
		closePrimary()
		return nil, WrapErr(KindAnchor, err, "load seal object")
	}
	defer closeSeal()

	sealAuth := kdf.DerivePIN(cred.PIN, []byte(salt))

	wrappingKey, err := s.anchor.Unseal(sealObj, sealAuth)
	if err != nil {
		closePrimary()
		return nil, WrapErr(KindAuth, err, "unseal wrapping key (wrong PIN?)")
	}

	wrapper, err := wrap.New(wrappingKey)
	if err != nil {
		closePrimary()
		return nil, WrapErr(KindAnchor, err, "construct wrapper")
	}

	return &authCtx{
		pobj:    pobj,
		primary: primary,
		wrapper: wrapper,
		close:   closePrimary,
	}, nil
}
