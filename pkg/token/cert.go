package token

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
)

// CertOpts are the arguments to AddCert. Exactly one of KeyLabel and
// KeyID selects the private key the certificate is attached to.
type CertOpts struct {
	TokenLabel string
	KeyLabel   string
	KeyID      string
}

// AddCert attaches an X.509 certificate to an existing private key
// record. This is a pure metadata operation; the anchor is never
// involved and no PIN is required.
func (s *Session) AddCert(opts CertOpts, certfile string) (*Result, error) {
	if (opts.KeyLabel == "") == (opts.KeyID == "") {
		return nil, Errf(KindUsage, "exactly one of --key-label and --key-id is required")
	}

	tok, err := s.store.GetToken(opts.TokenLabel)
	if err != nil {
		return nil, WrapErr(KindLookup, err, "token %q", opts.TokenLabel)
	}

	cert, err := readPEMCertificate(certfile)
	if err != nil {
		return nil, err
	}

	keyAttrs, err := s.findPrivateKey(tok.ID, opts.KeyLabel, opts.KeyID)
	if err != nil {
		return nil, err
	}

	attrs := certAttrs(cert)
	// The certificate inherits the identity of the key it belongs to.
	attrs[pkcs11.CKA_ID] = keyAttrs[pkcs11.CKA_ID]
	if label, ok := keyAttrs[pkcs11.CKA_LABEL]; ok {
		attrs[pkcs11.CKA_LABEL] = label
	}

	id, err := s.store.AddTertiary(tok.ID, attrs)
	if err != nil {
		return nil, WrapErr(KindStore, err, "persist certificate record")
	}
	s.logger.Debugf("token: stored certificate record %d", id)

	hexID, _ := attrs.String(pkcs11.CKA_ID)
	return &Result{Action: "add", Objects: map[string]ObjectRef{
		"cert": {ID: hexID},
	}}, nil
}

func readPEMCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapErr(KindUsage, err, "read certificate %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, Errf(KindFormat, "%s does not contain a PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, WrapErr(KindFormat, err, "parse certificate %s", path)
	}
	return cert, nil
}

// findPrivateKey scans the token's object records for the private key
// matching label or id. The label is given in the clear; the id is given
// in its stored hex form.
func (s *Session) findPrivateKey(tokID int, label, id string) (pkcs11.Attributes, error) {
	objs, err := s.store.ListTertiary(tokID)
	if err != nil {
		return nil, WrapErr(KindStore, err, "list objects")
	}
	wantLabel := hex.EncodeToString([]byte(label))
	for _, obj := range objs {
		class, ok := obj.Attrs.Class()
		if !ok || class != pkcs11.CKO_PRIVATE_KEY {
			continue
		}
		if label != "" {
			if v, ok := obj.Attrs.String(pkcs11.CKA_LABEL); ok && v == wantLabel {
				return obj.Attrs, nil
			}
			continue
		}
		if v, ok := obj.Attrs.String(pkcs11.CKA_ID); ok && v == id {
			return obj.Attrs, nil
		}
	}
	if label != "" {
		return nil, Errf(KindLookup, "no private key with label %q", label)
	}
	return nil, Errf(KindLookup, "no private key with id %q", id)
}

// certAttrs maps a parsed certificate to its object record.
func certAttrs(cert *x509.Certificate) pkcs11.Attributes {
	attrs := pkcs11.Attributes{
		pkcs11.CKA_CLASS:            pkcs11.CKO_CERTIFICATE,
		pkcs11.CKA_CERTIFICATE_TYPE: pkcs11.CKC_X_509,
		pkcs11.CKA_TOKEN:            true,
		pkcs11.CKA_PRIVATE:          false,
	}
	attrs.SetHex(pkcs11.CKA_VALUE, string(cert.Raw))
	attrs.SetHex(pkcs11.CKA_SUBJECT, string(cert.RawSubject))
	attrs.SetHex(pkcs11.CKA_ISSUER, string(cert.RawIssuer))
	attrs.SetHex(pkcs11.CKA_SERIAL_NUMBER, string(cert.SerialNumber.Bytes()))
	return attrs
}
