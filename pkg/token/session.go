// Package token implements the key-custody core of the token store: the
// wrapping-key recovery protocol, the ingestion strategies that bring key
// and certificate objects under anchor custody, export, and attribute
// lifecycle operations.
//
// All operations run against one open store session and one anchor client,
// both exclusively owned by the invocation.
package token

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fdub/tpm2-pkcs11/pkg/logging"
	"github.com/fdub/tpm2-pkcs11/pkg/store"
	"github.com/fdub/tpm2-pkcs11/pkg/tpm"
)

// Session scopes one command invocation: a store session, an anchor
// client, and a scratch directory for transient key-material files that is
// removed when the session closes, on every exit path.
type Session struct {
	store  *store.Store
	anchor tpm.Anchor
	logger *logging.Logger
	dir    string
}

// NewSession creates a session with a fresh scratch directory.
func NewSession(st *store.Store, anchor tpm.Anchor, logger *logging.Logger) (*Session, error) {
	dir := filepath.Join(os.TempDir(), "tpm2-pkcs11."+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("token: scratch dir: %w", err)
	}
	return &Session{
		store:  st,
		anchor: anchor,
		logger: logger,
		dir:    dir,
	}, nil
}

// Close removes the scratch directory. The store and anchor lifetimes
// belong to the caller.
func (s *Session) Close() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warnf("token: remove scratch dir: %v", err)
	}
}

// ScratchDir returns the session scratch directory.
func (s *Session) ScratchDir() string {
	return s.dir
}

// ObjectRef names one produced object in a result record.
type ObjectRef struct {
	ID string `yaml:"id"`
}

// Result is the structured record emitted for every mutating command. The
// field names are a stable contract parsed by other tooling.
type Result struct {
	Action  string               `yaml:"action"`
	Objects map[string]ObjectRef `yaml:",inline"`
}
