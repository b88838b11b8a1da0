// Package store persists the token store in a sqlite3 database. One Store
// session is opened per command invocation and closed before the process
// exits; there is no cross-session state.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
)

// DBName is the database file name inside the store directory.
const DBName = "tpm2_pkcs11.sqlite3"

// TokenConfig is the structured token configuration stored as YAML in the
// tokens table.
type TokenConfig struct {
	EmptyUserPIN bool `yaml:"empty-user-pin"`

	// TokenInit records whether user and SO PINs have been set.
	TokenInit bool `yaml:"token-init,omitempty"`
}

// PrimaryConfig is the structured primary-object configuration. A transient
// primary object is recreated from its template on every invocation; a
// persistent one carries the serialized trust-anchor reference whose first
// four bytes are the big-endian handle.
type PrimaryConfig struct {
	Transient bool   `yaml:"transient"`
	EsysTR    string `yaml:"esys-tr,omitempty"`
	Template  string `yaml:"template-name,omitempty"`
}

// Token is a provisioned token row. Read-only to the key lifecycle
// operations.
type Token struct {
	ID     int
	PID    int
	Label  string
	Config TokenConfig
}

// PrimaryObject is the anchor-resident parent key record for a token.
type PrimaryObject struct {
	ID        int
	Hierarchy string
	ObjAuth   string
	Config    PrimaryConfig
}

// SealObjects is the per-token pair of PIN-class seal blobs. Both classes
// protect the same wrapping key through independent PIN paths.
type SealObjects struct {
	ID           int
	TokID        int
	UserPub      []byte
	UserPriv     []byte
	UserAuthSalt string
	SOPub        []byte
	SOPriv       []byte
	SOAuthSalt   string
}

// TObject is a tertiary object row: one key half or certificate, identified
// by its store-assigned id.
type TObject struct {
	ID    int
	TokID int
	Attrs pkcs11.Attributes
}

// Store is an open sqlite3 session.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store in the given directory.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, DBName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database session.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	for _, stmt := range []string{
		createTokensTable,
		createPObjectsTable,
		createSealObjectsTable,
		createTObjectsTable,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create tables: %w", err)
		}
	}
	return nil
}

// GetToken returns the token with the given label.
func (s *Store) GetToken(label string) (*Token, error) {
	t := &Token{}
	var config string
	err := s.db.QueryRow(getTokenQuery, label).Scan(&t.ID, &t.PID, &t.Label, &config)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrTokenNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	if err := yaml.Unmarshal([]byte(config), &t.Config); err != nil {
		return nil, fmt.Errorf("store: token %q config: %w", label, err)
	}
	return t, nil
}

// GetTokenByID returns the token owning a given row id. Used when an
// object is addressed directly by id and its token must be recovered.
func (s *Store) GetTokenByID(id int) (*Token, error) {
	t := &Token{}
	var config string
	err := s.db.QueryRow(getTokenByID, id).Scan(&t.ID, &t.PID, &t.Label, &config)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrTokenNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	if err := yaml.Unmarshal([]byte(config), &t.Config); err != nil {
		return nil, fmt.Errorf("store: token %d config: %w", id, err)
	}
	return t, nil
}

// AddToken inserts a token row. Used by provisioning, not by the key
// lifecycle operations.
func (s *Store) AddToken(pid int, label string, config TokenConfig) (int, error) {
	raw, err := yaml.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("store: marshal token config: %w", err)
	}
	res, err := s.db.Exec(insertToken, pid, label, string(raw))
	if err != nil {
		return 0, fmt.Errorf("store: add token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add token: %w", err)
	}
	return int(id), nil
}

// GetPrimary returns the primary object with the given id.
func (s *Store) GetPrimary(id int) (*PrimaryObject, error) {
	p := &PrimaryObject{}
	var config string
	err := s.db.QueryRow(getPrimaryQuery, id).Scan(&p.ID, &p.Hierarchy, &p.ObjAuth, &config)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrPrimaryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get primary: %w", err)
	}
	if err := yaml.Unmarshal([]byte(config), &p.Config); err != nil {
		return nil, fmt.Errorf("store: primary %d config: %w", id, err)
	}
	return p, nil
}

// AddPrimary inserts a primary object row.
func (s *Store) AddPrimary(hierarchy, objauth string, config PrimaryConfig) (int, error) {
	raw, err := yaml.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("store: marshal primary config: %w", err)
	}
	res, err := s.db.Exec(insertPrimary, hierarchy, objauth, string(raw))
	if err != nil {
		return 0, fmt.Errorf("store: add primary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add primary: %w", err)
	}
	return int(id), nil
}

// GetSealObjects returns the seal object record for a token.
func (s *Store) GetSealObjects(tokid int) (*SealObjects, error) {
	o := &SealObjects{}
	err := s.db.QueryRow(getSealQuery, tokid).Scan(
		&o.ID, &o.TokID,
		&o.UserPub, &o.UserPriv, &o.UserAuthSalt,
		&o.SOPub, &o.SOPriv, &o.SOAuthSalt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: token %d", ErrSealNotFound, tokid)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get seal objects: %w", err)
	}
	return o, nil
}

// AddSealObjects inserts the seal object record for a token.
func (s *Store) AddSealObjects(o *SealObjects) (int, error) {
	res, err := s.db.Exec(insertSeal, o.TokID,
		o.UserPub, o.UserPriv, o.UserAuthSalt,
		o.SOPub, o.SOPriv, o.SOAuthSalt)
	if err != nil {
		return 0, fmt.Errorf("store: add seal objects: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add seal objects: %w", err)
	}
	return int(id), nil
}

// AddTertiary inserts a tertiary object record and returns its assigned id.
func (s *Store) AddTertiary(tokid int, attrs pkcs11.Attributes) (int, error) {
	raw, err := yaml.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal attrs: %w", err)
	}
	res, err := s.db.Exec(insertTObject, tokid, string(raw))
	if err != nil {
		return 0, fmt.Errorf("store: add tertiary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add tertiary: %w", err)
	}
	return int(id), nil
}

// UpdateTertiary replaces the attribute record of an existing object.
func (s *Store) UpdateTertiary(id int, attrs pkcs11.Attributes) error {
	raw, err := yaml.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("store: marshal attrs: %w", err)
	}
	res, err := s.db.Exec(updateTObject, string(raw), id)
	if err != nil {
		return fmt.Errorf("store: update tertiary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update tertiary: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrObjectNotFound, id)
	}
	return nil
}

// GetTertiary returns a single tertiary object by id.
func (s *Store) GetTertiary(id int) (*TObject, error) {
	var raw string
	o := &TObject{}
	err := s.db.QueryRow(getTObjectByID, id).Scan(&o.ID, &o.TokID, &raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrObjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tertiary: %w", err)
	}
	o.Attrs = pkcs11.Attributes{}
	if err := yaml.Unmarshal([]byte(raw), &o.Attrs); err != nil {
		return nil, fmt.Errorf("store: tertiary %d attrs: %w", id, err)
	}
	return o, nil
}

// ListTertiary returns all tertiary objects of a token in id order.
func (s *Store) ListTertiary(tokid int) ([]*TObject, error) {
	rows, err := s.db.Query(listTObjects, tokid)
	if err != nil {
		return nil, fmt.Errorf("store: list tertiary: %w", err)
	}
	defer rows.Close()

	var objs []*TObject
	for rows.Next() {
		var raw string
		o := &TObject{}
		if err := rows.Scan(&o.ID, &o.TokID, &raw); err != nil {
			return nil, fmt.Errorf("store: list tertiary: %w", err)
		}
		o.Attrs = pkcs11.Attributes{}
		if err := yaml.Unmarshal([]byte(raw), &o.Attrs); err != nil {
			return nil, fmt.Errorf("store: tertiary %d attrs: %w", o.ID, err)
		}
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list tertiary: %w", err)
	}
	return objs, nil
}

// RemoveTertiary deletes a tertiary object record. Deleting one half of an
// asymmetric pair does not cascade to its sibling record.
func (s *Store) RemoveTertiary(id int) error {
	res, err := s.db.Exec(deleteTObject, id)
	if err != nil {
		return fmt.Errorf("store: remove tertiary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove tertiary: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrObjectNotFound, id)
	}
	return nil
}
