package token

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fdub/tpm2-pkcs11/pkg/pkcs11"
)

// ModifyOpts are the arguments to ModifyObject. With neither Key nor File
// the whole record is dumped; Key alone dumps one attribute; Key with
// Value sets one attribute; File replaces the whole record.
type ModifyOpts struct {
	ID    int
	Key   string
	Value string
	Type  string // int, str, bool or raw; required with Value
	File  string
}

// ModifyObject inspects or mutates a single object's attribute record and
// returns the resulting view keyed by symbolic attribute names.
func (s *Session) ModifyObject(opts ModifyOpts) (map[string]any, error) {
	if opts.Value != "" && opts.Key == "" {
		return nil, Errf(KindUsage, "argument --value requires --key")
	}
	if opts.Value != "" && opts.Type == "" {
		return nil, Errf(KindUsage, "argument --value requires --type")
	}
	if opts.File != "" && opts.Key != "" {
		return nil, Errf(KindUsage, "a replacement file and --key are mutually exclusive")
	}

	obj, err := s.store.GetTertiary(opts.ID)
	if err != nil {
		return nil, WrapErr(KindLookup, err, "object %d", opts.ID)
	}

	switch {
	case opts.File != "":
		attrs, err := readAttrsFile(opts.File)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdateTertiary(obj.ID, attrs); err != nil {
			return nil, WrapErr(KindStore, err, "update object %d", opts.ID)
		}
		return symbolicView(attrs), nil

	case opts.Key != "" && opts.Value != "":
		id, err := resolveAttrKey(opts.Key)
		if err != nil {
			return nil, err
		}
		value, err := coerceValue(opts.Value, opts.Type)
		if err != nil {
			return nil, err
		}
		obj.Attrs[id] = value
		if err := s.store.UpdateTertiary(obj.ID, obj.Attrs); err != nil {
			return nil, WrapErr(KindStore, err, "update object %d", opts.ID)
		}
		return symbolicView(obj.Attrs), nil

	case opts.Key != "":
		id, err := resolveAttrKey(opts.Key)
		if err != nil {
			return nil, err
		}
		v, ok := obj.Attrs[id]
		if !ok {
			return nil, Errf(KindLookup, "object %d has no attribute %s", opts.ID, opts.Key)
		}
		return map[string]any{attrKeyName(id): v}, nil

	default:
		return symbolicView(obj.Attrs), nil
	}
}

// DeleteObject removes a single object record. Removing one half of an
// asymmetric pair leaves the sibling untouched.
func (s *Session) DeleteObject(id int) error {
	if err := s.store.RemoveTertiary(id); err != nil {
		return WrapErr(KindLookup, err, "object %d", id)
	}
	s.logger.Debugf("token: removed object %d", id)
	return nil
}

// resolveAttrKey accepts a symbolic attribute name or a numeric identifier
// in any base strconv understands. Numbers outside the registry are
// rejected, in both spellings.
func resolveAttrKey(key string) (uint32, error) {
	if id, ok := pkcs11.AttributeID(key); ok {
		return id, nil
	}
	n, err := strconv.ParseUint(key, 0, 32)
	if err != nil {
		return 0, Errf(KindLookup, "unknown attribute %q, expected one of %v", key, pkcs11.Names())
	}
	if _, ok := pkcs11.AttributeName(uint32(n)); !ok {
		return 0, Errf(KindLookup, "unknown attribute %q, expected one of %v", key, pkcs11.Names())
	}
	return uint32(n), nil
}

func attrKeyName(id uint32) string {
	if n, ok := pkcs11.AttributeName(id); ok {
		return n
	}
	return fmt.Sprintf("0x%x", id)
}

// coerceValue converts the string form of a value per the declared type.
// "str" adopts the hex storage encoding; "raw" stores the string verbatim.
func coerceValue(value, typ string) (any, error) {
	switch typ {
	case "int":
		n, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return nil, Errf(KindUsage, "%q is not an integer", value)
		}
		return int(n), nil
	case "bool":
		switch strings.ToLower(value) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return nil, Errf(KindUsage, "%q is not a boolean", value)
	case "str":
		return fmt.Sprintf("%x", value), nil
	case "raw":
		return value, nil
	default:
		return nil, Errf(KindUsage, "unknown value type %q, expected int, str, bool or raw", typ)
	}
}

// readAttrsFile parses a full replacement record: a YAML mapping of
// attribute names or numbers to already-encoded values. Bare numeric keys
// decode as ints, so the key type cannot be pinned to string.
func readAttrsFile(path string) (pkcs11.Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapErr(KindUsage, err, "read %s", path)
	}
	var raw map[any]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, WrapErr(KindFormat, err, "parse %s", path)
	}
	attrs := pkcs11.Attributes{}
	for key, value := range raw {
		var id uint32
		switch k := key.(type) {
		case string:
			if id, err = resolveAttrKey(k); err != nil {
				return nil, err
			}
		case int:
			if id, err = resolveAttrKey(strconv.Itoa(k)); err != nil {
				return nil, err
			}
		default:
			return nil, Errf(KindFormat, "attribute key %v is neither a name nor a number", key)
		}
		attrs[id] = value
	}
	return attrs, nil
}

// symbolicView renders an attribute record with symbolic keys for output.
func symbolicView(attrs pkcs11.Attributes) map[string]any {
	view := make(map[string]any, len(attrs))
	for id, v := range attrs {
		view[attrKeyName(id)] = v
	}
	return view
}
