package tpm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Handle-type constants from the TPM handle space.
const (
	// HRShift is the bit offset of the handle-type octet.
	HRShift = 24

	// HTPersistent is the handle type of persistent objects (0x81xxxxxx).
	HTPersistent uint32 = 0x81

	// RHOwner is the owner-hierarchy sentinel handle.
	RHOwner uint32 = 0x40000001
)

// IsPersistentHandle reports whether s parses as hexadecimal and carries
// the persistent handle type in its upper bits. Malformed strings are not
// handles, not errors.
func IsPersistentHandle(s string) (uint32, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	h := uint32(v)
	if h>>HRShift != HTPersistent {
		return 0, false
	}
	return h, true
}

// SerializeHandle renders an object reference in the serialized form stored
// in attribute records: the big-endian handle followed by the object name.
// Only the leading four bytes are interpreted when re-resolving.
func SerializeHandle(handle uint32, name []byte) string {
	buf := make([]byte, 4, 4+len(name))
	binary.BigEndian.PutUint32(buf, handle)
	return hex.EncodeToString(append(buf, name...))
}

// HandleFromSerialized extracts the handle from a serialized reference.
func HandleFromSerialized(serialized string) (uint32, error) {
	raw, err := hex.DecodeString(serialized)
	if err != nil {
		return 0, fmt.Errorf("tpm: malformed serialized handle: %w", err)
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("tpm: serialized handle too short: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint32(raw[:4]), nil
}

func fillRandom(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("tpm: rand: %w", err)
	}
	return nil
}
