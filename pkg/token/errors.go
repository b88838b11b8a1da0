package token

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. The CLI boundary maps kinds to
// process exit behavior; nothing below it calls os.Exit.
type Kind int

const (
	// KindUsage: bad, missing or conflicting arguments. No mutation was
	// performed.
	KindUsage Kind = iota + 1

	// KindConfig: stored configuration contradicts the supplied material,
	// e.g. a parent handle mismatch.
	KindConfig

	// KindAuth: wrong PIN, detected via anchor unseal rejection or wrapper
	// integrity failure.
	KindAuth

	// KindLookup: missing token, object or attribute name.
	KindLookup

	// KindAnchor: trust anchor failure.
	KindAnchor

	// KindStore: object store failure.
	KindStore

	// KindFormat: requested export format not valid for the object class.
	KindFormat

	// KindNotSupported: object class has no handler.
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindLookup:
		return "lookup"
	case KindAnchor:
		return "anchor"
	case KindStore:
		return "store"
	case KindFormat:
		return "format"
	case KindNotSupported:
		return "not-supported"
	default:
		return "unknown"
	}
}

// Error is a classified operation failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errf builds a classified error.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error.
func WrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a classified error, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
