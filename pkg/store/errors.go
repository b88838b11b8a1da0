package store

import "errors"

var (
	// ErrTokenNotFound indicates no token with the requested label exists.
	ErrTokenNotFound = errors.New("store: token not found")

	// ErrObjectNotFound indicates no object with the requested id exists.
	ErrObjectNotFound = errors.New("store: object not found")

	// ErrPrimaryNotFound indicates the token references a missing primary
	// object record.
	ErrPrimaryNotFound = errors.New("store: primary object not found")

	// ErrSealNotFound indicates the token has no seal object record.
	ErrSealNotFound = errors.New("store: seal objects not found")
)
