// Package apperr defines the sentinel errors shared across the store.
package apperr

import "errors"

var (
	// ErrNotFound is returned when a section, history snapshot, or
	// anchor does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateHeading is returned by strict inserts when the heading
	// already exists, and by the parser when a document contains the
	// same heading twice.
	ErrDuplicateHeading = errors.New("duplicate heading")

	// ErrAnchorNotFound is returned by positional inserts whose anchor
	// heading does not exist.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrLockTimeout is returned when the session lock could not be
	// acquired within the caller's timeout. Recoverable: the caller may
	// retry or surface it.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNoConflict is returned by resolve operations targeting a
	// section that carries no conflict markers.
	ErrNoConflict = errors.New("section is not conflicted")
)
