package store

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state-precondition violation,
	// such as reserving a non-pending event or inserting a duplicate
	// mutation for a handler run.
	ErrConflict = errors.New("conflict")
	// ErrReadOnly indicates a write attempted through a View handle.
	ErrReadOnly = errors.New("read-only transaction")
	// ErrUnavailable indicates the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)
