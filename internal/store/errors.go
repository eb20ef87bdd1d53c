package store

import "errors"

var (
	// ErrNotFound is wrapped by lookups that find no matching row.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition names a disallowed state transition. No store
	// operation returns it: UpsertFromFeed ignores such events silently,
	// per spec.md §4.4.
	ErrInvalidTransition = errors.New("invalid order status transition")
)
