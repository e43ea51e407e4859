package domain

import "errors"

var (
	// ErrNotFound reports an unknown conversation, book or account.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write against a stale session version.
	ErrConflict = errors.New("conflict")
	// ErrValidation reports a malformed amount, date or memo.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidReference reports a book that is not owned by the caller.
	ErrInvalidReference = errors.New("invalid reference")
)
