package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrDuplicateRef is returned when a ledger append carries an
	// external_ref that is already present. Duplicate payment events are
	// expected and callers normalize this to a no-op success.
	ErrDuplicateRef = errors.New("external reference already recorded")

	// ErrStaleStatus is returned by conditional task updates when the
	// task exists but its current status does not match any expected
	// prior status.
	ErrStaleStatus = errors.New("task status does not match expected state")
)
