// Package journal implements a segmented, checksummed append-only log of
// observation event bundles
package journal

import "errors"

var (
	// ErrCorrupted indicates a record whose checksum does not match
	ErrCorrupted = errors.New("journal: corrupted record")

	// ErrTruncated indicates a record cut short, usually by a torn write
	ErrTruncated = errors.New("journal: truncated record")

	// ErrClosed indicates an operation on a closed journal
	ErrClosed = errors.New("journal: closed")

	// ErrNotFound indicates that no segment files exist
	ErrNotFound = errors.New("journal: no segments")

	// ErrOutOfOrder indicates an appended sequence not above the last one
	ErrOutOfOrder = errors.New("journal: sequence out of order")
)
