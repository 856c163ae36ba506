// Package changes implements the durable, sequence-numbered document change
// log. Every document write is appended here before it becomes visible, and
// every index can be rebuilt by replaying the log from sequence zero.
package changes

import "errors"

var (
	// ErrCorrupted indicates a checksum mismatch
	ErrCorrupted = errors.New("changes: corrupted entry")

	// ErrInvalidEntry indicates an unknown record kind
	ErrInvalidEntry = errors.New("changes: invalid entry")

	// ErrLogClosed indicates an operation on a closed log
	ErrLogClosed = errors.New("changes: log closed")

	// ErrTruncated indicates a record cut short, usually by a crash mid-write
	ErrTruncated = errors.New("changes: truncated entry")
)
