package docdb

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/docdb/pkg/lockfile"
)

var (
	// ErrCorrupt is returned when the document file exists but cannot be
	// decoded. The file is never replaced by a default in that case.
	ErrCorrupt = errors.New("document corrupt")

	// ErrWriteFailed wraps failures persisting the document. The previous
	// document is still intact on disk.
	ErrWriteFailed = errors.New("document write failed")

	// ErrLockTimeout is returned when the lock could not be acquired within
	// the retry policy.
	ErrLockTimeout = lockfile.ErrTimeout

	// ErrLockCompromised is returned by a transaction whose lock was taken
	// over while it ran. Nothing was written.
	ErrLockCompromised = lockfile.ErrCompromised
)

// CorruptError describes a document file that failed to decode.
//
// It matches [ErrCorrupt] with [errors.Is]:
//
//	var cErr *docdb.CorruptError
//	if errors.As(err, &cErr) {
//	    fmt.Printf("%s is broken at byte %d\n", cErr.Path, cErr.Offset)
//	}
type CorruptError struct {
	Path string

	// Offset is the byte offset of the decode error, or -1 when unknown.
	Offset int64

	Err error
}

func (e *CorruptError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s at offset %d: %v", ErrCorrupt, e.Path, e.Offset, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", ErrCorrupt, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}
