package lockfile

import "errors"

var (
	// ErrTimeout is returned by [Locker.Acquire] when the marker is still
	// held by another process after the last retry.
	ErrTimeout = errors.New("lock timeout")

	// ErrNotHeld is returned by [Lock.Release] when the marker is gone or now
	// belongs to another owner. The marker of the other owner is left alone.
	ErrNotHeld = errors.New("lock not held")

	// ErrReleased is returned by [Lock.Release] on every call after the first.
	ErrReleased = errors.New("lock already released")

	// ErrCompromised is returned by [Lock.Err] once the renewal heartbeat
	// found the marker removed or taken over by another owner.
	ErrCompromised = errors.New("lock compromised")

	// ErrMalformed indicates a marker exists but cannot be interpreted, for
	// example because it is a regular file instead of a directory.
	ErrMalformed = errors.New("malformed lock marker")
)
