package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [Locker.TryLock] when another open file description
	// holds the lock, and by [Locker.LockContext] when ctx ends first.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch means the guard file was replaced between open and
	// flock. Callers retry with a fresh open.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker takes exclusive flock(2) locks on stable guard files.
//
// flock is advisory and applies to an open file description, not a pathname.
// Two [Locker] values in one process exclude each other just like two
// processes do, because each lock opens its own descriptor. The kernel drops
// the lock when the holder dies, so a guard never needs stale detection.
//
// Guard files must never be replaced or unlinked while locks may be held.
// Locker still verifies that the locked descriptor refers to the file
// currently at path, protecting the open→lock window.
//
// This implementation is Unix-only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: unix.Flock,
	}
}

// Lock is a held guard lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying descriptor.
//
// Close is idempotent. If both unlocking and closing fail, the returned error
// wraps both (see [errors.Join]). Closing the descriptor releases the flock
// even when the explicit unlock failed, so errors here are for logging.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking guard: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing guard fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Lock blocks in the kernel until the exclusive lock on path is acquired.
//
// The guard file and its parent directories are created if missing.
func (l *Locker) Lock(path string) (*Lock, error) {
	for {
		file, err := l.open(path)
		if err != nil {
			return nil, err
		}

		err = l.acquire(file, path, unix.LOCK_EX)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
	}
}

// TryLock attempts to acquire the exclusive lock without blocking.
//
// Returns [ErrWouldBlock] if the lock is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		file, err := l.open(path)
		if err != nil {
			return nil, err
		}

		err = l.acquire(file, path, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
	}
}

// LockContext polls [Locker.TryLock] with 1ms..25ms backoff until the lock
// is acquired or ctx is done.
//
// When ctx ends first the error satisfies both errors.Is(err, ErrWouldBlock)
// and errors.Is(err, ctx.Err()).
func (l *Locker) LockContext(ctx context.Context, path string) (*Lock, error) {
	const maxBackoff = 25 * time.Millisecond

	backoff := time.Millisecond

	for {
		lk, err := l.TryLock(path)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %w", ErrWouldBlock, ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

const (
	guardFilePerm = 0o600
	guardDirPerm  = 0o755
)

func (l *Locker) open(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, guardFilePerm)
	if err == nil {
		return f, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening guard: %w", err)
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), guardDirPerm); err != nil {
		return nil, fmt.Errorf("creating guard dir: %w", err)
	}

	f, err = l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, guardFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening guard: %w", err)
	}

	return f, nil
}

// acquire flocks file and verifies it is still the file at path. On failure
// the file is unlocked (if needed) but not closed.
func (l *Locker) acquire(file File, path string, how int) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, how); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := l.sameInode(path, file)
	if err == nil && match {
		return nil
	}

	_ = flockRetryEINTR(l.flock, fd, unix.LOCK_UN)

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("verifying guard inode: %w", err)
	}

	return errInodeMismatch
}

// sameInode compares (dev, inode) of the open descriptor with the file
// currently at path. A mismatch means path was replaced after open, and two
// lockers could otherwise end up holding flocks on different inodes.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	a, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || a == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	b, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || b == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}

// flockRetryEINTR retries flock when a signal interrupts it. The cap only
// guards against pathological signal storms.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
