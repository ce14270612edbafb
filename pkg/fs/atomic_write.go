package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced
// after rename.
//
// When returned, the new file is in place and visible to readers but the
// rename may not survive a power loss. Callers can detect this with
// errors.Is(err, ErrAtomicWriteDirSync) and usually only log it.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter replaces whole files so that concurrent readers only ever see
// the previous or the new complete content.
//
// Content is written to a temp file in the destination directory, synced, and
// renamed over the destination. The temp file never shares a name with the
// destination, so a crash mid-write leaves at most a stray ".<name>.tmp-*"
// file next to an intact destination.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures [AtomicWriter.Write].
type AtomicWriteOptions struct {
	// SyncDir controls whether the parent directory is synced after rename.
	SyncDir bool

	// Perm is the mode of the resulting file. Must be non-zero.
	// The temp file is chmod'd explicitly so umask does not apply.
	Perm os.FileMode
}

// DefaultAtomicWriteOptions returns SyncDir=true, Perm=0o644.
func DefaultAtomicWriteOptions() AtomicWriteOptions {
	return AtomicWriteOptions{
		SyncDir: true,
		Perm:    0o644,
	}
}

// WriteFile is [AtomicWriter.Write] for an in-memory payload with
// [DefaultAtomicWriteOptions].
func (w *AtomicWriter) WriteFile(path string, data []byte) error {
	return w.Write(path, bytes.NewReader(data), DefaultAtomicWriteOptions())
}

// Write copies r into path atomically.
//
// If the rename succeeded but syncing the directory failed, the returned
// error satisfies errors.Is(err, ErrAtomicWriteDirSync). Every other error
// means path still holds its previous content (or is still absent).
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." || base == string(os.PathSeparator) {
		return fmt.Errorf("invalid path %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := createTemp(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	discard := func() error {
		return errors.Join(closeTemp(tmpPath, tmp), removeTemp(w.fs, tmpPath))
	}

	if err := tmp.Chmod(opts.Perm); err != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), discard())
	}

	if err := fillTemp(tmp, tmpPath, r); err != nil {
		return errors.Join(err, discard())
	}

	if err := closeTemp(tmpPath, tmp); err != nil {
		return errors.Join(err, removeTemp(w.fs, tmpPath))
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("rename %q: %w", path, err), removeTemp(w.fs, tmpPath))
	}

	if opts.SyncDir {
		return syncDir(w.fs, dir)
	}

	return nil
}

func fillTemp(file File, path string, r io.Reader) error {
	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("write temp file %q: %w", path, err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync temp file %q: %w", path, err)
	}

	return nil
}

const maxTempAttempts = 10000

var tempCounter atomic.Uint64

// createTemp picks ".<base>.tmp-<pid>-<seq>". The pid keeps concurrent
// processes from probing the same names; O_EXCL makes collisions harmless.
func createTemp(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	pid := os.Getpid()

	for range maxTempAttempts {
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", base, pid, tempCounter.Add(1)))

		file, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func syncDir(fs FS, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
	}

	if closeErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("close dir %q: %w", dir, closeErr))
	}

	return nil
}

func closeTemp(path string, file File) error {
	if file == nil {
		return nil
	}

	err := file.Close()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return nil
	}

	return fmt.Errorf("close temp file %q: %w", path, err)
}

func removeTemp(fs FS, path string) error {
	err := fs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
