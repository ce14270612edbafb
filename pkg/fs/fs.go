// Package fs provides the filesystem seam used by the document store and its
// lock.
//
// The main types are:
//   - [FS]: interface for the filesystem operations docdb needs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [AtomicWriter]: temp file + fsync + rename replacement of whole files
//   - [Locker]: flock(2) based advisory lock on a stable guard file
//   - [Faulty]: testing implementation that fails selected operations
package fs

import (
	"io"
	"os"
	"time"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File]. [File.Fd] must return a real OS
// file descriptor usable with flock until the file is closed.
type File interface {
	io.ReadWriteCloser

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS defines the filesystem operations used by docdb.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection (see [Faulty]).
//
// Paths use OS semantics (like the os package and path/filepath).
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic replaces path with data through a temp file and
	// rename, so readers see the old or the new content, never a mix.
	// Small metadata files only; documents go through [AtomicWriter].
	WriteFileAtomic(path string, data []byte) error

	// Mkdir creates a single directory. See [os.Mkdir].
	// Returns an error satisfying [os.IsExist] if path already exists; lock
	// markers rely on this being atomic.
	Mkdir(path string, perm os.FileMode) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Chtimes changes access and modification times. See [os.Chtimes].
	Chtimes(path string, atime, mtime time.Time) error

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll].
	RemoveAll(path string) error

	// Rename moves/renames a file or directory. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
