package docdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/calvinalkan/docdb/pkg/fs"
	"github.com/calvinalkan/docdb/pkg/lockfile"
)

// Normalizer is implemented by document types that repair themselves after
// decoding, for example by turning missing collections into empty ones.
type Normalizer interface {
	Normalize()
}

// Options configures a [Store].
type Options[T any] struct {
	// Path is the document file. Required.
	Path string

	// Default returns the document written when the file is absent or empty.
	// Required.
	Default func() T

	// FS is the filesystem. Default [fs.NewReal].
	FS fs.FS

	// Lock configures the cross-process lock. Lock.Logger defaults to Logger.
	Lock lockfile.Options

	// Logger receives recovery, release and sync warnings.
	// Default [slog.Default].
	Logger *slog.Logger

	// SkipRecovery disables the stale lock check in [Open].
	SkipRecovery bool
}

// Store is a JSON document in a file, guarded by a cross-process lock.
//
// Store keeps no cached copy: every Read and every transaction loads the
// file. It is safe for concurrent use. Separate Stores on the same path,
// in this or other processes, coordinate through the lock only.
type Store[T any] struct {
	path   string
	def    func() T
	fs     fs.FS
	writer *fs.AtomicWriter
	locker *lockfile.Locker
	log    *slog.Logger

	// sem queues goroutines of this process before they contend on disk.
	sem *semaphore.Weighted

	recMu    sync.Mutex
	recovery lockfile.Outcome
}

// Open returns a Store for opts.Path.
//
// Unless opts.SkipRecovery is set it first runs [Store.Recover], clearing a
// lock left behind by a crashed process. Recovery never fails Open.
// The document file itself is not touched until the first Read or
// transaction.
func Open[T any](ctx context.Context, opts Options[T]) (*Store[T], error) {
	if opts.Path == "" {
		return nil, errors.New("docdb: path is empty")
	}

	if opts.Default == nil {
		return nil, errors.New("docdb: default document is nil")
	}

	if opts.FS == nil {
		opts.FS = fs.NewReal()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Lock.Logger == nil {
		opts.Lock.Logger = opts.Logger
	}

	s := &Store[T]{
		path:   opts.Path,
		def:    opts.Default,
		fs:     opts.FS,
		writer: fs.NewAtomicWriter(opts.FS),
		locker: lockfile.New(opts.FS, opts.Lock),
		log:    opts.Logger,
		sem:    semaphore.NewWeighted(1),
	}

	if !opts.SkipRecovery {
		s.Recover(ctx)
	}

	return s, nil
}

// Path returns the document file path.
func (s *Store[T]) Path() string {
	return s.path
}

// LockOptions returns the effective lock options.
func (s *Store[T]) LockOptions() lockfile.Options {
	return s.locker.Options()
}

// Recover clears a lock left behind by a crashed holder. See
// [lockfile.Locker.Recover].
func (s *Store[T]) Recover(ctx context.Context) lockfile.Outcome {
	outcome := s.locker.Recover(ctx, s.path)

	s.recMu.Lock()
	s.recovery = outcome
	s.recMu.Unlock()

	return outcome
}

// RecoveryOutcome returns the result of the last [Store.Recover], or zero if
// recovery never ran.
func (s *Store[T]) RecoveryOutcome() lockfile.Outcome {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	return s.recovery
}

// LockStatus describes the current lock marker without taking the lock.
func (s *Store[T]) LockStatus() (lockfile.Info, error) {
	opts := s.locker.Options()

	return lockfile.Status(s.fs, s.path, opts.Stale, opts.Now())
}

// Read returns the current document.
//
// An absent or empty file is initialised with the default document under
// the lock, so Read can block like a transaction does in that case.
// A file that fails to decode yields an error wrapping [ErrCorrupt].
func (s *Store[T]) Read(ctx context.Context) (T, error) {
	doc, err := s.load()
	if !errors.Is(err, errEmpty) {
		return doc, err
	}

	err = s.transact(ctx, func(lk *lockfile.Lock) error {
		doc, err = s.readLocked(ctx, lk)

		return err
	})
	if err != nil {
		var zero T

		return zero, err
	}

	return doc, nil
}

// View calls fn with a freshly read document.
func (s *Store[T]) View(ctx context.Context, fn func(doc T) error) error {
	doc, err := s.Read(ctx)
	if err != nil {
		return err
	}

	return fn(doc)
}

// Write replaces the document unconditionally, inside a transaction.
func (s *Store[T]) Write(ctx context.Context, doc T) error {
	return s.transact(ctx, func(lk *lockfile.Lock) error {
		return s.writeLocked(ctx, lk, doc)
	})
}

// errEmpty means the file is absent or holds only whitespace.
var errEmpty = errors.New("document empty")

// load decodes the file without locking.
func (s *Store[T]) load() (T, error) {
	var doc T

	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, errEmpty
	}

	if err != nil {
		return doc, fmt.Errorf("reading document: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return doc, errEmpty
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, &CorruptError{Path: s.path, Offset: decodeOffset(err), Err: err}
	}

	normalize(&doc)

	return doc, nil
}

// readLocked loads the document while the lock is held, writing the default
// if the file is absent or empty.
func (s *Store[T]) readLocked(ctx context.Context, lk *lockfile.Lock) (T, error) {
	doc, err := s.load()
	if !errors.Is(err, errEmpty) {
		return doc, err
	}

	doc = s.def()
	normalize(&doc)

	s.log.InfoContext(ctx, "initialising document", "path", s.path)

	if err := s.writeLocked(ctx, lk, doc); err != nil {
		var zero T

		return zero, err
	}

	return doc, nil
}

// writeLocked persists doc while the lock is held. It refuses to write once
// the lock is compromised.
func (s *Store[T]) writeLocked(ctx context.Context, lk *lockfile.Lock, doc T) error {
	if err := lk.Err(); err != nil {
		return fmt.Errorf("not writing %s: %w", s.path, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrWriteFailed, err)
	}

	data = append(data, '\n')

	err = s.writer.WriteFile(s.path, data)
	if errors.Is(err, fs.ErrAtomicWriteDirSync) {
		// The rename happened; only its durability is uncertain.
		s.log.WarnContext(ctx, "document written but directory sync failed", "path", s.path, "error", err)

		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	return nil
}

func normalize[T any](doc *T) {
	if n, ok := any(doc).(Normalizer); ok {
		n.Normalize()
	}
}

func decodeOffset(err error) int64 {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Offset
	}

	return -1
}
