package fs

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrInjected is the default error returned by operations failed by [Faulty].
var ErrInjected = errors.New("injected fault")

// Op names an operation [Faulty] can count and fail.
type Op string

// Operations observed by [Faulty].
const (
	OpOpen      Op = "open"
	OpOpenFile  Op = "openfile"
	OpReadFile  Op = "readfile"
	OpMkdir     Op = "mkdir"
	OpMkdirAll  Op = "mkdirall"
	OpStat      Op = "stat"
	OpChtimes   Op = "chtimes"
	OpRemove    Op = "remove"
	OpRemoveAll Op = "removeall"
	OpRename    Op = "rename"

	// OpWriteFileAtomic fails [FS.WriteFileAtomic] before anything is written.
	OpWriteFileAtomic Op = "writefileatomic"

	// OpWrite fails File.Write on files opened through [Faulty]. Half of the
	// buffer is written before the error, which models a process dying in
	// the middle of a write.
	OpWrite Op = "write"

	// OpSync fails File.Sync on files opened through [Faulty].
	OpSync Op = "sync"

	// OpClose fails File.Close on files opened through [Faulty]. The
	// descriptor is still closed.
	OpClose Op = "close"
)

// Faulty wraps an [FS], counts calls per operation and fails the ones that
// match registered rules.
//
// Rules match on the base name of the path (for [OpRename], the destination)
// using [filepath.Match] patterns, so ".db.json.tmp-*" targets temp files of
// "db.json" only.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	inner FS

	mu    sync.Mutex
	rules []faultRule
	calls []call
}

type faultRule struct {
	op        Op
	pattern   string
	err       error
	remaining int // <0 = unlimited
}

type call struct {
	op   Op
	path string
}

// NewFaulty wraps inner. Panics if inner is nil.
func NewFaulty(inner FS) *Faulty {
	if inner == nil {
		panic("inner fs is nil")
	}

	return &Faulty{inner: inner}
}

// FailOn makes every future op whose path base name matches pattern fail
// with err (ErrInjected if nil).
func (f *Faulty) FailOn(op Op, pattern string, err error) {
	f.FailTimes(op, pattern, -1, err)
}

// FailTimes is like [Faulty.FailOn] but stops after n failures.
func (f *Faulty) FailTimes(op Op, pattern string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, faultRule{op: op, pattern: pattern, err: err, remaining: n})
}

// ClearFaults removes all rules. Call counts are kept.
func (f *Faulty) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

// Calls returns how many times op was called with a path whose base name
// matches pattern.
func (f *Faulty) Calls(op Op, pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, c := range f.calls {
		if c.op == op && baseMatches(pattern, c.path) {
			n++
		}
	}

	return n
}

// record logs the call and returns the injected error, if any.
func (f *Faulty) record(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{op: op, path: path})

	for i := range f.rules {
		r := &f.rules[i]
		if r.op != op || r.remaining == 0 || !baseMatches(r.pattern, path) {
			continue
		}

		if r.remaining > 0 {
			r.remaining--
		}

		return &os.PathError{Op: string(op), Path: path, Err: r.err}
	}

	return nil
}

func baseMatches(pattern, path string) bool {
	ok, err := filepath.Match(pattern, filepath.Base(path))

	return err == nil && ok
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.record(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.inner.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, fs: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.record(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, fs: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.record(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.inner.ReadFile(path)
}

func (f *Faulty) WriteFileAtomic(path string, data []byte) error {
	if err := f.record(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.inner.WriteFileAtomic(path, data)
}

func (f *Faulty) Mkdir(path string, perm os.FileMode) error {
	if err := f.record(OpMkdir, path); err != nil {
		return err
	}

	return f.inner.Mkdir(path, perm)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.record(OpMkdirAll, path); err != nil {
		return err
	}

	return f.inner.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.record(OpStat, path); err != nil {
		return nil, err
	}

	return f.inner.Stat(path)
}

func (f *Faulty) Chtimes(path string, atime, mtime time.Time) error {
	if err := f.record(OpChtimes, path); err != nil {
		return err
	}

	return f.inner.Chtimes(path, atime, mtime)
}

func (f *Faulty) Remove(path string) error {
	if err := f.record(OpRemove, path); err != nil {
		return err
	}

	return f.inner.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.record(OpRemoveAll, path); err != nil {
		return err
	}

	return f.inner.RemoveAll(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.record(OpRename, newpath); err != nil {
		return err
	}

	return f.inner.Rename(oldpath, newpath)
}

type faultyFile struct {
	File

	fs   *Faulty
	path string
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.fs.record(OpWrite, ff.path); err != nil {
		n, _ := ff.File.Write(p[:len(p)/2])

		return n, err
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.fs.record(OpSync, ff.path); err != nil {
		return err
	}

	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	closeErr := ff.File.Close()

	if err := ff.fs.record(OpClose, ff.path); err != nil {
		return err
	}

	return closeErr
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
