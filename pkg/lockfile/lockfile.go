package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/docdb/pkg/fs"
)

const (
	// DefaultStale is the age after which an unrenewed marker is abandoned.
	DefaultStale = 30 * time.Second

	// MinStale is the smallest accepted staleness threshold. Shorter values
	// are raised to it; filesystems with coarse mtimes would otherwise
	// classify a fresh marker as stale.
	MinStale = 2 * time.Second
)

// Options configures a [Locker]. The zero value is usable.
type Options struct {
	// Stale is the staleness threshold. Default [DefaultStale].
	Stale time.Duration

	// Update is the renewal interval of held locks. Default Stale/2, and
	// never more than Stale/2. Negative disables renewal.
	Update time.Duration

	// Retry bounds waiting for a contended marker. The zero value means
	// [DefaultRetryPolicy]; pass [NoRetry] to fail on the first busy marker.
	Retry RetryPolicy

	// Now returns the current time. Default [time.Now].
	Now func() time.Time

	// Sleep waits between attempts. Default is a timer that honours ctx.
	// Tests inject a recorder to simulate contention without wall-clock delay.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives contention, reclaim and renewal events.
	// Default [slog.Default].
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Stale == 0 {
		o.Stale = DefaultStale
	}

	o.Stale = max(o.Stale, MinStale)

	switch {
	case o.Update == 0:
		o.Update = o.Stale / 2
	case o.Update > o.Stale/2:
		o.Update = o.Stale / 2
	}

	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	if o.Sleep == nil {
		o.Sleep = sleepContext
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

// Locker acquires marker locks. It is safe for concurrent use; two goroutines
// acquiring the same path exclude each other exactly like two processes do.
type Locker struct {
	fs    fs.FS
	guard *fs.Locker
	opts  Options

	contended rate.Sometimes
}

// New returns a Locker operating on fsys.
func New(fsys fs.FS, opts Options) *Locker {
	if fsys == nil {
		panic("fs is nil")
	}

	return &Locker{
		fs:        fsys,
		guard:     fs.NewLocker(fsys),
		opts:      opts.withDefaults(),
		contended: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

// Options returns the effective options after defaults were applied.
func (l *Locker) Options() Options {
	return l.opts
}

// errHeld signals a live marker owned by someone else.
var errHeld = errors.New("held by another owner")

// Acquire takes the lock on path.
//
// Each attempt tries to create the marker. If it exists and is stale, it is
// reclaimed and creation retried within the same attempt. Otherwise Acquire
// sleeps per the retry policy and tries again. After the last attempt it
// returns an error wrapping [ErrTimeout]. Cancelling ctx aborts the wait and
// returns ctx's error.
func (l *Locker) Acquire(ctx context.Context, path string) (*Lock, error) {
	attempts := l.opts.Retry.Attempts()

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("waiting for lock %s: %w", path, err)
		}

		lk, err := l.tryAcquire(ctx, path)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, errHeld) {
			return nil, err
		}

		if n+1 >= attempts {
			return nil, fmt.Errorf("%w: %s still held after %d attempts", ErrTimeout, path, attempts)
		}

		wait := l.opts.Retry.Wait(n)

		l.contended.Do(func() {
			l.opts.Logger.InfoContext(ctx, "lock contended, retrying", "path", path, "attempt", n+1, "wait", wait)
		})

		if err := l.opts.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("waiting for lock %s: %w", path, err)
		}
	}
}

func (l *Locker) tryAcquire(ctx context.Context, path string) (*Lock, error) {
	marker := MarkerPath(path)
	reclaimed := false
	madeParent := false

	for {
		err := l.fs.Mkdir(marker, markerPerm)
		if err == nil {
			return l.claim(path, marker)
		}

		switch {
		case errors.Is(err, os.ErrNotExist) && !madeParent:
			madeParent = true

			if err := l.fs.MkdirAll(filepath.Dir(marker), markerPerm); err != nil {
				return nil, fmt.Errorf("creating lock dir: %w", err)
			}

			continue
		case !errors.Is(err, os.ErrExist):
			return nil, fmt.Errorf("creating lock marker: %w", err)
		case reclaimed:
			return nil, errHeld
		}

		removed, err := l.reclaimIfStale(ctx, path)
		if err != nil {
			return nil, err
		}

		if !removed {
			return nil, errHeld
		}

		reclaimed = true
	}
}

// reclaimIfStale removes the marker if it is stale. It reports true when the
// marker is gone afterwards. The staleness decision and the removal happen
// under the guard, so a marker created by a peer after the decision is never
// removed.
func (l *Locker) reclaimIfStale(ctx context.Context, path string) (bool, error) {
	guard, err := l.guard.LockContext(ctx, GuardPath(path))
	if err != nil {
		return false, fmt.Errorf("taking lock guard: %w", err)
	}
	defer l.closeGuard(ctx, guard)

	info, err := Status(l.fs, path, l.opts.Stale, l.opts.Now())
	if err != nil {
		return false, err
	}

	switch info.State {
	case StateAbsent:
		return true, nil
	case StateHeld:
		return false, nil
	}

	if err := l.fs.RemoveAll(MarkerPath(path)); err != nil {
		return false, fmt.Errorf("removing stale lock marker: %w", err)
	}

	l.opts.Logger.WarnContext(ctx, "reclaimed stale lock", ownerAttrs(path, info)...)

	return true, nil
}

func (l *Locker) claim(path, marker string) (*Lock, error) {
	now := l.opts.Now()

	owner := Owner{
		Token:     uuid.NewString(),
		PID:       os.Getpid(),
		CreatedAt: now.UTC(),
	}
	owner.Hostname, _ = os.Hostname()

	data, err := json.Marshal(owner)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("encoding lock owner: %w", err), l.fs.RemoveAll(marker))
	}

	err = l.fs.WriteFileAtomic(filepath.Join(marker, ownerFile), data)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("writing lock owner: %w", err), l.fs.RemoveAll(marker))
	}

	// Align the marker age with the injected clock.
	if err := l.fs.Chtimes(marker, now, now); err != nil {
		return nil, errors.Join(fmt.Errorf("stamping lock marker: %w", err), l.fs.RemoveAll(marker))
	}

	lk := &Lock{
		locker:    l,
		path:      path,
		marker:    marker,
		owner:     owner,
		lastTouch: now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if l.opts.Update > 0 {
		go lk.renew(l.opts.Update)
	} else {
		close(lk.done)
	}

	return lk, nil
}

func (l *Locker) closeGuard(ctx context.Context, guard *fs.Lock) {
	if err := guard.Close(); err != nil {
		l.opts.Logger.WarnContext(ctx, "releasing lock guard", "error", err)
	}
}

func ownerAttrs(path string, info Info) []any {
	attrs := []any{"path", path, "age", info.Age.Round(time.Millisecond)}
	if info.Owner != nil {
		attrs = append(attrs, "owner_pid", info.Owner.PID, "owner_host", info.Owner.Hostname)
	}

	return attrs
}

// Lock is a held marker lock.
type Lock struct {
	locker *Locker
	path   string
	marker string
	owner  Owner

	mu        sync.Mutex
	released  bool
	err       error
	lastTouch time.Time

	stop chan struct{}
	done chan struct{}
}

// Path returns the resource path the lock guards.
func (lk *Lock) Path() string {
	return lk.path
}

// Owner returns the metadata written into the marker.
func (lk *Lock) Owner() Owner {
	return lk.owner
}

// Err returns nil while the lock is held and intact. After the heartbeat found
// the marker removed or replaced it returns an error wrapping
// [ErrCompromised]; after release it returns [ErrReleased].
func (lk *Lock) Err() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.err != nil {
		return lk.err
	}

	if lk.released {
		return ErrReleased
	}

	return nil
}

// Release removes the marker.
//
// It fails with [ErrNotHeld] when the marker is gone or owned by someone else
// (for example after a peer reclaimed it as stale); a foreign marker is never
// removed. The first call always stops the heartbeat; later calls return
// [ErrReleased].
func (lk *Lock) Release() error {
	lk.mu.Lock()
	if lk.released {
		lk.mu.Unlock()

		return ErrReleased
	}

	lk.released = true
	lk.mu.Unlock()

	close(lk.stop)
	<-lk.done

	l := lk.locker

	guard, err := l.guard.Lock(GuardPath(lk.path))
	if err != nil {
		return fmt.Errorf("taking lock guard: %w", err)
	}
	defer l.closeGuard(context.Background(), guard)

	if err := lk.verifyOwner(); err != nil {
		return err
	}

	if err := l.fs.RemoveAll(lk.marker); err != nil {
		return fmt.Errorf("removing lock marker: %w", err)
	}

	return nil
}

func (lk *Lock) verifyOwner() error {
	owner, err := readOwner(lk.locker.fs, lk.marker)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s was removed", ErrNotHeld, lk.marker)
	}

	if err != nil {
		return fmt.Errorf("reading lock owner: %w", err)
	}

	if owner.Token != lk.owner.Token {
		return fmt.Errorf("%w: %s now owned by pid %d on %q", ErrNotHeld, lk.marker, owner.PID, owner.Hostname)
	}

	return nil
}

// renew refreshes the marker mtime every interval until Release. It stops
// and marks the lock compromised when the marker is no longer ours, or when
// touching it kept failing for longer than the staleness threshold.
func (lk *Lock) renew(interval time.Duration) {
	defer close(lk.done)

	l := lk.locker
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
		}

		err := lk.touch()
		if err == nil {
			continue
		}

		if errors.Is(err, ErrCompromised) {
			lk.setErr(err)
			l.opts.Logger.Warn("lock compromised, stopping renewal", "path", lk.path, "error", err)

			return
		}

		l.opts.Logger.Warn("renewing lock failed", "path", lk.path, "error", err)
	}
}

// touch verifies ownership and refreshes the marker under the guard, so a
// peer cannot reclaim and recreate the marker in between. A busy guard skips
// this tick.
func (lk *Lock) touch() error {
	l := lk.locker
	now := l.opts.Now()

	guard, err := l.guard.TryLock(GuardPath(lk.path))
	if errors.Is(err, fs.ErrWouldBlock) {
		return nil
	}

	if err != nil {
		return lk.overdue(now, fmt.Errorf("taking lock guard: %w", err))
	}
	defer l.closeGuard(context.Background(), guard)

	if err := lk.verifyOwner(); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return fmt.Errorf("%w: %w", ErrCompromised, err)
		}

		return lk.overdue(now, err)
	}

	if err := l.fs.Chtimes(lk.marker, now, now); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s was removed", ErrCompromised, lk.marker)
		}

		return lk.overdue(now, err)
	}

	lk.mu.Lock()
	lk.lastTouch = now
	lk.mu.Unlock()

	return nil
}

// overdue escalates a transient renewal error once peers may already treat
// the marker as stale.
func (lk *Lock) overdue(now time.Time, err error) error {
	lk.mu.Lock()
	last := lk.lastTouch
	lk.mu.Unlock()

	if now.Sub(last) > lk.locker.opts.Stale {
		return fmt.Errorf("%w: not renewed for %s: %w", ErrCompromised, now.Sub(last).Round(time.Millisecond), err)
	}

	return err
}

func (lk *Lock) setErr(err error) {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.err == nil {
		lk.err = err
	}
}
