package docdb

import (
	"context"
	"fmt"

	"github.com/calvinalkan/docdb/pkg/lockfile"
)

// Mutator inspects and modifies doc in place. It reports whether doc changed
// and must be persisted. An error aborts the transaction without writing.
type Mutator[T any] func(doc *T) (changed bool, err error)

// Update runs fn as a transaction and returns its changed flag.
//
// The lock is acquired first, honouring ctx while waiting. Goroutines sharing
// this Store queue in process first, under the same retry budget; failure wraps
// [ErrLockTimeout] or ctx's error. The document is then reloaded from disk
// and passed to fn. If fn reports a change the document is written
// atomically; otherwise nothing is written. The lock is always released,
// also when fn fails or panics, and a release failure is logged without
// replacing the result.
//
// Errors returned by fn are returned unchanged. Once the lock is held the
// transaction runs to completion regardless of ctx.
func (s *Store[T]) Update(ctx context.Context, fn Mutator[T]) (bool, error) {
	var changed bool

	err := s.transact(ctx, func(lk *lockfile.Lock) error {
		doc, err := s.readLocked(ctx, lk)
		if err != nil {
			return err
		}

		changed, err = fn(&doc)
		if err != nil || !changed {
			return err
		}

		return s.writeLocked(ctx, lk, doc)
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}

// transact runs fn while holding both the in-process slot and the file lock.
func (s *Store[T]) transact(ctx context.Context, fn func(lk *lockfile.Lock) error) error {
	if err := s.enter(ctx); err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer s.sem.Release(1)

	lk, err := s.locker.Acquire(ctx, s.path)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}

	defer s.release(ctx, lk)

	return fn(lk)
}

// enter takes the in-process slot. Waiting for it is bounded by ctx and by
// the retry budget of the file lock, so a goroutine queued behind a slow
// transaction of this Store times out like one queued behind another process.
func (s *Store[T]) enter(ctx context.Context) error {
	if s.sem.TryAcquire(1) {
		return nil
	}

	budget := s.locker.Options().Retry.Total()

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("waiting for lock %s: %w", s.path, ctxErr)
		}

		return fmt.Errorf("%w: %s still busy in this process after %s", ErrLockTimeout, s.path, budget)
	}

	return nil
}

func (s *Store[T]) release(ctx context.Context, lk *lockfile.Lock) {
	if err := lk.Release(); err != nil {
		s.log.WarnContext(ctx, "releasing lock", "path", s.path, "error", err)
	}
}
