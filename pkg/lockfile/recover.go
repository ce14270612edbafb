package lockfile

import (
	"context"
	"fmt"
)

// Outcome reports what [Locker.Recover] did.
type Outcome int

const (
	// OutcomeHealthy: no marker was present.
	OutcomeHealthy Outcome = iota + 1
	// OutcomeHeld: a fresh marker was present and left alone; a live peer
	// may hold it.
	OutcomeHeld
	// OutcomeReclaimed: a stale marker was removed.
	OutcomeReclaimed
	// OutcomeForced: the marker could not be inspected and was removed.
	OutcomeForced
	// OutcomeFailed: a marker should have been removed but removal failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeHeld:
		return "held"
	case OutcomeReclaimed:
		return "reclaimed"
	case OutcomeForced:
		return "forced"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Recover clears a marker left behind by a crashed holder of path. Run it once
// at process start, before the first Acquire.
//
// A fresh marker is never touched. A stale marker is removed, and so is one
// whose state cannot be determined. Recover never fails: every outcome is
// logged and returned, because refusing to start after a crash would make the
// resource unavailable for good.
func (l *Locker) Recover(ctx context.Context, path string) Outcome {
	log := l.opts.Logger

	guard, err := l.guard.LockContext(ctx, GuardPath(path))
	if err != nil {
		log.ErrorContext(ctx, "startup recovery: taking lock guard failed", "path", path, "error", err)

		return OutcomeFailed
	}
	defer l.closeGuard(ctx, guard)

	info, checkErr := Status(l.fs, path, l.opts.Stale, l.opts.Now())
	if checkErr == nil {
		switch info.State {
		case StateAbsent:
			log.DebugContext(ctx, "startup recovery: no lock present", "path", path)

			return OutcomeHealthy
		case StateHeld:
			log.InfoContext(ctx, "startup recovery: lock is held and fresh, leaving it", ownerAttrs(path, info)...)

			return OutcomeHeld
		}
	}

	outcome := OutcomeReclaimed
	if checkErr != nil {
		outcome = OutcomeForced

		log.WarnContext(ctx, "startup recovery: lock check failed, removing marker", "path", path, "error", checkErr)
	}

	if err := l.fs.RemoveAll(MarkerPath(path)); err != nil {
		log.ErrorContext(ctx, "startup recovery: removing lock marker failed", "path", path, "error", err)

		return OutcomeFailed
	}

	if outcome == OutcomeReclaimed {
		log.WarnContext(ctx, "startup recovery: removed stale lock", ownerAttrs(path, info)...)
	}

	return outcome
}
