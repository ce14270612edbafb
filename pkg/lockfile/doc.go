// Package lockfile implements an advisory, filesystem-based mutual exclusion
// lock shared by unrelated processes.
//
// A lock on path is represented by the marker directory "<path>.lock".
// Creating it with mkdir is atomic, so at most one process wins. Its mtime is
// the lock's age: a holder refreshes it periodically, and a marker older than
// the staleness threshold is presumed abandoned by a crashed holder and may
// be removed by anyone. Stale removal and release are serialised by a flock
// on the stable guard file "<path>.lock.guard"; the kernel releases that flock
// when its holder dies, so the guard itself can never go stale.
package lockfile
