package lockfile_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/docdb/pkg/fs"
	"github.com/calvinalkan/docdb/pkg/lockfile"
)

var fsReal = fs.NewReal()

// sleepRecorder replaces wall-clock waits between attempts.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()

	return ctx.Err()
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.waits...)
}

func testOptions(opts lockfile.Options) lockfile.Options {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return opts
}

func newTestLocker(t *testing.T, opts lockfile.Options) *lockfile.Locker {
	t.Helper()

	return lockfile.New(fsReal, testOptions(opts))
}

// plantMarker creates a marker for path whose mtime is age in the past, as if
// left behind by a holder that crashed.
func plantMarker(t *testing.T, path string, age time.Duration) {
	t.Helper()

	marker := lockfile.MarkerPath(path)
	if err := os.Mkdir(marker, 0o755); err != nil {
		t.Fatalf("setup Mkdir(%q): %v", marker, err)
	}

	owner := `{"token":"crashed","pid":999999,"hostname":"gone","created_at":"2020-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(marker, "owner.json"), []byte(owner), 0o644); err != nil {
		t.Fatalf("setup owner: %v", err)
	}

	when := time.Now().Add(-age)
	if err := os.Chtimes(marker, when, when); err != nil {
		t.Fatalf("setup Chtimes(%q): %v", marker, err)
	}
}

func markerExists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(lockfile.MarkerPath(path))
	if err == nil {
		return true
	}

	if os.IsNotExist(err) {
		return false
	}

	t.Fatalf("Stat marker: %v", err)

	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}
