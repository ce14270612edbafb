package docdb_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/docdb/pkg/docdb"
	"github.com/calvinalkan/docdb/pkg/fs"
	"github.com/calvinalkan/docdb/pkg/lockfile"
)

// testDoc is a small document with one collection and one scalar.
type testDoc struct {
	Users   []string `json:"users"`
	Counter int      `json:"counter"`
}

func (d *testDoc) Normalize() {
	if d.Users == nil {
		d.Users = []string{}
	}
}

func newTestDoc() testDoc {
	return testDoc{Users: []string{}}
}

var discardLogger = slog.New(slog.DiscardHandler)

// contendedRetry keeps waiting long enough for many goroutines to queue.
var contendedRetry = lockfile.RetryPolicy{Retries: 100000, Factor: 1, MinWait: 200 * time.Microsecond}

func testOptions(path string) docdb.Options[testDoc] {
	return docdb.Options[testDoc]{
		Path:    path,
		Default: newTestDoc,
		Logger:  discardLogger,
	}
}

func openStore(t *testing.T, opts docdb.Options[testDoc]) *docdb.Store[testDoc] {
	t.Helper()

	store, err := docdb.Open(t.Context(), opts)
	if err != nil {
		t.Fatalf("Open(%q): %v", opts.Path, err)
	}

	return store
}

func dbPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "db.json")
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup WriteFile(%q): %v", path, err)
	}
}

func readRaw(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", path, err)
	}

	return string(data)
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

// plantStaleMarker leaves a marker behind as a crashed holder would, with an
// mtime far beyond any staleness threshold.
func plantStaleMarker(t *testing.T, path string) {
	t.Helper()

	marker := lockfile.MarkerPath(path)
	if err := os.Mkdir(marker, 0o755); err != nil {
		t.Fatalf("setup Mkdir(%q): %v", marker, err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(marker, old, old); err != nil {
		t.Fatalf("setup Chtimes(%q): %v", marker, err)
	}
}

// sleepCounter replaces wall-clock waits between lock attempts.
type sleepCounter struct {
	mu sync.Mutex
	n  int
}

func (c *sleepCounter) Sleep(ctx context.Context, _ time.Duration) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()

	return ctx.Err()
}

func (c *sleepCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}

var fsReal = fs.NewReal()
