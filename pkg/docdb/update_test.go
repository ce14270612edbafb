package docdb_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docdb/pkg/docdb"
	"github.com/calvinalkan/docdb/pkg/fs"
	"github.com/calvinalkan/docdb/pkg/lockfile"
)

func addUser(name string) docdb.Mutator[testDoc] {
	return func(doc *testDoc) (bool, error) {
		if slices.Contains(doc.Users, name) {
			return false, nil
		}

		doc.Users = append(doc.Users, name)

		return true, nil
	}
}

func increment(doc *testDoc) (bool, error) {
	doc.Counter++

	return true, nil
}

func Test_Update_Persists_Document_When_Mutator_Reports_Change(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	store := openStore(t, testOptions(path))

	changed, err := store.Update(t.Context(), addUser("alice"))
	require.NoError(t, err)
	assert.True(t, changed)

	doc, err := openStore(t, testOptions(path)).Read(t.Context())
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"alice"}, doc.Users); diff != "" {
		t.Fatalf("users mismatch (-want +got):\n%s", diff)
	}

	if markerExists(t, path) {
		t.Fatal("lock marker left behind after Update")
	}
}

func Test_Update_Skips_Write_When_Mutator_Reports_No_Change(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	content := "{\"users\":[\"alice\"],\"counter\":1}"
	writeRaw(t, path, content)

	faulty := fs.NewFaulty(fsReal)
	opts := testOptions(path)
	opts.FS = faulty

	changed, err := openStore(t, opts).Update(t.Context(), addUser("alice"))
	require.NoError(t, err)

	if changed {
		t.Fatal("changed=true, want false")
	}

	if n := faulty.Calls(fs.OpRename, "db.json"); n != 0 {
		t.Fatalf("rename calls=%d, want 0", n)
	}

	if n := faulty.Calls(fs.OpOpenFile, ".db.json.tmp-*"); n != 0 {
		t.Fatalf("temp file opens=%d, want 0", n)
	}

	if got := readRaw(t, path); got != content {
		t.Fatalf("file=%q, want untouched %q", got, content)
	}
}

func Test_Update_Sees_Latest_Document_When_Another_Store_Wrote_In_Between(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	a := openStore(t, testOptions(path))
	b := openStore(t, testOptions(path))

	// b reads first, then a writes; b's transaction must build on a's write.
	_, err := b.Read(t.Context())
	require.NoError(t, err)

	_, err = a.Update(t.Context(), addUser("alice"))
	require.NoError(t, err)

	var seen []string

	_, err = b.Update(t.Context(), func(doc *testDoc) (bool, error) {
		seen = slices.Clone(doc.Users)
		doc.Users = append(doc.Users, "bob")

		return true, nil
	})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"alice"}, seen); diff != "" {
		t.Fatalf("document seen by mutator (-want +got):\n%s", diff)
	}

	doc, err := a.Read(t.Context())
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"alice", "bob"}, doc.Users); diff != "" {
		t.Fatalf("users mismatch (-want +got):\n%s", diff)
	}
}

func Test_Update_Serialises_Transactions_When_Stores_Contend(t *testing.T) {
	t.Parallel()

	const (
		stores  = 4
		perEach = 25
	)

	path := dbPath(t)

	var (
		inside   atomic.Int32
		overlaps atomic.Int32
		wg       sync.WaitGroup
	)

	for range stores {
		// Separate Stores coordinate only through the file lock, like
		// separate processes do.
		opts := testOptions(path)
		opts.Lock.Retry = contendedRetry
		store := openStore(t, opts)

		wg.Go(func() {
			for range perEach {
				_, err := store.Update(t.Context(), func(doc *testDoc) (bool, error) {
					if inside.Add(1) != 1 {
						overlaps.Add(1)
					}
					defer inside.Add(-1)

					return increment(doc)
				})
				if err != nil {
					t.Errorf("Update: %v", err)

					return
				}
			}
		})
	}

	wg.Wait()

	if n := overlaps.Load(); n != 0 {
		t.Fatalf("overlapping transactions observed %d times", n)
	}

	doc, err := openStore(t, testOptions(path)).Read(t.Context())
	require.NoError(t, err)

	if doc.Counter != stores*perEach {
		t.Fatalf("counter=%d, want %d (lost updates)", doc.Counter, stores*perEach)
	}
}

func Test_Update_Creates_User_Once_When_Two_Stores_Add_Same_Name(t *testing.T) {
	t.Parallel()

	path := dbPath(t)

	var (
		wg      sync.WaitGroup
		changes atomic.Int32
	)

	for range 2 {
		opts := testOptions(path)
		opts.Lock.Retry = contendedRetry
		store := openStore(t, opts)

		wg.Go(func() {
			changed, err := store.Update(t.Context(), addUser("alice"))
			if err != nil {
				t.Errorf("Update: %v", err)

				return
			}

			if changed {
				changes.Add(1)
			}
		})
	}

	wg.Wait()

	if n := changes.Load(); n != 1 {
		t.Fatalf("changed transactions=%d, want exactly 1", n)
	}

	doc, err := openStore(t, testOptions(path)).Read(t.Context())
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"alice"}, doc.Users); diff != "" {
		t.Fatalf("users mismatch (-want +got):\n%s", diff)
	}
}

func Test_Update_Returns_Mutator_Error_Unchanged_When_Mutator_Fails(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	store := openStore(t, testOptions(path))
	require.NoError(t, store.Write(t.Context(), newTestDoc()))

	before := readRaw(t, path)
	errBoom := errors.New("boom")

	changed, err := store.Update(t.Context(), func(doc *testDoc) (bool, error) {
		doc.Counter = 99

		return true, errBoom
	})
	if err != errBoom { //nolint:errorlint // must be returned without wrapping
		t.Fatalf("Update: err=%v, want %v unwrapped", err, errBoom)
	}

	if changed {
		t.Fatal("changed=true on failed mutator")
	}

	if got := readRaw(t, path); got != before {
		t.Fatalf("file changed by failed mutator: %q", got)
	}

	if markerExists(t, path) {
		t.Fatal("lock marker left behind after mutator error")
	}
}

func Test_Update_Releases_Lock_When_Mutator_Panics(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	store := openStore(t, testOptions(path))

	func() {
		defer func() {
			if r := recover(); r != "mutator panic" {
				t.Fatalf("recovered %v, want mutator panic", r)
			}
		}()

		_, _ = store.Update(t.Context(), func(*testDoc) (bool, error) {
			panic("mutator panic")
		})
	}()

	if markerExists(t, path) {
		t.Fatal("lock marker left behind after panic")
	}

	_, err := store.Update(t.Context(), increment)
	require.NoError(t, err, "store unusable after panic")
}

func Test_Update_Keeps_Previous_Document_When_Write_Fails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		op      fs.Op
		pattern string
	}{
		{name: "crash mid write", op: fs.OpWrite, pattern: ".db.json.tmp-*"},
		{name: "temp sync", op: fs.OpSync, pattern: ".db.json.tmp-*"},
		{name: "rename", op: fs.OpRename, pattern: "db.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := dbPath(t)
			faulty := fs.NewFaulty(fsReal)
			opts := testOptions(path)
			opts.FS = faulty
			store := openStore(t, opts)

			require.NoError(t, store.Write(t.Context(), testDoc{Users: []string{"alice"}, Counter: 1}))
			before := readRaw(t, path)

			faulty.FailOn(tt.op, tt.pattern, nil)

			_, err := store.Update(t.Context(), addUser("bob"))
			if !errors.Is(err, docdb.ErrWriteFailed) {
				t.Fatalf("Update: err=%v, want %v", err, docdb.ErrWriteFailed)
			}

			if !errors.Is(err, fs.ErrInjected) {
				t.Fatalf("Update: err=%v, want cause %v", err, fs.ErrInjected)
			}

			if got := readRaw(t, path); got != before {
				t.Fatalf("file=%q, want previous %q", got, before)
			}

			if markerExists(t, path) {
				t.Fatal("lock marker left behind after write failure")
			}

			faulty.ClearFaults()

			changed, err := store.Update(t.Context(), addUser("bob"))
			require.NoError(t, err)
			assert.True(t, changed)
		})
	}
}

func Test_Update_Returns_ErrLockTimeout_When_Lock_Stays_Held(t *testing.T) {
	t.Parallel()

	path := dbPath(t)

	holder, err := lockfile.New(fsReal, lockfile.Options{Logger: discardLogger}).Acquire(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	sleeps := &sleepCounter{}
	opts := testOptions(path)
	opts.Lock.Sleep = sleeps.Sleep

	_, err = openStore(t, opts).Update(t.Context(), func(*testDoc) (bool, error) {
		t.Fatal("mutator called without the lock")

		return false, nil
	})
	if !errors.Is(err, docdb.ErrLockTimeout) {
		t.Fatalf("Update: err=%v, want %v", err, docdb.ErrLockTimeout)
	}

	if n := sleeps.Count(); n != lockfile.DefaultRetryPolicy().Retries {
		t.Fatalf("sleeps=%d, want %d", n, lockfile.DefaultRetryPolicy().Retries)
	}
}

func Test_Update_Returns_Context_Error_When_Cancelled_While_Waiting(t *testing.T) {
	t.Parallel()

	path := dbPath(t)

	holder, err := lockfile.New(fsReal, lockfile.Options{Logger: discardLogger}).Acquire(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	ctx, cancel := context.WithCancel(t.Context())
	opts := testOptions(path)
	opts.Lock.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()

		return ctx.Err()
	}

	_, err = openStore(t, opts).Update(ctx, increment)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Update: err=%v, want %v", err, context.Canceled)
	}
}

func Test_Update_Reclaims_Stale_Lock_Without_Waiting_When_Holder_Crashed(t *testing.T) {
	t.Parallel()

	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skip_recovery=%t", skip), func(t *testing.T) {
			t.Parallel()

			path := dbPath(t)
			plantStaleMarker(t, path)

			sleeps := &sleepCounter{}
			opts := testOptions(path)
			opts.SkipRecovery = skip
			opts.Lock.Sleep = sleeps.Sleep

			store := openStore(t, opts)

			wantOutcome := lockfile.OutcomeReclaimed
			if skip {
				wantOutcome = 0
			}

			if got := store.RecoveryOutcome(); got != wantOutcome {
				t.Fatalf("RecoveryOutcome=%v, want %v", got, wantOutcome)
			}

			changed, err := store.Update(t.Context(), increment)
			require.NoError(t, err)
			assert.True(t, changed)

			if n := sleeps.Count(); n != 0 {
				t.Fatalf("sleeps=%d, want 0", n)
			}
		})
	}
}

func Test_Update_Skips_Write_When_Lock_Compromised_During_Transaction(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	opts := testOptions(path)
	opts.Lock.Update = 5 * time.Millisecond
	store := openStore(t, opts)

	require.NoError(t, store.Write(t.Context(), newTestDoc()))
	before := readRaw(t, path)

	var peer *lockfile.Lock

	_, err := store.Update(t.Context(), func(doc *testDoc) (bool, error) {
		// A peer decides the marker is stale and takes over.
		if err := os.RemoveAll(lockfile.MarkerPath(path)); err != nil {
			return false, err
		}

		var err error

		peer, err = lockfile.New(fsReal, lockfile.Options{Logger: discardLogger}).Acquire(t.Context(), path)
		if err != nil {
			return false, err
		}

		// Let the heartbeat notice.
		time.Sleep(200 * time.Millisecond)

		doc.Counter = 42

		return true, nil
	})
	if !errors.Is(err, docdb.ErrLockCompromised) {
		t.Fatalf("Update: err=%v, want %v", err, docdb.ErrLockCompromised)
	}

	if got := readRaw(t, path); got != before {
		t.Fatalf("file=%q, want untouched %q", got, before)
	}

	require.NotNil(t, peer)

	if !markerExists(t, path) {
		t.Fatal("compromised holder removed the peer's marker")
	}

	require.NoError(t, peer.Release())
}

// crashHolderEnv makes the test binary act as a process that takes the lock
// and exits without releasing it.
const crashHolderEnv = "DOCDB_TEST_CRASH_HOLDER"

func Test_Crash_Holder_Process(t *testing.T) {
	path := os.Getenv(crashHolderEnv)
	if path == "" {
		t.Skip("helper process")
	}

	// Never released: the process exits with the marker in place.
	_, err := lockfile.New(fsReal, lockfile.Options{Logger: discardLogger, Update: -1}).Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func Test_Open_Recovers_Lock_When_Previous_Process_Exited_Holding_It(t *testing.T) {
	t.Parallel()

	path := dbPath(t)

	cmd := exec.CommandContext(t.Context(), os.Args[0], "-test.run=^Test_Crash_Holder_Process$")
	cmd.Env = append(os.Environ(), crashHolderEnv+"="+path)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "helper process: %s", out)

	if !markerExists(t, path) {
		t.Fatal("helper process did not leave its marker behind")
	}

	// Pretend the staleness threshold has passed since the crash.
	later := func() time.Time { return time.Now().Add(time.Hour) }

	sleeps := &sleepCounter{}
	opts := testOptions(path)
	opts.Lock.Now = later
	opts.Lock.Sleep = sleeps.Sleep

	store := openStore(t, opts)

	if got := store.RecoveryOutcome(); got != lockfile.OutcomeReclaimed {
		t.Fatalf("RecoveryOutcome=%v, want %v", got, lockfile.OutcomeReclaimed)
	}

	_, err = store.Update(t.Context(), increment)
	require.NoError(t, err)

	if n := sleeps.Count(); n != 0 {
		t.Fatalf("sleeps=%d, want 0", n)
	}
}

func Test_Update_Stops_Waiting_When_Same_Store_Is_Busy(t *testing.T) {
	t.Parallel()

	path := dbPath(t)
	opts := testOptions(path)
	opts.Lock.Retry = lockfile.RetryPolicy{Retries: 2, Factor: 1, MinWait: time.Millisecond}
	store := openStore(t, opts)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := store.Update(context.Background(), func(doc *testDoc) (bool, error) {
			close(entered)
			<-unblock

			return increment(doc)
		})
		done <- err
	}()

	<-entered

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := store.Update(ctx, increment)

	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, docdb.ErrLockTimeout) {
		t.Fatalf("Update while busy: err=%v, want deadline or lock timeout", err)
	}

	_, err = store.Update(context.Background(), increment)
	if !errors.Is(err, docdb.ErrLockTimeout) {
		t.Fatalf("Update past retry budget: err=%v, want %v", err, docdb.ErrLockTimeout)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waiters blocked %s behind the running transaction", elapsed)
	}

	close(unblock)
	require.NoError(t, <-done)

	// The slot is free again.
	_, err = store.Update(t.Context(), increment)
	require.NoError(t, err)

	doc, err := store.Read(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Counter)
}
