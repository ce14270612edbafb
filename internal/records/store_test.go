package records_test

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/docdb/internal/records"
	"github.com/calvinalkan/docdb/pkg/docdb"
	"github.com/calvinalkan/docdb/pkg/lockfile"
)

func openRecords(t *testing.T, path string) *docdb.Store[records.Document] {
	t.Helper()

	store, err := docdb.Open(t.Context(), docdb.Options[records.Document]{
		Path:    path,
		Default: records.Default,
		Logger:  slog.New(slog.DiscardHandler),
		Lock: lockfile.Options{
			Retry: lockfile.RetryPolicy{Retries: 10000, Factor: 1, MinWait: time.Millisecond},
		},
	})
	require.NoError(t, err)

	return store
}

func Test_CreateUser_Inserts_Once_When_Two_Processes_Race(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	req := records.NewUser{Username: "alice", PasswordHash: "hash", Role: records.RoleUser, CreatedBy: "Public"}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)

	for range 2 {
		store := openRecords(t, path)

		wg.Go(func() {
			_, err := store.Update(t.Context(), records.CreateUser(req, now))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				created++
			case errors.Is(err, records.ErrUserExists):
				duplicates++
			default:
				t.Errorf("Update: %v", err)
			}
		})
	}

	wg.Wait()

	if created != 1 || duplicates != 1 {
		t.Fatalf("created=%d duplicates=%d, want 1 and 1", created, duplicates)
	}

	doc, err := openRecords(t, path).Read(t.Context())
	require.NoError(t, err)

	n := 0

	for _, u := range doc.Users {
		if u.Username == "alice" {
			n++
		}
	}

	if n != 1 {
		t.Fatalf("alice records=%d, want 1", n)
	}

	require.Len(t, doc.ActivityLog, 1, "the duplicate attempt must not log activity")
}
