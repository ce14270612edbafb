package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calvinalkan/docdb/pkg/fs"
)

const (
	markerSuffix = ".lock"
	guardSuffix  = ".lock.guard"
	ownerFile    = "owner.json"
	markerPerm   = 0o755
)

// MarkerPath returns the marker directory guarding path.
func MarkerPath(path string) string {
	return path + markerSuffix
}

// GuardPath returns the flock guard file serialising reclaim and release of
// the marker for path.
func GuardPath(path string) string {
	return path + guardSuffix
}

// Owner is written into the marker by the process that created it.
// It identifies the holder for diagnostics and lets a holder tell its own
// marker apart from one that replaced it.
type Owner struct {
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}

// State classifies a marker at a point in time.
type State int

const (
	StateAbsent State = iota + 1
	StateHeld
	StateStale
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateHeld:
		return "held"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Info describes a marker for diagnostics.
type Info struct {
	State   State
	ModTime time.Time
	Age     time.Duration

	// Owner is nil when the marker is absent or its metadata is missing or
	// unreadable (for example while the creator is still writing it).
	Owner *Owner
}

// Check inspects the marker for path without holding it.
//
// A marker whose mtime is more than stale before now is [StateStale].
// Returns an error wrapping [ErrMalformed] if the marker is not a directory,
// and the stat error for anything other than not-exist.
func Check(fsys fs.FS, path string, stale time.Duration, now time.Time) (State, error) {
	info, err := Status(fsys, path, stale, now)

	return info.State, err
}

// Status is [Check] plus age and owner metadata.
func Status(fsys fs.FS, path string, stale time.Duration, now time.Time) (Info, error) {
	marker := MarkerPath(path)

	fi, err := fsys.Stat(marker)
	if errors.Is(err, os.ErrNotExist) {
		return Info{State: StateAbsent}, nil
	}

	if err != nil {
		return Info{}, fmt.Errorf("stat lock marker: %w", err)
	}

	if !fi.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is not a directory", ErrMalformed, marker)
	}

	info := Info{
		State:   StateHeld,
		ModTime: fi.ModTime(),
		Age:     now.Sub(fi.ModTime()),
	}

	if info.Age > stale {
		info.State = StateStale
	}

	if owner, err := readOwner(fsys, marker); err == nil {
		info.Owner = &owner
	}

	return info, nil
}

func readOwner(fsys fs.FS, marker string) (Owner, error) {
	data, err := fsys.ReadFile(filepath.Join(marker, ownerFile))
	if err != nil {
		return Owner{}, err
	}

	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("%w: owner metadata: %w", ErrMalformed, err)
	}

	return owner, nil
}
