package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked indicates another sync run already holds the per-source lock
// sentinel (§4.7 "an OS file lock on a sentinel file inside the local index
// directory prevents concurrent client runs for the same source").
var ErrLocked = errors.New("sync: another run holds the source lock")

// lockFileName is the sentinel inside a source's local-index directory.
const lockFileName = "sync.lock"

// sourceLock is an advisory, create-exclusive file lock. No byte-range
// flock syscall is available from the teacher's or the rest of the
// example pack's dependencies, so the lock is a plain atomic
// O_CREATE|O_EXCL sentinel file holding the locking process's PID - exactly
// enough to satisfy "prevents concurrent client runs for the same source"
// for a single-process-per-source client. Release removes the file; a
// sentinel left behind by a run that exits without calling Release (e.g. a
// crash) is not removed, and later runs fail with ErrLocked until it is
// deleted.
type sourceLock struct {
	path string
}

// acquireSourceLock creates the sentinel file under indexDir, failing with
// ErrLocked if a run is already in progress.
func acquireSourceLock(indexDir string) (*sourceLock, error) {
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("sync: create index dir: %w", err)
	}

	path := filepath.Join(indexDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("sync: create lock sentinel: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return nil, fmt.Errorf("sync: write lock sentinel: %w", err)
	}
	return &sourceLock{path: path}, nil
}

// Release removes the sentinel, letting the next run proceed.
func (l *sourceLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sync: release lock sentinel: %w", err)
	}
	return nil
}
