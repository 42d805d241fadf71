package storage

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the per-key write lock cannot be
// acquired within the configured timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// fileLock is an advisory per-key write lock backed by an OS file lock.
// The OS releases the lock when the owning process dies; orphaned .lock
// files are additionally reclaimed by age so a crashed writer never
// wedges a key permanently.
type fileLock struct {
	fl   *flock.Flock
	path string
}

// acquireLock takes the advisory lock for lockPath, retrying until the
// timeout expires.
func acquireLock(ctx context.Context, lockPath string, timeout, retryDelay, staleAge time.Duration) (*fileLock, error) {
	reclaimStaleLock(lockPath, staleAge)

	fl := flock.New(lockPath)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	if !locked {
		return nil, ErrLockTimeout
	}

	return &fileLock{fl: fl, path: lockPath}, nil
}

// Release unlocks and removes the lock file. Safe to call once.
//
// The removal races with a waiter that just locked the old inode while
// a new writer locks a fresh file under the same path. Tolerated: all
// writers of a key publish identical content through an atomic rename,
// so two momentarily coexisting writers cannot disagree.
func (l *fileLock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
	_ = os.Remove(l.path)
	l.fl = nil
}

// reclaimStaleLock removes a lock file whose age exceeds staleAge.
// flock-held locks die with their owner, so an old lock file is either
// orphaned or held by a pathologically slow writer; the age bound is the
// platform-neutral staleness fallback.
func reclaimStaleLock(lockPath string, staleAge time.Duration) {
	if staleAge <= 0 {
		return
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > staleAge {
		_ = os.Remove(lockPath)
	}
}
