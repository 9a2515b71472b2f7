package backup

import (
	"errors"

	"github.com/gofrs/flock"
)

// ErrLockHeld is returned when a non-blocking exclusive lock is already
// held by another process.
var ErrLockHeld = errors.New("backup: lock is already held")

// LockShared acquires a shared (blocking) flock on path — used for the
// Fruitbak-wide lock while a backup run is in progress (spec.md §5).
func LockShared(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	if err := fl.RLock(); err != nil {
		return nil, err
	}
	return fl, nil
}

// LockExclusive acquires an exclusive (blocking) flock on path — used for
// the Fruitbak-wide lock during garbage collection.
func LockExclusive(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return fl, nil
}

// TryLockExclusive acquires an exclusive, non-blocking flock on path —
// used for the per-host "<host>/new/lock" that ensures at most one backup
// runs per host at a time. It returns ErrLockHeld if another process
// already holds it.
func TryLockExclusive(path string) (fl *flock.Flock, err error) {
	fl = flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return fl, nil
}
