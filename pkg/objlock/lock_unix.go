//go:build !windows

// Package objlock implements the container-wide advisory lock file that
// serializes pack_all_loose and other global maintenance against
// concurrent writers.
package objlock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock holds an exclusive advisory lock on a container's .lock file
// until Close is called.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive lock at path, creating the file if
// necessary. It blocks until the lock is available; AcquireWithTimeout
// is the variant that gives up after a grace period.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "objlock: opening %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "objlock: locking %s", path)
	}
	return &Lock{f: f}, nil
}

// TryAcquire is like Acquire but fails immediately (ErrWouldBlock)
// instead of waiting, for callers that want to implement a grace
// period as a retry loop.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "objlock: opening %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, errors.Wrapf(err, "objlock: locking %s", path)
	}
	return &Lock{f: f}, nil
}

// Close releases the lock.
func (l *Lock) Close() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	if err != nil {
		return errors.Wrap(err, "objlock: unlocking")
	}
	return errors.Wrap(cerr, "objlock: closing lock file")
}

// ErrWouldBlock is returned by TryAcquire when the lock is already held.
var ErrWouldBlock = errors.New("objlock: lock is held by another process")
