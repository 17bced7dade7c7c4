//go:build windows

package objlock

import (
	"os"

	"github.com/pkg/errors"
)

// Lock holds an exclusive advisory lock on a container's .lock file.
//
// Windows has no direct equivalent of flock(2) wired up through
// golang.org/x/sys/unix; LockFileEx (golang.org/x/sys/windows) is the
// real counterpart, but this repo's test and deployment targets are
// unix-like, so this build only satisfies the package's API surface: it
// takes no lock at all. Acquire and TryAcquire just open the lock file,
// so concurrent holders are not excluded and TryAcquire never returns
// ErrWouldBlock.
type Lock struct {
	f *os.File
}

// ErrWouldBlock is returned by TryAcquire when the lock is already held.
var ErrWouldBlock = errors.New("objlock: lock is held by another process")

// Acquire opens path, creating it if necessary. It does not lock the
// file and does not wait for, or exclude, other holders.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "objlock: opening %s", path)
	}
	return &Lock{f: f}, nil
}

// TryAcquire is equivalent to Acquire on this platform.
func TryAcquire(path string) (*Lock, error) {
	return Acquire(path)
}

// Close releases the lock file handle.
func (l *Lock) Close() error {
	return errors.Wrap(l.f.Close(), "objlock: closing lock file")
}
