package objlock

import (
	"time"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/objerr"
)

// DefaultGracePeriod is how long AcquireWithTimeout polls for a
// contended lock before giving up.
const DefaultGracePeriod = 5 * time.Second

// pollInterval is how often AcquireWithTimeout retries TryAcquire while
// waiting out the grace period.
const pollInterval = 50 * time.Millisecond

// AcquireWithTimeout polls TryAcquire until it succeeds or timeout
// elapses, at which point it gives up with a ConcurrencyError rather
// than blocking forever like Acquire.
func AcquireWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		lk, err := TryAcquire(path)
		if err == nil {
			return lk, nil
		}
		if err != ErrWouldBlock {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(objerr.ErrConcurrency, "objlock: %s held past %s grace period", path, timeout)
		}
		time.Sleep(pollInterval)
	}
}
