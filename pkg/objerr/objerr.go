// Package objerr defines the sentinel error values shared by the rest
// of the object store. Each packages' own errors.Wrap/Wrapf chains
// still carry a specific message; objerr just gives callers a value to
// check against with errors.Is instead of parsing that message.
package objerr

import "github.com/pkg/errors"

var (
	// ErrNotInitialised is returned when an operation targets a
	// container root that is missing its config, loose/, packs/, or
	// catalog schema.
	ErrNotInitialised = errors.New("objstore: container not initialised")

	// ErrConfigError is returned for a malformed or internally
	// inconsistent configuration value: an unknown hash type, a
	// malformed compression token, or init_container parameters that
	// conflict with an already-initialised container.
	ErrConfigError = errors.New("objstore: invalid configuration")

	// ErrCorruptData is returned when a packed object's on-disk bytes
	// don't match what its catalog row promises: a truncated pack, a
	// short read, or a decode failure.
	ErrCorruptData = errors.New("objstore: corrupt data")

	// ErrConcurrency is returned when a lock-holding operation gives up
	// because another process held the container lock past its grace
	// period.
	ErrConcurrency = errors.New("objstore: concurrent access timed out")
)
