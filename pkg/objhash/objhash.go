// Package objhash computes the content hash that identifies an object in
// the store. A hash key is the lowercase hex digest of an object's raw,
// uncompressed bytes; it is the object's sole primary identity (see
// catalog.Row and loose.Store).
package objhash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
)

// DefaultAlgorithm is the hash_type written to a freshly initialised
// container's config when none is given.
const DefaultAlgorithm = "sha256"

// KeyLen is the length, in hex characters, of a sha256 hash key.
const KeyLen = sha256.Size * 2

type newHashFunc func() hash.Hash

var registry = map[string]newHashFunc{
	"sha256": sha256.New,
}

// Register adds a new named digest algorithm to the registry. It exists so
// that callers outside this package (tests, or a future hash_type) can
// extend the set of supported algorithms without forking the package.
func Register(name string, newFn func() hash.Hash) {
	registry[name] = newFn
}

// Supported reports whether name is a known hash_type.
func Supported(name string) bool {
	_, ok := registry[name]
	return ok
}

// Hasher streams bytes through a named digest and produces the canonical
// hex hash key. The zero value is not usable; construct with New.
type Hasher struct {
	name string
	h    hash.Hash
}

// New returns a streaming Hasher for the given hash_type. An unknown name
// is a ConfigError in the caller's terms; New returns an error rather than
// panicking so container initialisation can surface it as such.
func New(name string) (*Hasher, error) {
	newFn, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("objhash: unknown hash_type %q", name)
	}
	return &Hasher{name: name, h: newFn()}, nil
}

// Write feeds bytes to the digest. It never returns an error, matching
// hash.Hash's contract.
func (hr *Hasher) Write(p []byte) (int, error) {
	return hr.h.Write(p)
}

// Sum returns the lowercase hex hash key for everything written so far.
// It does not reset the underlying digest.
func (hr *Hasher) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// Sum256Hex is a convenience for hashing an in-memory byte slice under the
// default algorithm (sha256) in one call, without a Hasher.
func Sum256Hex(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether s looks like a hash key for the given
// algorithm: lowercase hex of the right length. It does not verify that
// any object with that key exists.
func ValidKey(name, s string) bool {
	newFn, ok := registry[name]
	if !ok {
		return false
	}
	wantLen := newFn().Size() * 2
	if len(s) != wantLen {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
