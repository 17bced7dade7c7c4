// Package loose implements the one-file-per-object storage layout:
// objects are staged in a sandbox directory and published with an atomic
// rename into a configurable-depth hex-fanout tree.
//
// Sharding and the tee-into-tempfile-then-rename-then-verify publish
// sequence generalize a fixed two-level directory shard to a
// configurable prefix length, and blobref-keyed naming to this store's
// bare hex hash keys.
package loose

import (
	"bufio"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/objhash"
)

// ErrNotFound is returned when a hash key has no loose object.
var ErrNotFound = errors.New("loose: object not found")

// chunkSize is the streaming buffer size used when copying an object,
// bounding memory use regardless of object size.
const chunkSize = 64 << 10

// Store is a loose object store rooted at <container>/loose, staging
// writes through <container>/sandbox.
type Store struct {
	root      string // <container>/loose
	sandbox   string // <container>/sandbox
	prefixLen int
	hashType  string
}

// New returns a Store. root and sandbox must already exist (the
// container facade creates them at init_container time).
func New(root, sandbox string, prefixLen int, hashType string) *Store {
	return &Store{root: root, sandbox: sandbox, prefixLen: prefixLen, hashType: hashType}
}

func (s *Store) keyPath(key string) string {
	if len(key) <= s.prefixLen {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[:s.prefixLen], key[s.prefixLen:])
}

// Insert streams src into the sandbox, hashing as it goes, then publishes
// it via rename into its content-addressed path. Re-inserting identical
// bytes is idempotent: the sandbox copy is discarded and the existing
// file is left untouched.
func (s *Store) Insert(src io.Reader) (size int64, key string, err error) {
	hasher, err := objhash.New(s.hashType)
	if err != nil {
		return 0, "", err
	}

	tmp, err := s.newSandboxFile()
	if err != nil {
		return 0, "", errors.Wrap(err, "loose: creating sandbox file")
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	buf := make([]byte, chunkSize)
	w := io.MultiWriter(tmp, hasher)
	n, err := io.CopyBuffer(w, src, buf)
	if err != nil {
		return 0, "", errors.Wrap(err, "loose: streaming into sandbox")
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", errors.Wrap(err, "loose: fsyncing sandbox file")
	}
	if err := tmp.Close(); err != nil {
		return 0, "", errors.Wrap(err, "loose: closing sandbox file")
	}

	key = hasher.Sum()
	dest := s.keyPath(key)

	if _, statErr := os.Stat(dest); statErr == nil {
		// Already present: identical content, idempotent no-op.
		os.Remove(tmpPath)
		succeeded = true
		return n, key, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return 0, "", errors.Wrapf(err, "loose: creating directory for %s", key)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		// Lost a race against a concurrent writer publishing the same
		// key: treat as the same idempotent success, the twin already
		// has identical bytes by construction (content-addressing).
		if _, statErr := os.Stat(dest); statErr == nil {
			os.Remove(tmpPath)
			succeeded = true
			return n, key, nil
		}
		return 0, "", errors.Wrapf(err, "loose: publishing %s", key)
	}
	succeeded = true
	return n, key, nil
}

func (s *Store) newSandboxFile() (*os.File, error) {
	name := filepath.Join(s.sandbox, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+strconv.Itoa(rand.Int()))
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
}

// OpenRead returns a read stream for key, or ErrNotFound.
func (s *Store) OpenRead(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "loose: opening %s", key)
	}
	return f, nil
}

// CopyTo writes the object's bytes to sink, or returns ErrNotFound.
func (s *Store) CopyTo(key string, sink io.Writer) error {
	f, err := s.OpenRead(key)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(sink, bufio.NewReaderSize(f, chunkSize), make([]byte, chunkSize))
	return err
}

// Exists reports whether key has a loose copy, without reading it.
func (s *Store) Exists(key string) (bool, error) {
	_, err := os.Stat(s.keyPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "loose: statting %s", key)
}

// Delete removes the loose file for key. It is tolerant of the file
// already being gone.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "loose: deleting %s", key)
	}
	return nil
}

// IterKeys traverses the two-level loose directory and sends each key it
// finds on the returned channel. Order is unspecified; each key appears
// at most once. The channel is closed when the walk completes; errs
// receives at most one error before close.
func (s *Store) IterKeys() (<-chan string, <-chan error) {
	keys := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(keys)
		err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			key = key[:s.prefixLen] + key[s.prefixLen+1:]
			if !objhash.ValidKey(s.hashType, key) {
				return nil
			}
			keys <- key
			return nil
		})
		if err != nil {
			errs <- err
		}
	}()
	return keys, errs
}
