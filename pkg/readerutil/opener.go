// Package readerutil pools read-only file handles so that batched,
// concurrent reads of the same pack file don't each pay for an open(2).
//
// OpenSingle keeps a refcounted map of open files, protecting the
// open-or-reuse decision with a plain mutex. The race it guards against
// — two goroutines opening the same path at once — is rare enough on
// the pack-reading hot path that a short critical section is simpler
// than a singleflight.Group.
package readerutil

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ReaderAtCloser is a pooled file handle: ReadAt is safe to call
// concurrently from multiple goroutines sharing the same underlying
// *os.File, and each Close only releases the descriptor once every
// holder has released it.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

var (
	mu        sync.Mutex // guards openFiles
	openFiles = make(map[string]*openFile)
)

type openFile struct {
	refCount int64 // accessed atomically

	*os.File
	path string
}

func (f *openFile) Close() error {
	mu.Lock()
	last := atomic.AddInt64(&f.refCount, -1) == 0
	if last && openFiles[f.path] == f {
		delete(openFiles, f.path)
	}
	mu.Unlock()
	if last {
		return f.File.Close()
	}
	return nil
}

// OpenSingle opens path for reading, reusing an already-open descriptor
// for the same path when one exists. This is the mechanism by which a
// pack reader avoids "too many open files" during a bulk read: at most
// one os.File per distinct pack path is
// ever open, no matter how many readers share it.
func OpenSingle(path string) (ReaderAtCloser, error) {
	mu.Lock()
	defer mu.Unlock()

	if of := openFiles[path]; of != nil {
		atomic.AddInt64(&of.refCount, 1)
		return of, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	of := &openFile{File: f, refCount: 1, path: path}
	openFiles[path] = of
	return of, nil
}
