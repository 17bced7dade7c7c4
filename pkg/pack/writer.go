// Package pack implements the append-only pack-file engine: Writer
// appends streamed objects to the current pack, rolling over at a soft
// size target, and Reader does random-access decode of a packed object
// given the (pack_id, offset, length) triple a catalog row records.
//
// Opening scans for the largest existing pack id and resumes appending
// there; reads use an io.SectionReader over a pooled file handle. This
// package only manages pack file bytes; the catalog package owns the
// durable index.
package pack

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/codec"
	"objstore.dev/objstore/pkg/objhash"
)

// Result is what AppendStream returns for one object: the location a
// catalog row should record, plus the computed hash key.
type Result struct {
	Key             string
	PackID          int64
	Offset          int64
	Length          int64 // bytes occupying the pack (post-compression, if any)
	Size            int64 // raw, uncompressed byte count
	Compressed      bool
	CompressionName string
}

// Writer appends objects to the current pack file in a container's
// packs/ directory, rolling over to a new pack once the current one
// reaches pack_size_target.
type Writer struct {
	dir        string
	sizeTarget int64
	hashType   string

	mu      sync.Mutex
	id      int64
	size    int64
	current *os.File
}

// PackFilename returns the on-disk path for a pack id, "packs/<N>" with N
// in decimal and no padding.
func PackFilename(packsDir string, id int64) string {
	return filepath.Join(packsDir, strconv.FormatInt(id, 10))
}

// OpenWriter scans packsDir for the largest existing pack id and opens it
// for append, positioned at its current end-of-file, mirroring
// diskpacked.openCurrent's startup scan.
func OpenWriter(packsDir string, sizeTarget int64, hashType string) (*Writer, error) {
	id, size, err := latestPack(packsDir)
	if err != nil {
		return nil, err
	}
	w := &Writer{dir: packsDir, sizeTarget: sizeTarget, hashType: hashType, id: id, size: size}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func latestPack(packsDir string) (id, size int64, err error) {
	entries, err := os.ReadDir(packsDir)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "pack: reading %s", packsDir)
	}
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, convErr := strconv.ParseInt(e.Name(), 10, 64)
		if convErr != nil {
			continue
		}
		if !found || n > id {
			id, found = n, true
		}
	}
	if !found {
		return 0, 0, nil
	}
	fi, err := os.Stat(PackFilename(packsDir, id))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "pack: statting pack %d", id)
	}
	return id, fi.Size(), nil
}

// openCurrent ensures w.current is an open, append-ready handle onto
// pack w.id.
func (w *Writer) openCurrent() error {
	if w.current != nil {
		return nil
	}
	f, err := os.OpenFile(PackFilename(w.dir, w.id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "pack: opening pack %d", w.id)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return errors.Wrapf(err, "pack: seeking to end of pack %d", w.id)
	}
	w.current = f
	return nil
}

// rollIfNeeded decides whether to roll over to a new pack before
// writing each object, looking only at the current pack's size: the
// incoming object's size is not known at this point. An object larger
// than sizeTarget is therefore appended to the current pack whenever
// that pack is still under the target, after any objects already in
// it; it does not get a fresh pack of its own. The pack ends up
// oversized and the next object starts a new one.
func (w *Writer) rollIfNeeded() error {
	if w.size < w.sizeTarget {
		return nil
	}
	if err := w.current.Close(); err != nil {
		return errors.Wrapf(err, "pack: closing pack %d before rollover", w.id)
	}
	w.current = nil
	w.id++
	w.size = 0
	return w.openCurrent()
}

// AppendStream writes src into the current (or a freshly rolled-over)
// pack, hashing the raw bytes and optionally compressing them per tok.
// A nil tok stores the object uncompressed. Callers should batch many
// AppendStream calls under one held Writer before calling Sync.
func (w *Writer) AppendStream(src io.Reader, tok *codec.Token) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rollIfNeeded(); err != nil {
		return Result{}, err
	}

	hasher, err := objhash.New(w.hashType)
	if err != nil {
		return Result{}, err
	}

	offset := w.size
	counter := &countingWriter{w: w.current}
	var dst io.Writer = counter
	var flush func() error
	if tok != nil {
		enc, err := tok.Encoder(counter)
		if err != nil {
			return Result{}, err
		}
		dst = enc
		flush = enc.Close
	}

	tee := io.TeeReader(src, hasher)
	size, err := io.Copy(dst, tee)
	if err != nil {
		return Result{}, errors.Wrap(err, "pack: appending object")
	}
	if flush != nil {
		if err := flush(); err != nil {
			return Result{}, errors.Wrap(err, "pack: flushing compressor")
		}
	}

	w.size += counter.n

	res := Result{
		Key:    hasher.Sum(),
		PackID: w.id,
		Offset: offset,
		Length: counter.n,
		Size:   size,
	}
	if tok != nil {
		res.Compressed = true
		res.CompressionName = tok.String()
	}
	return res, nil
}

// Sync fsyncs the current pack file. The writer (or its caller, in a
// batch such as packer.Run) MUST call this before the
// corresponding catalog transaction commits.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return errors.Wrap(w.current.Sync(), "pack: fsyncing pack")
}

// Close releases the held pack handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return errors.Wrap(err, "pack: closing pack")
}

// TruncateDeadTail truncates pack id down to highWater bytes, discarding
// any trailing bytes a prior, interrupted batch wrote without a matching
// catalog commit. It is the caller's (packer's) job to compute highWater
// from the catalog.
func TruncateDeadTail(packsDir string, id, highWater int64) error {
	path := PackFilename(packsDir, id)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "pack: statting pack %d", id)
	}
	if fi.Size() <= highWater {
		return nil
	}
	return errors.Wrapf(os.Truncate(path, highWater), "pack: truncating pack %d to %d", id, highWater)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
