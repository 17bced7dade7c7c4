// Package packer implements pack_all_loose: the migration that moves
// every loose object into packs under a chosen compression policy,
// without losing data under crashes.
//
// The batching and single-output-handle discipline never holds more
// than one pack handle plus one loose-file handle open at a time. A
// SQL catalog commits in batches rather than byte-at-a-time, so a
// partially-written pack tail can outlive a crash; Repair truncates
// that dead tail on the next open.
package packer

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/catalog"
	"objstore.dev/objstore/pkg/codec"
	"objstore.dev/objstore/pkg/loose"
	"objstore.dev/objstore/pkg/objlock"
	"objstore.dev/objstore/pkg/pack"
)

// CompressMode is the policy pack_all_loose applies to each migrated
// object.
type CompressMode int

const (
	// NO never compresses.
	NO CompressMode = iota
	// YES always compresses with the container's default algorithm.
	YES
	// KEEP preserves prior compression state. On a loose-to-pack
	// migration this is vacuous — loose objects are always
	// uncompressed — so it behaves exactly like NO.
	KEEP
	// AUTO compresses only when a sample of the object's bytes shows a
	// meaningful size reduction.
	AUTO
)

func (m CompressMode) String() string {
	switch m {
	case NO:
		return "no"
	case YES:
		return "yes"
	case KEEP:
		return "keep"
	case AUTO:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseCompressMode parses the lowercase compression mode names: "no",
// "yes", "keep", "auto".
func ParseCompressMode(s string) (CompressMode, error) {
	switch s {
	case "no":
		return NO, nil
	case "yes":
		return YES, nil
	case "keep":
		return KEEP, nil
	case "auto":
		return AUTO, nil
	default:
		return 0, errors.Errorf("packer: unknown compress mode %q", s)
	}
}

// autoSampleSize is the prefix length AUTO inspects to decide whether an
// object is worth compressing.
const autoSampleSize = 4096

// autoCompressThreshold: compress if the sample compresses to at most
// this fraction of its original size.
const autoCompressThreshold = 0.9

// batchSize amortizes pack-file fsyncs and catalog transactions across
// many objects at once, rather than syncing per object.
const batchSize = 256

// Deps are the pieces of a container a Packer needs. They're passed in
// rather than a *container.Container to keep this package free of a
// dependency on the facade (the facade depends on packer, not the
// reverse).
type Deps struct {
	// LockPath is the container-wide advisory lock file, <root>/.lock.
	LockPath string
	PacksDir string
	Loose    *loose.Store
	Catalog  *catalog.Catalog
	HashType string
	// DefaultCompression is the container's configured default codec,
	// used by YES and by AUTO when a sample looks compressible.
	DefaultCompression codec.Token
	PackSizeTarget     int64
}

// Run executes pack_all_loose end to end: acquire the lock, repair any
// dead pack tail left by a prior crash, migrate every loose object in
// batches, and release the lock.
func Run(ctx context.Context, d Deps, mode CompressMode) (packedCount int, err error) {
	lk, err := objlock.AcquireWithTimeout(d.LockPath, objlock.DefaultGracePeriod)
	if err != nil {
		return 0, err
	}
	defer lk.Close()

	if err := Repair(ctx, d.PacksDir, d.Catalog); err != nil {
		return 0, err
	}

	writer, err := pack.OpenWriter(d.PacksDir, d.PackSizeTarget, d.HashType)
	if err != nil {
		return 0, err
	}
	defer writer.Close()

	keys, errs := d.Loose.IterKeys()

	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := processBatch(ctx, d, writer, batch, mode)
		packedCount += n
		batch = batch[:0]
		return err
	}

	for key := range keys {
		batch = append(batch, key)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return packedCount, err
			}
		}
	}
	if err := flush(); err != nil {
		return packedCount, err
	}
	if walkErr := <-errs; walkErr != nil {
		return packedCount, errors.Wrap(walkErr, "packer: enumerating loose objects")
	}
	return packedCount, nil
}

// processBatch migrates one batch of loose keys: append each to the
// pack, fsync, commit the catalog transaction, then delete the loose
// copies.
func processBatch(ctx context.Context, d Deps, writer *pack.Writer, keys []string, mode CompressMode) (int, error) {
	rows := make([]catalog.Row, 0, len(keys))

	for _, key := range keys {
		res, err := appendLooseObject(d, writer, key, mode)
		if err != nil {
			return 0, err
		}
		rows = append(rows, catalog.Row{
			Key:             res.Key,
			PackID:          res.PackID,
			Offset:          res.Offset,
			Length:          res.Length,
			Size:            res.Size,
			Compressed:      res.Compressed,
			CompressionName: res.CompressionName,
		})
	}

	if err := writer.Sync(); err != nil {
		return 0, err
	}
	if err := d.Catalog.InsertMany(ctx, rows); err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := d.Loose.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// appendLooseObject streams one loose object into the pack writer,
// deciding compression per mode; for AUTO it inspects a small prefix
// without buffering the whole object.
func appendLooseObject(d Deps, writer *pack.Writer, key string, mode CompressMode) (pack.Result, error) {
	f, err := d.Loose.OpenRead(key)
	if err != nil {
		return pack.Result{}, err
	}
	defer f.Close()

	var tok *codec.Token
	var src io.Reader = f

	switch mode {
	case NO, KEEP:
		// tok stays nil: store raw.
	case YES:
		t := d.DefaultCompression
		tok = &t
	case AUTO:
		t, reconstructed, err := decideAuto(f, d.DefaultCompression)
		if err != nil {
			return pack.Result{}, err
		}
		tok, src = t, reconstructed
	}

	return writer.AppendStream(src, tok)
}

// decideAuto samples up to autoSampleSize bytes from r, decides whether
// they're worth compressing, and returns a reader that replays the
// sample followed by the rest of r — so the decision never requires
// reading the object twice or buffering it whole.
func decideAuto(r io.Reader, defaultTok codec.Token) (*codec.Token, io.Reader, error) {
	buf := make([]byte, autoSampleSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, errors.Wrap(err, "packer: sampling object for AUTO compression")
	}
	sample := buf[:n]
	ratio, err := defaultTok.CompressionRatio(sample)
	if err != nil {
		return nil, nil, err
	}
	rest := io.MultiReader(bytes.NewReader(sample), r)
	if ratio <= autoCompressThreshold {
		return &defaultTok, rest, nil
	}
	return nil, rest, nil
}

// Repair truncates every existing pack file down to the last offset its
// catalog rows actually commit to, discarding any dead tail a crashed
// writer left behind before this package resumes appending.
func Repair(ctx context.Context, packsDir string, cat *catalog.Catalog) error {
	entries, err := os.ReadDir(packsDir)
	if err != nil {
		return errors.Wrapf(err, "packer: reading %s", packsDir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parsePackID(e.Name())
		if !ok {
			continue
		}
		highWater, err := cat.HighWaterMark(ctx, id)
		if err != nil {
			return err
		}
		if err := pack.TruncateDeadTail(packsDir, id, highWater); err != nil {
			return err
		}
	}
	return nil
}

func parsePackID(name string) (int64, bool) {
	var id int64
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	if name == "" {
		return 0, false
	}
	for _, c := range name {
		id = id*10 + int64(c-'0')
	}
	return id, true
}
