package pack

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/codec"
	"objstore.dev/objstore/pkg/objerr"
	"objstore.dev/objstore/pkg/readerutil"
)

// Location is everything a PackReader needs to find and decode one
// packed object; it mirrors a catalog.Row without importing the catalog
// package, keeping pack decoupled from how rows are durably stored.
type Location struct {
	Key             string
	PackID          int64
	Offset          int64
	Length          int64
	Size            int64
	Compressed      bool
	CompressionName string
}

// Reader does random-access reads of packed objects.
type Reader struct {
	dir string
}

// NewReader returns a Reader rooted at a container's packs/ directory.
func NewReader(packsDir string) *Reader {
	return &Reader{dir: packsDir}
}

// Read returns the decoded bytes for loc.
func (r *Reader) Read(loc Location) ([]byte, error) {
	var buf boundedBuffer
	if err := r.CopyTo(loc, &buf); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// CopyTo decodes loc's object into sink.
func (r *Reader) CopyTo(loc Location, sink io.Writer) error {
	f, err := readerutil.OpenSingle(PackFilename(r.dir, loc.PackID))
	if err != nil {
		return errors.Wrapf(err, "pack: opening pack %d", loc.PackID)
	}
	defer f.Close()

	if err := checkFullRead(f, loc.Offset, loc.Length); err != nil {
		return err
	}

	var src io.Reader = io.NewSectionReader(f, loc.Offset, loc.Length)
	if loc.Compressed {
		tok, err := codec.ParseToken(loc.CompressionName)
		if err != nil {
			return err
		}
		dec, err := tok.Decoder(src)
		if err != nil {
			return errors.Wrapf(objerr.ErrCorruptData, "pack: decoding %s: %v", loc.Key, err)
		}
		defer dec.Close()
		src = dec
	}

	written, err := io.Copy(sink, src)
	if err != nil {
		return errors.Wrapf(objerr.ErrCorruptData, "pack: reading %s: %v", loc.Key, err)
	}
	if written != loc.Size {
		return errors.Wrapf(objerr.ErrCorruptData, "pack: %s: decoded %d bytes, catalog says size=%d", loc.Key, written, loc.Size)
	}
	return nil
}

// checkFullRead makes sure the pack actually has length bytes available
// at offset; a short pack (truncated by a crash, or a catalog row
// pointing past EOF) is CorruptData, not a silent short read.
func checkFullRead(f io.ReaderAt, offset, length int64) error {
	var probe [1]byte
	if length == 0 {
		return nil
	}
	if _, err := f.ReadAt(probe[:], offset+length-1); err != nil {
		return errors.Wrapf(objerr.ErrCorruptData, "pack: truncated pack: want byte at offset %d: %v", offset+length-1, err)
	}
	return nil
}

// ReadMany batch-reads many locations, sorted by (pack_id, offset) so
// that I/O is sequential per pack rather than random per object. Results
// are keyed by hash key; a decode failure for one object aborts the
// whole batch — reads fail fast, partial bytes are never returned.
func (r *Reader) ReadMany(locs []Location) (map[string][]byte, error) {
	sorted := make([]Location, len(locs))
	copy(sorted, locs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PackID != sorted[j].PackID {
			return sorted[i].PackID < sorted[j].PackID
		}
		return sorted[i].Offset < sorted[j].Offset
	})

	out := make(map[string][]byte, len(sorted))
	var curID int64 = -1
	var curFile interface {
		io.ReaderAt
		io.Closer
	}
	defer func() {
		if curFile != nil {
			curFile.Close()
		}
	}()

	for _, loc := range sorted {
		if curFile == nil || loc.PackID != curID {
			if curFile != nil {
				curFile.Close()
				curFile = nil
			}
			f, err := readerutil.OpenSingle(PackFilename(r.dir, loc.PackID))
			if err != nil {
				return nil, errors.Wrapf(err, "pack: opening pack %d", loc.PackID)
			}
			curFile, curID = f, loc.PackID
		}

		var src io.Reader = io.NewSectionReader(curFile, loc.Offset, loc.Length)
		if loc.Compressed {
			tok, err := codec.ParseToken(loc.CompressionName)
			if err != nil {
				return nil, err
			}
			dec, err := tok.Decoder(src)
			if err != nil {
				return nil, errors.Wrapf(objerr.ErrCorruptData, "pack: decoding %s: %v", loc.Key, err)
			}
			src = dec
		}

		var buf boundedBuffer
		written, err := io.Copy(&buf, src)
		if err != nil {
			return nil, errors.Wrapf(objerr.ErrCorruptData, "pack: reading %s: %v", loc.Key, err)
		}
		if written != loc.Size {
			return nil, errors.Wrapf(objerr.ErrCorruptData, "pack: %s: decoded %d bytes, catalog says size=%d", loc.Key, written, loc.Size)
		}
		out[loc.Key] = buf.b
	}
	return out, nil
}

type boundedBuffer struct{ b []byte }

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}
