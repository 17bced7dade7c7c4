// Package codec implements the streaming compression pipeline used for
// packed object payloads. It supports a single algorithm family, zlib,
// addressed by a token of the form "<name>[(:|+)<level>]"; both
// "zlib+1" and "zlib:+1" are accepted on input and "zlib:+1" is the
// canonical form written back to config and catalog rows.
//
// The underlying DEFLATE implementation is github.com/klauspost/compress,
// a drop-in replacement for compress/zlib with a faster encoder; this
// package imports it directly for the packed-object hot path instead of
// reaching for the stdlib version.
package codec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/objerr"
)

// zlibName is the only recognized compression algorithm family.
const zlibName = "zlib"

// DefaultLevel is used when a token omits a level (bare "zlib").
const DefaultLevel = zlib.DefaultCompression

// Token is a parsed, canonicalized compression-algorithm token.
type Token struct {
	Name  string
	Level int
}

// String returns the canonical form, e.g. "zlib:+1".
func (t Token) String() string {
	return fmt.Sprintf("%s:+%d", t.Name, t.Level)
}

// ParseToken accepts "zlib+1", "zlib:+1" or bare "zlib" and returns the
// canonical Token. An unrecognized algorithm name is a ConfigError.
func ParseToken(s string) (Token, error) {
	name := s
	levelStr := ""
	if i := strings.IndexAny(s, ":+"); i >= 0 {
		name = s[:i]
		levelStr = strings.TrimPrefix(s[i:], ":")
		levelStr = strings.TrimPrefix(levelStr, "+")
	}
	if name != zlibName {
		return Token{}, errors.Wrapf(objerr.ErrConfigError, "codec: unknown compression algorithm %q", name)
	}
	level := DefaultLevel
	if levelStr != "" {
		n, err := strconv.Atoi(levelStr)
		if err != nil {
			return Token{}, errors.Wrapf(objerr.ErrConfigError, "codec: malformed compression level in %q: %v", s, err)
		}
		level = n
	}
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return Token{}, errors.Wrapf(objerr.ErrConfigError, "codec: compression level %d out of range in %q", level, s)
	}
	return Token{Name: name, Level: level}, nil
}

// Encoder wraps dst so that bytes written to the returned writer are
// zlib-compressed (at the token's level) into dst. Callers must Close the
// returned writer to flush the final block.
func (t Token) Encoder(dst io.Writer) (io.WriteCloser, error) {
	w, err := zlib.NewWriterLevel(dst, t.Level)
	if err != nil {
		return nil, errors.Wrap(err, "codec: constructing zlib writer")
	}
	return w, nil
}

// Decoder wraps src so that reads from the returned reader yield the
// decompressed bytes. Malformed or truncated input surfaces as an error
// from Read, which callers should treat as CorruptData.
func (t Token) Decoder(src io.Reader) (io.ReadCloser, error) {
	zr, err := zlib.NewReader(bufio.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "codec: opening zlib stream")
	}
	return zr, nil
}

// CompressionRatio compresses sample under t and returns
// len(compressed)/len(sample). It is used by the packer's AUTO mode to
// decide, deterministically and without writing anything to disk, whether
// an object is worth compressing.
func (t Token) CompressionRatio(sample []byte) (float64, error) {
	if len(sample) == 0 {
		return 1, nil
	}
	var buf countingWriter
	w, err := t.Encoder(&buf)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(sample); err != nil {
		return 0, errors.Wrap(err, "codec: compressing sample")
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrap(err, "codec: flushing sample compressor")
	}
	return float64(buf.n) / float64(len(sample)), nil
}

type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
