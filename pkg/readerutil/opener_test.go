package readerutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSingleSharesAndReleasesHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "object")
	if err := os.WriteFile(path, []byte("shared contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a, err := OpenSingle(path)
	if err != nil {
		t.Fatalf("OpenSingle (first): %v", err)
	}
	b, err := OpenSingle(path)
	if err != nil {
		t.Fatalf("OpenSingle (second): %v", err)
	}

	buf := make([]byte, 6)
	if _, err := a.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt via a: %v", err)
	}
	if string(buf) != "shared" {
		t.Fatalf("ReadAt via a = %q, want %q", buf, "shared")
	}
	if _, err := b.ReadAt(buf, 7); err != nil {
		t.Fatalf("ReadAt via b: %v", err)
	}
	if string(buf) != "conten" {
		t.Fatalf("ReadAt via b = %q, want %q", buf, "conten")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("closing a: %v", err)
	}
	// b still holds a reference; reads through it must keep working.
	if _, err := b.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt via b after a.Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("closing b: %v", err)
	}

	mu.Lock()
	_, stillOpen := openFiles[path]
	mu.Unlock()
	if stillOpen {
		t.Fatal("path still tracked as open after both holders closed")
	}
}

func TestOpenSingleMissingFile(t *testing.T) {
	if _, err := OpenSingle(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("OpenSingle on a missing file: want error, got nil")
	}
}
