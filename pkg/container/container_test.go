package container

import (
	"bytes"
	"context"
	"io"
	"testing"

	"objstore.dev/objstore/pkg/packer"
	"objstore.dev/objstore/pkg/storeconfig"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	root := t.TempDir()
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("InitContainer: %v", err)
	}
	c, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInitContainerIsIdempotentOnMatchingConfig(t *testing.T) {
	root := t.TempDir()
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("first InitContainer: %v", err)
	}
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("re-InitContainer with matching config: want nil, got %v", err)
	}
}

func TestInitContainerRejectsMismatchedReinit(t *testing.T) {
	root := t.TempDir()
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("first InitContainer: %v", err)
	}
	other := storeconfig.Default()
	other.LoosePrefixLen = storeconfig.DefaultLoosePrefixLen + 1
	if err := InitContainer(root, other, false); err == nil {
		t.Fatal("re-InitContainer with mismatched config: want error, got nil")
	}
}

func TestInitContainerClearWipesAndRecreates(t *testing.T) {
	root := t.TempDir()
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("first InitContainer: %v", err)
	}
	c, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.AddObject([]byte("will be wiped")); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	c.Close()

	other := storeconfig.Default()
	other.LoosePrefixLen = storeconfig.DefaultLoosePrefixLen + 1
	if err := InitContainer(root, other, true); err != nil {
		t.Fatalf("InitContainer with clear=true: %v", err)
	}

	c2, err := Open(root)
	if err != nil {
		t.Fatalf("Open after clear: %v", err)
	}
	defer c2.Close()
	keys, err := c2.ListAllObjects(context.Background())
	if err != nil {
		t.Fatalf("ListAllObjects: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("ListAllObjects after clear = %v, want empty", keys)
	}
}

func TestIsInitialised(t *testing.T) {
	root := t.TempDir()
	if IsInitialised(root) {
		t.Fatal("IsInitialised on an empty directory: want false")
	}
	if err := InitContainer(root, storeconfig.Config{}, false); err != nil {
		t.Fatalf("InitContainer: %v", err)
	}
	if !IsInitialised(root) {
		t.Fatal("IsInitialised after InitContainer: want true")
	}
}

func TestAddAndGetObjectRoundTrip(t *testing.T) {
	c := newTestContainer(t)
	want := []byte("round trip me")

	key, err := c.AddObject(want)
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	ctx := context.Background()
	got, err := c.GetObjectContent(ctx, key)
	if err != nil {
		t.Fatalf("GetObjectContent: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("GetObjectContent = %q, want %q", got, want)
	}
}

func TestAddObjectIsIdempotent(t *testing.T) {
	c := newTestContainer(t)
	data := []byte("same bytes twice")

	key1, err := c.AddObject(data)
	if err != nil {
		t.Fatalf("first AddObject: %v", err)
	}
	key2, err := c.AddObject(data)
	if err != nil {
		t.Fatalf("second AddObject: %v", err)
	}
	if key1 != key2 {
		t.Fatalf("keys differ across idempotent AddObject: %q != %q", key1, key2)
	}
}

func TestGetObjectContentAfterPacking(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()
	want := []byte("this object will be packed")

	key, err := c.AddObject(want)
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if _, err := c.PackAllLoose(ctx, packer.NO); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}

	got, err := c.GetObjectContent(ctx, key)
	if err != nil {
		t.Fatalf("GetObjectContent after packing: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("GetObjectContent after packing = %q, want %q", got, want)
	}
}

func TestGetObjectsContentMixedTiers(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	packedKey, err := c.AddObject([]byte("packed object"))
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if _, err := c.PackAllLoose(ctx, packer.NO); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	looseKey, err := c.AddObject([]byte("loose object"))
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	results, err := c.GetObjectsContent(ctx, []string{packedKey, looseKey, "nonexistent-key"}, true)
	if err != nil {
		t.Fatalf("GetObjectsContent: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("GetObjectsContent with skipIfMissing=true returned %d entries, want 2", len(results))
	}
	if !results[packedKey].Found || string(results[packedKey].Data) != "packed object" {
		t.Errorf("packed result = %+v", results[packedKey])
	}
	if !results[looseKey].Found || string(results[looseKey].Data) != "loose object" {
		t.Errorf("loose result = %+v", results[looseKey])
	}

	withMissing, err := c.GetObjectsContent(ctx, []string{packedKey, "nonexistent-key"}, false)
	if err != nil {
		t.Fatalf("GetObjectsContent (skipIfMissing=false): %v", err)
	}
	if len(withMissing) != 2 {
		t.Fatalf("GetObjectsContent with skipIfMissing=false returned %d entries, want 2", len(withMissing))
	}
	if withMissing["nonexistent-key"].Found {
		t.Error(`results["nonexistent-key"].Found = true, want false`)
	}
}

func TestListAllObjectsAcrossTiers(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	packedKey, err := c.AddObject([]byte("one"))
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if _, err := c.PackAllLoose(ctx, packer.NO); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	looseKey, err := c.AddObject([]byte("two"))
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	keys, err := c.ListAllObjects(ctx)
	if err != nil {
		t.Fatalf("ListAllObjects: %v", err)
	}
	found := make(map[string]bool)
	for _, k := range keys {
		found[k] = true
	}
	if !found[packedKey] || !found[looseKey] {
		t.Fatalf("ListAllObjects = %v, missing one of %q, %q", keys, packedKey, looseKey)
	}

	count, err := c.CountObjects(ctx)
	if err != nil {
		t.Fatalf("CountObjects: %v", err)
	}
	if count != 2 {
		t.Fatalf("CountObjects = %d, want 2", count)
	}
}

func TestGetTotalSize(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	if _, err := c.AddObject([]byte("12345")); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if _, err := c.PackAllLoose(ctx, packer.NO); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}
	if _, err := c.AddObject([]byte("six6")); err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	total, err := c.GetTotalSize(ctx)
	if err != nil {
		t.Fatalf("GetTotalSize: %v", err)
	}
	if total != 9 {
		t.Fatalf("GetTotalSize = %d, want 9", total)
	}
}

func TestAddObjectsToPackSkipsLooseEntirely(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	srcs := []io.Reader{
		bytes.NewReader([]byte("direct to pack one")),
		bytes.NewReader([]byte("direct to pack two")),
	}
	keys, err := c.AddObjectsToPack(ctx, srcs, packer.NO)
	if err != nil {
		t.Fatalf("AddObjectsToPack: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("AddObjectsToPack returned %d keys, want 2", len(keys))
	}

	for i, key := range keys {
		if ok, _ := c.loose.Exists(key); ok {
			t.Errorf("key %d ended up loose, want packed-only", i)
		}
		if ok, err := c.catalog.Exists(ctx, key); err != nil || !ok {
			t.Errorf("key %d not found in catalog: ok=%v err=%v", i, ok, err)
		}
	}

	got, err := c.GetObjectContent(ctx, keys[0])
	if err != nil {
		t.Fatalf("GetObjectContent: %v", err)
	}
	if string(got) != "direct to pack one" {
		t.Fatalf("GetObjectContent = %q, want %q", got, "direct to pack one")
	}
}

func TestCountPackFiles(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()

	if n, err := c.CountPackFiles(ctx); err != nil || n != 0 {
		t.Fatalf("CountPackFiles before any pack = %d, %v; want 0, nil", n, err)
	}

	if _, err := c.AddObject([]byte("goes into pack 0")); err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if _, err := c.PackAllLoose(ctx, packer.NO); err != nil {
		t.Fatalf("PackAllLoose: %v", err)
	}

	n, err := c.CountPackFiles(ctx)
	if err != nil {
		t.Fatalf("CountPackFiles: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountPackFiles after one pack_all_loose run = %d, want 1", n)
	}
}
