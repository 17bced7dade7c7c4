// Package container implements the public object-store facade:
// init_container, add_object(s), get_object(s)_content,
// list_all_objects, and the aggregate counters.
//
// Reads consult two tiers: a loose, content-addressed directory, tried
// first, and the packed tier (a SQL catalog of packed objects plus the
// pack files it indexes), consulted only when no loose copy exists.
// Loose is where objects are written first; packed holds them once
// pack_all_loose runs. Listing merges both, deduplicated, for
// list_all_objects.
package container

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go4.org/syncutil"

	"objstore.dev/objstore/pkg/catalog"
	"objstore.dev/objstore/pkg/codec"
	"objstore.dev/objstore/pkg/loose"
	"objstore.dev/objstore/pkg/objerr"
	"objstore.dev/objstore/pkg/objlock"
	"objstore.dev/objstore/pkg/pack"
	"objstore.dev/objstore/pkg/packer"
	"objstore.dev/objstore/pkg/storeconfig"
)

// Layout of a container directory.
const (
	configName  = "config"
	looseDir    = "loose"
	sandboxDir  = "sandbox"
	packsDir    = "packs"
	catalogName = "packs.idx"
	lockName    = ".lock"
)

// Container is an open object store rooted at a directory on the local
// filesystem.
type Container struct {
	root string
	cfg  storeconfig.Config

	loose   *loose.Store
	catalog *catalog.Catalog
	reader  *pack.Reader
}

// ObjectResult is one entry of a GetObjectsContent response: Found is
// false when skipIfMissing is false and the key has no backing object,
// distinguishing "missing" from "present but empty".
type ObjectResult struct {
	Data  []byte
	Found bool
}

// IsInitialised reports whether root holds a complete, consistent
// container: its config file, loose/ and packs/ directories, and
// catalog schema all present. A root left behind by a crash between two
// of those steps (e.g. config written but packs/ never created) reports
// false.
func IsInitialised(root string) bool {
	if !storeconfig.Exists(filepath.Join(root, configName)) {
		return false
	}
	if !isDir(filepath.Join(root, looseDir)) || !isDir(filepath.Join(root, packsDir)) {
		return false
	}
	return catalogSchemaOK(filepath.Join(root, catalogName))
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// catalogSchemaOK reports whether path holds a catalog database that
// already contains the db_object table. It never creates path or the
// schema: a missing file or table is reported as a schema failure, not
// created as a side effect, so checking an uninitialised root never
// itself brings one into being.
func catalogSchemaOK(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return false
	}
	defer db.Close()
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'db_object'`).Scan(&n)
	return err == nil && n == 1
}

// InitContainer creates a new container at root with cfg
// (storeconfig.Default() if the caller passes the zero value).
//
// Re-initialising an already-initialised root is idempotent when cfg
// matches the container's existing configuration. A mismatched cfg is a
// ConfigError unless clear is true, in which case the existing
// container is wiped and recreated from scratch.
func InitContainer(root string, cfg storeconfig.Config, clear bool) error {
	if cfg == (storeconfig.Config{}) {
		cfg = storeconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if IsInitialised(root) {
		existing, err := storeconfig.Load(filepath.Join(root, configName))
		if err != nil {
			return err
		}
		switch {
		case clear:
			if err := os.RemoveAll(root); err != nil {
				return errors.Wrapf(err, "container: clearing %s", root)
			}
		case existing == cfg:
			return nil
		default:
			return errors.Wrapf(objerr.ErrConfigError, "container: %s is already initialised with different parameters", root)
		}
	}

	for _, dir := range []string{root, filepath.Join(root, looseDir), filepath.Join(root, sandboxDir), filepath.Join(root, packsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "container: creating %s", dir)
		}
	}

	cat, err := catalog.Open(filepath.Join(root, catalogName))
	if err != nil {
		return err
	}
	defer cat.Close()

	return cfg.Save(filepath.Join(root, configName))
}

// Open opens an already-initialised container.
func Open(root string) (*Container, error) {
	if !IsInitialised(root) {
		return nil, errors.Wrapf(objerr.ErrNotInitialised, "container: %s", root)
	}
	cfg, err := storeconfig.Load(filepath.Join(root, configName))
	if err != nil {
		return nil, errors.Wrapf(err, "container: %s is not a valid container", root)
	}
	cat, err := catalog.Open(filepath.Join(root, catalogName))
	if err != nil {
		return nil, err
	}
	ls := loose.New(filepath.Join(root, looseDir), filepath.Join(root, sandboxDir), cfg.LoosePrefixLen, cfg.HashType)
	return &Container{
		root:    root,
		cfg:     cfg,
		loose:   ls,
		catalog: cat,
		reader:  pack.NewReader(filepath.Join(root, packsDir)),
	}, nil
}

// Close releases the container's open handles (its catalog database
// connection).
func (c *Container) Close() error {
	return c.catalog.Close()
}

// AddObject stores data, returning its hash key. Re-adding identical
// bytes is idempotent and returns the same key.
func (c *Container) AddObject(data []byte) (string, error) {
	_, key, err := c.loose.Insert(bytes.NewReader(data))
	return key, err
}

// AddStreamedObject is AddObject for a caller that has a reader rather
// than an in-memory buffer, avoiding buffering the whole object.
func (c *Container) AddStreamedObject(src io.Reader) (string, error) {
	_, key, err := c.loose.Insert(src)
	return key, err
}

// AddObjectsToPack streams each of srcs directly into a pack file and
// commits their catalog rows in one transaction, bypassing the loose
// tier entirely — for callers that already know they want packed
// storage up front.
func (c *Container) AddObjectsToPack(ctx context.Context, srcs []io.Reader, mode packer.CompressMode) ([]string, error) {
	lk, err := objlock.AcquireWithTimeout(filepath.Join(c.root, lockName), objlock.DefaultGracePeriod)
	if err != nil {
		return nil, err
	}
	defer lk.Close()

	writer, err := pack.OpenWriter(filepath.Join(c.root, packsDir), c.cfg.PackSizeTarget, c.cfg.HashType)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	tok, err := codec.ParseToken(c.cfg.CompressionAlgorithm)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(srcs))
	rows := make([]catalog.Row, 0, len(srcs))
	for _, src := range srcs {
		var t *codec.Token
		switch mode {
		case packer.YES:
			t = &tok
		case packer.NO, packer.KEEP:
			// store raw
		case packer.AUTO:
			return nil, errors.New("container: AUTO compression requires AddObjectsToPack to buffer objects; use pack_all_loose instead")
		}
		res, err := writer.AppendStream(src, t)
		if err != nil {
			return nil, err
		}
		keys = append(keys, res.Key)
		rows = append(rows, catalog.Row{
			Key: res.Key, PackID: res.PackID, Offset: res.Offset, Length: res.Length,
			Size: res.Size, Compressed: res.Compressed, CompressionName: res.CompressionName,
		})
	}

	if err := writer.Sync(); err != nil {
		return nil, err
	}
	if err := c.catalog.InsertMany(ctx, rows); err != nil {
		return nil, err
	}
	return keys, nil
}

// GetObjectContent returns the bytes for key, preferring the loose copy
// if one exists (it is always at least as fresh as the packed copy) and
// falling back to the catalog+pack tier.
func (c *Container) GetObjectContent(ctx context.Context, key string) ([]byte, error) {
	if ok, err := c.loose.Exists(key); err != nil {
		return nil, err
	} else if ok {
		var buf bytes.Buffer
		if err := c.loose.CopyTo(key, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	row, err := c.catalog.Lookup(ctx, key)
	if err != nil {
		if errors.Cause(err) == catalog.ErrNotFound {
			return nil, loose.ErrNotFound
		}
		return nil, err
	}
	return c.reader.Read(rowToLocation(row))
}

// looseStatGate bounds how many loose.Exists/CopyTo calls GetObjectsContent
// runs concurrently, the same arbitrary-but-bounded fan-out diskpacked.go
// uses for its own statGate.
var looseStatGate = syncutil.NewGate(20)

// GetObjectsContent resolves many keys at once, batching the catalog
// lookup and the pack reads. When skipIfMissing is true,
// keys with no backing object are simply absent from the result; when
// false, they're present with Found=false.
//
// The loose-tier probe for each key runs in parallel, bounded by
// looseStatGate, mirroring blobserver.StatBlobsParallelHelper's
// gate-bounded fan-out over many individually-stat'd objects.
func (c *Container) GetObjectsContent(ctx context.Context, keys []string, skipIfMissing bool) (map[string]ObjectResult, error) {
	out := make(map[string]ObjectResult, len(keys))
	var needCatalog []string
	var mu sync.Mutex // guards out and needCatalog during the fan-out below

	var wg syncutil.Group
	for _, key := range keys {
		key := key
		looseStatGate.Start()
		wg.Go(func() error {
			defer looseStatGate.Done()

			ok, err := c.loose.Exists(key)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				needCatalog = append(needCatalog, key)
				mu.Unlock()
				return nil
			}
			var buf bytes.Buffer
			if err := c.loose.CopyTo(key, &buf); err != nil {
				return err
			}
			mu.Lock()
			out[key] = ObjectResult{Data: buf.Bytes(), Found: true}
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Err(); err != nil {
		return nil, err
	}

	if len(needCatalog) > 0 {
		rows, err := c.catalog.LookupMany(ctx, needCatalog)
		if err != nil {
			return nil, err
		}
		locs := make([]pack.Location, 0, len(rows))
		for _, row := range rows {
			locs = append(locs, rowToLocation(row))
		}
		data, err := c.reader.ReadMany(locs)
		if err != nil {
			return nil, err
		}
		for _, key := range needCatalog {
			if d, ok := data[key]; ok {
				out[key] = ObjectResult{Data: d, Found: true}
				continue
			}
			if !skipIfMissing {
				out[key] = ObjectResult{Found: false}
			}
		}
	}
	return out, nil
}

// ListAllObjects returns every hash key known to the container, loose or
// packed, deduplicated. A key can transiently appear in
// both tiers while pack_all_loose is mid-batch; the result reports it
// once either way.
func (c *Container) ListAllObjects(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	looseKeys, errs := c.loose.IterKeys()
	for k := range looseKeys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	if err := <-errs; err != nil {
		return nil, errors.Wrap(err, "container: listing loose objects")
	}

	packedKeys, err := c.catalog.IterKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range packedKeys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out, nil
}

// CountObjects returns the number of distinct objects across both tiers
//.
func (c *Container) CountObjects(ctx context.Context) (int64, error) {
	keys, err := c.ListAllObjects(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// GetTotalSize returns the sum of raw object sizes across both tiers
//. Loose objects are counted from their file size;
// packed objects from the catalog's recorded raw size.
func (c *Container) GetTotalSize(ctx context.Context) (int64, error) {
	var total int64
	keys, errs := c.loose.IterKeys()
	for k := range keys {
		fi, err := os.Stat(c.loosePath(k))
		if err != nil {
			return 0, errors.Wrapf(err, "container: statting loose object %s", k)
		}
		total += fi.Size()
	}
	if err := <-errs; err != nil {
		return 0, errors.Wrap(err, "container: listing loose objects")
	}

	packedSize, err := c.catalog.SumSize(ctx)
	if err != nil {
		return 0, err
	}
	return total + packedSize, nil
}

// CountPackFiles returns the number of pack files the container has
// created, including the current (possibly empty) one.
func (c *Container) CountPackFiles(ctx context.Context) (int64, error) {
	maxID, ok, err := c.catalog.MaxPackID(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		entries, err := os.ReadDir(filepath.Join(c.root, packsDir))
		if err != nil {
			return 0, errors.Wrap(err, "container: reading packs directory")
		}
		var n int64
		for _, e := range entries {
			if !e.IsDir() {
				n++
			}
		}
		return n, nil
	}
	return maxID + 1, nil
}

// PackAllLoose migrates every current loose object into packs under
// mode, delegating to the packer package.
func (c *Container) PackAllLoose(ctx context.Context, mode packer.CompressMode) (int, error) {
	tok, err := codec.ParseToken(c.cfg.CompressionAlgorithm)
	if err != nil {
		return 0, err
	}
	return packer.Run(ctx, packer.Deps{
		LockPath:           filepath.Join(c.root, lockName),
		PacksDir:           filepath.Join(c.root, packsDir),
		Loose:              c.loose,
		Catalog:            c.catalog,
		HashType:           c.cfg.HashType,
		DefaultCompression: tok,
		PackSizeTarget:     c.cfg.PackSizeTarget,
	}, mode)
}

func (c *Container) loosePath(key string) string {
	p := filepath.Join(c.root, looseDir, key[:c.cfg.LoosePrefixLen], key[c.cfg.LoosePrefixLen:])
	return p
}

func rowToLocation(row catalog.Row) pack.Location {
	return pack.Location{
		Key: row.Key, PackID: row.PackID, Offset: row.Offset, Length: row.Length,
		Size: row.Size, Compressed: row.Compressed, CompressionName: row.CompressionName,
	}
}
