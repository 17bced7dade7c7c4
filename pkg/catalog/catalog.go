// Package catalog implements the durable index of packed-object metadata:
// hashkey -> (pack_id, offset, length, size, compressed, compression_name)
// with atomic batch insert and batched lookup.
//
// The schema shape, the "INSERT ... ON CONFLICT DO NOTHING" +
// RowsAffected idiom for idempotent writes, and the context-first
// database/sql usage follow a (path, offset, size)-keyed SQL catalog
// fronting a nested blob store, generalized from single-row statements
// to this package's batched insert_many/lookup_many.
//
// The backend is modernc.org/sqlite, a CGo-free SQLite driver.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Lookup when hashkey has no catalog row.
var ErrNotFound = errors.New("catalog: not found")

// Row is one packed-object entry.
type Row struct {
	Key             string
	PackID          int64
	Offset          int64
	Length          int64
	Size            int64
	Compressed      bool
	CompressionName string
}

// Catalog is a durable, transactional index backed by a single SQLite
// database file (the container's packs.idx).
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS db_object (
	hashkey          TEXT PRIMARY KEY,
	pack_id          INTEGER NOT NULL,
	offset           INTEGER NOT NULL,
	length           INTEGER NOT NULL,
	size             INTEGER NOT NULL,
	compressed       INTEGER NOT NULL,
	compression_name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS db_object_pack_id ON db_object (pack_id);
`

// Open opens (creating if absent) the catalog database at path and
// ensures its schema exists.
//
// Writers are serialized through a single *sql.DB connection: SQLite
// only allows one writer at a time, and funneling writes through one
// connection avoids fighting the driver's own locking, rather than
// surfacing "the database is locked" errors under concurrent writers.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: opening %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "catalog: creating schema")
	}
	return &Catalog{db: db}, nil
}

// Close releases the catalog's database handle.
func (c *Catalog) Close() error {
	return errors.Wrap(c.db.Close(), "catalog: closing")
}

// InsertMany inserts rows in a single transaction: either all become
// visible to subsequent lookups, or (on error) none do. A row whose key
// already exists is silently skipped — the object is already packed.
func (c *Catalog) InsertMany(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "catalog: beginning insert_many transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO db_object (hashkey, pack_id, offset, length, size, compressed, compression_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hashkey) DO NOTHING
	`)
	if err != nil {
		return errors.Wrap(err, "catalog: preparing insert_many statement")
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Key, r.PackID, r.Offset, r.Length, r.Size, boolToInt(r.Compressed), r.CompressionName); err != nil {
			return errors.Wrapf(err, "catalog: inserting %s", r.Key)
		}
	}
	return errors.Wrap(tx.Commit(), "catalog: committing insert_many")
}

// Lookup returns the row for key, or ErrNotFound.
func (c *Catalog) Lookup(ctx context.Context, key string) (Row, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT hashkey, pack_id, offset, length, size, compressed, compression_name
		FROM db_object WHERE hashkey = ?`, key)
	return scanRow(row)
}

// LookupMany resolves many keys in a single query. Keys absent from the
// catalog are simply absent from the returned map.
func (c *Catalog) LookupMany(ctx context.Context, keys []string) (map[string]Row, error) {
	out := make(map[string]Row, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		args[i] = k
	}
	q := fmt.Sprintf(`
		SELECT hashkey, pack_id, offset, length, size, compressed, compression_name
		FROM db_object WHERE hashkey IN (%s)`, strings.Join(placeholders, ","))

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: querying lookup_many")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out[r.Key] = r
	}
	return out, errors.Wrap(rows.Err(), "catalog: reading lookup_many rows")
}

// Count returns the number of packed-object rows.
func (c *Catalog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM db_object`).Scan(&n)
	return n, errors.Wrap(err, "catalog: counting rows")
}

// SumSize returns the sum of raw (uncompressed) sizes over every packed
// object.
func (c *Catalog) SumSize(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT SUM(size) FROM db_object`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: summing sizes")
	}
	return n.Int64, nil
}

// MaxPackID returns the largest pack_id referenced by any row, and false
// if the catalog is empty.
func (c *Catalog) MaxPackID(ctx context.Context) (int64, bool, error) {
	var id sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT MAX(pack_id) FROM db_object`).Scan(&id)
	if err != nil {
		return 0, false, errors.Wrap(err, "catalog: finding max pack_id")
	}
	return id.Int64, id.Valid, nil
}

// PackSize returns the number of packed-object bytes (length, i.e. the
// post-compression size) attributed to packID.
func (c *Catalog) PackSize(ctx context.Context, packID int64) (int64, error) {
	var n sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT SUM(length) FROM db_object WHERE pack_id = ?`, packID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "catalog: summing pack %d", packID)
	}
	return n.Int64, nil
}

// HighWaterMark returns max(offset+length) over packID's rows, the
// number of bytes of packID that are actually referenced by a committed
// catalog row. A crash-recovering packer truncates a pack file down to
// this value to discard any dead tail left by an interrupted batch.
func (c *Catalog) HighWaterMark(ctx context.Context, packID int64) (int64, error) {
	var n sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT MAX(offset + length) FROM db_object WHERE pack_id = ?`, packID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "catalog: computing high-water mark for pack %d", packID)
	}
	return n.Int64, nil
}

// Exists reports whether key has a catalog row, without fetching it.
func (c *Catalog) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM db_object WHERE hashkey = ? LIMIT 1`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "catalog: checking existence of %s", key)
	}
	return true, nil
}

// IterKeys returns every hash key currently in the catalog.
func (c *Catalog) IterKeys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT hashkey FROM db_object`)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: querying all keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "catalog: scanning key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "catalog: reading keys")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (Row, error) {
	r, err := scanInto(row)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	return r, err
}

func scanRows(rows *sql.Rows) (Row, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (Row, error) {
	var r Row
	var compressed int
	err := s.Scan(&r.Key, &r.PackID, &r.Offset, &r.Length, &r.Size, &compressed, &r.CompressionName)
	if err != nil {
		return Row{}, err
	}
	r.Compressed = compressed != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
