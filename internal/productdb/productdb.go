// Package productdb is the build-record store the Builder declares finished
// artifacts into and consults for the identity short-circuit. DB is the
// contract the core depends on; SQLDB is the concrete modernc.org/sqlite
// implementation — a pure-Go driver, avoiding the cgo dependency a
// mattn/go-sqlite3-backed store would pull in.
package productdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/lsst-dm/srcbuild/internal/srcerr"
	"github.com/lsst-dm/srcbuild/internal/table"
)

// Record is a declared build: everything the Builder's env-accumulation step
// needs back out of the database for a dependency it didn't just build
// itself.
type Record struct {
	Product    string
	Version    string
	Identity   string
	Flavor     string
	ProductDir string
	Tag        string
	Table      *table.Table
}

// DB is the contract the core depends on (spec §6, "external product
// database").
type DB interface {
	HasIdentity(ctx context.Context, product, identity string) (bool, error)
	GetTableFromIdentity(ctx context.Context, product, identity string) (*Record, error)
	GetDatabasePathFromVersion(ctx context.Context, product, version string) (string, error)
	Declare(ctx context.Context, rec Record) error
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
    product     TEXT NOT NULL,
    version     TEXT NOT NULL,
    identity    TEXT NOT NULL,
    flavor      TEXT NOT NULL,
    product_dir TEXT NOT NULL,
    tag         TEXT,
    table_json  BLOB NOT NULL,
    declared_at TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    PRIMARY KEY (product, identity)
);
`

// SQLDB is a DB backed by a local sqlite file.
type SQLDB struct {
	db    *sql.DB
	runID string
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*SQLDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &srcerr.IOFailure{Op: "open database", Path: path, Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &srcerr.IOFailure{Op: "create schema", Path: path, Err: err}
	}
	return &SQLDB{db: db, runID: uuid.NewString()}, nil
}

// Close releases the underlying database handle.
func (s *SQLDB) Close() error {
	return s.db.Close()
}

// HasIdentity reports whether product has already been declared under
// identity.
func (s *SQLDB) HasIdentity(ctx context.Context, product, identity string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM products WHERE product = ? AND identity = ? LIMIT 1`,
		product, identity)
	var one int
	err := row.Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "checking identity for %s", product)
	default:
		return true, nil
	}
}

// GetTableFromIdentity returns the declared record for (product, identity).
func (s *SQLDB) GetTableFromIdentity(ctx context.Context, product, identity string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, flavor, product_dir, tag, table_json
		 FROM products WHERE product = ? AND identity = ? LIMIT 1`,
		product, identity)

	var version, flavor, productDir string
	var tag sql.NullString
	var tableJSON []byte
	if err := row.Scan(&version, &flavor, &productDir, &tag, &tableJSON); err != nil {
		return nil, errors.Wrapf(err, "reading declared record for %s@%s", product, identity)
	}

	tbl, err := decodeTable(product, productDir, tableJSON)
	if err != nil {
		return nil, err
	}

	return &Record{
		Product:    product,
		Version:    version,
		Identity:   identity,
		Flavor:     flavor,
		ProductDir: productDir,
		Tag:        tag.String,
		Table:      tbl,
	}, nil
}

// GetDatabasePathFromVersion returns the product_dir recorded for the most
// recently declared row of (product, version).
func (s *SQLDB) GetDatabasePathFromVersion(ctx context.Context, product, version string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_dir FROM products WHERE product = ? AND version = ?
		 ORDER BY declared_at DESC LIMIT 1`,
		product, version)

	var productDir string
	if err := row.Scan(&productDir); err != nil {
		return "", errors.Wrapf(err, "looking up database path for %s@%s", product, version)
	}
	return productDir, nil
}

// Declare persists rec. Declaration failure is fatal to the caller (spec §9,
// "behavior when declare fails": the original ignores declare's result, this
// implementation surfaces it).
func (s *SQLDB) Declare(ctx context.Context, rec Record) error {
	blob, err := encodeTable(rec.Table)
	if err != nil {
		return errors.Wrapf(err, "encoding table for %s", rec.Product)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "beginning declare transaction for %s", rec.Product)
	}
	defer tx.Rollback()

	var tag interface{}
	if rec.Tag != "" {
		tag = rec.Tag
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO products
		 (product, version, identity, flavor, product_dir, tag, table_json, declared_at, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), ?)`,
		rec.Product, rec.Version, rec.Identity, rec.Flavor, rec.ProductDir, tag, blob, s.runID)
	if err != nil {
		return errors.Wrapf(err, "declaring %s", rec.Product)
	}

	return tx.Commit()
}

// tableDoc is the JSON-serializable shape of a table.Table, matching
// SPEC_FULL.md §3's "table blob (JSON serialized)" wording.
type tableDoc struct {
	Required []table.Dependency    `json:"required"`
	Optional []table.Dependency    `json:"optional"`
	Setup    []table.SetupFragment `json:"setup"`
}

func encodeTable(t *table.Table) ([]byte, error) {
	if t == nil {
		return json.Marshal(tableDoc{})
	}
	return json.Marshal(tableDoc{Required: t.Required, Optional: t.Optional, Setup: t.Setup})
}

func decodeTable(product, productDir string, blob []byte) (*table.Table, error) {
	var doc tableDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, &srcerr.TableParseError{Product: product, Path: productDir, Err: err}
	}
	return &table.Table{
		Product:  product,
		WorkDir:  productDir,
		Required: doc.Required,
		Optional: doc.Optional,
		Setup:    doc.Setup,
	}, nil
}
