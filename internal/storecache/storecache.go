// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package storecache persists two memoization tables across CLI
// invocations: serialized-masked-derivation fingerprint to modular
// hash, and resolved derivation store path to canonical derivation
// text. Neither table is ever trusted without verification by the
// caller; a cache miss or a corrupt row only costs a recomputation.
package storecache

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/dsnet/compress/bzip2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"strata.dev/pkg/store"
)

//go:embed sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	fsys, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return fsys
}

// Cache wraps a single SQLite connection holding the memoization
// tables. A Cache is not safe for concurrent use; callers needing
// concurrent access should open one Cache per goroutine against the
// same database file.
type Cache struct {
	conn *sqlite.Conn
}

// Open opens (creating if necessary) the cache database at path and
// applies any pending schema migrations.
func Open(ctx context.Context, path string) (*Cache, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open store cache %s: %w", path, err)
	}
	conn.SetInterrupt(ctx.Done())

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode=wal;", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open store cache %s: enable write-ahead logging: %w", path, err)
	}

	var schema sqlitemigration.Schema
	for i := 1; ; i++ {
		migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open store cache %s: read migrations: %w", path, err)
		}
		schema.Migrations = append(schema.Migrations, string(migration))
	}
	if err := sqlitemigration.Migrate(ctx, conn, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open store cache %s: %w", path, err)
	}

	return &Cache{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	return c.conn.Close()
}

// LookupHash returns the modular hash previously stored for
// fingerprint, if any.
func (c *Cache) LookupHash(fingerprint []byte) (hash [32]byte, ok bool, err error) {
	err = sqlitex.ExecuteFS(c.conn, sqlFiles(), "lookup_hash.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":fingerprint": fingerprint},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n := stmt.GetLen("modular_hash")
			if n != len(hash) {
				return fmt.Errorf("stored modular hash has wrong length (%d)", n)
			}
			stmt.GetBytes("modular_hash", hash[:])
			ok = true
			return nil
		},
	})
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("lookup cached hash: %w", err)
	}
	return hash, ok, nil
}

// StoreHash records the modular hash for fingerprint, replacing any
// previous entry.
func (c *Cache) StoreHash(fingerprint []byte, hash [32]byte) error {
	err := sqlitex.ExecuteFS(c.conn, sqlFiles(), "upsert_hash.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":fingerprint":  fingerprint,
			":modular_hash": hash[:],
		},
	})
	if err != nil {
		return fmt.Errorf("store cached hash: %w", err)
	}
	return nil
}

// LookupDerivationText returns the canonical derivation text
// previously stored for path, if any, decompressing it first.
func (c *Cache) LookupDerivationText(path store.Path) (text []byte, ok bool, err error) {
	var compressed []byte
	err = sqlitex.ExecuteFS(c.conn, sqlFiles(), "lookup_derivation_text.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			compressed = make([]byte, stmt.GetLen("text"))
			stmt.GetBytes("text", compressed)
			ok = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("lookup cached derivation text: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	text, err = decompress(compressed)
	if err != nil {
		// A corrupt cache row is not a correctness problem: the caller
		// falls back to recomputing the text from the live derivation.
		return nil, false, nil
	}
	return text, true, nil
}

// StoreDerivationText records the canonical derivation text for path,
// compressed, replacing any previous entry.
func (c *Cache) StoreDerivationText(path store.Path, text []byte) error {
	compressed, err := compress(text)
	if err != nil {
		return fmt.Errorf("store cached derivation text: %w", err)
	}
	err = sqlitex.ExecuteFS(c.conn, sqlFiles(), "upsert_derivation_text.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path": string(path),
			":text": compressed,
		},
	})
	if err != nil {
		return fmt.Errorf("store cached derivation text: %w", err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
