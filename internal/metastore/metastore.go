// Package metastore is the single embedded relational store spec.md
// §4.B describes: versions, file_heads, branches, tags,
// ignore_rules_snapshot, search_terms, and meta (schema version, HEAD
// branch), backed by modernc.org/sqlite with WAL journaling.
package metastore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle. All multi-row writes run inside a
// single *sql.Tx (WithTx is a helper for that), matching the transaction-as-atomicity-
// boundary discipline spec.md §4.B requires.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates and migrates) the metadata
// store at path, e.g. <root>/.chronolog/history.db.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline (spec.md §5); sqlite serializes regardless

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction, committing on success
// and rolling back on any error (spec.md §4.B, §4.E step 5). Ingest
// and the ref manager open their transactions through DB().Begin()
// directly rather than through WithTx.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("metastore: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: committing transaction: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read-only queries (log, show,
// diff, search) that don't need transactional scope — spec.md §5:
// "reader operations execute ... using the store's MVCC/shared-read
// capability."
func (s *Store) DB() *sql.DB { return s.db }

func unixMillis(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
