// Package store implements the relational store's schema and batched
// upsert helpers (spec.md §6): the inverted-index, pagerank, metadata, and
// config tables. It follows go/sql-driver/main.go's choice of
// database/sql with github.com/mattn/go-sqlite3, the teacher's own sqlite
// driver selection for its materialization sql-driver binary.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a *sql.DB open against the configured driver/DSN and owns the
// four tables of spec.md §6.
type Store struct {
	DB *sql.DB
}

// Open opens the store and ensures its schema exists.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", driver, err)
	}
	var s = &Store{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	var stmts = []string{
		`CREATE TABLE IF NOT EXISTS inverted_index (
			term TEXT PRIMARY KEY,
			df INTEGER NOT NULL,
			postings TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pagerank (
			doc_id TEXT PRIMARY KEY,
			score DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			doc_id TEXT PRIMARY KEY,
			length INTEGER NOT NULL,
			text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value DOUBLE PRECISION NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: applying schema: %w", err)
		}
	}
	return nil
}

// InvertedIndexRow is one row of the inverted_index table (spec.md §6).
type InvertedIndexRow struct {
	Term     string
	DF       int
	Postings map[string]int64
}

// UpsertInvertedIndexRows upserts rows in a single transaction with
// last-writer-wins on conflict (spec.md §4.5 step 4). Callers are
// responsible for batching (spec.md §6: ≈3000 rows per batch).
func UpsertInvertedIndexRows(ctx context.Context, tx *sql.Tx, rows []InvertedIndexRow) error {
	var stmt, err = tx.PrepareContext(ctx, `
		INSERT INTO inverted_index (term, df, postings) VALUES (?, ?, ?)
		ON CONFLICT(term) DO UPDATE SET df = excluded.df, postings = excluded.postings
	`)
	if err != nil {
		return fmt.Errorf("store: preparing inverted_index upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var postings, err = json.Marshal(row.Postings)
		if err != nil {
			return fmt.Errorf("store: marshaling postings for %q: %w", row.Term, err)
		}
		if _, err := stmt.ExecContext(ctx, row.Term, row.DF, string(postings)); err != nil {
			return fmt.Errorf("store: upserting term %q: %w", row.Term, err)
		}
	}
	return nil
}

// UpsertPageRankRows upserts (doc_id, score) rows with last-writer-wins
// (spec.md §4.9).
func UpsertPageRankRows(ctx context.Context, tx *sql.Tx, ids []string, scores []float64) error {
	var stmt, err = tx.PrepareContext(ctx, `
		INSERT INTO pagerank (doc_id, score) VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET score = excluded.score
	`)
	if err != nil {
		return fmt.Errorf("store: preparing pagerank upsert: %w", err)
	}
	defer stmt.Close()

	for i := range ids {
		if _, err := stmt.ExecContext(ctx, ids[i], scores[i]); err != nil {
			return fmt.Errorf("store: upserting rank for %q: %w", ids[i], err)
		}
	}
	return nil
}

// MetadataRow is one row of the metadata table (spec.md §4.11, §6).
type MetadataRow struct {
	DocID  string
	Length int
	Text   string
}

// UpsertMetadataRows upserts document-length rows (spec.md §4.11).
func UpsertMetadataRows(ctx context.Context, tx *sql.Tx, rows []MetadataRow) error {
	var stmt, err = tx.PrepareContext(ctx, `
		INSERT INTO metadata (doc_id, length, text) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET length = excluded.length, text = excluded.text
	`)
	if err != nil {
		return fmt.Errorf("store: preparing metadata upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.DocID, row.Length, row.Text); err != nil {
			return fmt.Errorf("store: upserting metadata for %q: %w", row.DocID, err)
		}
	}
	return nil
}

// SetConfig upserts a single config["key"] = value row (spec.md §4.11's
// avgdl write, and spec.md §6's required "avgdl" key).
func SetConfig(ctx context.Context, db *sql.DB, key string, value float64) error {
	var _, err = db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: upserting config[%q]: %w", key, err)
	}
	return nil
}

// WithRetry runs fn inside a transaction, committing on success and rolling
// back and retrying with exponential backoff (1s, then doubling) on any
// failure, generalizing compute/db_utils.py's connect-and-batch-upsert helper
// (SPEC_FULL.md §4). attempts defaults to 3 when <= 0.
func WithRetry(ctx context.Context, db *sql.DB, attempts int, fn func(*sql.Tx) error) error {
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("store: exhausted %d attempts: %w", attempts, lastErr)
}
