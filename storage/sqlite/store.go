// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides a SQLite backed dead letter store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/storage"
	_ "modernc.org/sqlite"
)

var _ storage.DeadLetterStore = (*Store)(nil)

const pragmaTimeout = 5 * time.Second

// Config holds SQLite configuration.
type Config struct {
	Path string
}

// Store persists dead letters in a single SQLite table.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// New opens, and creates if needed, the database at cfg.Path.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, pragmaTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dead_letters (
  id          TEXT PRIMARY KEY,
  topic       TEXT NOT NULL,
  destination TEXT NOT NULL,
  method      TEXT NOT NULL,
  key         TEXT NOT NULL DEFAULT '',
  priority    INTEGER NOT NULL,
  payload     BLOB,
  qos         BLOB,
  kind        TEXT NOT NULL,
  reason      TEXT NOT NULL,
  redeliver   INTEGER NOT NULL DEFAULT 0,
  arrival     INTEGER NOT NULL,
  dead_at     INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dead_letters_destination_idx ON dead_letters(destination, dead_at, id);`,
		`CREATE INDEX IF NOT EXISTS dead_letters_dead_at_idx ON dead_letters(dead_at, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

const columns = `id, topic, destination, method, key, priority, payload, qos, kind, reason, redeliver, arrival, dead_at`

func (s *Store) Store(ctx context.Context, letters ...*storage.DeadLetter) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO dead_letters (`+columns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range letters {
		if l == nil {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			l.ID, l.Topic, l.Destination, l.Method, l.Key, l.Priority,
			l.Payload, l.QoS, l.Kind, l.Reason, l.Redeliver,
			l.Arrival.UnixNano(), l.DeadAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert dead letter %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLetter(row scanner) (*storage.DeadLetter, error) {
	var (
		l               storage.DeadLetter
		arrival, deadAt int64
	)
	err := row.Scan(&l.ID, &l.Topic, &l.Destination, &l.Method, &l.Key, &l.Priority,
		&l.Payload, &l.QoS, &l.Kind, &l.Reason, &l.Redeliver, &arrival, &deadAt)
	if err != nil {
		return nil, err
	}
	l.Arrival = time.Unix(0, arrival)
	l.DeadAt = time.Unix(0, deadAt)
	return &l, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.DeadLetter, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM dead_letters WHERE id = ?`, id)
	l, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return l, err
}

func (s *Store) List(ctx context.Context, q storage.Query) ([]*storage.DeadLetter, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	query := `SELECT ` + columns + ` FROM dead_letters`
	var args []any
	if q.Destination != "" {
		query += ` WHERE destination = ?`
		args = append(args, q.Destination)
	}
	query += ` ORDER BY dead_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*storage.DeadLetter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, destination string) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	var (
		res sql.Result
		err error
	)
	if destination == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE destination = ?`, destination)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Count(ctx context.Context, destination string) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	var (
		n   int
		row *sql.Row
	)
	if destination == "" {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE destination = ?`, destination)
	}
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the database. It is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
