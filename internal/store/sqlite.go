package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is a Cache backed by a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; sqlite would return SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS blocks (
  mode INTEGER NOT NULL,
  tag TEXT NOT NULL,
  block INTEGER NOT NULL,
  PRIMARY KEY (mode, tag, block)
);
CREATE TABLE IF NOT EXISTS records (
  mode INTEGER NOT NULL,
  tag TEXT NOT NULL,
  block INTEGER NOT NULL,
  tx_hash TEXT NOT NULL,
  previous INTEGER NOT NULL,
  creation INTEGER NOT NULL,
  sender TEXT NOT NULL,
  input BLOB NOT NULL,
  PRIMARY KEY (mode, tag, block, tx_hash)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create cache tables: %w", err)
	}
	return nil
}

func (s *SQLite) Lookup(ctx context.Context, key Key) ([]Entry, bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE mode = ? AND tag = ? AND block = ?`,
		int(key.Mode), key.Tag, int64(key.Block),
	).Scan(&n)
	if err != nil {
		return nil, false, fmt.Errorf("lookup block: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT tx_hash, previous, creation, sender, input FROM records
WHERE mode = ? AND tag = ? AND block = ?
ORDER BY creation DESC`,
		int(key.Mode), key.Tag, int64(key.Block),
	)
	if err != nil {
		return nil, false, fmt.Errorf("lookup records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var previous int64
		if err := rows.Scan(&e.TxHash, &previous, &e.Creation, &e.From, &e.Input); err != nil {
			return nil, false, fmt.Errorf("scan record: %w", err)
		}
		e.Previous = uint64(previous)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("read records: %w", err)
	}
	return entries, true, nil
}

func (s *SQLite) Store(ctx context.Context, key Key, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
INSERT INTO records (mode, tag, block, tx_hash, previous, creation, sender, input)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mode, tag, block, tx_hash) DO NOTHING`,
			int(key.Mode), key.Tag, int64(key.Block), e.TxHash, int64(e.Previous), e.Creation, e.From, nonNil(e.Input),
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (mode, tag, block) VALUES (?, ?, ?) ON CONFLICT(mode, tag, block) DO NOTHING`,
		int(key.Mode), key.Tag, int64(key.Block),
	)
	if err != nil {
		return fmt.Errorf("mark block: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
