package snapshot

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage stores gzip-compressed snapshot blobs in a SQLite
// database. Preferred backend: one file per data dir instead of one
// per snapshot, and cheap prefix listing.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			blob_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_created
			ON snapshots(created_at DESC);
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Save stores a blob, gzip-compressed. Overwrites an existing id.
func (s *SQLiteStorage) Save(id string, blob []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(blob); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO snapshots (id, created_at, blob_gz, byte_size)
		VALUES (?, ?, ?, ?)
	`, id, time.Now().UTC().Format(time.RFC3339), compressed, len(compressed))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Load retrieves and decompresses a blob.
func (s *SQLiteStorage) Load(id string) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT blob_gz FROM snapshots WHERE id = ?`, id).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	blob, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return blob, nil
}

// List returns ids starting with prefix.
func (s *SQLiteStorage) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM snapshots WHERE id LIKE ? ESCAPE '\' ORDER BY created_at ASC`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a snapshot by id.
func (s *SQLiteStorage) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters in a prefix. Session ids are
// caller-supplied, so an underscore must not act as a wildcard.
func escapeLike(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
