// Package indexstore implements the metadata index's persistent
// relations: files, clients, and shares. Share rows survive client
// disconnects; whether a sharer is currently reachable is the index
// server's in-memory concern, not the store's.
package indexstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when a share already exists for (fileID, clientID).
var ErrDuplicate = errors.New("indexstore: share already exists")

// ErrNotFound is returned when a lookup has no matching row.
var ErrNotFound = errors.New("indexstore: not found")

// File is one row of the files relation.
type File struct {
	FileID           string
	Name             string
	ModificationTime uint32
	Size             uint32
}

// Store owns the files/clients/shares relations. All methods are safe
// for concurrent use: sqlite's own WAL concurrency is backstopped by a
// single mutex so that every request is a read-modify-write atomic
// unit.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open creates (if needed) and opens the index database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("indexstore: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("indexstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("indexstore: schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			file_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			modification_time INTEGER NOT NULL,
			size INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS clients (
			client_id TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS shares (
			file_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			PRIMARY KEY (file_id, client_id)
		);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddClient inserts client_id into clients if absent. It is idempotent.
func (s *Store) AddClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO clients (client_id) VALUES (?)`, clientID)
	return err
}

// ShareFile inserts the file (keeping an existing row on conflict, since
// file_id is a stable content-addressed primary key) and records the
// share. Returns ErrDuplicate if (file_id, client_id) already exists.
func (s *Store) ShareFile(f File, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO files (file_id, name, modification_time, size) VALUES (?, ?, ?, ?)`,
		f.FileID, f.Name, f.ModificationTime, f.Size,
	); err != nil {
		return err
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO shares (file_id, client_id) VALUES (?, ?)`, f.FileID, clientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return tx.Commit()
}

// RemoveShare deletes (file_id, client_id) from shares. Returns
// ErrNotFound if no row was removed.
func (s *Store) RemoveShare(fileID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM shares WHERE file_id = ? AND client_id = ?`, fileID, clientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFile looks up a file by id. Returns ErrNotFound if absent.
func (s *Store) GetFile(fileID string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f File
	row := s.db.QueryRow(`SELECT file_id, name, modification_time, size FROM files WHERE file_id = ?`, fileID)
	if err := row.Scan(&f.FileID, &f.Name, &f.ModificationTime, &f.Size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, err
	}
	return f, nil
}

// SharingClientIDs returns every client_id that has shared fileID,
// connected or not.
func (s *Store) SharingClientIDs(fileID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT client_id FROM shares WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, err
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

// SearchByNameSubstring returns every file whose name contains substr,
// regardless of connectivity; the index server filters by currently
// connected sharers.
func (s *Store) SearchByNameSubstring(substr string) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	like := "%" + escapeLike(substr) + "%"
	rows, err := s.db.Query(`SELECT file_id, name, modification_time, size FROM files WHERE name LIKE ? ESCAPE '\'`, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.FileID, &f.Name, &f.ModificationTime, &f.Size); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
