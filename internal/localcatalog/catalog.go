// Package localcatalog is a peer's own bookkeeping: which local files
// it has shared (file_id -> absolute path, so the chunk-serving
// endpoint can resolve an incoming request) and the peer's persistent
// opaque client id.
package localcatalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a file_id has no local entry.
var ErrNotFound = errors.New("localcatalog: not found")

// Catalog maps locally shared file ids to their absolute path on disk.
type Catalog struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open creates (if needed) and opens the local catalog database at path.
func Open(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("localcatalog: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localcatalog: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shared_files (
			file_id TEXT PRIMARY KEY,
			path TEXT NOT NULL
		);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localcatalog: schema: %w", err)
	}

	return &Catalog{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put records that fileID resolves to path on this peer.
func (c *Catalog) Put(fileID, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`INSERT OR REPLACE INTO shared_files (file_id, path) VALUES (?, ?)`, fileID, path)
	return err
}

// Remove deletes the local share record for fileID. Returns ErrNotFound
// if there was no such record.
func (c *Catalog) Remove(fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`DELETE FROM shared_files WHERE file_id = ?`, fileID)
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

// Resolve returns the absolute path for fileID, or ErrNotFound.
func (c *Catalog) Resolve(fileID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var path string
	row := c.db.QueryRow(`SELECT path FROM shared_files WHERE file_id = ?`, fileID)
	if err := row.Scan(&path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return path, nil
}

// List returns every file_id this peer currently shares.
func (c *Catalog) List() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query(`SELECT file_id FROM shared_files`)
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

// LoadOrCreateClientID reads the opaque client id from the file at path
// (conventionally "<username>_CLIENT_ID.dat"), minting and persisting a
// fresh one if the file is absent. The id is 16 random bytes, matching
// the wire format's fixed-width client id field.
func LoadOrCreateClientID(path string) ([16]byte, error) {
	var id [16]byte

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 16 {
			return id, fmt.Errorf("localcatalog: client id file %q has length %d, want 16", path, len(data))
		}
		copy(id[:], data)
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return id, fmt.Errorf("localcatalog: read client id: %w", err)
	}

	u := uuid.New()
	copy(id[:], u[:])

	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return id, fmt.Errorf("localcatalog: create dir: %w", mkErr)
		}
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return id, fmt.Errorf("localcatalog: write client id: %w", err)
	}
	return id, nil
}
