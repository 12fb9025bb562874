package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ocelotpotpie/BlockStore/internal/chunkloc"
)

var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend stores every chunk as one row of a SQLite database. Each
// Save is a single upsert statement and therefore atomic.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (creating if needed) the database at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty db path", ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &SQLiteBackend{db: db}, nil
}

func initSQLite(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (x, y, z)
		) WITHOUT ROWID;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the stored bytes of loc, or ErrNotFound.
func (b *SQLiteBackend) Load(loc chunkloc.Loc) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM chunks WHERE x = ? AND y = ? AND z = ?`,
		loc.X, loc.Y, loc.Z).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save inserts or replaces the row for loc.
func (b *SQLiteBackend) Save(loc chunkloc.Loc, data []byte) error {
	_, err := b.db.Exec(`INSERT INTO chunks (x, y, z, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (x, y, z) DO UPDATE SET data = excluded.data`,
		loc.X, loc.Y, loc.Z, data)
	if err != nil {
		return fmt.Errorf("save chunk %v: %w", loc, err)
	}
	return nil
}

// Delete removes the row for loc if present.
func (b *SQLiteBackend) Delete(loc chunkloc.Loc) error {
	_, err := b.db.Exec(`DELETE FROM chunks WHERE x = ? AND y = ? AND z = ?`, loc.X, loc.Y, loc.Z)
	return err
}

// List calls fn for every stored chunk in (x, y, z) order.
func (b *SQLiteBackend) List(fn func(loc chunkloc.Loc) bool) error {
	rows, err := b.db.Query(`SELECT x, y, z FROM chunks ORDER BY x, y, z`)
	if err != nil {
		return err
	}
	// Collect first: fn may call back into the backend, and the single
	// connection is held until rows is closed.
	var locs []chunkloc.Loc
	for rows.Next() {
		var loc chunkloc.Loc
		if err := rows.Scan(&loc.X, &loc.Y, &loc.Z); err != nil {
			rows.Close()
			return err
		}
		locs = append(locs, loc)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, loc := range locs {
		if !fn(loc) {
			return nil
		}
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
