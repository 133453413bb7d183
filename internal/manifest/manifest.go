// Package manifest is an optional cache of fingerprints from earlier runs.
// It never decides a transfer on its own: it lets a run reuse a source
// fingerprint when the file's size and mtime are unchanged, and, when the
// destination is trusted, skip the remote digest for paths it synced itself.
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/treesync/internal/db"
	"github.com/openmined/treesync/internal/fingerprint"
	"github.com/openmined/treesync/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS manifest (
    scope TEXT NOT NULL,
    path TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    size INTEGER NOT NULL,
    mod_time INTEGER NOT NULL, -- unix nanoseconds
    fingerprint TEXT NOT NULL,
    synced_at TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (scope, path)
);
`

var (
	ErrLocked  = errors.New("manifest locked by another run")
	ErrNotOpen = errors.New("manifest not open")
)

// Scope names the pair of trees a record belongs to. Records are never shared
// between two sources syncing onto the same destination.
func Scope(source, destination string) string {
	return source + " => " + destination
}

// Record is what the manifest remembers about one synced path.
type Record struct {
	Scope       string
	Path        string
	Algorithm   fingerprint.Algorithm
	Size        int64
	ModTime     time.Time
	Fingerprint fingerprint.Fingerprint
	SyncedAt    time.Time
}

// Matches reports whether the record still describes a source file with the
// given size and mtime under the same algorithm.
func (r *Record) Matches(algo fingerprint.Algorithm, size int64, modTime time.Time) bool {
	return r != nil &&
		r.Algorithm == algo &&
		r.Size == size &&
		r.ModTime.Equal(modTime)
}

type dbRecord struct {
	Scope       string `db:"scope"`
	Path        string `db:"path"`
	Algorithm   string `db:"algorithm"`
	Size        int64  `db:"size"`
	ModTime     int64  `db:"mod_time"`
	Fingerprint string `db:"fingerprint"`
	SyncedAt    string `db:"synced_at"`
}

// Manifest is a sqlite backed path→fingerprint cache. A file lock next to the
// database keeps two runs from sharing it.
type Manifest struct {
	dbPath string
	db     *sqlx.DB
	lock   *flock.Flock
}

func New(dbPath string) *Manifest {
	return &Manifest{
		dbPath: dbPath,
		lock:   flock.New(dbPath + ".lock"),
	}
}

// Open locks and opens the manifest database, creating it if needed.
func (m *Manifest) Open() error {
	if m.db != nil {
		return fmt.Errorf("manifest already open")
	}

	if err := utils.EnsureParent(m.dbPath); err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}

	locked, err := m.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	if !locked {
		return ErrLocked
	}

	sqlDB, err := db.NewSqliteDb(db.WithPath(m.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		m.lock.Unlock()
		return fmt.Errorf("open manifest: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		m.lock.Unlock()
		return fmt.Errorf("initialize manifest schema: %w", err)
	}

	m.db = sqlDB
	return nil
}

// Close closes the database and releases the lock.
func (m *Manifest) Close() error {
	if m.db == nil {
		return ErrNotOpen
	}
	err := m.db.Close()
	m.db = nil
	if uerr := m.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	slog.Debug("manifest closed", "path", m.dbPath)
	return err
}

// Get returns the record for path, or nil if there is none.
func (m *Manifest) Get(scope, path string) (*Record, error) {
	if m.db == nil {
		return nil, ErrNotOpen
	}

	var rec dbRecord
	err := m.db.Get(&rec, `SELECT scope, path, algorithm, size, mod_time, fingerprint, synced_at
		FROM manifest WHERE scope = ? AND path = ?`, scope, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query manifest %s: %w", path, err)
	}

	syncedAt, err := time.Parse(time.RFC3339, rec.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("parse synced_at for %s: %w", path, err)
	}

	return &Record{
		Scope:       rec.Scope,
		Path:        rec.Path,
		Algorithm:   fingerprint.Algorithm(rec.Algorithm),
		Size:        rec.Size,
		ModTime:     time.Unix(0, rec.ModTime),
		Fingerprint: fingerprint.Fingerprint(rec.Fingerprint),
		SyncedAt:    syncedAt,
	}, nil
}

// Put inserts or replaces a record.
func (m *Manifest) Put(rec *Record) error {
	if m.db == nil {
		return ErrNotOpen
	}
	if rec == nil {
		return fmt.Errorf("cannot put nil record")
	}

	syncedAt := rec.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	data := dbRecord{
		Scope:       rec.Scope,
		Path:        rec.Path,
		Algorithm:   string(rec.Algorithm),
		Size:        rec.Size,
		ModTime:     rec.ModTime.UnixNano(),
		Fingerprint: string(rec.Fingerprint),
		SyncedAt:    syncedAt.UTC().Format(time.RFC3339),
	}

	query := `INSERT OR REPLACE INTO manifest (scope, path, algorithm, size, mod_time, fingerprint, synced_at)
	          VALUES (:scope, :path, :algorithm, :size, :mod_time, :fingerprint, :synced_at)`
	if _, err := m.db.NamedExec(query, data); err != nil {
		return fmt.Errorf("put manifest %s: %w", rec.Path, err)
	}
	return nil
}

// Delete forgets path.
func (m *Manifest) Delete(scope, path string) error {
	if m.db == nil {
		return ErrNotOpen
	}
	if _, err := m.db.Exec("DELETE FROM manifest WHERE scope = ? AND path = ?", scope, path); err != nil {
		return fmt.Errorf("delete manifest %s: %w", path, err)
	}
	return nil
}

// Count returns the number of records in scope.
func (m *Manifest) Count(scope string) (int, error) {
	if m.db == nil {
		return 0, ErrNotOpen
	}
	var n int
	if err := m.db.Get(&n, "SELECT COUNT(*) FROM manifest WHERE scope = ?", scope); err != nil {
		return 0, fmt.Errorf("count manifest: %w", err)
	}
	return n, nil
}
