package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	// Registers the pure Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	blob        BLOB,
	at_seq      INTEGER NOT NULL,
	saved_at    INTEGER NOT NULL
)`

// Structs

// SQLiteStore keeps snapshots in one SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// Functions

// OpenSQLiteStore opens or creates the database at path
// and makes sure the snapshots table exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {

	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite database not reachable")
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create snapshots table")
	}

	return &SQLiteStore{db: db}, nil
}

// SaveSnapshot upserts the snapshot of documentID.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, documentID string, blob []byte, atSeq uint64) error {

	if strings.TrimSpace(documentID) == "" {
		return errMissingID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, blob, at_seq, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET
			blob = excluded.blob,
			at_seq = excluded.at_seq,
			saved_at = excluded.saved_at`,
		documentID, blob, int64(atSeq), time.Now().UTC().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to save snapshot of %s", documentID)
	}

	return nil
}

// LoadSnapshot reads the snapshot of documentID.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {

	var (
		blob    []byte
		atSeq   int64
		savedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT blob, at_seq, saved_at FROM snapshots WHERE document_id = ?`,
		documentID).Scan(&blob, &atSeq, &savedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "failed to load snapshot of %s", documentID)
	}

	return Snapshot{
		DocumentID: documentID,
		Blob:       blob,
		AtSeq:      uint64(atSeq),
		SavedAt:    time.UnixMilli(savedAt).UTC(),
	}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
