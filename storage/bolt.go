package storage

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const snapshotBucket = "snapshots"

// Values are laid out as atSeq (8 bytes, big endian),
// savedAt in unix nanoseconds (8 bytes) and the blob.
const boltHeaderSize = 16

// Structs

// BoltStore keeps snapshots in a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// Functions

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {

	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt storage path is required")
	}

	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bolt database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create snapshot bucket")
	}

	return &BoltStore{db: db}, nil
}

// SaveSnapshot overwrites the snapshot of documentID.
func (s *BoltStore) SaveSnapshot(ctx context.Context, documentID string, blob []byte, atSeq uint64) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if strings.TrimSpace(documentID) == "" {
		return errMissingID
	}

	value := make([]byte, boltHeaderSize+len(blob))
	binary.BigEndian.PutUint64(value[0:8], atSeq)
	binary.BigEndian.PutUint64(value[8:16], uint64(time.Now().UTC().UnixNano()))
	copy(value[boltHeaderSize:], blob)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(snapshotBucket)).Put([]byte(documentID), value)
	})
	if err == bolt.ErrDatabaseNotOpen {
		return ErrClosed
	}

	return errors.Wrapf(err, "failed to save snapshot of %s", documentID)
}

// LoadSnapshot reads the snapshot of documentID.
func (s *BoltStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {

	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{DocumentID: documentID}

	err := s.db.View(func(tx *bolt.Tx) error {

		value := tx.Bucket([]byte(snapshotBucket)).Get([]byte(documentID))
		if value == nil {
			return ErrNotFound
		}

		if len(value) < boltHeaderSize {
			return errors.Errorf("snapshot of %s is truncated", documentID)
		}

		// Values are only valid during the transaction.
		snap.AtSeq = binary.BigEndian.Uint64(value[0:8])
		snap.SavedAt = time.Unix(0, int64(binary.BigEndian.Uint64(value[8:16]))).UTC()
		snap.Blob = append([]byte(nil), value[boltHeaderSize:]...)

		return nil
	})

	switch {
	case err == nil:
		return snap, nil
	case err == ErrNotFound:
		return Snapshot{}, ErrNotFound
	case err == bolt.ErrDatabaseNotOpen:
		return Snapshot{}, ErrClosed
	}

	return Snapshot{}, errors.Wrapf(err, "failed to load snapshot of %s", documentID)
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
