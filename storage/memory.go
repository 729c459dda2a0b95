package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Structs

// MemoryStore keeps snapshots in process memory. It is
// what relays use when no persistence is configured, and
// what tests use.
type MemoryStore struct {
	lock      *sync.RWMutex
	snapshots map[string]Snapshot
	closed    bool
}

// Functions

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {

	return &MemoryStore{
		lock:      &sync.RWMutex{},
		snapshots: make(map[string]Snapshot),
	}
}

// SaveSnapshot stores a private copy of blob.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, documentID string, blob []byte, atSeq uint64) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if strings.TrimSpace(documentID) == "" {
		return errMissingID
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.snapshots[documentID] = Snapshot{
		DocumentID: documentID,
		Blob:       append([]byte(nil), blob...),
		AtSeq:      atSeq,
		SavedAt:    time.Now().UTC(),
	}

	return nil
}

// LoadSnapshot returns a copy of the stored snapshot.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {

	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return Snapshot{}, ErrClosed
	}

	snap, ok := s.snapshots[documentID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap.Blob = append([]byte(nil), snap.Blob...)

	return snap, nil
}

// Close drops all snapshots.
func (s *MemoryStore) Close() error {

	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	s.snapshots = nil

	return nil
}
