package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Structs

// Snapshot is the persisted state of one document: an
// encoded replica covering the relay log up to AtSeq.
type Snapshot struct {
	DocumentID string
	Blob       []byte
	AtSeq      uint64
	SavedAt    time.Time
}

// Store is the persistence collaborator of a relay. Saving
// a snapshot replaces the previous one of that document.
type Store interface {

	// SaveSnapshot durably stores blob as the latest
	// state of document documentID.
	SaveSnapshot(ctx context.Context, documentID string, blob []byte, atSeq uint64) error

	// LoadSnapshot returns the latest snapshot of
	// documentID or ErrNotFound.
	LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error)

	// Close releases all resources held by the store.
	Close() error
}

// Variables

var (
	// ErrNotFound is returned for documents without snapshot.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store closed")

	errMissingID = errors.New("document id is required")
)
