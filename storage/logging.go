package storage

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Structs

type loggingStore struct {
	logger log.Logger
	store  Store
}

// Functions

// NewLoggingStore wraps a provided existing
// store with the provided logger.
func NewLoggingStore(s Store, logger log.Logger) Store {

	return &loggingStore{
		logger: logger,
		store:  s,
	}
}

// SaveSnapshot wraps this store's SaveSnapshot
// method with added logging capabilities.
func (s *loggingStore) SaveSnapshot(ctx context.Context, documentID string, blob []byte, atSeq uint64) error {

	err := s.store.SaveSnapshot(ctx, documentID, blob, atSeq)

	logger := log.With(s.logger,
		"method", "SaveSnapshot",
		"document", documentID,
		"at_seq", atSeq,
		"bytes", len(blob),
	)

	if err != nil {
		level.Error(logger).Log("msg", "failed to persist snapshot", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// LoadSnapshot wraps this store's LoadSnapshot
// method with added logging capabilities.
func (s *loggingStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {

	snap, err := s.store.LoadSnapshot(ctx, documentID)

	logger := log.With(s.logger,
		"method", "LoadSnapshot",
		"document", documentID,
	)

	switch {
	case err == ErrNotFound:
		level.Debug(logger).Log("msg", "no snapshot stored")
	case err != nil:
		level.Error(logger).Log("msg", "failed to load snapshot", "err", err)
	default:
		level.Debug(logger).Log("at_seq", snap.AtSeq, "bytes", len(snap.Blob))
	}

	return snap, err
}

// Close wraps this store's Close method
// with added logging capabilities.
func (s *loggingStore) Close() error {

	err := s.store.Close()
	if err != nil {
		level.Info(s.logger).Log("msg", "failed to close store", "err", err)
	}

	return err
}
