package relay

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
)

type loggingService struct {
	logger  log.Logger
	service Service
}

// NewLoggingService wraps a provided existing
// service with the provided logger.
func NewLoggingService(s Service, logger log.Logger) Service {
	return &loggingService{logger, s}
}

// Join wraps this service's Join method with
// added logging capabilities.
func (s *loggingService) Join(ctx context.Context, conn comm.Conn, documentID string, hello comm.HelloPayload) (*Peer, error) {

	p, err := s.service.Join(ctx, conn, documentID, hello)

	logger := log.With(s.logger,
		"method", "Join",
		"document", documentID,
		"resume", hello.Resume,
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to join document", "err", err)
	} else {
		level.Debug(logger).Log("peer", p.ID)
	}

	return p, err
}

// Submit wraps this service's Submit method
// with added logging capabilities.
func (s *loggingService) Submit(p *Peer, op crdt.Operation) error {

	err := s.service.Submit(p, op)

	logger := log.With(s.logger,
		"method", "Submit",
		"document", p.DocumentID,
		"op", op.ID(),
		"kind", op.Kind,
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to submit operation", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// Resync wraps this service's Resync method
// with added logging capabilities.
func (s *loggingService) Resync(p *Peer, req comm.ResyncPayload) error {

	err := s.service.Resync(p, req)

	logger := log.With(s.logger,
		"method", "Resync",
		"document", p.DocumentID,
		"peer", p.ID,
	)

	if err != nil {
		level.Error(logger).Log("msg", "failed to answer resync request", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// Presence wraps this service's Presence method
// with added logging capabilities. Successful
// cursor moves are too frequent to be logged.
func (s *loggingService) Presence(p *Peer, cursor comm.PresencePayload) error {

	err := s.service.Presence(p, cursor)

	if err != nil {
		level.Info(s.logger).Log(
			"method", "Presence",
			"document", p.DocumentID,
			"peer", p.ID,
			"msg", "failed to distribute presence",
			"err", err,
		)
	}

	return err
}

// Leave wraps this service's Leave method
// with added logging capabilities.
func (s *loggingService) Leave(p *Peer) error {

	err := s.service.Leave(p)

	logger := log.With(s.logger,
		"method", "Leave",
		"document", p.DocumentID,
		"peer", p.ID,
	)

	if err != nil {
		level.Info(logger).Log("msg", "failed to leave document cleanly", "err", err)
	} else {
		level.Debug(logger).Log()
	}

	return err
}

// Close wraps this service's Close method
// with added logging capabilities.
func (s *loggingService) Close() error {

	err := s.service.Close()

	if err != nil {
		level.Warn(s.logger).Log(
			"msg", "failed to shut down relay service cleanly",
			"err", err,
		)
	}

	return err
}
