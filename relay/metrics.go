package relay

import (
	"context"

	"github.com/go-kit/kit/metrics"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
)

// Metrics groups the instruments a relay reports.
type Metrics struct {
	Joins      metrics.Counter
	Operations metrics.Counter
	Resyncs    metrics.Counter
	Peers      metrics.Gauge
}

type metricsService struct {
	service Service
	metrics Metrics
}

func NewMetricsService(s Service, m Metrics) Service {
	return &metricsService{
		service: s,
		metrics: m,
	}
}

func (s *metricsService) Join(ctx context.Context, conn comm.Conn, documentID string, hello comm.HelloPayload) (*Peer, error) {

	p, err := s.service.Join(ctx, conn, documentID, hello)

	if err == nil {
		s.metrics.Joins.Add(1)
		s.metrics.Peers.Add(1)
	}

	return p, err
}

func (s *metricsService) Submit(p *Peer, op crdt.Operation) error {

	err := s.service.Submit(p, op)

	if err == nil {
		s.metrics.Operations.Add(1)
	}

	return err
}

func (s *metricsService) Resync(p *Peer, req comm.ResyncPayload) error {

	err := s.service.Resync(p, req)

	if err == nil {
		s.metrics.Resyncs.Add(1)
	}

	return err
}

func (s *metricsService) Presence(p *Peer, cursor comm.PresencePayload) error {
	return s.service.Presence(p, cursor)
}

func (s *metricsService) Leave(p *Peer) error {

	s.metrics.Peers.Add(-1)

	return s.service.Leave(p)
}

func (s *metricsService) Close() error {
	return s.service.Close()
}
