package main

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-pluto/cosync/relay"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewCosyncMetrics returns the instruments of a relay.
// Without an address to expose them on they are discarded.
// The prometheus variants register with the default
// registry, so this may be called once per process.
func NewCosyncMetrics(relayAddr string) relay.Metrics {

	if relayAddr == "" {
		return relay.Metrics{
			Joins:      discard.NewCounter(),
			Operations: discard.NewCounter(),
			Resyncs:    discard.NewCounter(),
			Peers:      discard.NewGauge(),
		}
	}

	return relay.Metrics{
		Joins: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "cosync",
			Subsystem: "relay",
			Name:      "joins_total",
			Help:      "Number of sessions that joined a document",
		}, nil),
		Operations: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "cosync",
			Subsystem: "relay",
			Name:      "operations_total",
			Help:      "Number of operations submitted by peers",
		}, nil),
		Resyncs: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "cosync",
			Subsystem: "relay",
			Name:      "resyncs_total",
			Help:      "Number of snapshots sent in answer to resync requests",
		}, nil),
		Peers: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: "cosync",
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Number of peers currently attached",
		}, nil),
	}
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
