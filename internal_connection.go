package main

import (
	"strings"

	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/config"
	"github.com/go-pluto/cosync/coordinator"
	"github.com/go-pluto/cosync/crypto"
	"github.com/go-pluto/cosync/presence"
)

// Functions

// newClientOptions translates the client section of the
// config into options for coordinator.NewClient. Relays
// reached via wss:// are verified against RootCertLoc, or
// the system roots if it is empty.
func newClientOptions(conf *config.Config, create bool) (coordinator.Options, error) {

	opts := coordinator.Options{
		RelayURL: conf.Client.RelayURL,
		Session: comm.SessionOptions{
			HeartbeatInterval: conf.Client.HeartbeatInterval.Duration,
			PongTimeout:       conf.Client.PongTimeout.Duration,
			BackoffBase:       conf.Client.BackoffBase.Duration,
			BackoffCap:        conf.Client.BackoffCap.Duration,
			MaxAttempts:       conf.Client.MaxAttempts,
		},
		Presence: presence.Options{
			TTL:       conf.Presence.TTL.Duration,
			IdleAfter: conf.Presence.IdleAfter.Duration,
		},
		CausalBufferLimit: conf.Client.CausalBufferLimit,
		CreateMissing:     create,
	}

	if !strings.HasPrefix(conf.Client.RelayURL, "wss://") {
		opts.WebSocket = comm.DialerOptions(nil)
		return opts, nil
	}

	tlsConfig, err := crypto.NewClientTLSConfig(conf.Client.RootCertLoc)
	if err != nil {
		return coordinator.Options{}, err
	}
	opts.WebSocket = comm.DialerOptions(tlsConfig)

	return opts, nil
}
