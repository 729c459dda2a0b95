package utils

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/cosync/auth"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crypto"
	"github.com/go-pluto/cosync/relay"
	"github.com/go-pluto/cosync/storage"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Structs

// TestEnv carries everything needed for a full grown
// test of cosync: a relay served over TLS with a freshly
// generated certificate and a client TLS config that
// trusts exactly that certificate.
type TestEnv struct {
	Store     *storage.MemoryStore
	Service   relay.Service
	Server    *httptest.Server
	URL       string
	CertLoc   string
	ClientTLS *tls.Config
	dir       string

	lock     *sync.Mutex
	logger   log.Logger
	verifier auth.Verifier
	opts     relay.Options
	handler  http.Handler
	crashed  []relay.Service
}

// Functions

// CreateTestEnv starts an in-process relay accepting the
// supplied tokens and keeping snapshots in memory.
func CreateTestEnv(logger log.Logger, tokens []auth.Token, opts relay.Options) (*TestEnv, error) {

	dir, err := os.MkdirTemp("", "cosync-test-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create directory for test certificates")
	}

	certPath := filepath.Join(dir, "relay.crt")
	keyPath := filepath.Join(dir, "relay.key")

	if err := crypto.GenerateSelfSigned([]string{"127.0.0.1", "localhost"}, time.Hour, certPath, keyPath); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	relayTLS, err := crypto.NewRelayTLSConfig(certPath, keyPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	// For tests, clients trust the self-signed
	// relay certificate and nothing else.
	clientTLS, err := crypto.NewClientTLSConfig(certPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	e := &TestEnv{
		Store:     storage.NewMemoryStore(),
		CertLoc:   certPath,
		ClientTLS: clientTLS,
		dir:       dir,
		lock:      &sync.Mutex{},
		logger:    logger,
		verifier:  auth.NewStaticVerifier(tokens),
		opts:      opts,
	}
	e.start()

	// Requests go to whichever relay is current.
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		e.lock.Lock()
		h := e.handler
		e.lock.Unlock()

		h.ServeHTTP(w, r)
	}))
	srv.TLS = relayTLS
	srv.StartTLS()

	e.Server = srv
	e.URL = "wss" + strings.TrimPrefix(srv.URL, "https") + "/ws"

	return e, nil
}

// start runs a fresh relay on the environment's store.
func (e *TestEnv) start() {

	e.Service = relay.NewService(e.logger, e.verifier, e.Store, nil, e.opts)
	e.handler = relay.NewServer(e.logger, e.Service, comm.UpgraderOptions(nil), 5*time.Second, 0).Handler()
}

// Crash replaces the relay by a new one on the same store as
// if the process had died: the old relay stores no final
// snapshot and keeps its connections. New connections reach
// the new relay.
func (e *TestEnv) Crash() {

	e.lock.Lock()
	defer e.lock.Unlock()

	e.crashed = append(e.crashed, e.Service)
	e.start()
}

// Dialer returns a WebSocket dialer that trusts the relay.
func (e *TestEnv) Dialer() *websocket.Dialer {
	return comm.DialerOptions(e.ClientTLS)
}

// Close shuts down relay and server and removes the
// generated certificate.
func (e *TestEnv) Close() {

	e.lock.Lock()
	services := append(e.crashed, e.Service)
	e.lock.Unlock()

	for _, s := range services {
		s.Close()
	}

	e.Server.CloseClientConnections()
	e.Server.Close()
	os.RemoveAll(e.dir)
}
