package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/presence"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Structs

// Options configures a Client.
type Options struct {

	// RelayURL is the WebSocket endpoint of the relay,
	// for example wss://relay.example.org/ws.
	RelayURL string

	// WebSocket dials RelayURL. Nil selects
	// comm.DialerOptions with the system roots.
	WebSocket *websocket.Dialer

	// Dialer replaces WebSocket dialing altogether.
	Dialer comm.Dialer

	Session           comm.SessionOptions
	Presence          presence.Options
	CausalBufferLimit int
	HandshakeTimeout  time.Duration

	// CreateMissing asks the relay to create documents
	// that do not exist yet.
	CreateMissing bool
}

// Credentials authenticate a client towards the relay.
type Credentials struct {
	Token string
}

// AuthError is returned by Open when the relay did not
// accept the supplied credentials.
type AuthError struct {
	Message string
}

// Client opens documents on one relay. Opening the same
// document more than once with the same credentials shares
// one coordinator between the handles; it is closed with the
// last handle. Other credentials get a session of their own
// and are verified by the relay like the first ones.
type Client struct {
	lock   *sync.Mutex
	logger log.Logger
	opts   Options
	dialer comm.Dialer
	docs   map[docKey]*shared
	closed bool
}

// docKey identifies a shared coordinator.
type docKey struct {
	documentID string
	token      string
}

// shared is a coordinator plus the number of open handles
// referring to it. ready is closed once the handshake of
// the first Open settled.
type shared struct {
	c     *coordinator
	err   error
	refs  int
	ready chan struct{}
}

// Handle is the caller's view of one open document.
type Handle struct {
	client *Client
	key    docKey
	c      *coordinator
	once   sync.Once
}

// Variables

var (
	// ErrNotFound is returned by Open for documents that do
	// not exist on the relay and may not be created.
	ErrNotFound = errors.New("document not found")

	// ErrHandshakeTimeout is returned by Open if the relay
	// did not answer the hello in time.
	ErrHandshakeTimeout = errors.New("handshake with relay timed out")

	// ErrHandleClosed is returned when using a closed handle.
	ErrHandleClosed = errors.New("document handle closed")

	// ErrClientClosed is returned by Open after Close.
	ErrClientClosed = errors.New("client closed")
)

// Functions

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// refusal turns an error frame received during the
// handshake into the matching error.
func refusal(e comm.ErrorPayload) error {

	switch e.Code {
	case comm.CodeAuth:
		return &AuthError{Message: e.Message}
	case comm.CodeNotFound:
		return errors.Wrap(ErrNotFound, e.Message)
	default:
		return errors.Errorf("relay refused session (%s): %s", e.Code, e.Message)
	}
}

// NewClient returns a client for the relay in opts.
func NewClient(logger log.Logger, opts Options) *Client {

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	dialer := opts.Dialer
	if dialer == nil {

		ws := opts.WebSocket
		if ws == nil {
			ws = comm.DialerOptions(nil)
		}

		dialer = &comm.WebSocketDialer{
			URL:    opts.RelayURL,
			Dialer: ws,
		}
	}

	return &Client{
		lock:   &sync.Mutex{},
		logger: logger,
		opts:   opts,
		dialer: dialer,
		docs:   make(map[docKey]*shared),
	}
}

// Open joins documentID on the relay and returns once the
// initial state arrived. It fails with *AuthError for bad
// credentials and ErrNotFound for unknown documents. A ctx
// cancelled before the handshake started aborts right away,
// one cancelled later takes effect once the handshake settled.
func (cl *Client) Open(ctx context.Context, documentID string, creds Credentials) (*Handle, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cl.lock.Lock()

	if cl.closed {
		cl.lock.Unlock()
		return nil, ErrClientClosed
	}

	key := docKey{documentID: documentID, token: creds.Token}

	if s, ok := cl.docs[key]; ok {

		s.refs++
		cl.lock.Unlock()

		<-s.ready
		if s.err != nil {
			return nil, s.err
		}

		return &Handle{client: cl, key: key, c: s.c}, nil
	}

	s := &shared{
		refs:  1,
		ready: make(chan struct{}),
	}
	cl.docs[key] = s
	cl.lock.Unlock()

	c := newCoordinator(cl.logger, documentID, creds, cl.dialer, cl.opts)
	err := c.open(ctx)

	cl.lock.Lock()
	s.c, s.err = c, err
	if err != nil && cl.docs[key] == s {
		delete(cl.docs, key)
	}
	cl.lock.Unlock()
	close(s.ready)

	if err != nil {
		return nil, err
	}

	return &Handle{client: cl, key: key, c: c}, nil
}

// Close closes all documents still open.
func (cl *Client) Close() error {

	cl.lock.Lock()

	cl.closed = true
	docs := cl.docs
	cl.docs = make(map[docKey]*shared)

	cl.lock.Unlock()

	for _, s := range docs {

		<-s.ready
		if s.c != nil {
			s.c.close()
		}
	}

	return nil
}

// release drops one reference to the shared coordinator
// under key and closes it with the last one.
func (cl *Client) release(key docKey, c *coordinator) {

	cl.lock.Lock()

	s, ok := cl.docs[key]
	if !ok || s.c != c {
		// Closed by Client.Close already.
		cl.lock.Unlock()
		c.close()
		return
	}

	s.refs--
	last := s.refs == 0
	if last {
		delete(cl.docs, key)
	}

	cl.lock.Unlock()

	if last {
		c.close()
	}
}

// DocumentID returns the name of the open document.
func (h *Handle) DocumentID() string {
	return h.key.documentID
}

// LocalEdit stamps the intent as the next operation of this
// peer, applies it to the replica and queues it for the
// relay. It never blocks on the network.
func (h *Handle) LocalEdit(i Intent) (crdt.Operation, error) {
	return h.c.localEdit(i)
}

// Subscribe calls fn for every change of the replica, in
// the order the changes were applied. fn runs on a goroutine
// of its own and may call back into the handle. Calling the
// returned function after the handle was closed is a no-op.
func (h *Handle) Subscribe(fn func(Event)) (unsubscribe func()) {
	return h.c.events.subscribe(fn)
}

// Presence exposes the cursors of the other peers.
func (h *Handle) Presence() presence.Observable {
	return h.c.tracker
}

// SetCursor publishes the local cursor to the other peers.
func (h *Handle) SetCursor(cursor presence.Cursor) error {
	return h.c.setCursor(cursor)
}

// Text returns the visible content of the document.
func (h *Handle) Text() string {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.engine.Replica().Text()
}

// Len returns the number of visible elements.
func (h *Handle) Len() int {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return len(h.c.engine.Replica().Visible())
}

// At returns the node shown at visible position.
func (h *Handle) At(position int) (crdt.ID, error) {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.engine.Replica().At(position)
}

// Elements returns all nodes in document order,
// tombstones included.
func (h *Handle) Elements() []crdt.Element {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.engine.Replica().Elements()
}

// SyncState returns whether remote operations currently
// apply live.
func (h *Handle) SyncState() SyncState {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.state
}

// PeerID returns the identity the relay assigned.
func (h *Handle) PeerID() crdt.PeerID {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.peerID
}

// Pending returns the number of local edits the relay
// has not acknowledged yet.
func (h *Handle) Pending() int {

	h.c.lock.Lock()
	defer h.c.lock.Unlock()

	return h.c.outbox.Len()
}

// Reconnect starts over after EventConnectionLost. It returns
// once a connection is up; the resumed handshake completes in
// the background and is announced with EventSynced.
func (h *Handle) Reconnect(ctx context.Context) error {

	h.c.lock.Lock()
	closed := h.c.closed
	h.c.lock.Unlock()

	if closed {
		return ErrHandleClosed
	}

	return h.c.session.Connect(ctx)
}

// Close releases the handle. The document is left once
// every handle referring to it was closed.
func (h *Handle) Close() error {

	h.once.Do(func() {
		h.client.release(h.key, h.c)
	})

	return nil
}
