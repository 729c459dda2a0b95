package comm

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Structs

// State is the lifecycle state of a Session.
type State int

// Session states. A session starts out Connecting, moves to
// Open once dialed, to Reconnecting whenever the connection
// drops and to Closed when closed or out of attempts.
const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

// SessionOptions tunes heartbeats, reconnects and buffering.
type SessionOptions struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
	QueueSize         int
}

// MessageHandler is called for every frame received.
type MessageHandler func(f Frame)

// StateHandler is called on every state change. err is set
// for Reconnecting (the cause) and for a terminal Closed.
type StateHandler func(state State, err error)

// Session is a transport session to one relay. It owns at
// most one connection at a time and replaces it transparently
// when it fails. Handlers run on the session's own goroutines
// in the order events happened.
type Session struct {
	lock      *sync.Mutex
	logger    log.Logger
	dialer    Dialer
	opts      SessionOptions
	policy    *Backoff
	timer     backoff.Timer
	state     State
	current   *link
	running   bool
	closed    bool
	onMessage MessageHandler
	onState   StateHandler
	ctx       context.Context
	cancel    context.CancelFunc
}

// link is one dialed connection plus its writer queue.
type link struct {
	conn    Conn
	queue   chan Frame
	pong    chan struct{}
	drain   chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Variables

var (
	// ErrDisconnected is the terminal transport error: the
	// session exhausted all reconnect attempts.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrNotOpen is returned by Send while no connection is up.
	ErrNotOpen = errors.New("session not open")

	// ErrQueueFull is returned by Send if the writer falls behind.
	ErrQueueFull = errors.New("send queue full")

	// ErrClosed is returned when using a closed session.
	ErrClosed = errors.New("session closed")
)

// Functions

// DefaultSessionOptions returns the standard timing:
// ping every 15s, give up on a pong after 10s.
func DefaultSessionOptions() SessionOptions {

	return SessionOptions{
		HeartbeatInterval: 15 * time.Second,
		PongTimeout:       10 * time.Second,
		BackoffBase:       DefaultBackoffBase,
		BackoffCap:        DefaultBackoffCap,
		MaxAttempts:       DefaultMaxAttempts,
		QueueSize:         256,
	}
}

// withDefaults fills zero fields from DefaultSessionOptions.
func (o SessionOptions) withDefaults() SessionOptions {

	d := DefaultSessionOptions()

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}

	if o.PongTimeout <= 0 {
		o.PongTimeout = d.PongTimeout
	}

	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}

	if o.BackoffCap <= 0 {
		o.BackoffCap = d.BackoffCap
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}

	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}

	return o
}

func (s State) String() string {

	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// NewSession prepares a session dialing through dialer.
// Nothing happens on the network before Connect.
func NewSession(logger log.Logger, dialer Dialer, opts SessionOptions) *Session {

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		lock:   &sync.Mutex{},
		logger: logger,
		dialer: dialer,
		opts:   opts,
		policy: NewBackoff(opts.BackoffBase, opts.BackoffCap),
		state:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnMessage registers the handler for incoming frames.
func (s *Session) OnMessage(h MessageHandler) {

	s.lock.Lock()
	defer s.lock.Unlock()

	s.onMessage = h
}

// OnState registers the handler for state changes.
func (s *Session) OnState(h StateHandler) {

	s.lock.Lock()
	defer s.lock.Unlock()

	s.onState = h
}

// State returns the current state.
func (s *Session) State() State {

	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

// Connect dials the relay, retrying with backoff, and returns
// once the session is Open or all attempts failed. Calling it
// on a running session is a no-op. After a terminal failure it
// may be called again to start over.
func (s *Session) Connect(ctx context.Context) error {

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}

	if s.running {
		s.lock.Unlock()
		return nil
	}

	s.running = true
	s.lock.Unlock()

	s.setState(StateConnecting, nil)

	conn, err := s.dial(ctx)
	if err != nil {

		s.lock.Lock()
		s.running = false
		s.lock.Unlock()

		err = errors.Wrap(ErrDisconnected, err.Error())
		s.setState(StateClosed, err)

		return err
	}

	l := s.open(conn)
	if l == nil {
		return ErrClosed
	}

	go s.run(l)

	return nil
}

// Send queues f for the current connection. It never blocks:
// without an open connection or with a full queue the frame
// is refused and the caller decides whether to resend later.
func (s *Session) Send(f Frame) error {

	s.lock.Lock()
	l := s.current
	open := s.state == StateOpen
	s.lock.Unlock()

	if l == nil || !open {
		return ErrNotOpen
	}

	select {
	case <-l.done:
		return ErrNotOpen
	default:
	}

	select {
	case l.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close flushes queued frames for a short while, tears down
// the connection and stops reconnecting. Closing twice is fine.
func (s *Session) Close() error {

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return nil
	}

	s.closed = true
	l := s.current
	s.current = nil
	s.cancel()

	s.lock.Unlock()

	if l != nil {

		close(l.drain)

		select {
		case <-l.stopped:
		case <-time.After(time.Second):
		}

		l.shutdown()
	}

	s.setState(StateClosed, nil)

	return nil
}

// setState records state and informs the handler. After Close
// only the final Closed transition gets through.
func (s *Session) setState(state State, err error) {

	s.lock.Lock()

	if s.closed && state != StateClosed {
		s.lock.Unlock()
		return
	}

	if s.state == StateClosed && state == StateClosed {
		s.lock.Unlock()
		return
	}

	s.state = state
	h := s.onState

	s.lock.Unlock()

	if h != nil {
		h(state, err)
	}
}

// dial runs the retry loop. It gives up after MaxAttempts
// dials, when ctx is done or when the session gets closed.
func (s *Session) dial(ctx context.Context) (Conn, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var conn Conn
	attempt := 0

	operation := func() error {

		attempt++

		c, err := s.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		conn = c

		return nil
	}

	notify := func(err error, next time.Duration) {

		level.Warn(s.logger).Log(
			"msg", "dialing relay failed, retrying",
			"attempt", attempt,
			"retry_in", next,
			"err", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.policy, uint64(s.opts.MaxAttempts-1)), ctx)

	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, s.timer); err != nil {
		return nil, errors.Wrapf(err, "giving up after %d attempts", attempt)
	}

	return conn, nil
}

// open installs conn as current connection and starts its
// writer and heartbeat. It returns nil if the session was
// closed in the meantime.
func (s *Session) open(conn Conn) *link {

	l := &link{
		conn:    conn,
		queue:   make(chan Frame, s.opts.QueueSize),
		pong:    make(chan struct{}, 1),
		drain:   make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	conn.SetPongHandler(func() {
		select {
		case l.pong <- struct{}{}:
		default:
		}
	})

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		conn.Close()
		return nil
	}

	s.current = l
	s.lock.Unlock()

	go s.write(l)
	go s.heartbeat(l)

	s.setState(StateOpen, nil)

	return l
}

// run reads from the current connection and replaces it
// whenever it fails, until the session is closed or the
// relay stays unreachable.
func (s *Session) run(l *link) {

	for {

		err := s.read(l)
		l.shutdown()

		s.lock.Lock()
		if s.current == l {
			s.current = nil
		}
		closed := s.closed
		s.lock.Unlock()

		if closed {
			return
		}

		level.Warn(s.logger).Log(
			"msg", "connection to relay lost",
			"err", err,
		)

		s.setState(StateReconnecting, err)

		conn, err := s.dial(context.Background())
		if err != nil {

			s.lock.Lock()
			s.running = false
			s.lock.Unlock()

			s.setState(StateClosed, errors.Wrap(ErrDisconnected, err.Error()))

			return
		}

		if l = s.open(conn); l == nil {
			return
		}
	}
}

func (s *Session) read(l *link) error {

	for {

		f, err := l.conn.ReadFrame()
		if err != nil {

			if errors.Is(err, ErrMalformedFrame) {
				level.Warn(s.logger).Log("msg", "dropping malformed frame", "err", err)
				continue
			}

			return err
		}

		s.lock.Lock()
		h := s.onMessage
		s.lock.Unlock()

		if h != nil {
			h(f)
		}
	}
}

// write is the only goroutine writing frames to l.
func (s *Session) write(l *link) {

	defer close(l.stopped)

	for {

		select {

		case <-l.done:
			return

		case <-l.drain:

			for {
				select {
				case f := <-l.queue:
					if err := l.conn.WriteFrame(f); err != nil {
						return
					}
				default:
					return
				}
			}

		case f := <-l.queue:

			if err := l.conn.WriteFrame(f); err != nil {

				level.Warn(s.logger).Log(
					"msg", "writing frame failed",
					"type", f.Type,
					"err", err,
				)
				l.shutdown()

				return
			}
		}
	}
}

// heartbeat pings the relay periodically and drops the
// connection if a pong does not arrive in time.
func (s *Session) heartbeat(l *link) {

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {

		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		// Forget pongs answering earlier pings.
		select {
		case <-l.pong:
		default:
		}

		if err := l.conn.Ping(time.Now().Add(s.opts.PongTimeout)); err != nil {
			l.shutdown()
			return
		}

		timeout := time.NewTimer(s.opts.PongTimeout)

		select {

		case <-l.done:
			timeout.Stop()
			return

		case <-l.pong:
			timeout.Stop()

		case <-timeout.C:

			level.Warn(s.logger).Log(
				"msg", "no pong from relay in time, dropping connection",
				"timeout", s.opts.PongTimeout,
			)
			l.shutdown()

			return
		}
	}
}

func (l *link) shutdown() {

	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}
