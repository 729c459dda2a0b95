package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/auth"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Structs

// Options tunes a relay service.
type Options struct {
	AllowCreate       bool
	SnapshotEvery     int
	IdleTimeout       time.Duration
	PeerQueueSize     int
	CausalBufferLimit int
	PresenceTTL       time.Duration
	PresenceIdleAfter time.Duration
}

type service struct {
	logger   log.Logger
	verifier auth.Verifier
	store    storage.Store
	bus      Bus
	opts     Options
	lock     *sync.Mutex
	docs     map[string]*document
	cancel   context.CancelFunc
	closed   bool
}

// Interfaces

// Service defines the interface a relay provides
// to the connections it accepts.
type Service interface {

	// Join verifies the token in hello, assigns or resumes
	// a PeerID and attaches a new peer on conn to the named
	// document. The welcome is queued as the peer's first frame.
	Join(ctx context.Context, conn comm.Conn, documentID string, hello comm.HelloPayload) (*Peer, error)

	// Submit sequences and applies an operation sent by p,
	// acknowledges it and fans it out to all other peers.
	Submit(p *Peer, op crdt.Operation) error

	// Resync sends p a snapshot of the document plus the
	// operations appended after it.
	Resync(p *Peer, req comm.ResyncPayload) error

	// Presence records a cursor move of p and forwards it
	// to everyone else working on the document.
	Presence(p *Peer, cursor comm.PresencePayload) error

	// Leave detaches p from its document. Documents left
	// without peers are snapshotted and unloaded after the
	// idle timeout.
	Leave(p *Peer) error

	// Close disconnects all peers and snapshots every
	// loaded document.
	Close() error
}

// Variables

var (
	// ErrUnauthorized is returned by Join if the token
	// could not be verified.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned by Join for documents that
	// neither exist nor may be created.
	ErrNotFound = errors.New("document not found")

	// ErrForeignOrigin rejects operations a peer submits
	// in the name of someone else.
	ErrForeignOrigin = errors.New("operation origin does not match peer")

	// ErrShutdown is returned once the service was closed.
	ErrShutdown = errors.New("relay is shutting down")

	// ErrBusClosed is reported when a bus subscription
	// ended while the service was still running.
	ErrBusClosed = errors.New("presence bus subscription ended")
)

// Functions

// DefaultOptions returns the options used for every
// zero field in the options passed to NewService.
func DefaultOptions() Options {

	return Options{
		SnapshotEvery:     500,
		IdleTimeout:       5 * time.Minute,
		PeerQueueSize:     512,
		CausalBufferLimit: crdt.DefaultBufferLimit,
	}
}

func (o Options) withDefaults() Options {

	def := DefaultOptions()

	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = def.SnapshotEvery
	}

	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}

	if o.PeerQueueSize <= 0 {
		o.PeerQueueSize = def.PeerQueueSize
	}

	if o.CausalBufferLimit <= 0 {
		o.CausalBufferLimit = def.CausalBufferLimit
	}

	return o
}

// NewService takes in all required parameters for spinning
// up a relay and returns a service wrapping them. Presence
// published by other relays on bus is merged in until the
// service is closed. A nil bus runs the relay on its own.
func NewService(logger log.Logger, verifier auth.Verifier, store storage.Store, bus Bus, opts Options) Service {

	if bus == nil {
		bus = NewNopBus()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &service{
		logger:   logger,
		verifier: verifier,
		store:    store,
		bus:      bus,
		opts:     opts.withDefaults(),
		lock:     &sync.Mutex{},
		docs:     make(map[string]*document),
		cancel:   cancel,
	}

	go s.listen(ctx, newBusBackOff())

	return s
}

// newBusBackOff never gives up on the presence bus.
func newBusBackOff() *backoff.ExponentialBackOff {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	return b
}

// listen keeps the subscription to the presence bus alive
// until ctx is done. A subscription that fails or ends early
// is set up again after a backoff; one that ran for a while
// starts over at the initial delay.
func (s *service) listen(ctx context.Context, policy *backoff.ExponentialBackOff) {

	operation := func() error {

		started := time.Now()
		err := s.bus.Listen(ctx, s.remote)

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		if err == nil {
			err = ErrBusClosed
		}

		if time.Since(started) > policy.MaxInterval {
			policy.Reset()
		}

		return err
	}

	notify := func(err error, next time.Duration) {

		level.Warn(s.logger).Log(
			"msg", "presence bus lost, subscribing again",
			"retry_in", next,
			"err", err,
		)
	}

	backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

// Join verifies the token in hello, assigns or resumes
// a PeerID and attaches a new peer on conn.
func (s *service) Join(ctx context.Context, conn comm.Conn, documentID string, hello comm.HelloPayload) (*Peer, error) {

	user, err := s.verifier.Verify(ctx, hello.Token)
	if err != nil {

		if errors.Is(err, auth.ErrUnavailable) {
			return nil, err
		}

		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}

	// A reconnecting client keeps its PeerID as long as
	// it is the same user. Everyone else gets a new one.
	id := crdt.PeerID(string(user) + "#" + uuid.NewString())
	resumed := hello.Resume != "" && auth.UserOf(hello.Resume) == user
	if resumed {
		id = hello.Resume
	}

	for {

		d, err := s.document(ctx, documentID, hello.Create)
		if err != nil {
			return nil, err
		}

		d.lock.Lock()

		if d.closed {
			// Lost a race against idle collection.
			d.lock.Unlock()
			continue
		}

		p := newPeer(s.logger, conn, id, user, documentID, s.opts.PeerQueueSize)

		_, err = d.attach(p, resumed, hello.Version)
		d.lock.Unlock()

		if err != nil {
			p.Close()
			return nil, err
		}

		return p, nil
	}
}

// Submit sequences and applies an operation sent by p.
func (s *service) Submit(p *Peer, op crdt.Operation) error {

	d, err := s.loaded(p.DocumentID)
	if err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	return d.submit(p, op)
}

// Resync sends p a snapshot plus the log tail after it.
func (s *service) Resync(p *Peer, req comm.ResyncPayload) error {

	d, err := s.loaded(p.DocumentID)
	if err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	return d.resync(p)
}

// Presence records a cursor move of p.
func (s *service) Presence(p *Peer, cursor comm.PresencePayload) error {

	d, err := s.loaded(p.DocumentID)
	if err != nil {
		return err
	}

	d.lock.Lock()
	f, err := d.cursor(p, cursor)
	d.lock.Unlock()

	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return s.bus.Publish(ctx, p.DocumentID, f)
}

// Leave detaches p from its document.
func (s *service) Leave(p *Peer) error {

	p.Close()

	d, err := s.loaded(p.DocumentID)
	if err != nil {
		return nil
	}

	d.lock.Lock()

	detached, empty := d.detach(p)
	if detached && empty {

		gen := d.idleGen
		d.idle = time.AfterFunc(s.opts.IdleTimeout, func() {
			s.collect(d, gen)
		})
	}
	d.lock.Unlock()

	if !detached {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Other relays learn that p is gone.
	return s.bus.Publish(ctx, p.DocumentID, comm.Frame{
		Type:       comm.FrameLeave,
		DocumentID: p.DocumentID,
		OriginID:   p.ID,
	})
}

// Close disconnects all peers and snapshots every
// loaded document.
func (s *service) Close() error {

	s.lock.Lock()

	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true

	docs := s.docs
	s.docs = make(map[string]*document)
	s.lock.Unlock()

	s.cancel()

	var firstErr error

	for _, d := range docs {

		d.lock.Lock()
		err := d.shutdown()
		d.lock.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// document returns the loaded document with id, loading
// it from the store or creating it if necessary.
func (s *service) document(ctx context.Context, id string, create bool) (*document, error) {

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}

	if d, ok := s.docs[id]; ok {
		return d, nil
	}

	replica := crdt.NewReplica()
	var atSeq uint64
	created := false

	snap, err := s.store.LoadSnapshot(ctx, id)
	switch {
	case err == nil:

		replica, err = crdt.DecodeReplica(snap.Blob)
		if err != nil {
			return nil, errors.Wrapf(err, "stored snapshot of %s unusable", id)
		}
		atSeq = snap.AtSeq

	case errors.Is(err, storage.ErrNotFound):

		if !(s.opts.AllowCreate && create) {
			return nil, errors.Wrap(ErrNotFound, id)
		}
		created = true

	default:
		return nil, err
	}

	d, err := newDocument(s.logger, id, replica, atSeq, s.store, s.opts)
	if err != nil {
		return nil, err
	}

	if created {

		// Later joins without permission to create
		// find the document in the store.
		if err := s.store.SaveSnapshot(ctx, id, d.snapBlob, 0); err != nil {
			d.stop()
			return nil, errors.Wrapf(err, "persisting new document %s failed", id)
		}
	}

	s.docs[id] = d

	return d, nil
}

// loaded returns the document with id if it is loaded.
func (s *service) loaded(id string) (*document, error) {

	s.lock.Lock()
	defer s.lock.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}

	return d, nil
}

// collect unloads d if no peer attached to it since
// the idle timer with generation gen was armed.
func (s *service) collect(d *document, gen uint64) {

	s.lock.Lock()
	d.lock.Lock()

	if d.closed || len(d.peers) > 0 || d.idleGen != gen {
		d.lock.Unlock()
		s.lock.Unlock()
		return
	}

	if s.docs[d.id] == d {
		delete(s.docs, d.id)
	}

	// The service lock is held until the final snapshot
	// is stored so that no join loads an older one.
	err := d.shutdown()
	d.lock.Unlock()
	s.lock.Unlock()

	if err != nil {
		level.Error(s.logger).Log(
			"msg", "failed to store final snapshot of idle document",
			"document", d.id,
			"err", err,
		)
		return
	}

	level.Debug(s.logger).Log(
		"msg", "unloaded idle document",
		"document", d.id,
	)
}

// remote merges presence published by another relay.
func (s *service) remote(documentID string, f comm.Frame) {

	d, err := s.loaded(documentID)
	if err != nil {
		// Nobody here is working on it.
		return
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.remote(f)
}
