package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/presence"
	"github.com/pkg/errors"
)

// Structs

// SyncState tells whether remote operations are applied
// live or held back while the replica is being replaced.
type SyncState int

// Sync states. A gap in a remote stream or a causal buffer
// overflow moves a document from Synced to Buffering; once
// the resync request is out it is Resyncing until the
// snapshot is installed.
const (
	Synced SyncState = iota
	Buffering
	Resyncing
)

// coordinator owns the replica of one open document and
// everything needed to keep it in sync: the transport
// session, the sequencer, the outbox of unacknowledged
// local edits and the presence of other peers. All of
// it is serialised by lock, except for the session and
// the tracker which lock themselves.
type coordinator struct {
	lock       *sync.Mutex
	logger     log.Logger
	documentID string
	token      string
	create     bool
	handshake  time.Duration

	session  *comm.Session
	engine   *crdt.Engine
	seq      *comm.Sequencer
	outbox   *comm.Outbox
	tracker  *presence.Tracker
	events   *dispatcher
	stopBack context.CancelFunc

	peerID    crdt.PeerID
	joined    bool
	state     SyncState
	buffered  []crdt.Operation
	announced bool
	cursor    *presence.Cursor
	pending   chan error
	closed    bool
}

// Functions

func (s SyncState) String() string {

	switch s {
	case Synced:
		return "synced"
	case Buffering:
		return "buffering"
	case Resyncing:
		return "resyncing"
	}

	return "unknown"
}

func newCoordinator(logger log.Logger, documentID string, creds Credentials, dialer comm.Dialer, opts Options) *coordinator {

	logger = log.With(logger, "document", documentID)

	c := &coordinator{
		lock:       &sync.Mutex{},
		logger:     logger,
		documentID: documentID,
		token:      creds.Token,
		create:     opts.CreateMissing,
		handshake:  opts.HandshakeTimeout,
		session:    comm.NewSession(logger, dialer, opts.Session),
		engine:     crdt.NewEngine(crdt.NewReplica(), opts.CausalBufferLimit),
		seq:        comm.NewSequencer(),
		outbox:     comm.NewOutbox(),
		tracker:    presence.NewTracker(opts.Presence),
		events:     newDispatcher(),
		state:      Synced,
	}

	c.session.OnMessage(c.receive)
	c.session.OnState(c.transition)

	ctx, cancel := context.WithCancel(context.Background())
	c.stopBack = cancel

	go c.tracker.Run(ctx, c.tracker.TTL()/6)
	go c.refresh(ctx)

	return c
}

// open connects and waits for the relay's welcome. A context
// cancelled while the handshake is in flight takes effect
// only once it settled; the session is closed then.
func (c *coordinator) open(ctx context.Context) error {

	c.lock.Lock()
	c.pending = make(chan error, 1)
	pending := c.pending
	c.lock.Unlock()

	if err := c.session.Connect(ctx); err != nil {

		c.close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	timeout := time.NewTimer(c.handshake)
	defer timeout.Stop()

	var err error

	select {
	case err = <-pending:
	case <-timeout.C:
		err = ErrHandshakeTimeout
	}

	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		c.close()
		return err
	}

	return nil
}

// close says goodbye to the relay and stops everything.
func (c *coordinator) close() {

	c.lock.Lock()

	if c.closed {
		c.lock.Unlock()
		return
	}

	c.closed = true
	joined := c.joined
	c.joined = false
	c.lock.Unlock()

	if joined {
		c.session.Send(comm.Frame{Type: comm.FrameLeave, DocumentID: c.documentID})
	}

	c.session.Close()
	c.stopBack()
	c.events.stop()
}

// localEdit stamps, applies and queues a local edit. It
// never waits for the network: without a connection the
// operation stays in the outbox until the next welcome.
func (c *coordinator) localEdit(i Intent) (crdt.Operation, error) {

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return crdt.Operation{}, ErrHandleClosed
	}

	target, err := i.resolve(c.engine.Replica())
	if err != nil {
		return crdt.Operation{}, err
	}

	// The sequence number is only taken once the edit
	// applied, failed edits must not leave a gap.
	seq := c.seq.Expected(c.peerID)

	op, err := c.engine.Local(c.peerID, seq, i.Kind, target, i.Content, i.Deps)
	if err != nil {
		return crdt.Operation{}, err
	}

	if err := c.seq.Validate(c.peerID, seq); err != nil {
		return crdt.Operation{}, err
	}

	c.outbox.Push(op)
	c.events.emit(Event{Kind: EventApplied, Op: op, Local: true})

	if c.joined {
		c.sendOp(op)
	}

	return op, nil
}

// setCursor publishes the local cursor.
func (c *coordinator) setCursor(cur presence.Cursor) error {

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrHandleClosed
	}

	c.cursor = &cur

	if c.joined {
		c.sendCursor()
	}

	return nil
}

// transition follows the transport session's state.
func (c *coordinator) transition(state comm.State, err error) {

	c.lock.Lock()
	defer c.lock.Unlock()

	switch state {

	case comm.StateOpen:

		// The hello is the first frame on every connection.
		hello := comm.HelloPayload{
			Token:  c.token,
			Resume: c.peerID,
			Create: c.create,
		}

		if c.state == Synced {
			hello.Version = c.engine.Replica().Version()
		}

		f, ferr := comm.NewFrame(comm.FrameHello, c.documentID, hello)
		if ferr == nil {
			ferr = c.session.Send(f)
		}

		if ferr != nil {
			level.Error(c.logger).Log("msg", "failed to send hello", "err", ferr)
		}

	case comm.StateReconnecting:
		c.disrupted()

	case comm.StateClosed:

		c.disrupted()

		if err == nil {
			return
		}

		c.settle(err)
		c.events.emit(Event{Kind: EventConnectionLost, Err: err})
	}
}

// disrupted forgets the connection. A resync in flight has
// to be requested again on the next connection.
func (c *coordinator) disrupted() {

	c.joined = false
	c.announced = false

	if c.state == Resyncing {
		c.state = Buffering
	}
}

// settle reports the outcome of a pending handshake.
func (c *coordinator) settle(err error) {

	if c.pending == nil {
		return
	}

	c.pending <- err
	c.pending = nil
}

// receive handles one frame from the relay. Presence changes
// reach the tracker only after the lock was released, as its
// subscribers may call back into the handle.
func (c *coordinator) receive(f comm.Frame) {

	var update func()
	shutdown := false

	c.lock.Lock()

	switch f.Type {
	case comm.FramePresence, comm.FrameLeave:
		update = c.presenceUpdate(f)
	default:
		shutdown = c.handle(f)
		if f.Type == comm.FrameOp && !c.closed && f.OriginID != c.peerID {
			update = func() { c.tracker.Touch(f.OriginID, time.Now()) }
		}
	}

	c.lock.Unlock()

	if update != nil {
		update()
	}

	if shutdown {
		c.session.Close()
	}
}

// presenceUpdate decodes a presence or leave frame into the
// change it makes to the tracker. It returns nil for frames
// to be ignored.
func (c *coordinator) presenceUpdate(f comm.Frame) func() {

	if c.closed || f.OriginID == "" || f.OriginID == c.peerID {
		return nil
	}

	peer := f.OriginID

	if f.Type == comm.FrameLeave {
		return func() { c.tracker.Leave(peer, time.Now()) }
	}

	var cur comm.PresencePayload
	if err := f.Decode(&cur); err != nil {
		return nil
	}

	return func() {
		c.tracker.Upsert(peer, presence.Cursor{Anchor: cur.Anchor, Offset: cur.Offset}, time.Now())
	}
}

// handle dispatches f by type. It reports whether the
// session has to be closed because the relay refused it.
func (c *coordinator) handle(f comm.Frame) bool {

	if c.closed {
		return false
	}

	switch f.Type {

	case comm.FrameWelcome:

		var w comm.WelcomePayload
		if err := f.Decode(&w); err != nil {
			level.Error(c.logger).Log("msg", "undecodable welcome", "err", err)
			return false
		}
		c.welcome(w)

	case comm.FrameOp:

		op, err := f.Operation()
		if err != nil {
			level.Warn(c.logger).Log("msg", "dropping malformed operation", "err", err)
			return false
		}
		c.remote(op, true)

	case comm.FrameAck:

		if f.OriginID != c.peerID {
			return false
		}
		c.outbox.Ack(f.Seq)

		var ack comm.AckPayload
		if len(f.Payload) > 0 && f.Decode(&ack) == nil {
			c.outbox.Release(ack.Durable)
		}

	case comm.FrameResyncRequest:

		var req comm.ResyncPayload
		if err := f.Decode(&req); err != nil {
			return false
		}

		// The relay missed some of our operations,
		// acknowledged ones included after a restart.
		for _, op := range c.outbox.From(req.Expected) {
			c.sendOp(op)
		}

	case comm.FrameSnapshot:

		var snap comm.SnapshotPayload
		if err := f.Decode(&snap); err != nil {
			level.Error(c.logger).Log("msg", "undecodable snapshot", "err", err)
			return false
		}
		c.install(&snap)

	case comm.FrameError:

		var e comm.ErrorPayload
		if err := f.Decode(&e); err != nil {
			return false
		}

		if c.joined {
			level.Warn(c.logger).Log("msg", "relay reported an error", "code", e.Code, "err", e.Message)
			return false
		}

		// Refused handshakes are not retried.
		err := refusal(e)
		c.settle(err)
		c.events.emit(Event{Kind: EventConnectionLost, Err: err})

		return true
	}

	return false
}

// welcome completes a handshake: the replica is brought up
// to date and everything the relay has not acknowledged
// yet is sent again.
func (c *coordinator) welcome(w comm.WelcomePayload) {

	if c.peerID != "" && w.PeerID != c.peerID {
		level.Warn(c.logger).Log(
			"msg", "relay did not resume session",
			"old", c.peerID,
			"new", w.PeerID,
		)
	}

	resumed := c.peerID != "" && w.PeerID == c.peerID

	c.peerID = w.PeerID
	c.joined = true

	if w.Next > 0 {
		c.outbox.Ack(w.Next - 1)
	}

	// A relay that restarted from an older snapshot expects
	// operations it had acknowledged before.
	if resumed {
		if err := c.outbox.Rewind(w.Next); err != nil {
			level.Error(c.logger).Log("msg", "relay lost operations already released", "err", err)
		}
	}
	c.outbox.Release(w.Durable)

	if w.Snapshot != nil {
		c.install(w.Snapshot)
	} else {
		for _, op := range w.Tail {
			c.remote(op, true)
		}
	}

	for _, op := range c.outbox.From(w.Next) {
		c.sendOp(op)
	}

	if c.state == Buffering {
		c.requestResync()
	}

	if c.cursor != nil {
		c.sendCursor()
	}

	c.announce()
	c.settle(nil)
}

// remote applies an operation received from the relay. With
// strict set a sequence gap triggers a resync; right after
// a snapshot was installed gaps cannot be closed by another
// one and the operation is dropped instead.
func (c *coordinator) remote(op crdt.Operation, strict bool) {

	if op.Origin == c.peerID {

		// Our own edits come back only inside snapshots.
		c.apply(op)
		return
	}

	if c.state != Synced {
		c.buffered = append(c.buffered, op)
		return
	}

	err := c.seq.Validate(op.Origin, op.Seq)
	if errors.Is(err, comm.ErrDuplicate) {
		return
	}

	var gap *comm.GapError
	if errors.As(err, &gap) {

		if !strict {
			level.Warn(c.logger).Log("msg", "dropping operation beyond snapshot", "op", op.ID(), "err", err)
			return
		}

		level.Info(c.logger).Log("msg", "sequence gap, resyncing", "err", err)
		c.buffered = append(c.buffered, op)
		c.requestResync()

		return
	}

	applied, err := c.engine.Apply(op)
	if errors.Is(err, crdt.ErrCausalityBufferOverflow) {

		level.Info(c.logger).Log("msg", "causality buffer overflow, resyncing", "op", op.ID())
		c.buffered = append(c.buffered, op)
		c.requestResync()

		return
	}

	c.report(op, applied, err)
}

// apply merges op without sequencing.
func (c *coordinator) apply(op crdt.Operation) {
	applied, err := c.engine.Apply(op)
	c.report(op, applied, err)
}

// report hands every operation that took effect to the
// subscribers, in the order the engine applied them.
func (c *coordinator) report(op crdt.Operation, applied []crdt.Operation, err error) {

	if err != nil {
		level.Error(c.logger).Log("msg", "dropping operation", "op", op.ID(), "err", err)
		return
	}

	for _, a := range applied {
		c.events.emit(Event{Kind: EventApplied, Op: a})
	}
}

// requestResync leaves Synced and asks the relay for a
// snapshot as soon as there is a connection.
func (c *coordinator) requestResync() {

	if c.state == Synced {
		c.state = Buffering
		c.announced = false
	}

	if !c.joined || c.state == Resyncing {
		return
	}

	f, err := comm.NewFrame(comm.FrameResyncRequest, c.documentID, comm.ResyncPayload{
		Version: c.engine.Replica().Version(),
	})
	if err != nil {
		return
	}

	if err := c.session.Send(f); err != nil {
		level.Warn(c.logger).Log("msg", "failed to request resync", "err", err)
		return
	}

	c.state = Resyncing
}

// install replaces the replica with an authoritative
// snapshot, replays the log tail and the unacknowledged
// local edits and then drains the held back operations.
func (c *coordinator) install(snap *comm.SnapshotPayload) {

	replica, err := crdt.DecodeReplica(snap.Blob)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to decode snapshot", "err", err)
		return
	}

	c.engine.Reset(replica)

	for _, op := range snap.Tail {
		if _, err := c.engine.Apply(op); err != nil {
			level.Error(c.logger).Log("msg", "failed to replay log tail", "op", op.ID(), "err", err)
		}
	}

	for _, op := range c.outbox.Pending() {
		if _, err := c.engine.Apply(op); err != nil {
			level.Error(c.logger).Log("msg", "failed to reapply local edit", "op", op.ID(), "err", err)
		}
	}

	c.seq.Restore(c.engine.Replica().Version())
	c.state = Synced
	c.events.emit(Event{Kind: EventReset})

	buffered := c.buffered
	c.buffered = nil

	for _, op := range buffered {
		c.remote(op, false)
	}

	if c.joined {
		c.announce()
	}
}

// announce emits EventSynced once per recovery.
func (c *coordinator) announce() {

	if c.announced || c.state != Synced {
		return
	}

	c.announced = true
	c.events.emit(Event{Kind: EventSynced})
}

func (c *coordinator) sendOp(op crdt.Operation) {

	f, err := comm.NewOpFrame(c.documentID, op)
	if err != nil {
		return
	}

	// A lost frame is recovered from the outbox: either on the
	// next welcome or when the relay reports the gap.
	if err := c.session.Send(f); err != nil {
		level.Debug(c.logger).Log("msg", "operation stays queued", "op", op.ID(), "err", err)
	}
}

func (c *coordinator) sendCursor() {

	f, err := comm.NewFrame(comm.FramePresence, c.documentID, comm.PresencePayload{
		Anchor: c.cursor.Anchor,
		Offset: c.cursor.Offset,
	})
	if err != nil {
		return
	}
	f.OriginID = c.peerID

	c.session.Send(f)
}

// refresh republishes the local cursor often enough for
// other peers not to expire it.
func (c *coordinator) refresh(ctx context.Context) {

	ticker := time.NewTicker(c.tracker.TTL() / 3)
	defer ticker.Stop()

	for {

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.lock.Lock()
		if c.joined && c.cursor != nil {
			c.sendCursor()
		}
		c.lock.Unlock()
	}
}
