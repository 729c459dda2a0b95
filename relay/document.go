package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/presence"
	"github.com/go-pluto/cosync/storage"
	"github.com/pkg/errors"
)

// Structs

// document is the relay's authoritative copy of one shared
// document: its replica, the operations appended since the
// last snapshot and the peers currently attached. All state
// is guarded by lock; documents never share locks.
type document struct {
	id       string
	logger   log.Logger
	store    storage.Store
	every    int
	lock     *sync.Mutex
	engine   *crdt.Engine
	seq      *comm.Sequencer
	peers    map[crdt.PeerID]*Peer
	presence *presence.Tracker
	stop     context.CancelFunc

	// head is the index of the last operation appended to
	// the log. Snapshots cover the log up to snapSeq, log
	// holds everything after that.
	head        uint64
	log         []crdt.Operation
	snapBlob    []byte
	snapSeq     uint64
	snapVersion crdt.Version

	idle    *time.Timer
	idleGen uint64
	closed  bool
}

// Functions

// newDocument wraps replica, whose state covers the log up to
// atSeq. The presence tracker starts sweeping right away.
func newDocument(logger log.Logger, id string, replica *crdt.Replica, atSeq uint64, store storage.Store, opts Options) (*document, error) {

	blob, err := replica.Encode()
	if err != nil {
		return nil, err
	}

	seq := comm.NewSequencer()
	seq.Restore(replica.Version())

	ctx, cancel := context.WithCancel(context.Background())

	d := &document{
		id:          id,
		logger:      log.With(logger, "document", id),
		store:       store,
		every:       opts.SnapshotEvery,
		lock:        &sync.Mutex{},
		engine:      crdt.NewEngine(replica, opts.CausalBufferLimit),
		seq:         seq,
		peers:       make(map[crdt.PeerID]*Peer),
		presence:    presence.NewTracker(presence.Options{TTL: opts.PresenceTTL, IdleAfter: opts.PresenceIdleAfter}),
		stop:        cancel,
		head:        atSeq,
		snapBlob:    blob,
		snapSeq:     atSeq,
		snapVersion: replica.Version(),
	}

	go d.presence.Run(ctx, d.presence.TTL()/6)

	return d, nil
}

// attach adds p and hands it its welcome. For a resumed peer
// whose version covers the last snapshot only the missed log
// operations are sent, everyone else gets the full snapshot.
// Presence of the other peers is replayed afterwards.
func (d *document) attach(p *Peer, resumed bool, version crdt.Version) (comm.WelcomePayload, error) {

	welcome := comm.WelcomePayload{
		PeerID:  p.ID,
		Resumed: resumed,
		Next:    d.seq.Expected(p.ID),
		Durable: d.snapVersion[p.ID],
	}

	if resumed && version.Covers(d.snapVersion) {

		for _, op := range d.log {
			if op.Seq > version[op.Origin] {
				welcome.Tail = append(welcome.Tail, op)
			}
		}
	} else {
		welcome.Snapshot = d.snapshotPayload()
	}

	f, err := comm.NewFrame(comm.FrameWelcome, d.id, welcome)
	if err != nil {
		return comm.WelcomePayload{}, err
	}

	// A stale connection of a resuming peer is replaced.
	if old, ok := d.peers[p.ID]; ok {
		old.Close()
	}

	d.peers[p.ID] = p
	d.idleGen++
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}

	p.Send(f)

	level.Debug(d.logger).Log(
		"msg", "peer attached",
		"peer", p.ID,
		"resumed", resumed,
		"peers", fmt.Sprint(d.peerIDs()),
	)

	for _, e := range d.presence.Entries() {

		if e.PeerID == p.ID || e.Status == presence.Disconnected {
			continue
		}

		pf, err := presenceFrame(d.id, e.PeerID, e.Cursor)
		if err != nil {
			continue
		}
		p.Send(pf)
	}

	return welcome, nil
}

// submit sequences and applies op received from p.
func (d *document) submit(p *Peer, op crdt.Operation) error {

	if op.Origin != p.ID {
		p.Send(comm.NewErrorFrame(d.id, comm.CodeProtocol, "origin does not match session"))
		return errors.Wrapf(ErrForeignOrigin, "%s sent by %s", op.ID(), p.ID)
	}

	err := d.seq.Validate(op.Origin, op.Seq)
	if errors.Is(err, comm.ErrDuplicate) {

		// Retransmission after a lost ack.
		p.Send(comm.NewAckFrame(d.id, op.Origin, d.seq.Expected(op.Origin)-1, d.snapVersion[op.Origin]))
		return nil
	}

	var gap *comm.GapError
	if errors.As(err, &gap) {

		f, ferr := comm.NewFrame(comm.FrameResyncRequest, d.id, comm.ResyncPayload{Expected: gap.Expected})
		if ferr == nil {
			p.Send(f)
		}

		return err
	}

	if err != nil {
		return err
	}

	applied, err := d.engine.Apply(op)
	if err != nil {
		p.Send(comm.NewErrorFrame(d.id, comm.CodeProtocol, err.Error()))
		return err
	}

	for _, a := range applied {

		d.head++
		d.log = append(d.log, a)

		f, err := comm.NewOpFrame(d.id, a)
		if err != nil {
			return err
		}

		for id, other := range d.peers {
			if id != a.Origin {
				other.Send(f)
			}
		}
	}

	if d.every > 0 && len(d.log) >= d.every {
		err = d.snapshot()
	}

	// Acknowledged after a snapshot so the origin learns
	// right away that it may release the operation.
	p.Send(comm.NewAckFrame(d.id, op.Origin, op.Seq, d.snapVersion[op.Origin]))

	return err
}

// resync answers a client's request for authoritative state.
func (d *document) resync(p *Peer) error {

	f, err := comm.NewFrame(comm.FrameSnapshot, d.id, d.snapshotPayload())
	if err != nil {
		return err
	}

	p.Send(f)

	return nil
}

// cursor records a presence update of p and forwards it
// to all other local peers. The returned frame is what
// gets published to other relays.
func (d *document) cursor(p *Peer, c comm.PresencePayload) (comm.Frame, error) {

	cur := presence.Cursor{Anchor: c.Anchor, Offset: c.Offset}
	d.presence.Upsert(p.ID, cur, time.Now())

	f, err := presenceFrame(d.id, p.ID, cur)
	if err != nil {
		return comm.Frame{}, err
	}

	d.broadcast(p.ID, f)

	return f, nil
}

// remote applies a presence or leave frame another relay
// published for this document.
func (d *document) remote(f comm.Frame) {

	switch f.Type {
	case comm.FramePresence:

		var c comm.PresencePayload
		if err := f.Decode(&c); err != nil {
			return
		}
		d.presence.Upsert(f.OriginID, presence.Cursor{Anchor: c.Anchor, Offset: c.Offset}, time.Now())

	case comm.FrameLeave:
		d.presence.Remove(f.OriginID)

	default:
		return
	}

	d.broadcast(f.OriginID, f)
}

// detach removes p unless it was replaced by a newer
// connection of the same peer. It reports whether p
// was attached and whether the document is now empty.
func (d *document) detach(p *Peer) (bool, bool) {

	cur, ok := d.peers[p.ID]
	if !ok || cur != p {
		return false, len(d.peers) == 0
	}

	delete(d.peers, p.ID)

	// Clients age out peers that left on their own,
	// late joiners need not hear about them.
	d.presence.Remove(p.ID)

	level.Debug(d.logger).Log(
		"msg", "peer detached",
		"peer", p.ID,
		"peers", fmt.Sprint(d.peerIDs()),
	)

	d.broadcast(p.ID, comm.Frame{
		Type:       comm.FrameLeave,
		DocumentID: d.id,
		OriginID:   p.ID,
	})

	return true, len(d.peers) == 0
}

// broadcast sends f to every local peer except from.
func (d *document) broadcast(from crdt.PeerID, f comm.Frame) {

	for id, p := range d.peers {
		if id != from {
			p.Send(f)
		}
	}
}

// snapshot encodes the replica, persists it and compacts
// the log. Callers hold the lock.
func (d *document) snapshot() error {

	if d.head == d.snapSeq {
		return nil
	}

	replica := d.engine.Replica()

	blob, err := replica.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.store.SaveSnapshot(ctx, d.id, blob, d.head); err != nil {
		return errors.Wrapf(err, "persisting snapshot of %s at %d failed", d.id, d.head)
	}

	d.snapBlob = blob
	d.snapSeq = d.head
	d.snapVersion = replica.Version()
	d.log = nil

	level.Debug(d.logger).Log(
		"msg", "stored snapshot",
		"at_seq", d.head,
	)

	return nil
}

// shutdown closes all peers, stops presence tracking and
// stores a final snapshot. Callers hold the lock.
func (d *document) shutdown() error {

	if d.closed {
		return nil
	}
	d.closed = true

	for _, p := range d.peers {
		p.Close()
	}
	d.peers = make(map[crdt.PeerID]*Peer)

	if d.idle != nil {
		d.idle.Stop()
	}
	d.stop()

	return d.snapshot()
}

func (d *document) snapshotPayload() *comm.SnapshotPayload {

	tail := make([]crdt.Operation, len(d.log))
	copy(tail, d.log)

	return &comm.SnapshotPayload{
		Blob:  d.snapBlob,
		AtSeq: d.snapSeq,
		Tail:  tail,
	}
}

// peerIDs lists the attached peers in a stable order.
func (d *document) peerIDs() []crdt.PeerID {

	ids := make([]crdt.PeerID, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func presenceFrame(documentID string, peer crdt.PeerID, c presence.Cursor) (comm.Frame, error) {

	f, err := comm.NewFrame(comm.FramePresence, documentID, comm.PresencePayload{
		Anchor: c.Anchor,
		Offset: c.Offset,
	})
	if err != nil {
		return comm.Frame{}, err
	}
	f.OriginID = peer

	return f, nil
}
