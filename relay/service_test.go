package relay

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/cosync/auth"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/go-pluto/cosync/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Structs

// pipeConn is an in-memory comm.Conn. Frames written by
// the relay show up on out, in feeds ReadFrame.
type pipeConn struct {
	in     chan comm.Frame
	out    chan comm.Frame
	closed chan struct{}
	once   sync.Once
}

// Functions

func newPipeConn() *pipeConn {

	return &pipeConn{
		in:     make(chan comm.Frame, 16),
		out:    make(chan comm.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() (comm.Frame, error) {

	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return comm.Frame{}, io.EOF
	}
}

func (c *pipeConn) WriteFrame(f comm.Frame) error {

	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- f:
		return nil
	}
}

func (c *pipeConn) Ping(deadline time.Time) error { return nil }

func (c *pipeConn) SetPongHandler(h func()) {}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// next returns the next frame the relay wrote to c.
func (c *pipeConn) next(t *testing.T) comm.Frame {

	t.Helper()

	select {
	case f := <-c.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("[relay.pipeConn] Expected a frame but received none\n")
	}

	return comm.Frame{}
}

// silent checks that nothing was written to c for a moment.
func (c *pipeConn) silent(t *testing.T) {

	t.Helper()

	select {
	case f := <-c.out:
		t.Fatalf("[relay.pipeConn] Expected no frame but received: '%v'\n", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestService(t *testing.T, opts Options) (*service, *storage.MemoryStore) {

	t.Helper()

	store := storage.NewMemoryStore()
	verifier := auth.NewStaticVerifier([]auth.Token{
		{Value: "alice-token", User: "alice"},
		{Value: "bob-token", User: "bob"},
	})

	s := NewService(log.NewNopLogger(), verifier, store, nil, opts).(*service)
	t.Cleanup(func() { s.Close() })

	return s, store
}

func join(t *testing.T, s Service, hello comm.HelloPayload) (*Peer, *pipeConn, comm.WelcomePayload) {

	t.Helper()

	conn := newPipeConn()

	p, err := s.Join(context.Background(), conn, "doc", hello)
	require.NoError(t, err)

	f := conn.next(t)
	require.Equal(t, comm.FrameWelcome, f.Type)

	var welcome comm.WelcomePayload
	require.NoError(t, f.Decode(&welcome))

	return p, conn, welcome
}

func insert(origin crdt.PeerID, seq uint64, lamport uint64, content string) crdt.Operation {
	return crdt.NewOperation(origin, seq, lamport, crdt.Insert, crdt.Root, []byte(content), nil)
}

// TestJoinAndFanOut attaches two peers and checks that an
// operation is acknowledged to its origin and forwarded to
// the other peer.
func TestJoinAndFanOut(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: true})

	alice, aliceConn, welcome := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	assert.Equal(t, alice.ID, welcome.PeerID)
	assert.Equal(t, crdt.PeerID("alice"), auth.UserOf(alice.ID))
	assert.Equal(t, uint64(1), welcome.Next)
	require.NotNil(t, welcome.Snapshot)
	assert.False(t, welcome.Resumed)

	bob, bobConn, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})
	assert.NotEqual(t, alice.ID, bob.ID)

	op := insert(alice.ID, 1, 1, "H")
	require.NoError(t, s.Submit(alice, op))

	ack := aliceConn.next(t)
	assert.Equal(t, comm.FrameAck, ack.Type)
	assert.Equal(t, uint64(1), ack.Seq)
	aliceConn.silent(t)

	f := bobConn.next(t)
	got, err := f.Operation()
	require.NoError(t, err)
	if !got.Equal(op) {
		t.Fatalf("[relay.TestJoinAndFanOut] Expected '%v' but received: '%v'\n", op, got)
	}

	d, err := s.loaded("doc")
	require.NoError(t, err)

	expected := []crdt.PeerID{alice.ID, bob.ID}
	sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })

	d.lock.Lock()
	defer d.lock.Unlock()

	assert.Equal(t, expected, d.peerIDs())
	assert.Equal(t, "H", d.engine.Replica().Text())
}

// TestSequencing checks gap detection, retransmissions
// and operations sent in someone else's name.
func TestSequencing(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: true})

	alice, aliceConn, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	bob, bobConn, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})

	// Sequence number 1 went missing.
	err := s.Submit(alice, insert(alice.ID, 2, 2, "i"))
	var gap *comm.GapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, uint64(1), gap.Expected)

	f := aliceConn.next(t)
	require.Equal(t, comm.FrameResyncRequest, f.Type)
	var req comm.ResyncPayload
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, uint64(1), req.Expected)
	bobConn.silent(t)

	require.NoError(t, s.Submit(alice, insert(alice.ID, 1, 1, "H")))
	assert.Equal(t, comm.FrameAck, aliceConn.next(t).Type)
	assert.Equal(t, comm.FrameOp, bobConn.next(t).Type)

	// A retransmission is acknowledged again but not forwarded.
	require.NoError(t, s.Submit(alice, insert(alice.ID, 1, 1, "H")))
	ack := aliceConn.next(t)
	assert.Equal(t, comm.FrameAck, ack.Type)
	assert.Equal(t, uint64(1), ack.Seq)
	bobConn.silent(t)

	err = s.Submit(bob, insert(alice.ID, 2, 2, "i"))
	assert.True(t, errors.Is(err, ErrForeignOrigin))
	assert.Equal(t, comm.FrameError, bobConn.next(t).Type)
	aliceConn.silent(t)
}

// TestResume reconnects a peer and checks that it keeps its
// PeerID and receives exactly the operations it missed.
func TestResume(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: true})

	alice, _, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	bob, bobConn, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})

	require.NoError(t, s.Submit(alice, insert(alice.ID, 1, 1, "a")))
	require.NoError(t, s.Leave(alice))

	assert.Equal(t, comm.FrameOp, bobConn.next(t).Type)
	assert.Equal(t, comm.FrameLeave, bobConn.next(t).Type)

	missed := insert(bob.ID, 1, 2, "b")
	require.NoError(t, s.Submit(bob, missed))

	_, _, welcome := join(t, s, comm.HelloPayload{
		Token:   "alice-token",
		Resume:  alice.ID,
		Version: crdt.Version{alice.ID: 1},
	})

	assert.True(t, welcome.Resumed)
	assert.Equal(t, alice.ID, welcome.PeerID)
	assert.Equal(t, uint64(2), welcome.Next)
	assert.Nil(t, welcome.Snapshot)
	require.Len(t, welcome.Tail, 1)
	if !welcome.Tail[0].Equal(missed) {
		t.Fatalf("[relay.TestResume] Expected '%v' but received: '%v'\n", missed, welcome.Tail[0])
	}

	// Someone else cannot take over alice's PeerID.
	_, _, welcome = join(t, s, comm.HelloPayload{
		Token:  "bob-token",
		Resume: alice.ID,
	})
	assert.False(t, welcome.Resumed)
	assert.NotEqual(t, alice.ID, welcome.PeerID)
}

// TestResumeAfterSnapshot checks that a peer whose version
// does not cover the last snapshot gets the full state.
func TestResumeAfterSnapshot(t *testing.T) {

	s, store := newTestService(t, Options{AllowCreate: true, SnapshotEvery: 2})

	alice, _, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	require.NoError(t, s.Leave(alice))

	bob, _, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})
	require.NoError(t, s.Submit(bob, insert(bob.ID, 1, 1, "y")))
	require.NoError(t, s.Submit(bob, insert(bob.ID, 2, 2, "o")))
	require.NoError(t, s.Submit(bob, insert(bob.ID, 3, 3, "!")))

	snap, err := store.LoadSnapshot(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.AtSeq)

	_, _, welcome := join(t, s, comm.HelloPayload{
		Token:  "alice-token",
		Resume: alice.ID,
	})

	assert.True(t, welcome.Resumed)
	require.NotNil(t, welcome.Snapshot)
	assert.Equal(t, uint64(2), welcome.Snapshot.AtSeq)
	require.Len(t, welcome.Snapshot.Tail, 1)
	assert.Equal(t, "!", string(welcome.Snapshot.Tail[0].Payload))

	replica, err := crdt.DecodeReplica(welcome.Snapshot.Blob)
	require.NoError(t, err)
	engine := crdt.NewEngine(replica, 0)
	for _, op := range welcome.Snapshot.Tail {
		_, err = engine.Apply(op)
		require.NoError(t, err)
	}
	assert.Equal(t, "!oy", engine.Replica().Text())
}

// TestJoinRefused covers bad tokens and missing documents.
func TestJoinRefused(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: false})

	_, err := s.Join(context.Background(), newPipeConn(), "doc", comm.HelloPayload{Token: "nope"})
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, comm.CodeAuth, errorCode(err))

	_, err = s.Join(context.Background(), newPipeConn(), "doc", comm.HelloPayload{Token: "alice-token", Create: true})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, comm.CodeNotFound, errorCode(err))
}

// TestResyncAndPresence checks snapshot answers and that
// late joiners learn about cursors set before they came.
func TestResyncAndPresence(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: true})

	alice, aliceConn, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	require.NoError(t, s.Submit(alice, insert(alice.ID, 1, 1, "x")))
	assert.Equal(t, comm.FrameAck, aliceConn.next(t).Type)

	require.NoError(t, s.Resync(alice, comm.ResyncPayload{}))
	f := aliceConn.next(t)
	require.Equal(t, comm.FrameSnapshot, f.Type)

	var snap comm.SnapshotPayload
	require.NoError(t, f.Decode(&snap))
	assert.Equal(t, uint64(0), snap.AtSeq)
	assert.Len(t, snap.Tail, 1)

	cursor := comm.PresencePayload{Anchor: crdt.ID{Origin: alice.ID, Seq: 1}, Offset: 1}
	require.NoError(t, s.Presence(alice, cursor))

	bob, bobConn, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})

	f = bobConn.next(t)
	require.Equal(t, comm.FramePresence, f.Type)
	assert.Equal(t, alice.ID, f.OriginID)

	var got comm.PresencePayload
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, cursor, got)

	require.NoError(t, s.Presence(bob, comm.PresencePayload{}))
	f = aliceConn.next(t)
	assert.Equal(t, comm.FramePresence, f.Type)
	assert.Equal(t, bob.ID, f.OriginID)
}

// TestIdleCollection checks that a document nobody works
// on is snapshotted and unloaded after the idle timeout.
func TestIdleCollection(t *testing.T) {

	s, store := newTestService(t, Options{AllowCreate: true, IdleTimeout: 20 * time.Millisecond})

	alice, _, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	require.NoError(t, s.Submit(alice, insert(alice.ID, 1, 1, "z")))
	require.NoError(t, s.Leave(alice))

	require.Eventually(t, func() bool {
		_, err := s.loaded("doc")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := store.LoadSnapshot(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.AtSeq)

	// The document comes back from the store.
	_, _, welcome := join(t, s, comm.HelloPayload{Token: "bob-token"})
	require.NotNil(t, welcome.Snapshot)
	assert.Equal(t, uint64(1), welcome.Snapshot.AtSeq)

	replica, err := crdt.DecodeReplica(welcome.Snapshot.Blob)
	require.NoError(t, err)
	assert.Equal(t, "z", replica.Text())
}

// TestDurableAcks checks that acknowledgements tell the origin
// which of its operations a stored snapshot covers, and that a
// relay restarted from that snapshot asks for the rest again.
func TestDurableAcks(t *testing.T) {

	s, store := newTestService(t, Options{AllowCreate: true, SnapshotEvery: 2})

	alice, aliceConn, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})

	durable := make([]uint64, 0, 3)

	for seq, content := range []string{"a", "b", "c"} {

		require.NoError(t, s.Submit(alice, insert(alice.ID, uint64(seq+1), uint64(seq+1), content)))

		ack := aliceConn.next(t)
		require.Equal(t, comm.FrameAck, ack.Type)

		var p comm.AckPayload
		require.NoError(t, ack.Decode(&p))
		durable = append(durable, p.Durable)
	}

	assert.Equal(t, []uint64{0, 2, 2}, durable)

	// A second relay on the same store has lost the third operation.
	restarted := NewService(log.NewNopLogger(), s.verifier, store, nil, Options{AllowCreate: true, SnapshotEvery: 2})
	t.Cleanup(func() { restarted.Close() })

	_, _, welcome := join(t, restarted, comm.HelloPayload{
		Token:   "alice-token",
		Resume:  alice.ID,
		Version: crdt.Version{alice.ID: 3},
	})

	if !welcome.Resumed || welcome.Next != 3 {
		t.Fatalf("[relay.TestDurableAcks] Expected resumed welcome expecting 3 but received: '%v'\n", welcome)
	}
	assert.Equal(t, uint64(2), welcome.Durable)
}

// TestLeaveForgetsPresence checks that cursors of peers who
// left are not replayed to late joiners.
func TestLeaveForgetsPresence(t *testing.T) {

	s, _ := newTestService(t, Options{AllowCreate: true})

	alice, _, _ := join(t, s, comm.HelloPayload{Token: "alice-token", Create: true})
	require.NoError(t, s.Presence(alice, comm.PresencePayload{Offset: 1}))

	d, err := s.loaded("doc")
	require.NoError(t, err)

	d.lock.Lock()
	assert.Len(t, d.presence.Entries(), 1)
	d.lock.Unlock()

	bob, bobConn, _ := join(t, s, comm.HelloPayload{Token: "bob-token"})
	assert.Equal(t, comm.FramePresence, bobConn.next(t).Type)

	require.NoError(t, s.Leave(alice))

	f := bobConn.next(t)
	assert.Equal(t, comm.FrameLeave, f.Type)
	assert.Equal(t, alice.ID, f.OriginID)

	d.lock.Lock()
	assert.Empty(t, d.presence.Entries())
	d.lock.Unlock()

	_, laterConn, _ := join(t, s, comm.HelloPayload{Token: "alice-token"})
	laterConn.silent(t)

	require.NoError(t, s.Leave(bob))
}
