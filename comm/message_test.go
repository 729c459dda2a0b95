package comm_test

import (
	"encoding/json"
	"testing"

	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestOpFrame executes a black-box unit test on
// wrapping operations into frames and back.
func TestOpFrame(t *testing.T) {

	op := crdt.NewOperation("alice#1", 4, 9, crdt.Insert, crdt.ID{Origin: "bob#2", Seq: 1}, []byte("x"), []crdt.ID{{Origin: "bob#2", Seq: 3}})

	f, err := comm.NewOpFrame("doc", op)
	require.NoError(t, err)

	assert.Equal(t, comm.FrameOp, f.Type)
	assert.Equal(t, crdt.PeerID("alice#1"), f.OriginID)
	assert.Equal(t, uint64(4), f.Seq)
	assert.Equal(t, uint64(9), f.LamportClock)

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))

	for _, key := range []string{"type", "documentId", "originId", "seq", "lamportClock", "payload"} {
		if _, ok := wire[key]; !ok {
			t.Fatalf("[comm.TestOpFrame] Expected key '%s' in wire form but got: '%s'\n", key, raw)
		}
	}

	var back comm.Frame
	require.NoError(t, json.Unmarshal(raw, &back))

	got, err := back.Operation()
	require.NoError(t, err)
	assert.True(t, op.Equal(got))

	// A header not matching the payload is refused.
	back.Seq = 5
	_, err = back.Operation()
	assert.True(t, errors.Is(err, comm.ErrMalformedFrame), "got %v", err)

	ack := comm.NewAckFrame("doc", "alice#1", 4, 2)
	_, err = ack.Operation()
	assert.True(t, errors.Is(err, comm.ErrMalformedFrame), "got %v", err)

	var ap comm.AckPayload
	require.NoError(t, ack.Decode(&ap))
	assert.Equal(t, uint64(4), ack.Seq)
	assert.Equal(t, uint64(2), ap.Durable)
}

// TestDecode checks payload decoding of control frames.
func TestDecode(t *testing.T) {

	f, err := comm.NewFrame(comm.FrameResyncRequest, "doc", comm.ResyncPayload{
		Version: crdt.Version{"a": 3},
	})
	require.NoError(t, err)

	var p comm.ResyncPayload
	require.NoError(t, f.Decode(&p))
	assert.Equal(t, uint64(3), p.Version["a"])

	empty, err := comm.NewFrame(comm.FrameLeave, "doc", nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(empty.Decode(&p), comm.ErrMalformedFrame))

	ef := comm.NewErrorFrame("doc", comm.CodeAuth, "bad token")

	var ep comm.ErrorPayload
	require.NoError(t, ef.Decode(&ep))
	assert.Equal(t, comm.CodeAuth, ep.Code)
	assert.Equal(t, "bad token", ep.Message)
}
