package crdt_test

import (
	"encoding/json"
	"testing"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestParseID executes a black-box unit test
// on the textual form of operation IDs.
func TestParseID(t *testing.T) {

	id, err := crdt.ParseID("")
	require.NoError(t, err)
	assert.True(t, id.IsRoot())

	id, err = crdt.ParseID("42@alice#1f2e")
	require.NoError(t, err)
	assert.Equal(t, crdt.ID{Origin: "alice#1f2e", Seq: 42}, id)

	// Origins may contain the separator themselves.
	id, err = crdt.ParseID("7@mail@example.org")
	require.NoError(t, err)
	assert.Equal(t, crdt.PeerID("mail@example.org"), id.Origin)
	assert.Equal(t, "7@mail@example.org", id.String())

	for _, broken := range []string{"alice", "@alice", "x@alice", "0@alice", "3@"} {
		_, err := crdt.ParseID(broken)
		if !errors.Is(err, crdt.ErrInvalidID) {
			t.Fatalf("[crdt.TestParseID] Expected ErrInvalidID for '%s' but received: '%v'\n", broken, err)
		}
	}
}

// TestIDAsMapKey makes sure IDs survive being used as
// JSON object keys, as done by snapshot payloads.
func TestIDAsMapKey(t *testing.T) {

	in := map[crdt.ID]string{
		{Origin: "a", Seq: 1}: "one",
		crdt.Root:             "root",
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out := make(map[crdt.ID]string)
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

// TestNewOperation checks that dependencies are
// normalised and inputs are copied.
func TestNewOperation(t *testing.T) {

	payload := []byte("abc")
	deps := []crdt.ID{{Origin: "b", Seq: 2}, {Origin: "a", Seq: 9}, {Origin: "b", Seq: 2}, crdt.Root}

	op := crdt.NewOperation("a", 10, 12, crdt.Insert, crdt.Root, payload, deps)

	payload[0] = 'x'
	deps[0] = crdt.ID{Origin: "z", Seq: 1}

	assert.Equal(t, []byte("abc"), op.Payload)
	assert.Equal(t, []crdt.ID{{Origin: "a", Seq: 9}, {Origin: "b", Seq: 2}}, op.Deps)
	assert.Equal(t, crdt.ID{Origin: "a", Seq: 10}, op.ID())
}

// TestValidate executes a black-box unit test
// on the structural checks of operations.
func TestValidate(t *testing.T) {

	node := crdt.ID{Origin: "a", Seq: 1}

	tests := []struct {
		name string
		op   crdt.Operation
		ok   bool
	}{
		{"insert at root", crdt.NewOperation("a", 1, 1, crdt.Insert, crdt.Root, []byte("x"), nil), true},
		{"delete node", crdt.NewOperation("a", 2, 2, crdt.Delete, node, nil, nil), true},
		{"update node", crdt.NewOperation("a", 2, 2, crdt.Update, node, []byte("y"), nil), true},
		{"missing origin", crdt.NewOperation("", 1, 1, crdt.Insert, crdt.Root, nil, nil), false},
		{"zero seq", crdt.NewOperation("a", 0, 1, crdt.Insert, crdt.Root, nil, nil), false},
		{"zero clock", crdt.NewOperation("a", 1, 0, crdt.Insert, crdt.Root, nil, nil), false},
		{"delete root", crdt.NewOperation("a", 2, 2, crdt.Delete, crdt.Root, nil, nil), false},
		{"unknown kind", crdt.NewOperation("a", 2, 2, crdt.Kind("move"), node, nil, nil), false},
		{"self dependency", crdt.NewOperation("a", 2, 2, crdt.Delete, node, nil, []crdt.ID{{Origin: "a", Seq: 2}}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, crdt.ErrInvalidOperation), "got %v", err)
			}
		})
	}
}

// TestPrecedes pins the total order used for
// sibling placement and last-writer-wins.
func TestPrecedes(t *testing.T) {

	assert.True(t, crdt.Precedes(2, "b", 1, "a"))
	assert.False(t, crdt.Precedes(1, "a", 2, "b"))
	assert.True(t, crdt.Precedes(1, "a", 1, "b"))
	assert.False(t, crdt.Precedes(1, "b", 1, "a"))
	assert.False(t, crdt.Precedes(1, "a", 1, "a"))
}
