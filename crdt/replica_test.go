package crdt

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// mustApply applies op to r or fails the test.
func mustApply(t *testing.T, r *Replica, op Operation) {

	t.Helper()

	require.NoError(t, op.Validate())
	require.Empty(t, r.missing(op), "requirements of %s missing", op.ID())
	r.apply(op)
}

// TestAttachOrder executes a white-box unit test on the
// sibling ordering of concurrently inserted nodes.
func TestAttachOrder(t *testing.T) {

	r := NewReplica()

	mustApply(t, r, NewOperation("b", 1, 1, Insert, Root, []byte("B1"), nil))
	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("A1"), nil))
	mustApply(t, r, NewOperation("c", 1, 3, Insert, Root, []byte("C3"), nil))

	// Highest clock first, ties by lower origin.
	kids := r.children[Root]
	if assert.Len(t, kids, 3) {
		assert.Equal(t, ID{Origin: "c", Seq: 1}, kids[0])
		assert.Equal(t, ID{Origin: "a", Seq: 1}, kids[1])
		assert.Equal(t, ID{Origin: "b", Seq: 1}, kids[2])
	}

	assert.Equal(t, "C3A1B1", r.Text())
	assert.Equal(t, uint64(3), r.Clock())
}

// TestAnchorAndAt checks the translation between visible
// positions and node identities, skipping tombstones.
func TestAnchorAndAt(t *testing.T) {

	r := NewReplica()

	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("x"), nil))
	mustApply(t, r, NewOperation("a", 2, 2, Insert, ID{Origin: "a", Seq: 1}, []byte("y"), nil))
	mustApply(t, r, NewOperation("a", 3, 3, Insert, ID{Origin: "a", Seq: 2}, []byte("z"), nil))
	mustApply(t, r, NewOperation("a", 4, 4, Delete, ID{Origin: "a", Seq: 2}, nil, nil))

	assert.Equal(t, "xz", r.Text())
	assert.Equal(t, 2, r.Len())

	anchor, err := r.Anchor(0)
	require.NoError(t, err)
	assert.True(t, anchor.IsRoot())

	anchor, err = r.Anchor(2)
	require.NoError(t, err)
	assert.Equal(t, ID{Origin: "a", Seq: 3}, anchor)

	_, err = r.Anchor(3)
	assert.True(t, errors.Is(err, ErrPositionOutOfRange))

	at, err := r.At(1)
	require.NoError(t, err)
	assert.Equal(t, ID{Origin: "a", Seq: 3}, at)

	_, err = r.At(2)
	assert.True(t, errors.Is(err, ErrPositionOutOfRange))
}

// TestVersionAdvancesContiguously makes sure the version
// vector only moves over gap-free runs of sequence numbers.
func TestVersionAdvancesContiguously(t *testing.T) {

	r := NewReplica()

	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("1"), nil))
	mustApply(t, r, NewOperation("a", 3, 3, Insert, Root, []byte("3"), nil))
	assert.Equal(t, uint64(1), r.Version()["a"])

	mustApply(t, r, NewOperation("a", 2, 2, Insert, Root, []byte("2"), nil))
	assert.Equal(t, uint64(3), r.Version()["a"])

	v := r.Version()
	v["a"] = 100
	assert.Equal(t, uint64(3), r.Version()["a"], "Version must return a copy")

	assert.True(t, Version{"a": 3, "b": 1}.Covers(Version{"a": 2}))
	assert.False(t, Version{"a": 3}.Covers(Version{"a": 2, "b": 1}))
}

// TestOrphanUnderDeletedParent checks that an insert racing
// with the deletion of its parent is kept and flagged.
func TestOrphanUnderDeletedParent(t *testing.T) {

	parent := ID{Origin: "a", Seq: 1}

	r := NewReplica()
	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("parent"), nil))
	mustApply(t, r, NewOperation("a", 2, 2, Delete, parent, nil, nil))
	mustApply(t, r, NewOperation("b", 1, 2, Insert, parent, []byte("child"), nil))

	assert.Equal(t, "child", r.Text())

	elems := r.Elements()
	require.Len(t, elems, 2)
	assert.True(t, elems[0].Deleted)
	assert.False(t, elems[0].Orphan)
	assert.Equal(t, []byte("child"), elems[1].Content)
	assert.True(t, elems[1].Orphan)
}

// TestEncodeDecode executes a white-box test of the
// snapshot codec on a replica with all node states.
func TestEncodeDecode(t *testing.T) {

	r := NewReplica()
	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("Hello"), nil))
	mustApply(t, r, NewOperation("b", 1, 2, Insert, ID{Origin: "a", Seq: 1}, []byte(" world"), nil))
	mustApply(t, r, NewOperation("b", 2, 3, Update, ID{Origin: "a", Seq: 1}, []byte("Howdy"), nil))
	mustApply(t, r, NewOperation("a", 2, 4, Delete, ID{Origin: "b", Seq: 1}, nil, nil))

	blob, err := r.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReplica(blob)
	require.NoError(t, err)

	assert.True(t, r.Equal(decoded))
	assert.Equal(t, "Howdy", decoded.Text())
	assert.Equal(t, r.Version(), decoded.Version())

	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, blob, again, "encoding has to be canonical")

	empty, err := DecodeReplica(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, err = DecodeReplica([]byte(`{"nodes":[{"id":"1@a","parent":"9@z","lamport":1}]}`))
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))

	_, err = DecodeReplica([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))
}

// TestCloneIsDeep makes sure mutations of a clone
// never leak back into the original.
func TestCloneIsDeep(t *testing.T) {

	r := NewReplica()
	mustApply(t, r, NewOperation("a", 1, 1, Insert, Root, []byte("x"), nil))

	c := r.Clone()
	mustApply(t, c, NewOperation("a", 2, 2, Update, ID{Origin: "a", Seq: 1}, []byte("y"), nil))
	mustApply(t, c, NewOperation("a", 3, 3, Insert, Root, []byte("z"), nil))

	assert.Equal(t, "x", r.Text())
	assert.Equal(t, "zy", c.Text())
	assert.False(t, r.Equal(c))
}
