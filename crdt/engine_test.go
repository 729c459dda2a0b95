package crdt_test

import (
	"math/rand"
	"testing"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestConvergence delivers the same random histories in many
// different orders and expects every delivery order to end up
// in the identical replica state.
func TestConvergence(t *testing.T) {

	for seed := int64(1); seed <= 8; seed++ {

		ops, _ := randomHistory(t, seed, 3, 120)
		reference := replay(t, ops).Replica()

		rnd := rand.New(rand.NewSource(seed * 31))

		for round := 0; round < 10; round++ {

			shuffled := append([]crdt.Operation(nil), ops...)
			rnd.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			e := replay(t, shuffled)

			if e.Pending() != 0 {
				t.Fatalf("[crdt.TestConvergence] Expected empty causality buffer for seed %d, round %d but %d operations are waiting\n", seed, round, e.Pending())
			}

			if !reference.Equal(e.Replica()) {
				t.Fatalf("[crdt.TestConvergence] Expected seed %d, round %d to converge to '%s' but got '%s'\n", seed, round, reference.Text(), e.Replica().Text())
			}
		}
	}
}

// TestIdempotence replays a whole history a second time.
func TestIdempotence(t *testing.T) {

	ops, _ := randomHistory(t, 42, 3, 80)

	e := replay(t, ops)
	before := e.Replica().Clone()

	for _, op := range ops {

		applied, err := e.Apply(op)
		require.NoError(t, err)
		assert.Empty(t, applied, "replay of %s must not take effect", op.ID())
	}

	assert.True(t, before.Equal(e.Replica()))
}

// TestCausalBuffering delivers an operation ahead of the
// insert it refers to.
func TestCausalBuffering(t *testing.T) {

	first := crdt.NewOperation("a", 1, 1, crdt.Insert, crdt.Root, []byte("x"), nil)
	second := crdt.NewOperation("a", 2, 2, crdt.Insert, first.ID(), []byte("y"), nil)
	third := crdt.NewOperation("b", 1, 3, crdt.Update, first.ID(), []byte("X"), []crdt.ID{second.ID()})

	e := crdt.NewEngine(nil, 0)

	applied, err := e.Apply(third)
	require.NoError(t, err)
	assert.Empty(t, applied)

	applied, err = e.Apply(second)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, 2, e.Pending())

	// Buffering the same operation again is harmless.
	_, err = e.Apply(second)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Pending())

	applied, err = e.Apply(first)
	require.NoError(t, err)

	if assert.Len(t, applied, 3) {
		assert.Equal(t, first.ID(), applied[0].ID())
		assert.Equal(t, second.ID(), applied[1].ID())
		assert.Equal(t, third.ID(), applied[2].ID())
	}

	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, "Xy", e.Replica().Text())
}

// TestBufferOverflow fills the causality buffer beyond its limit.
func TestBufferOverflow(t *testing.T) {

	missing := crdt.ID{Origin: "ghost", Seq: 1}
	e := crdt.NewEngine(nil, 2)

	for seq := uint64(1); seq <= 2; seq++ {
		_, err := e.Apply(crdt.NewOperation("a", seq, seq+1, crdt.Insert, missing, []byte("x"), nil))
		require.NoError(t, err)
	}

	_, err := e.Apply(crdt.NewOperation("a", 3, 4, crdt.Insert, missing, []byte("x"), nil))
	if !errors.Is(err, crdt.ErrCausalityBufferOverflow) {
		t.Fatalf("[crdt.TestBufferOverflow] Expected ErrCausalityBufferOverflow but received: '%v'\n", err)
	}

	// A reset forgets everything that was held back.
	e.Reset(nil)
	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, 0, e.Replica().Len())
}

// TestAmbiguousMerge feeds two different operations
// under the same ID.
func TestAmbiguousMerge(t *testing.T) {

	e := crdt.NewEngine(nil, 0)

	_, err := e.Apply(crdt.NewOperation("a", 1, 1, crdt.Insert, crdt.Root, []byte("x"), nil))
	require.NoError(t, err)

	_, err = e.Apply(crdt.NewOperation("a", 1, 5, crdt.Insert, crdt.Root, []byte("x"), nil))
	assert.True(t, errors.Is(err, crdt.ErrAmbiguousMerge), "got %v", err)

	ghost := crdt.ID{Origin: "ghost", Seq: 1}

	_, err = e.Apply(crdt.NewOperation("b", 1, 2, crdt.Insert, ghost, []byte("y"), nil))
	require.NoError(t, err)

	_, err = e.Apply(crdt.NewOperation("b", 1, 2, crdt.Insert, ghost, []byte("z"), nil))
	assert.True(t, errors.Is(err, crdt.ErrAmbiguousMerge), "got %v", err)

	assert.Equal(t, "x", e.Replica().Text())
	assert.Equal(t, 1, e.Pending())
}

// TestConcurrentInsertsAtStart has two peers insert at the
// document start at the same time. Equal clocks are ordered
// by the smaller origin.
func TestConcurrentInsertsAtStart(t *testing.T) {

	alice := crdt.NewEngine(nil, 0)
	bob := crdt.NewEngine(nil, 0)

	// "bob#..." sorts before "zoe#...", so bob wins the tie.
	hello, err := alice.Local("zoe#1", 1, crdt.Insert, crdt.Root, []byte("Hello"), nil)
	require.NoError(t, err)

	hi, err := bob.Local("bob#1", 1, crdt.Insert, crdt.Root, []byte("Hi "), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), hello.Lamport)
	assert.Equal(t, uint64(1), hi.Lamport)

	_, err = alice.Apply(hi)
	require.NoError(t, err)

	_, err = bob.Apply(hello)
	require.NoError(t, err)

	assert.Equal(t, "Hi Hello", alice.Replica().Text())
	assert.Equal(t, "Hi Hello", bob.Replica().Text())
	assert.True(t, alice.Replica().Equal(bob.Replica()))
}

// TestConcurrentDeletes lets two peers remove the same node.
func TestConcurrentDeletes(t *testing.T) {

	a := crdt.NewEngine(nil, 0)
	b := crdt.NewEngine(nil, 0)

	ins, err := a.Local("a", 1, crdt.Insert, crdt.Root, []byte("gone"), nil)
	require.NoError(t, err)

	_, err = b.Apply(ins)
	require.NoError(t, err)

	delA, err := a.Local("a", 2, crdt.Delete, ins.ID(), nil, nil)
	require.NoError(t, err)

	delB, err := b.Local("b", 1, crdt.Delete, ins.ID(), nil, nil)
	require.NoError(t, err)

	_, err = a.Apply(delB)
	require.NoError(t, err)

	_, err = b.Apply(delA)
	require.NoError(t, err)

	assert.Equal(t, "", a.Replica().Text())
	assert.True(t, a.Replica().Equal(b.Replica()))
}

// TestInsertUnderConcurrentDelete races an insert against
// the deletion of the node it is anchored on.
func TestInsertUnderConcurrentDelete(t *testing.T) {

	a := crdt.NewEngine(nil, 0)
	b := crdt.NewEngine(nil, 0)

	parent, err := a.Local("a", 1, crdt.Insert, crdt.Root, []byte("foo"), nil)
	require.NoError(t, err)

	_, err = b.Apply(parent)
	require.NoError(t, err)

	del, err := a.Local("a", 2, crdt.Delete, parent.ID(), nil, nil)
	require.NoError(t, err)

	child, err := b.Local("b", 1, crdt.Insert, parent.ID(), []byte("bar"), nil)
	require.NoError(t, err)

	_, err = a.Apply(child)
	require.NoError(t, err)

	_, err = b.Apply(del)
	require.NoError(t, err)

	for _, e := range []*crdt.Engine{a, b} {

		assert.Equal(t, "bar", e.Replica().Text())

		elem, ok := e.Replica().Node(child.ID())
		require.True(t, ok)
		assert.True(t, elem.Orphan)
	}

	assert.True(t, a.Replica().Equal(b.Replica()))
}

// TestLocalRejectsUnknownTargets checks that local edits
// can only refer to state already present.
func TestLocalRejectsUnknownTargets(t *testing.T) {

	e := crdt.NewEngine(nil, 0)

	_, err := e.Local("a", 1, crdt.Delete, crdt.ID{Origin: "b", Seq: 7}, nil, nil)
	assert.True(t, errors.Is(err, crdt.ErrMissingDependency), "got %v", err)

	_, err = e.Local("a", 1, crdt.Insert, crdt.Root, []byte("x"), []crdt.ID{{Origin: "b", Seq: 7}})
	assert.True(t, errors.Is(err, crdt.ErrMissingDependency), "got %v", err)

	op, err := e.Local("a", 1, crdt.Insert, crdt.Root, []byte("x"), nil)
	require.NoError(t, err)

	_, err = e.Local("a", 1, crdt.Insert, op.ID(), []byte("y"), nil)
	assert.True(t, errors.Is(err, crdt.ErrAmbiguousMerge), "got %v", err)
}
