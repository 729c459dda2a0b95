package crdt_test

import (
	"testing"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestMergeLaws checks that Merge is commutative, associative
// and idempotent on diverged replicas of one document, and that
// it agrees with replaying the union of their operations.
func TestMergeLaws(t *testing.T) {

	for seed := int64(100); seed < 106; seed++ {

		ops, replicas := randomHistory(t, seed, 3, 90)
		a, b, c := replicas[0], replicas[1], replicas[2]

		ab, err := crdt.Merge(a, b)
		require.NoError(t, err)

		ba, err := crdt.Merge(b, a)
		require.NoError(t, err)

		if !ab.Equal(ba) {
			t.Fatalf("[crdt.TestMergeLaws] Expected merge to commute for seed %d but got '%s' and '%s'\n", seed, ab.Text(), ba.Text())
		}

		abc, err := crdt.Merge(ab, c)
		require.NoError(t, err)

		bc, err := crdt.Merge(b, c)
		require.NoError(t, err)

		aBC, err := crdt.Merge(a, bc)
		require.NoError(t, err)

		if !abc.Equal(aBC) {
			t.Fatalf("[crdt.TestMergeLaws] Expected merge to associate for seed %d but got '%s' and '%s'\n", seed, abc.Text(), aBC.Text())
		}

		aa, err := crdt.Merge(a, a)
		require.NoError(t, err)
		assert.True(t, aa.Equal(a), "merge has to be idempotent")

		// The union of all three saw every operation of the log.
		assert.True(t, abc.Equal(replay(t, ops).Replica()))

		// Union of two replicas equals replaying their applied ops.
		var union []crdt.Operation
		for _, op := range ops {
			if a.Applied(op.ID()) || b.Applied(op.ID()) {
				union = append(union, op)
			}
		}
		assert.True(t, ab.Equal(replay(t, union).Replica()))
	}
}

// TestMergeDetectsConflicts merges replicas that disagree
// about what one ID means.
func TestMergeDetectsConflicts(t *testing.T) {

	a, err := crdt.Apply(crdt.NewReplica(), crdt.NewOperation("p", 1, 1, crdt.Insert, crdt.Root, []byte("x"), nil))
	require.NoError(t, err)

	b, err := crdt.Apply(crdt.NewReplica(), crdt.NewOperation("p", 1, 2, crdt.Insert, crdt.Root, []byte("x"), nil))
	require.NoError(t, err)

	_, err = crdt.Merge(a, b)
	assert.True(t, errors.Is(err, crdt.ErrAmbiguousMerge), "got %v", err)
}

// TestPureApply makes sure the functional form
// never mutates its input.
func TestPureApply(t *testing.T) {

	empty := crdt.NewReplica()
	op := crdt.NewOperation("a", 1, 1, crdt.Insert, crdt.Root, []byte("x"), nil)

	next, err := crdt.Apply(empty, op)
	require.NoError(t, err)

	assert.Equal(t, "", empty.Text())
	assert.Equal(t, "x", next.Text())

	same, err := crdt.Apply(next, op)
	require.NoError(t, err)
	assert.True(t, same.Equal(next))

	orphaned := crdt.NewOperation("b", 1, 2, crdt.Insert, crdt.ID{Origin: "c", Seq: 1}, []byte("y"), nil)
	_, err = crdt.Apply(next, orphaned)
	assert.True(t, errors.Is(err, crdt.ErrMissingDependency), "got %v", err)

	_, err = crdt.Apply(next, crdt.Operation{})
	assert.True(t, errors.Is(err, crdt.ErrInvalidOperation), "got %v", err)
}
