package crdt_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/go-pluto/cosync/crdt"
	"github.com/stretchr/testify/require"
)

// Structs

type simPeer struct {
	id     crdt.PeerID
	engine *crdt.Engine
	seq    uint64
	cursor int
}

// Functions

// randomHistory lets a handful of simulated peers edit one
// document concurrently. Peers only occasionally catch up on
// each other's operations, so the returned log is full of
// concurrent edits. The log is in creation order, which is a
// valid causal order. The peers' replicas are returned as they
// were at the end, without a final catch up.
func randomHistory(t *testing.T, seed int64, peers int, steps int) ([]crdt.Operation, []*crdt.Replica) {

	t.Helper()

	rnd := rand.New(rand.NewSource(seed))

	sims := make([]*simPeer, peers)
	for i := range sims {
		sims[i] = &simPeer{
			id:     crdt.PeerID(fmt.Sprintf("peer-%d", i)),
			engine: crdt.NewEngine(nil, 0),
		}
	}

	var log []crdt.Operation

	for step := 0; step < steps; step++ {

		p := sims[rnd.Intn(peers)]

		// Catch up on everything the others did so far.
		if rnd.Float64() < 0.25 {

			for ; p.cursor < len(log); p.cursor++ {

				op := log[p.cursor]
				if op.Origin == p.id {
					continue
				}

				_, err := p.engine.Apply(op)
				require.NoError(t, err)
			}

			continue
		}

		r := p.engine.Replica()

		var (
			kind    crdt.Kind
			target  crdt.ID
			payload []byte
			err     error
		)

		choice := rnd.Float64()
		switch {

		case r.Len() == 0 || choice < 0.6:
			kind = crdt.Insert
			target, err = r.Anchor(rnd.Intn(r.Len() + 1))
			payload = []byte(fmt.Sprintf("%s.%d ", p.id, p.seq+1))

		case choice < 0.8:
			kind = crdt.Delete
			target, err = r.At(rnd.Intn(r.Len()))

		default:
			kind = crdt.Update
			target, err = r.At(rnd.Intn(r.Len()))
			payload = []byte(fmt.Sprintf("%s.%d* ", p.id, p.seq+1))
		}
		require.NoError(t, err)

		p.seq++
		op, err := p.engine.Local(p.id, p.seq, kind, target, payload, nil)
		require.NoError(t, err)

		log = append(log, op)
	}

	replicas := make([]*crdt.Replica, peers)
	for i, p := range sims {
		replicas[i] = p.engine.Replica()
	}

	return log, replicas
}

// replay applies ops in the given order to a fresh engine.
func replay(t *testing.T, ops []crdt.Operation) *crdt.Engine {

	t.Helper()

	e := crdt.NewEngine(nil, len(ops)+1)
	for _, op := range ops {
		_, err := e.Apply(op)
		require.NoError(t, err)
	}

	return e
}
