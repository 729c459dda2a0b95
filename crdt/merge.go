package crdt

import (
	"github.com/pkg/errors"
)

// Apply is the pure form of the merge engine: it returns a
// new replica with op applied and leaves r untouched. Unlike
// Engine.Apply it does not buffer, an operation with missing
// requirements is rejected.
func Apply(r *Replica, op Operation) (*Replica, error) {

	if err := op.Validate(); err != nil {
		return r, err
	}

	if d, ok := r.applied[op.ID()]; ok {

		if d != (digest{Lamport: op.Lamport, Kind: op.Kind, Target: op.Target}) {
			return r, errors.Wrapf(ErrAmbiguousMerge, "id %s", op.ID())
		}

		return r, nil
	}

	if missing := r.missing(op); len(missing) > 0 {
		return r, errors.Wrapf(ErrMissingDependency, "%v", missing)
	}

	next := r.Clone()
	next.apply(op)

	return next, nil
}

// Merge combines two replicas of the same document into a new
// one containing the effects of both. Node sets are united,
// tombstones win over live nodes and content is resolved
// last-writer-wins, which makes Merge commutative, associative
// and idempotent.
func Merge(a *Replica, b *Replica) (*Replica, error) {

	out := a.Clone()

	for id, d := range b.applied {

		if od, ok := out.applied[id]; ok && od != d {
			return a, errors.Wrapf(ErrAmbiguousMerge, "id %s", id)
		}
	}

	// Walk b in document order so that parents are
	// always attached before their children.
	for _, id := range b.linearize() {

		bn := b.nodes[id]

		on, ok := out.nodes[id]
		if !ok {

			cp := *bn
			cp.content = append([]byte(nil), bn.content...)
			out.nodes[id] = &cp
			out.attach(&cp)

			continue
		}

		if bn.deleted {
			on.deleted = true
		}

		if Precedes(bn.stamp.Lamport, bn.stamp.Origin, on.stamp.Lamport, on.stamp.Origin) {
			on.content = append([]byte(nil), bn.content...)
			on.stamp = bn.stamp
		}
	}

	for id, d := range b.applied {
		if _, ok := out.applied[id]; !ok {
			out.record(id, d)
		}
	}

	out.dirty = true

	return out, nil
}
