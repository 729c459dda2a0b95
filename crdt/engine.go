package crdt

import (
	"github.com/pkg/errors"
)

// DefaultBufferLimit bounds the number of operations an
// Engine holds back while waiting for their dependencies.
const DefaultBufferLimit = 1024

// Structs

// Engine applies local and remote operations to one replica.
// Operations whose causal dependencies are not applied yet
// are buffered and retried whenever another operation lands.
type Engine struct {
	replica *Replica
	pending []Operation
	limit   int
}

// Variables

var (
	// ErrCausalityBufferOverflow signals that more operations
	// wait for dependencies than the engine is willing to hold.
	// The owner is expected to resync from an authoritative
	// snapshot.
	ErrCausalityBufferOverflow = errors.New("causality buffer overflow")

	// ErrAmbiguousMerge is returned when two different operations
	// claim the same ID. The merge rule is total, so this indicates
	// a protocol bug; the operation is dropped.
	ErrAmbiguousMerge = errors.New("ambiguous merge: conflicting operations share an id")

	// ErrMissingDependency is returned for local edits and pure
	// applications whose requirements are not in the replica.
	ErrMissingDependency = errors.New("missing causal dependency")
)

// Functions

// NewEngine wraps replica. A non-positive limit selects
// DefaultBufferLimit.
func NewEngine(replica *Replica, limit int) *Engine {

	if replica == nil {
		replica = NewReplica()
	}

	if limit <= 0 {
		limit = DefaultBufferLimit
	}

	return &Engine{
		replica: replica,
		limit:   limit,
	}
}

// Replica exposes the replica the engine mutates.
func (e *Engine) Replica() *Replica {
	return e.replica
}

// Pending returns the number of buffered operations.
func (e *Engine) Pending() int {
	return len(e.pending)
}

// Reset swaps in replica wholesale and forgets all buffered
// operations. Used when installing a resync snapshot.
func (e *Engine) Reset(replica *Replica) {

	if replica == nil {
		replica = NewReplica()
	}

	e.replica = replica
	e.pending = nil
}

// Local stamps a new operation of origin with the next lamport
// clock and applies it right away. Local edits can only refer to
// nodes the replica already knows.
func (e *Engine) Local(origin PeerID, seq uint64, kind Kind, target ID, payload []byte, deps []ID) (Operation, error) {

	op := NewOperation(origin, seq, e.replica.Clock()+1, kind, target, payload, deps)

	if err := op.Validate(); err != nil {
		return Operation{}, err
	}

	if e.replica.Applied(op.ID()) {
		return Operation{}, errors.Wrapf(ErrAmbiguousMerge, "local id %s already in use", op.ID())
	}

	if missing := e.replica.missing(op); len(missing) > 0 {
		return Operation{}, errors.Wrapf(ErrMissingDependency, "%v", missing)
	}

	e.replica.apply(op)
	e.drain()

	return op, nil
}

// Apply merges op into the replica. It returns every operation
// that took effect as a result, in application order: op itself
// and any buffered operations it unblocked. A replayed operation
// yields an empty result.
func (e *Engine) Apply(op Operation) ([]Operation, error) {

	if err := op.Validate(); err != nil {
		return nil, err
	}

	if d, ok := e.replica.applied[op.ID()]; ok {

		if d != (digest{Lamport: op.Lamport, Kind: op.Kind, Target: op.Target}) {
			return nil, errors.Wrapf(ErrAmbiguousMerge, "id %s", op.ID())
		}

		return nil, nil
	}

	if len(e.replica.missing(op)) > 0 {
		return nil, e.buffer(op)
	}

	e.replica.apply(op)

	return append([]Operation{op}, e.drain()...), nil
}

// buffer holds op back until its requirements arrive.
func (e *Engine) buffer(op Operation) error {

	for _, p := range e.pending {

		if p.ID() != op.ID() {
			continue
		}

		if !p.Equal(op) {
			return errors.Wrapf(ErrAmbiguousMerge, "buffered id %s", op.ID())
		}

		return nil
	}

	if len(e.pending) >= e.limit {
		return errors.Wrapf(ErrCausalityBufferOverflow, "%d operations waiting", len(e.pending))
	}

	e.pending = append(e.pending, op)

	return nil
}

// drain applies buffered operations until none of the
// remaining ones has its requirements met.
func (e *Engine) drain() []Operation {

	var applied []Operation

	for progress := true; progress; {

		progress = false
		remaining := e.pending[:0]

		for _, op := range e.pending {

			if e.replica.Applied(op.ID()) {
				// Arrived through another path meanwhile.
				progress = true
				continue
			}

			if len(e.replica.missing(op)) > 0 {
				remaining = append(remaining, op)
				continue
			}

			e.replica.apply(op)
			applied = append(applied, op)
			progress = true
		}

		e.pending = remaining
	}

	return applied
}
