package comm

import (
	"sort"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Structs

// Outbox keeps local operations until the relay stored them
// in a snapshot. Operations the relay acknowledged but has
// not persisted yet are retained, so they can be sent again
// to a relay that restarted from an older snapshot. Pending
// operations are replayed in sequence order after reconnects
// and resyncs. Callers serialise access.
type Outbox struct {
	ops   []crdt.Operation
	acked uint64
}

// Variables

// ErrOutboxLost is returned by Rewind if operations the relay
// asks for were already released.
var ErrOutboxLost = errors.New("operations no longer retained")

// Functions

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Push appends a freshly stamped local operation.
func (o *Outbox) Push(op crdt.Operation) {

	// Keep the slice ordered even if callers push out of order.
	i := o.index(op.Seq)

	if i < len(o.ops) && o.ops[i].Seq == op.Seq {
		o.ops[i] = op
		return
	}

	o.ops = append(o.ops, crdt.Operation{})
	copy(o.ops[i+1:], o.ops[i:])
	o.ops[i] = op
}

// Ack marks every operation up to and including seq as
// acknowledged and returns how many became acknowledged.
func (o *Outbox) Ack(seq uint64) int {

	if seq <= o.acked {
		return 0
	}

	n := o.index(seq+1) - o.index(o.acked+1)
	o.acked = seq

	return n
}

// Rewind is called when the relay only knows our operations
// before next. Everything from next on is pending again.
func (o *Outbox) Rewind(next uint64) error {

	if next == 0 || next > o.acked {
		return nil
	}

	if len(o.ops) == 0 || o.ops[0].Seq > next {
		return errors.Wrapf(ErrOutboxLost, "relay expects %d", next)
	}

	o.acked = next - 1

	return nil
}

// Release drops every operation up to and including seq.
// The relay reports seq once a snapshot covers it.
func (o *Outbox) Release(seq uint64) {

	if seq > o.acked {
		seq = o.acked
	}

	i := o.index(seq + 1)
	if i == 0 {
		return
	}

	o.ops = append([]crdt.Operation(nil), o.ops[i:]...)
}

// From returns the retained operations starting at seq,
// acknowledged ones included.
func (o *Outbox) From(seq uint64) []crdt.Operation {
	return append([]crdt.Operation(nil), o.ops[o.index(seq):]...)
}

// Pending returns all unacknowledged operations in order.
func (o *Outbox) Pending() []crdt.Operation {
	return o.From(o.acked + 1)
}

// Retained returns every operation not released yet.
func (o *Outbox) Retained() []crdt.Operation {
	return o.From(0)
}

// Len returns the number of unacknowledged operations.
func (o *Outbox) Len() int {
	return len(o.ops) - o.index(o.acked+1)
}

// index returns the position of the first operation
// with a sequence number of at least seq.
func (o *Outbox) index(seq uint64) int {

	return sort.Search(len(o.ops), func(i int) bool {
		return o.ops[i].Seq >= seq
	})
}
