package crdt

import (
	"bytes"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Structs

// Version maps each known origin to the highest sequence
// number up to which all of its operations were applied.
type Version map[PeerID]uint64

// Element is the read-only view of one node handed to the
// rendering layer. Orphan marks a live node whose parent was
// deleted concurrently: its content is preserved and the
// renderer decides whether to surface it.
type Element struct {
	ID      ID
	Parent  ID
	Content []byte
	Deleted bool
	Orphan  bool
}

// stamp orders concurrent writers of one node.
type stamp struct {
	Lamport uint64
	Origin  PeerID
}

// digest is what a replica remembers about every operation
// it applied, enough to recognise replays and to detect two
// different operations claiming the same ID.
type digest struct {
	Lamport uint64
	Kind    Kind
	Target  ID
}

type node struct {
	id      ID
	parent  ID
	lamport uint64
	content []byte
	stamp   stamp
	deleted bool
}

// Replica holds the local copy of a document. Nodes are never
// removed, deletes only set a tombstone.
type Replica struct {
	nodes    map[ID]*node
	children map[ID][]ID
	applied  map[ID]digest
	version  Version
	clock    uint64
	order    []ID
	dirty    bool
}

// Variables

var (
	// ErrPositionOutOfRange is returned for visible positions
	// beyond the end of the document.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrUnknownNode is returned when an ID does not name a node.
	ErrUnknownNode = errors.New("unknown node")
)

// Functions

// NewReplica returns an empty document replica.
func NewReplica() *Replica {

	return &Replica{
		nodes:    make(map[ID]*node),
		children: make(map[ID][]ID),
		applied:  make(map[ID]digest),
		version:  make(Version),
	}
}

// Clone returns a copy of v.
func (v Version) Clone() Version {

	c := make(Version, len(v))
	for origin, seq := range v {
		c[origin] = seq
	}

	return c
}

// Covers reports whether v has seen at least everything other has.
func (v Version) Covers(other Version) bool {

	for origin, seq := range other {
		if v[origin] < seq {
			return false
		}
	}

	return true
}

// Clock returns the highest lamport clock applied so far.
func (r *Replica) Clock() uint64 {
	return r.clock
}

// Version returns a copy of the replica's version vector.
func (r *Replica) Version() Version {
	return r.version.Clone()
}

// Applied reports whether the operation with given ID took effect.
func (r *Replica) Applied(id ID) bool {

	_, ok := r.applied[id]

	return ok
}

// Has reports whether id names a node of this replica,
// tombstoned or not. The root always exists.
func (r *Replica) Has(id ID) bool {

	if id.IsRoot() {
		return true
	}

	_, ok := r.nodes[id]

	return ok
}

// Node returns the element stored under id.
func (r *Replica) Node(id ID) (Element, bool) {

	n, ok := r.nodes[id]
	if !ok {
		return Element{}, false
	}

	return r.element(n), true
}

// Elements returns all nodes in document order,
// tombstones included.
func (r *Replica) Elements() []Element {

	order := r.linearize()
	elems := make([]Element, 0, len(order))

	for _, id := range order {
		elems = append(elems, r.element(r.nodes[id]))
	}

	return elems
}

// Visible returns the live nodes in document order.
func (r *Replica) Visible() []Element {

	order := r.linearize()
	elems := make([]Element, 0, len(order))

	for _, id := range order {

		n := r.nodes[id]
		if n.deleted {
			continue
		}

		elems = append(elems, r.element(n))
	}

	return elems
}

// Len returns the number of live nodes.
func (r *Replica) Len() int {

	count := 0
	for _, n := range r.nodes {
		if !n.deleted {
			count++
		}
	}

	return count
}

// Text concatenates the content of all live nodes.
func (r *Replica) Text() string {

	var b strings.Builder

	for _, id := range r.linearize() {

		n := r.nodes[id]
		if !n.deleted {
			b.Write(n.content)
		}
	}

	return b.String()
}

// Anchor translates a visible position into the node a new
// insert has to follow. Position 0 is the document start.
func (r *Replica) Anchor(position int) (ID, error) {

	if position == 0 {
		return Root, nil
	}

	visible := r.Visible()
	if position < 0 || position > len(visible) {
		return Root, errors.Wrapf(ErrPositionOutOfRange, "%d of %d", position, len(visible))
	}

	return visible[position-1].ID, nil
}

// At returns the live node at visible position.
func (r *Replica) At(position int) (ID, error) {

	visible := r.Visible()
	if position < 0 || position >= len(visible) {
		return Root, errors.Wrapf(ErrPositionOutOfRange, "%d of %d", position, len(visible))
	}

	return visible[position].ID, nil
}

// Clone returns a deep copy of the replica.
func (r *Replica) Clone() *Replica {

	c := &Replica{
		nodes:    make(map[ID]*node, len(r.nodes)),
		children: make(map[ID][]ID, len(r.children)),
		applied:  make(map[ID]digest, len(r.applied)),
		version:  r.version.Clone(),
		clock:    r.clock,
		dirty:    true,
	}

	for id, n := range r.nodes {
		cp := *n
		cp.content = append([]byte(nil), n.content...)
		c.nodes[id] = &cp
	}

	for parent, kids := range r.children {
		c.children[parent] = append([]ID(nil), kids...)
	}

	for id, d := range r.applied {
		c.applied[id] = d
	}

	return c
}

// Equal reports whether both replicas hold identical state.
// This is the relation the convergence guarantee is stated in.
func (r *Replica) Equal(other *Replica) bool {

	if r.clock != other.clock || len(r.nodes) != len(other.nodes) || len(r.applied) != len(other.applied) {
		return false
	}

	for id, d := range r.applied {
		if od, ok := other.applied[id]; !ok || od != d {
			return false
		}
	}

	for id, n := range r.nodes {

		on, ok := other.nodes[id]
		if !ok {
			return false
		}

		if n.parent != on.parent || n.lamport != on.lamport || n.deleted != on.deleted ||
			n.stamp != on.stamp || !bytes.Equal(n.content, on.content) {
			return false
		}
	}

	a, b := r.linearize(), other.linearize()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// missing lists the requirements of op not yet present.
func (r *Replica) missing(op Operation) []ID {

	var missing []ID

	for _, req := range op.requires() {

		// The target of an insert or delete has to exist as a
		// node, explicit dependencies only have to be applied.
		if req == op.Target {
			if !r.Has(req) {
				missing = append(missing, req)
			}
			continue
		}

		if !r.Applied(req) {
			missing = append(missing, req)
		}
	}

	return missing
}

// apply executes the effect of op. Callers have to make sure
// that op is not applied yet and its requirements are met.
func (r *Replica) apply(op Operation) {

	switch op.Kind {

	case Insert:

		n := &node{
			id:      op.ID(),
			parent:  op.Target,
			lamport: op.Lamport,
			content: append([]byte(nil), op.Payload...),
			stamp:   stamp{Lamport: op.Lamport, Origin: op.Origin},
		}

		r.nodes[n.id] = n
		r.attach(n)

	case Delete:

		// Deleting twice is a no-op by construction.
		r.nodes[op.Target].deleted = true

	case Update:

		n := r.nodes[op.Target]
		if Precedes(op.Lamport, op.Origin, n.stamp.Lamport, n.stamp.Origin) {
			n.content = append([]byte(nil), op.Payload...)
			n.stamp = stamp{Lamport: op.Lamport, Origin: op.Origin}
		}
	}

	r.record(op.ID(), digest{Lamport: op.Lamport, Kind: op.Kind, Target: op.Target})
}

// attach places n among its siblings so that the sibling
// list stays sorted by descending priority.
func (r *Replica) attach(n *node) {

	siblings := r.children[n.parent]

	i := sort.Search(len(siblings), func(i int) bool {
		s := r.nodes[siblings[i]]
		return Precedes(n.lamport, n.id.Origin, s.lamport, s.id.Origin)
	})

	siblings = append(siblings, Root)
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = n.id

	r.children[n.parent] = siblings
	r.dirty = true
}

// record marks id as applied and advances the version
// vector over any now contiguous run of sequence numbers.
func (r *Replica) record(id ID, d digest) {

	r.applied[id] = d

	if d.Lamport > r.clock {
		r.clock = d.Lamport
	}

	next := r.version[id.Origin] + 1
	for {

		if _, ok := r.applied[ID{Origin: id.Origin, Seq: next}]; !ok {
			break
		}

		r.version[id.Origin] = next
		next++
	}

	r.dirty = true
}

// linearize returns all node IDs in document order: a
// depth-first pre-order walk from the root with siblings
// visited by priority. The result is cached until the
// next mutation.
func (r *Replica) linearize() []ID {

	if !r.dirty && r.order != nil {
		return r.order
	}

	order := make([]ID, 0, len(r.nodes))
	stack := make([]ID, 0, 16)

	// Push in reverse so the highest priority child pops first.
	push := func(parent ID) {
		kids := r.children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	push(Root)
	for len(stack) > 0 {

		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		order = append(order, id)
		push(id)
	}

	r.order = order
	r.dirty = false

	return order
}

func (r *Replica) element(n *node) Element {

	orphan := false
	if !n.deleted && !n.parent.IsRoot() {
		if p, ok := r.nodes[n.parent]; ok && p.deleted {
			orphan = true
		}
	}

	return Element{
		ID:      n.id,
		Parent:  n.parent,
		Content: append([]byte(nil), n.content...),
		Deleted: n.deleted,
		Orphan:  orphan,
	}
}
