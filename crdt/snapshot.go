package crdt

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Structs

type nodeRecord struct {
	ID      ID     `json:"id"`
	Parent  ID     `json:"parent"`
	Lamport uint64 `json:"lamport"`
	Content []byte `json:"content,omitempty"`
	Writer  stamp  `json:"writer"`
	Deleted bool   `json:"deleted,omitempty"`
}

type appliedRecord struct {
	ID      ID     `json:"id"`
	Lamport uint64 `json:"lamport"`
	Kind    Kind   `json:"kind"`
	Target  ID     `json:"target"`
}

type replicaRecord struct {
	Clock   uint64          `json:"clock"`
	Nodes   []nodeRecord    `json:"nodes"`
	Applied []appliedRecord `json:"applied"`
}

// Variables

// ErrCorruptSnapshot is returned when a snapshot blob cannot
// be turned back into a consistent replica.
var ErrCorruptSnapshot = errors.New("corrupt replica snapshot")

// Functions

// Encode serialises the replica into the snapshot blob handed
// to the persistence store and to resyncing peers. Records are
// emitted in a canonical order, equal replicas encode equally.
func (r *Replica) Encode() ([]byte, error) {

	rec := replicaRecord{
		Clock:   r.clock,
		Nodes:   make([]nodeRecord, 0, len(r.nodes)),
		Applied: make([]appliedRecord, 0, len(r.applied)),
	}

	for _, n := range r.nodes {
		rec.Nodes = append(rec.Nodes, nodeRecord{
			ID:      n.id,
			Parent:  n.parent,
			Lamport: n.lamport,
			Content: n.content,
			Writer:  n.stamp,
			Deleted: n.deleted,
		})
	}

	for id, d := range r.applied {
		rec.Applied = append(rec.Applied, appliedRecord{
			ID:      id,
			Lamport: d.Lamport,
			Kind:    d.Kind,
			Target:  d.Target,
		})
	}

	sort.Slice(rec.Nodes, func(i, j int) bool { return idLess(rec.Nodes[i].ID, rec.Nodes[j].ID) })
	sort.Slice(rec.Applied, func(i, j int) bool { return idLess(rec.Applied[i].ID, rec.Applied[j].ID) })

	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal replica")
	}

	return blob, nil
}

// DecodeReplica rebuilds a replica from a blob produced by Encode.
func DecodeReplica(blob []byte) (*Replica, error) {

	r := NewReplica()
	if len(blob) == 0 {
		return r, nil
	}

	var rec replicaRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, errors.Wrap(ErrCorruptSnapshot, err.Error())
	}

	for _, nr := range rec.Nodes {

		if nr.ID.IsRoot() {
			return nil, errors.Wrap(ErrCorruptSnapshot, "node with root id")
		}

		r.nodes[nr.ID] = &node{
			id:      nr.ID,
			parent:  nr.Parent,
			lamport: nr.Lamport,
			content: nr.Content,
			stamp:   nr.Writer,
			deleted: nr.Deleted,
		}
	}

	// Attaching is order independent since siblings are
	// kept sorted by priority.
	for _, nr := range rec.Nodes {

		if !r.Has(nr.Parent) {
			return nil, errors.Wrapf(ErrCorruptSnapshot, "node %s has unknown parent %s", nr.ID, nr.Parent)
		}

		r.attach(r.nodes[nr.ID])
	}

	for _, ar := range rec.Applied {
		r.record(ar.ID, digest{Lamport: ar.Lamport, Kind: ar.Kind, Target: ar.Target})
	}

	if rec.Clock > r.clock {
		r.clock = rec.Clock
	}

	if len(r.linearize()) != len(r.nodes) {
		return nil, errors.Wrap(ErrCorruptSnapshot, "nodes unreachable from root")
	}

	return r, nil
}
