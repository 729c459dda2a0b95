package coordinator

import (
	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Intent describes a local edit before it is stamped.
// Inserts name a visible position, deletes and updates
// the node they act on. Deps adds causal dependencies
// beyond the implicit one on the anchor or target node.
type Intent struct {
	Kind     crdt.Kind
	Position int
	Target   crdt.ID
	Content  []byte
	Deps     []crdt.ID
}

// InsertAt returns the intent to insert content so that
// it becomes the visible element at position.
func InsertAt(position int, content string) Intent {

	return Intent{
		Kind:     crdt.Insert,
		Position: position,
		Content:  []byte(content),
	}
}

// DeleteNode returns the intent to delete node id.
func DeleteNode(id crdt.ID) Intent {
	return Intent{Kind: crdt.Delete, Target: id}
}

// UpdateNode returns the intent to replace the
// content of node id.
func UpdateNode(id crdt.ID, content string) Intent {

	return Intent{
		Kind:    crdt.Update,
		Target:  id,
		Content: []byte(content),
	}
}

// resolve turns the intent into the target an operation
// on replica has to carry.
func (i Intent) resolve(replica *crdt.Replica) (crdt.ID, error) {

	if i.Kind == crdt.Insert {
		return replica.Anchor(i.Position)
	}

	if !replica.Has(i.Target) {
		return crdt.Root, errors.Wrapf(crdt.ErrUnknownNode, "%s", i.Target)
	}

	return i.Target, nil
}
