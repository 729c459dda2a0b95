/*
Package crdt implements the operation-based sequence CRDT that every
replica of a cosync document is built upon, together with the merge
engine applying local and remote operations to it.

A document is a tree of nodes in the style of a Replicated Growable Array:
each insert names the node it follows, concurrent inserts after the same
node are ordered by (lamport clock descending, origin ascending) and the
visible sequence is the depth-first linearisation of that tree. Deletes
leave tombstones so node identities are never reused and merges stay
commutative. Updates replace a node's content last-writer-wins under the
same priority order.

CAUTION! Consider these two requirements:
* Operations of one origin are expected to reach the Engine in sequence
  order, as enforced by comm.Sequencer. Causal dependencies across origins
  are buffered by the Engine itself.
* Access to a Replica or an Engine is expected to be synchronized by the
  owner, e.g. the coordinator's mutex. This package does not(!) synchronize
  access by itself.
*/
package crdt
