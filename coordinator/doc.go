/*
Package coordinator is the client side of cosync. A Client opens documents
on a relay and hands out a Handle per open document. Behind every handle a
coordinator keeps the local replica in sync: local edits apply right away and
queue in an outbox until the relay acknowledged them, remote operations are
checked for sequence gaps and merged, and a snapshot replaces the replica
whenever the stream could not be repaired otherwise. Subscribers learn about
every change through an ordered event stream.
*/
package coordinator
