/*
Package relay implements the server side of cosync. A relay accepts
transport sessions over WebSocket, verifies their tokens and owns the
authoritative state of every document it serves: the replica, the log
of operations since the last snapshot and the attached peers. It
sequences incoming operations per origin, acknowledges and fans them
out, answers resync requests and snapshots documents to a store.
*/
package relay
