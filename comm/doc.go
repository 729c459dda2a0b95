/*
Package comm implements the network side of collaborative editing: a transport
session that survives connection drops by reconnecting with exponential backoff,
the JSON frames exchanged between clients and relays, a per-origin sequencer
detecting duplicates and gaps, and the outbox holding local operations until the
relay acknowledged them. Frames travel over WebSocket connections.
*/
package comm
