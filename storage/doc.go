/*
Package storage persists document snapshots for relays. Only the latest snapshot
per document is kept. Implementations exist for process memory, a BoltDB file
and a SQLite database; all of them satisfy Store.
*/
package storage
