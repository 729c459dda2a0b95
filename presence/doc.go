/*
Package presence tracks who else is looking at a document and where their
cursors are. Entries are ephemeral: they turn idle after a short silence and
disappear after a TTL.
*/
package presence
