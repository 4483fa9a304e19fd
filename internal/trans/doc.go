// Package trans binds the transaction pool, the log manager, the
// buffer pool and the deadlock detector into the begin/update/commit/
// rollback surface access methods actually call. It owns the two
// rules spec'd for the update path: the per-transaction undo chain
// (every undo record points at the transaction's previous one, so
// rollback can walk backward writing CLRs) and the SERIALIZABLE
// conflict check (an update against a page touched by a transaction
// outside the updater's snapshot fails immediately instead of
// blocking).
package trans
