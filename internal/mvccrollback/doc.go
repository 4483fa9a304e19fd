// Package mvccrollback is the MVCC rollback engine (spec.md §4.8):
// given a transaction's snapshot and a pinned page's undo chain, it
// walks the chain backward applying undo records until the page's
// content matches what that transaction's snapshot should see.
//
// Grounded on the teacher's mvcc/visibility.go (VisibilityChecker /
// IsVersionVisible walks a version chain comparing a CommitTS against
// a Snapshot) and mvcc/version.go. The shape — walk a chain, consult a
// snapshot, stop at the first satisfying entry — is kept; what changes
// is the chain (the undo log, addressed by UndoPointer, rather than an
// in-memory version list) and the decision (apply the page-type undo
// callback or skip a record, rather than visible/not-visible).
package mvccrollback
