// Package txpool is the transaction pool (spec §4.6): it allocates
// transaction ids from a growable sparse vector, enlists each in a
// master CommitList, and hands every new transaction a private
// snapshot of that list to give REPEATABLE READ visibility.
//
// Grounded on the teacher's tx/manager.go (TxManager): the growable
// map-by-id, the atomically-incrementing id counter, and the
// GetActiveTransactions-returns-clones pattern are kept; the teacher's
// ad hoc validateWriteSet conflict check is replaced by the
// CommitList snapshot mechanics spec.md §4.6 specifies, backed by
// github.com/bits-and-blooms/bitset instead of a hand-rolled bitmap.
package txpool
