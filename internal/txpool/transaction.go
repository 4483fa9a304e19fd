package txpool

import (
	"sync"

	"github.com/cooldb-io/cooldb/internal/core"
)

// Transaction is one entry in the pool. TransID and FirstLSN are
// immutable after creation; everything else is guarded by the
// transaction's own monitor so that GetActiveTransactions and the
// deadlock detector can read/wait without contending with the pool's
// own lock (spec §4.6's "a lock that also blocks log-write progress
// for the same transaction").
type Transaction struct {
	TransID  uint64
	FirstLSN core.LSN

	mu   sync.Mutex
	cond *sync.Cond

	undoNxtLSN     core.UndoPointer
	rollbackCost   int
	isCommitted    bool
	isSerializable bool
	isCancelled    bool
	hasWaiters     bool

	snapshot *CommitList
}

func newTransaction(id uint64, firstLSN core.LSN, snapshot *CommitList) *Transaction {
	t := &Transaction{TransID: id, FirstLSN: firstLSN, snapshot: snapshot}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Lock/Unlock expose the transaction's monitor to collaborators (the
// deadlock detector) that must wait on it across an operation this
// package does not itself perform.
func (t *Transaction) Lock()   { t.mu.Lock() }
func (t *Transaction) Unlock() { t.mu.Unlock() }

// ID satisfies deadlock.Waiter; TransID itself is an exported field
// (read directly by callers inside this module) rather than a method.
func (t *Transaction) ID() uint64 { return t.TransID }

// Cond returns the monitor's condition variable. The caller must hold
// the transaction's lock before calling Wait on it.
func (t *Transaction) Cond() *sync.Cond { return t.cond }

// CommitLSN is the LSN that bounds this transaction's own rollback
// window (spec §4.8's t.commitLSN): the LSN of the log at the moment
// this transaction began, i.e. its own FirstLSN.
func (t *Transaction) CommitLSN() core.LSN { return t.FirstLSN }

// IsTransCommitted reports, per this transaction's own snapshot,
// whether transId had already committed when the snapshot was taken.
func (t *Transaction) IsTransCommitted(transId uint64) bool {
	return t.snapshot.IsCommitted(transId)
}

// The following accessors assume the caller holds t's lock (via Lock),
// matching the teacher's convention of *Locked suffixed helpers but
// exported here since callers outside this package (deadlock, trans)
// need them.

func (t *Transaction) UndoNxtLSNLocked() core.UndoPointer     { return t.undoNxtLSN }
func (t *Transaction) SetUndoNxtLSNLocked(p core.UndoPointer) { t.undoNxtLSN = p }
func (t *Transaction) RollbackCostLocked() int                { return t.rollbackCost }
func (t *Transaction) SetRollbackCostLocked(cost int)         { t.rollbackCost = cost }
func (t *Transaction) IsCommittedLocked() bool                { return t.isCommitted }
func (t *Transaction) MarkCommittedLocked()                   { t.isCommitted = true }
func (t *Transaction) IsCancelledLocked() bool                { return t.isCancelled }
func (t *Transaction) CancelLocked()                          { t.isCancelled = true }

// UndoNxtLSN/SetUndoNxtLSN/RollbackCost/IsCommitted are convenience
// wrappers that take the lock themselves, for callers that only need a
// single field and do not already hold it.
func (t *Transaction) UndoNxtLSN() core.UndoPointer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.undoNxtLSN
}

func (t *Transaction) SetUndoNxtLSN(p core.UndoPointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undoNxtLSN = p
}

func (t *Transaction) RollbackCost() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackCost
}

func (t *Transaction) IsCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isCommitted
}

func (t *Transaction) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isCancelled
}

// SetSerializable is pushed onto the transaction by the session layer
// (spec §6). It only strengthens the update path's conflict check;
// reads are snapshot-driven either way.
func (t *Transaction) SetSerializable(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isSerializable = on
}

func (t *Transaction) IsSerializable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isSerializable
}

// SetHasWaiters records that at least one other transaction is parked
// on this transaction's monitor; commit clears it again.
func (t *Transaction) SetHasWaiters(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasWaiters = on
}

func (t *Transaction) HasWaiters() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasWaiters
}

// TransactionSnapshot is an immutable copy of a Transaction's mutable
// state, returned by Pool.GetActiveTransactions.
type TransactionSnapshot struct {
	TransID      uint64
	FirstLSN     core.LSN
	UndoNxtLSN   core.UndoPointer
	RollbackCost int
	IsCommitted  bool
}
