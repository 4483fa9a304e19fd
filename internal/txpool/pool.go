package txpool

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

var (
	// ErrQuiescing is returned by BeginTransaction once quiesce mode has
	// been entered.
	ErrQuiescing = errors.New("txpool: pool is quiescing")
	// ErrTxNotFound is returned by EndTransaction for an id the pool does
	// not currently own.
	ErrTxNotFound = errors.New("txpool: transaction not found")
)

// quiescePollInterval is the polling granularity Quiesce uses, per
// spec.md §5's "quiesce(timeout) uses wall-clock polling."
const quiescePollInterval = 2 * time.Millisecond

// Pool is the transaction pool (spec §4.6).
type Pool struct {
	mu sync.Mutex

	nextTransId  uint64
	transactions map[uint64]*Transaction
	master       *CommitList
	quiescing    bool

	commitLSN     core.LSN
	commitTransId uint64
}

// New creates an empty pool. Transaction ids start at 1.
func New() *Pool {
	return &Pool{
		nextTransId:  1,
		transactions: make(map[uint64]*Transaction),
		master:       newCommitList(),
	}
}

// BeginTransaction assigns the next transaction id, enlists it in the
// master CommitList with a clear bit, and hands it a private snapshot
// of that list. firstLSN should be the log's current end-of-log,
// recorded as this transaction's own rollback boundary.
func (p *Pool) BeginTransaction(firstLSN core.LSN) (*Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quiescing {
		return nil, ErrQuiescing
	}

	id := p.nextTransId
	p.nextTransId++

	snapshot := p.master.clone()
	t := newTransaction(id, firstLSN, snapshot)
	p.transactions[id] = t
	return t, nil
}

// EndTransaction removes t from the pool, marks its bit committed in
// the master CommitList (whether it committed or rolled back — either
// way its outcome is now resolved and durable), slides baseTransId
// past any newly-all-committed prefix, and recomputes the pool-level
// commitLSN/commitTransId low-water marks the undo log's garbage
// collector and checkpointing consult. endOfUndoLog is the value
// commitLSN defaults to when no transaction remains live.
func (p *Pool) EndTransaction(t *Transaction, endOfUndoLog core.LSN) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.transactions[t.TransID]; !ok {
		return ErrTxNotFound
	}
	delete(p.transactions, t.TransID)

	p.master.setCommitted(t.TransID)
	p.master.normalize()

	p.commitLSN = endOfUndoLog
	p.commitTransId = p.nextTransId
	for _, live := range p.transactions {
		if live.FirstLSN < p.commitLSN {
			p.commitLSN = live.FirstLSN
		}
		if live.snapshot.baseTransId < p.commitTransId {
			p.commitTransId = live.snapshot.baseTransId
		}
	}
	p.master.commitLSN = p.commitLSN
	p.master.commitTransId = p.commitTransId
	return nil
}

// CommitLSN is the pool-level low-water mark: the minimum firstLSN
// among live transactions, or endOfUndoLog if none are live.
func (p *Pool) CommitLSN() core.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitLSN
}

// CommitTransId is the minimum snapshot baseTransId among live
// transactions.
func (p *Pool) CommitTransId() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitTransId
}

// Quiesce flips the pool into quiesce mode (rejecting new
// BeginTransaction calls) and polls until the live transaction count
// reaches zero or timeout elapses, returning whether it reached zero.
func (p *Pool) Quiesce(timeout time.Duration) bool {
	p.mu.Lock()
	p.quiescing = true
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		n := len(p.transactions)
		p.mu.Unlock()
		if n == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(quiescePollInterval)
	}
}

// Resume clears quiesce mode.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.quiescing = false
	p.mu.Unlock()
}

// GetActiveTransactions returns per-transaction copies of mutable
// state, each taken under that transaction's own lock so the result
// matches what is durable.
func (p *Pool) GetActiveTransactions() []TransactionSnapshot {
	p.mu.Lock()
	txs := make([]*Transaction, 0, len(p.transactions))
	for _, t := range p.transactions {
		txs = append(txs, t)
	}
	p.mu.Unlock()

	out := make([]TransactionSnapshot, 0, len(txs))
	for _, t := range txs {
		t.Lock()
		out = append(out, TransactionSnapshot{
			TransID:      t.TransID,
			FirstLSN:     t.FirstLSN,
			UndoNxtLSN:   t.undoNxtLSN,
			RollbackCost: t.rollbackCost,
			IsCommitted:  t.isCommitted,
		})
		t.Unlock()
	}
	return out
}

// Lookup returns the live transaction with the given id, or nil.
func (p *Pool) Lookup(transId uint64) *Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactions[transId]
}

// IsCommitted consults the master CommitList directly. The buffer
// pool's temp-frame eviction uses this (a committed owner means the
// spill pages are garbage and can be discarded unwritten).
func (p *Pool) IsCommitted(transId uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master.IsCommitted(transId)
}

// EnsureNextTransId raises the id counter to at least next, so that
// ids assigned after a restart never collide with ids recovery found
// in the log. A lower value is ignored; the counter never moves back.
func (p *Pool) EnsureNextTransId(next uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next > p.nextTransId {
		p.nextTransId = next
	}
}

// ActiveCount reports the number of live transactions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transactions)
}
