package deadlock

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrDeadlock is returned to the caller of WaitFor whose wait resolved
// because it was chosen as the cycle's victim.
var ErrDeadlock = errors.New("deadlock: transaction cancelled to break a cycle")

// Waiter is the subset of txpool.Transaction the detector needs: a
// monitor it can suspend other goroutines on, a rollback cost to
// compare victims by, and committed/cancelled flags. Defined locally so
// this package does not import txpool; txpool.Transaction satisfies it
// directly. The *Locked methods assume the caller already holds the
// transaction's own lock; the bare accessors take it themselves.
type Waiter interface {
	ID() uint64
	Lock()
	Unlock()
	Cond() *sync.Cond
	RollbackCostLocked() int
	IsCommittedLocked() bool
	CancelLocked()
	IsCancelled() bool
}

// Detector maintains the waits-for table: a single-valued map from a
// waiting transaction to the one transaction it is blocked on (spec
// §4.7: at most one outgoing edge per waiter).
type Detector struct {
	mu      sync.Mutex
	waitsOn map[uint64]Waiter // waiter id -> holder
	byID    map[uint64]Waiter // id -> transaction, for chain walking
}

// New returns an empty detector.
func New() *Detector {
	return &Detector{
		waitsOn: make(map[uint64]Waiter),
		byID:    make(map[uint64]Waiter),
	}
}

// WaitFor registers that w is about to wait on h, checks for a cycle,
// and blocks the caller on h's monitor until h commits or w is
// cancelled. A waiter always blocks on its *holder's* condition
// variable, never its own — so cancelling a victim elsewhere in the
// cycle must wake it via the monitor it is actually sleeping on, which
// is why a discovered cycle is resolved by notifying the victim's
// holder (spec §4.7), not the victim itself. Returns ErrDeadlock if w
// was the chosen victim.
//
// The caller must not hold w's or h's lock when calling WaitFor.
func (d *Detector) WaitFor(w, h Waiter) error {
	d.mu.Lock()
	d.byID[w.ID()] = w
	d.byID[h.ID()] = h
	d.waitsOn[w.ID()] = h

	victim, victimHolder := d.findCycleVictimLocked(w.ID())
	d.mu.Unlock()

	if victim != nil {
		victim.Lock()
		victim.CancelLocked()
		victim.Unlock()
		if victimHolder != nil {
			victimHolder.Lock()
			victimHolder.Cond().Broadcast()
			victimHolder.Unlock()
		}
	}

	h.Lock()
	for !h.IsCommittedLocked() && !w.IsCancelled() {
		h.Cond().Wait()
	}
	cancelled := w.IsCancelled()
	h.Unlock()

	d.mu.Lock()
	if d.waitsOn[w.ID()] == h {
		delete(d.waitsOn, w.ID())
	}
	d.mu.Unlock()

	if cancelled {
		return ErrDeadlock
	}
	return nil
}

// findCycleVictimLocked walks the chain starting at start looking for a
// cycle back to start. If found, it returns the lowest-rollback-cost
// transaction among the cycle's members and that transaction's own
// holder (the monitor its blocked goroutine is actually waiting on).
// Returns (nil, nil) if no cycle exists. d.mu must be held by the caller.
func (d *Detector) findCycleVictimLocked(start uint64) (victim, victimHolder Waiter) {
	var chain []uint64
	seen := make(map[uint64]bool)
	cur := start
	for {
		next, ok := d.waitsOn[cur]
		if !ok {
			return nil, nil
		}
		if seen[cur] {
			return nil, nil
		}
		seen[cur] = true
		chain = append(chain, cur)
		if next.ID() == start {
			break
		}
		cur = next.ID()
	}

	var victimCost int
	for _, id := range chain {
		t := d.byID[id]
		t.Lock()
		cost := t.RollbackCostLocked()
		t.Unlock()
		if victim == nil || cost < victimCost {
			victim = t
			victimCost = cost
		}
	}
	victimHolder = d.waitsOn[victim.ID()]
	return victim, victimHolder
}

// DidCommit removes every edge whose holder is t and wakes every
// waiter blocked on it (spec §4.7's didCommit handler). The caller
// must have already made t.IsCommittedLocked() report true, since
// waiters re-check it under t's lock after waking.
func (d *Detector) DidCommit(t Waiter) {
	d.mu.Lock()
	for w, h := range d.waitsOn {
		if h.ID() == t.ID() {
			delete(d.waitsOn, w)
		}
	}
	d.mu.Unlock()

	t.Lock()
	t.Cond().Broadcast()
	t.Unlock()
}

// Forget drops any bookkeeping for a transaction that left the pool
// without ever calling DidCommit (e.g. rolled back without committing).
func (d *Detector) Forget(t Waiter) {
	d.mu.Lock()
	delete(d.waitsOn, t.ID())
	delete(d.byID, t.ID())
	d.mu.Unlock()
}
