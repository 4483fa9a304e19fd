package deadlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTx is a minimal Waiter for exercising the detector without
// pulling in txpool.
type fakeTx struct {
	id   uint64
	cost int

	mu        sync.Mutex
	cond      *sync.Cond
	committed bool
	cancelled bool
}

func newFakeTx(id uint64, cost int) *fakeTx {
	t := &fakeTx{id: id, cost: cost}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *fakeTx) ID() uint64                { return t.id }
func (t *fakeTx) Lock()                     { t.mu.Lock() }
func (t *fakeTx) Unlock()                   { t.mu.Unlock() }
func (t *fakeTx) Cond() *sync.Cond          { return t.cond }
func (t *fakeTx) RollbackCostLocked() int   { return t.cost }
func (t *fakeTx) IsCommittedLocked() bool   { return t.committed }
func (t *fakeTx) CancelLocked()             { t.cancelled = true }
func (t *fakeTx) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *fakeTx) commit(d *Detector) {
	t.mu.Lock()
	t.committed = true
	t.mu.Unlock()
	d.DidCommit(t)
}

func TestWaitForReturnsOnceHolderCommits(t *testing.T) {
	d := New()
	t1 := newFakeTx(1, 0)
	t2 := newFakeTx(2, 0)

	done := make(chan error, 1)
	go func() { done <- d.WaitFor(t2, t1) }()

	time.Sleep(10 * time.Millisecond)
	t1.commit(d)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return after holder committed")
	}
}

func TestWaitForDetectsCycleAndCancelsLowestCostVictim(t *testing.T) {
	d := New()
	// t1 holds A, waits on B (held by t2); t2 waits on A (held by t1):
	// a two-cycle. t2 has the lower rollback cost so it must be the
	// victim.
	t1 := newFakeTx(1, 5)
	t2 := newFakeTx(2, 1)

	doneT2 := make(chan error, 1)
	go func() { doneT2 <- d.WaitFor(t2, t1) }()
	time.Sleep(10 * time.Millisecond)

	doneT1 := make(chan error, 1)
	go func() { doneT1 <- d.WaitFor(t1, t2) }()

	select {
	case t2Err := <-doneT2:
		require.ErrorIs(t, t2Err, ErrDeadlock)
	case <-time.After(time.Second):
		t.Fatal("t2's WaitFor never returned")
	}
	require.True(t, t2.IsCancelled())
	require.False(t, t1.IsCancelled())

	// t2 was the victim and never gets to commit on its own; something
	// else (its caller, having rolled back) must still make it visible
	// as committed so t1's wait on it can resolve.
	t2.commit(d)
	select {
	case err1 := <-doneT1:
		require.NoError(t, err1)
	case <-time.After(time.Second):
		t.Fatal("t1's WaitFor never returned after t2 committed")
	}
}

func TestDidCommitWakesAllWaiters(t *testing.T) {
	d := New()
	holder := newFakeTx(1, 0)

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waiter := newFakeTx(uint64(10+i), 0)
			results[i] = d.WaitFor(waiter, holder)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	holder.commit(d)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
}
