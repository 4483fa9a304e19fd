package buffer

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

var (
	// ErrBufferExhausted is returned by Pin when every frame is LOVED or
	// in use, and the pool is already at its maximum capacity.
	ErrBufferExhausted = errors.New("buffer: pool exhausted")
	// ErrNotAvailable is returned by a non-blocking Pin that would
	// otherwise have to wait on a mode conflict.
	ErrNotAvailable = errors.New("buffer: page not available")
	// ErrCancelled is returned to a suspended waiter whose wait was
	// interrupted via Cancel.
	ErrCancelled = errors.New("buffer: pin wait cancelled")
	// ErrStaleToken is returned when a PinToken's generation no longer
	// matches its frame; the frame has since been recycled.
	ErrStaleToken = errors.New("buffer: stale pin token")
	// ErrNotPinned is returned by UnPin/UnPinDirty against a frame with
	// a zero pin count.
	ErrNotPinned = errors.New("buffer: frame not pinned")
)

// PageSource is the minimal file-manager surface the pool needs: fetch
// and flush one fixed-size page at a time. internal/filestore.Manager
// satisfies it directly.
type PageSource interface {
	Fetch(page core.PageId, buf []byte) error
	Flush(page core.PageId, buf []byte, force bool) error
	PageSize() int
}

// WALDelegate lets the pool enforce the write-ahead rule without
// depending on internal/logmgr directly: before a dirty frame is
// written back, every redo record up to its endLSN must already be
// durable.
type WALDelegate interface {
	FlushTo(lsn core.LSN) error
	EndOfLog() core.LSN
}

// TransactionOracle answers whether a transaction-bound temp frame's
// owner has committed, deciding whether pinTemp content is discarded
// or written back at eviction.
type TransactionOracle interface {
	IsCommitted(transID uint64) bool
}

// Options configures a Pool.
type Options struct {
	Capacity    int
	MaxCapacity int
	DirtyRatio  float64 // signal the writer once dirtySet/capacity exceeds this
}

// DefaultOptions returns the default Pool options.
func DefaultOptions() Options {
	return Options{Capacity: 64, MaxCapacity: 4096, DirtyRatio: 0.5}
}

// Pool is the buffer pool described in spec §4.2.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	store PageSource
	wal   WALDelegate
	tx    TransactionOracle

	frames      []*frame
	byPage      map[core.VersionedPageId]int
	freeIndices []int

	lists *replacementLists
	dirty map[int]core.LSN // frameIndex -> recLSN

	capacity    int
	maxCapacity int
	dirtyRatio  float64

	writerSignal chan struct{}
	closed       bool
	nextGen      uint64
	cancelEpoch  uint64 // bumped by Cancel; a waiter that wakes with a stale epoch returns ErrCancelled
}

// New constructs a Pool backed by store, consulting wal before writing
// back any dirty frame and tx for transaction-bound temp frames.
func New(store PageSource, wal WALDelegate, tx TransactionOracle, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	if opts.MaxCapacity < opts.Capacity {
		opts.MaxCapacity = opts.Capacity
	}
	if opts.DirtyRatio <= 0 {
		opts.DirtyRatio = DefaultOptions().DirtyRatio
	}

	p := &Pool{
		store:        store,
		wal:          wal,
		tx:           tx,
		byPage:       make(map[core.VersionedPageId]int),
		lists:        newReplacementLists(),
		dirty:        make(map[int]core.LSN),
		capacity:     opts.Capacity,
		maxCapacity:  opts.MaxCapacity,
		dirtyRatio:   opts.DirtyRatio,
		writerSignal: make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mu)

	p.frames = make([]*frame, 0, opts.Capacity)
	for i := 0; i < opts.Capacity; i++ {
		p.frames = append(p.frames, &frame{})
		p.freeIndices = append(p.freeIndices, i)
	}
	return p
}

// WriterSignal exposes the channel the background dirty-page writer
// (internal/checkpointer's Runner) selects on.
func (p *Pool) WriterSignal() <-chan struct{} {
	return p.writerSignal
}

func (p *Pool) signalWriterLocked() {
	if float64(len(p.dirty))/float64(p.capacity) <= p.dirtyRatio {
		return
	}
	select {
	case p.writerSignal <- struct{}{}:
	default:
	}
}

// Pin returns a frame holding page, locked in mode. Suspends on a mode
// conflict; non-blocking callers pass blocking=false and get
// ErrNotAvailable instead of waiting.
func (p *Pool) Pin(page core.PageId, mode LockMode, blocking bool) (PinToken, error) {
	return p.pinVersioned(core.VersionedPageId{PageId: page}, mode, blocking, false)
}

func (p *Pool) pinVersioned(vp core.VersionedPageId, mode LockMode, blocking, isNew bool) (PinToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if idx, ok := p.byPage[vp]; ok {
			fr := p.frames[idx]
			if fr.pinCount > 0 && (fr.exclusive || mode == Exclusive) {
				if !blocking {
					return PinToken{}, ErrNotAvailable
				}
				fr.waiterCount++
				epoch := p.cancelEpoch
				p.cond.Wait()
				fr.waiterCount--
				if p.cancelEpoch != epoch {
					return PinToken{}, ErrCancelled
				}
				continue
			}
			p.lists.Remove(idx, fr.affinity)
			fr.pinCount++
			fr.mode = mode
			fr.exclusive = mode == Exclusive
			if isNew {
				for i := range fr.data {
					fr.data[i] = 0
				}
			}
			return PinToken{FrameIndex: idx, Generation: fr.generation}, nil
		}

		idx, err := p.acquireFrameLocked()
		if err != nil {
			return PinToken{}, err
		}
		fr := p.frames[idx]
		fr.page = vp
		fr.data = make([]byte, p.store.PageSize())
		fr.dirty = false
		fr.clocked = false
		fr.affinity = AffinityNone
		fr.isTemp = false

		if !isNew {
			if err := p.store.Fetch(vp.PageId, fr.data); err != nil {
				p.retireFrameLocked(idx)
				return PinToken{}, errors.Wrap(err, "buffer: fetch")
			}
		}

		p.byPage[vp] = idx
		fr.pinCount = 1
		fr.mode = mode
		fr.exclusive = mode == Exclusive
		return PinToken{FrameIndex: idx, Generation: fr.generation}, nil
	}
}

// PinNew zero-fills the frame without reading from disk and pins it
// EXCLUSIVE.
func (p *Pool) PinNew(page core.PageId) (PinToken, error) {
	return p.pinVersioned(core.VersionedPageId{PageId: page}, Exclusive, true, true)
}

// PinTemp zero-fills, pins EXCLUSIVE, marks dirty and binds the frame
// to transID for the sort engine's spill pages.
func (p *Pool) PinTemp(page core.PageId, transID uint64) (PinToken, error) {
	tok, err := p.pinVersioned(core.VersionedPageId{PageId: page, TransID: transID}, Exclusive, true, true)
	if err != nil {
		return PinToken{}, err
	}
	p.mu.Lock()
	fr := p.frames[tok.FrameIndex]
	fr.dirty = true
	fr.isTemp = true
	fr.tempOwner = transID
	p.dirty[tok.FrameIndex] = p.wal.EndOfLog()
	p.mu.Unlock()
	return tok, nil
}

// PinVersion returns a frame holding a byte-for-byte in-memory copy of
// page's current contents, keyed by the (page, transId, version)
// triple. A cache hit pins SHARED; a miss allocates fresh and copies.
// Copies are never flushed to disk.
func (p *Pool) PinVersion(page core.PageId, transID, version uint64) (PinToken, error) {
	vp := core.VersionedPageId{PageId: page, TransID: transID, Version: version}

	p.mu.Lock()
	if idx, ok := p.byPage[vp]; ok {
		fr := p.frames[idx]
		p.lists.Remove(idx, fr.affinity)
		fr.pinCount++
		fr.mode = Shared
		fr.exclusive = false
		tok := PinToken{FrameIndex: idx, Generation: fr.generation}
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	// Copy the current contents through a proper SHARED pin so a dirty
	// cached page is copied from the frame, not its stale disk image.
	curTok, err := p.Pin(page, Shared, true)
	if err != nil {
		return PinToken{}, errors.Wrap(err, "buffer: pin current for pinVersion")
	}
	curData, err := p.Data(curTok)
	if err != nil {
		return PinToken{}, err
	}
	current := make([]byte, len(curData))
	copy(current, curData)
	if err := p.UnPin(curTok, AffinityLiked); err != nil {
		return PinToken{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.byPage[vp]; ok {
		fr := p.frames[idx]
		p.lists.Remove(idx, fr.affinity)
		fr.pinCount++
		fr.mode = Shared
		fr.exclusive = false
		return PinToken{FrameIndex: idx, Generation: fr.generation}, nil
	}

	idx, err := p.acquireFrameLocked()
	if err != nil {
		return PinToken{}, err
	}
	fr := p.frames[idx]
	fr.page = vp
	fr.data = current
	fr.dirty = false
	fr.isTemp = false
	fr.clocked = false
	fr.affinity = AffinityNone
	fr.pinCount = 1
	fr.mode = Exclusive
	fr.exclusive = true
	p.byPage[vp] = idx
	return PinToken{FrameIndex: idx, Generation: fr.generation}, nil
}

// Data returns the frame's backing buffer for tok. The slice aliases
// the pool's storage; callers must hold the pin while using it.
func (p *Pool) Data(tok PinToken) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr, err := p.validate(tok)
	if err != nil {
		return nil, err
	}
	return fr.data, nil
}

// UnPin releases a clean pin, recording the requested affinity.
func (p *Pool) UnPin(tok PinToken, affinity Affinity) error {
	return p.unpin(tok, affinity, false, core.NoLSN)
}

// UnPinDirty releases a pin that modified the page, recording endLSN
// (the redo LSN that must be durable before this frame may be written
// back) and inserting the frame into the dirty set if it is not
// already present.
func (p *Pool) UnPinDirty(tok PinToken, affinity Affinity, endLSN core.LSN) error {
	return p.unpin(tok, affinity, true, endLSN)
}

func (p *Pool) unpin(tok PinToken, affinity Affinity, dirty bool, endLSN core.LSN) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fr, err := p.validate(tok)
	if err != nil {
		return err
	}
	if fr.pinCount <= 0 {
		return ErrNotPinned
	}

	fr.pinCount--
	fr.clocked = true

	if dirty {
		fr.dirty = true
		fr.endLSN = endLSN
		if _, ok := p.dirty[tok.FrameIndex]; !ok {
			p.dirty[tok.FrameIndex] = p.wal.EndOfLog()
		}
	}

	p.applyAffinityLocked(tok.FrameIndex, affinity)

	if fr.pinCount == 0 {
		fr.exclusive = false
		if fr.waiterCount > 0 {
			p.cond.Broadcast()
		}
	}
	if dirty {
		p.signalWriterLocked()
	}
	return nil
}

// applyAffinityLocked implements the affinity machine: a frame never
// downgrades on its own; requesting a lower tier than it already holds
// just re-ages it within its current list.
func (p *Pool) applyAffinityLocked(idx int, requested Affinity) {
	fr := p.frames[idx]
	if requested == AffinityNone {
		requested = AffinityHated
	}
	if fr.affinity == AffinityNone {
		fr.affinity = requested
		if fr.pinCount == 0 {
			p.lists.Insert(idx, fr.affinity)
		}
		return
	}
	if requested > fr.affinity {
		if fr.pinCount == 0 {
			p.lists.Remove(idx, fr.affinity)
		}
		fr.affinity = requested
		if fr.pinCount == 0 {
			p.lists.Insert(idx, fr.affinity)
		}
		return
	}
	if fr.pinCount == 0 {
		p.lists.Reage(idx, fr.affinity)
	}
}

func (p *Pool) validate(tok PinToken) (*frame, error) {
	if tok.FrameIndex < 0 || tok.FrameIndex >= len(p.frames) {
		return nil, ErrStaleToken
	}
	fr := p.frames[tok.FrameIndex]
	if fr.generation != tok.Generation {
		return nil, ErrStaleToken
	}
	return fr, nil
}

// acquireFrameLocked returns an unoccupied or newly evicted frame
// index. Caller must hold p.mu.
func (p *Pool) acquireFrameLocked() (int, error) {
	if len(p.freeIndices) > 0 {
		idx := p.freeIndices[len(p.freeIndices)-1]
		p.freeIndices = p.freeIndices[:len(p.freeIndices)-1]
		return idx, nil
	}

	for {
		idx, ok := p.selectVictimLocked()
		if ok {
			if err := p.evictLocked(idx); err != nil {
				return 0, err
			}
			return idx, nil
		}

		if p.capacity >= p.maxCapacity {
			return 0, ErrBufferExhausted
		}
		grow := p.capacity / 2
		if grow < 1 {
			grow = 1
		}
		if p.capacity+grow > p.maxCapacity {
			grow = p.maxCapacity - p.capacity
		}
		for i := 0; i < grow; i++ {
			p.frames = append(p.frames, &frame{})
			p.freeIndices = append(p.freeIndices, len(p.frames)-1)
		}
		p.capacity += grow
	}
}

// selectVictimLocked scans HATED, then LIKED, then LOVED. Within a
// list, frames whose affinity no longer matches (they were upgraded)
// are skipped, in-use frames are cycled to the tail, and a clocked
// frame is cleared and remembered as a fallback rather than taken
// immediately, matching spec §4.2's "Replacement selection."
func (p *Pool) selectVictimLocked() (int, bool) {
	for _, a := range []Affinity{AffinityHated, AffinityLiked, AffinityLoved} {
		if a == AffinityLoved && !p.allLovedLocked() {
			continue
		}
		if idx, ok := p.scanListLocked(a); ok {
			return idx, true
		}
	}
	return 0, false
}

func (p *Pool) allLovedLocked() bool {
	for idx, fr := range p.frames {
		if !fr.occupiedLocked(p, idx) {
			continue
		}
		if fr.affinity != AffinityLoved {
			return false
		}
	}
	return true
}

func (f *frame) occupiedLocked(p *Pool, idx int) bool {
	_, ok := p.byPage[f.page]
	return ok && p.byPage[f.page] == idx
}

func (p *Pool) scanListLocked(a Affinity) (int, bool) {
	var fallback = -1
	candidates := p.lists.Candidates(a)
	for _, idx := range candidates {
		fr := p.frames[idx]
		if fr.affinity != a {
			continue
		}
		if fr.pinCount > 0 {
			p.lists.CycleToTail(idx, a)
			continue
		}
		if fr.clocked {
			fr.clocked = false
			if fallback < 0 {
				fallback = idx
			}
			continue
		}
		return idx, true
	}
	if fallback >= 0 {
		return fallback, true
	}
	return 0, false
}

// evictLocked flushes idx if dirty (honoring WAL, or discarding a
// committed temp frame) and removes it from the page index.
func (p *Pool) evictLocked(idx int) error {
	fr := p.frames[idx]

	if fr.dirty {
		discard := fr.isTemp && p.tx != nil && p.tx.IsCommitted(fr.tempOwner)
		if !discard {
			if err := p.wal.FlushTo(fr.endLSN); err != nil {
				return errors.Wrap(err, "buffer: WAL flush before eviction")
			}
			if err := p.store.Flush(fr.page.PageId, fr.data, false); err != nil {
				return errors.Wrap(err, "buffer: flush victim")
			}
		}
	}

	p.retireFrameLocked(idx)
	return nil
}

func (p *Pool) retireFrameLocked(idx int) {
	fr := p.frames[idx]
	delete(p.byPage, fr.page)
	delete(p.dirty, idx)
	p.lists.Remove(idx, fr.affinity)
	fr.generation++
	fr.page = core.VersionedPageId{}
	fr.data = nil
	fr.dirty = false
	fr.isTemp = false
	fr.affinity = AffinityNone
	fr.clocked = false
}

// CheckPoint takes a snapshot of the dirty set, sorts frames by
// physical (file-id, page-id) and flushes each without fsync, returning
// the DirtyPageEntry for any frame still dirty afterward (e.g. held
// EXCLUSIVE for the whole pass).
func (p *Pool) CheckPoint() ([]core.DirtyPageEntry, error) {
	p.mu.Lock()
	type snap struct {
		idx    int
		page   core.PageId
		recLSN core.LSN
	}
	snaps := make([]snap, 0, len(p.dirty))
	for idx, recLSN := range p.dirty {
		snaps = append(snaps, snap{idx: idx, page: p.frames[idx].page.PageId, recLSN: recLSN})
	}
	p.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].page.Less(snaps[j].page) })

	var remaining []core.DirtyPageEntry
	for _, s := range snaps {
		p.mu.Lock()
		fr := p.frames[s.idx]
		if fr.page.PageId != s.page || !fr.dirty {
			p.mu.Unlock()
			continue
		}
		if fr.pinCount > 0 && fr.exclusive {
			remaining = append(remaining, core.DirtyPageEntry{Page: s.page, RecLSN: s.recLSN})
			p.mu.Unlock()
			continue
		}
		endLSN := fr.endLSN
		data := make([]byte, len(fr.data))
		copy(data, fr.data)
		p.mu.Unlock()

		if err := p.wal.FlushTo(endLSN); err != nil {
			return remaining, errors.Wrap(err, "buffer: checkpoint WAL flush")
		}
		if err := p.store.Flush(s.page, data, false); err != nil {
			return remaining, errors.Wrap(err, "buffer: checkpoint flush")
		}

		p.mu.Lock()
		if fr.page.PageId == s.page {
			fr.dirty = false
			delete(p.dirty, s.idx)
		}
		p.mu.Unlock()
	}

	return remaining, nil
}

// Cancel wakes every waiter suspended on a pin conflict and makes each
// of them return ErrCancelled without pinning, per spec §4.2's
// "an interrupted waiter returns 'cancelled' without pinning." Used
// when a transaction manager tears down a waiting session.
func (p *Pool) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelEpoch++
	p.cond.Broadcast()
}
