package undolog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/filestore"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	fsOpts := filestore.DefaultOptions()
	fsOpts.PageSize = 256
	store := filestore.NewManager(fsOpts)
	w, err := Open(store, 0, filepath.Join(t.TempDir(), "undo.log"))
	require.NoError(t, err)
	return w
}

func sampleUndoRecord(txID uint64, payload string) *core.UndoLogRecord {
	return &core.UndoLogRecord{
		RedoLogRecord: core.RedoLogRecord{
			Type:        core.RecUpdate,
			TransID:     txID,
			SegmentID:   core.PageId{FileID: 1, Page: 1},
			PageID:      core.PageId{FileID: 1, Page: 2},
			SegmentType: 1,
			PageType:    1,
			Data:        []core.Attachment{{Flag: 1, Data: []byte(payload)}},
		},
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	rec := sampleUndoRecord(1, "before image")

	addr, err := w.Write(rec)
	require.NoError(t, err)
	require.False(t, addr.IsNull())

	got, err := w.Read(addr)
	require.NoError(t, err)
	require.Equal(t, rec.TransID, got.TransID)
	require.Equal(t, rec.Data, got.Data)
}

func TestWriteGrowsAcrossExtentWhenPageFills(t *testing.T) {
	w := newTestWriter(t)
	var last core.UndoPointer
	for i := 0; i < 50; i++ {
		addr, err := w.Write(sampleUndoRecord(uint64(i), "a reasonably sized payload to force paging"))
		require.NoError(t, err)
		last = addr
	}
	require.GreaterOrEqual(t, w.ctrl.Extents, uint32(1))

	got, err := w.Read(last)
	require.NoError(t, err)
	require.Equal(t, uint64(49), got.TransID)
}

func TestSetMinUndoReclaimsOldExtents(t *testing.T) {
	w := newTestWriter(t)
	var addrs []core.UndoPointer
	for i := 0; i < 200; i++ {
		addr, err := w.Write(sampleUndoRecord(uint64(i), "payload payload payload payload"))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	extentsBefore := w.ctrl.Extents
	require.NoError(t, w.SetMinUndo(addrs[len(addrs)-1]))
	require.Equal(t, extentsBefore, w.ctrl.Extents) // GC reclaims, doesn't allocate

	_, err := w.Read(addrs[0])
	require.ErrorIs(t, err, ErrLogNotFound)
}

func openAt(t *testing.T, dir string) *Writer {
	t.Helper()
	fsOpts := filestore.DefaultOptions()
	fsOpts.PageSize = 256
	store := filestore.NewManager(fsOpts)
	w, err := Open(store, 0, filepath.Join(dir, "undo.log"))
	require.NoError(t, err)
	return w
}

func TestReopenResumesEndOfLogWithoutOverwriting(t *testing.T) {
	dir := t.TempDir()
	w1 := openAt(t, dir)

	var addrs []core.UndoPointer
	for i := 0; i < 20; i++ {
		addr, err := w1.Write(sampleUndoRecord(uint64(i+1), "survives a crash and a reopen"))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.NoError(t, w1.Flush())
	end := w1.EndOfLog()

	w2 := openAt(t, dir)
	require.Equal(t, end, w2.EndOfLog())

	// New writes land past the survivors, never on top of them.
	addr, err := w2.Write(sampleUndoRecord(99, "written after reopen"))
	require.NoError(t, err)
	require.Equal(t, end, addr.Lsn)

	for i, a := range addrs {
		got, err := w2.Read(a)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), got.TransID)
	}
}

// walkPages follows nextPage links from start, failing the test on a
// cycle, and returns the pages visited.
func walkPages(t *testing.T, w *Writer, start core.PageID) []core.PageID {
	t.Helper()
	seen := make(map[core.PageID]bool)
	var out []core.PageID
	for cur := start; cur != core.NullPageID; {
		require.False(t, seen[cur], "page %d visited twice", cur)
		seen[cur] = true
		out = append(out, cur)
		_, next, _, err := w.readPageLocked(cur)
		require.NoError(t, err)
		cur = next
	}
	return out
}

// fillExtents writes records until the file owns n extents, returning
// every address written.
func fillExtents(t *testing.T, w *Writer, n uint32) []core.UndoPointer {
	t.Helper()
	var addrs []core.UndoPointer
	for w.ctrl.Extents < n {
		addr, err := w.Write(sampleUndoRecord(uint64(len(addrs)+1), "fill the extent chain with payload"))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	return addrs
}

func TestExtentChainOfThreeHasNoCycles(t *testing.T) {
	w := newTestWriter(t)
	w.ctrl.ExtentSize = 4 // small extents keep the test cheap

	fillExtents(t, w, 3)
	require.Equal(t, uint32(3), w.ctrl.Extents)

	pages := walkPages(t, w, w.ctrl.Head)
	require.Len(t, pages, 3*4)
}

func TestGCRecoveryReplaysInterruptedMove(t *testing.T) {
	dir := t.TempDir()
	w1 := openAt(t, dir)
	w1.ctrl.ExtentSize = 4

	addrs := fillExtents(t, w1, 3)
	thirdExtentFirst := walkPages(t, w1, w1.ctrl.Head)[2*4]

	// Advance minUndo into the third extent, as a real SetMinUndo would,
	// then move the first extent to the free list completely.
	var minUndo core.UndoPointer
	for _, a := range addrs {
		if a.Page.Page >= thirdExtentFirst {
			minUndo = a
			break
		}
	}
	require.False(t, minUndo.IsNull())
	w1.ctrl.MinUndo = minUndo
	require.NoError(t, w1.gcOneExtentLocked())

	// Move the second extent too, but crash after the control page
	// records the redo info and before the extent's last page is
	// rewritten or the redo info cleared.
	head := w1.ctrl.Head
	headLast := w1.extentLastPageLocked(head)
	_, next, _, err := w1.readPageLocked(headLast)
	require.NoError(t, err)
	w1.ctrl.Head = next
	w1.ctrl.RedoGCPage = head
	w1.ctrl.RedoGCNext = w1.ctrl.Free
	w1.ctrl.Free = head
	require.NoError(t, w1.flushControlLocked())

	w2 := openAt(t, dir)

	// The interrupted move was replayed: one extent active, two free.
	require.Equal(t, core.NullPageID, w2.ctrl.RedoGCPage)
	require.Len(t, walkPages(t, w2, w2.ctrl.Head), 4)
	require.Len(t, walkPages(t, w2, w2.ctrl.Free), 2*4)

	// Records past minUndo survive; reclaimed ones are gone.
	_, err = w2.Read(minUndo)
	require.NoError(t, err)
	_, err = w2.Read(addrs[0])
	require.ErrorIs(t, err, ErrLogNotFound)
}

func TestAllocationRecoveryUndoesInterruptedPop(t *testing.T) {
	dir := t.TempDir()
	w1 := openAt(t, dir)
	w1.ctrl.ExtentSize = 4

	fillExtents(t, w1, 2)
	active := walkPages(t, w1, w1.ctrl.Head)
	require.Len(t, active, 2*4)
	prevTail := active[len(active)-1]

	// Put one extent on the free list, then crash a pop of it midway:
	// undo info committed and the active tail already relinked, but the
	// popped extent's last page not yet detached.
	require.NoError(t, w1.allocateExtentLocked())
	extentFirst := w1.ctrl.Free
	extentLast := w1.extentLastPageLocked(extentFirst)
	_, afterExtent, _, err := w1.readPageLocked(extentLast)
	require.NoError(t, err)

	w1.ctrl.UndoPage = extentFirst
	w1.ctrl.UndoNextFree = afterExtent
	w1.ctrl.UndoPrevTail = prevTail
	require.NoError(t, w1.flushControlLocked())
	buf, _, lastLSN, err := w1.readPageLocked(prevTail)
	require.NoError(t, err)
	require.NoError(t, w1.writePageLocked(prevTail, buf, extentFirst, lastLSN))

	w2 := openAt(t, dir)

	require.Equal(t, core.NullPageID, w2.ctrl.UndoPage)
	require.Equal(t, extentFirst, w2.ctrl.Free)
	require.Len(t, walkPages(t, w2, w2.ctrl.Head), 2*4)
	require.Len(t, walkPages(t, w2, w2.ctrl.Free), 4)
	require.Equal(t, w1.EndOfLog(), w2.EndOfLog())
}

func TestFlushPersistsTail(t *testing.T) {
	w := newTestWriter(t)
	_, err := w.Write(sampleUndoRecord(1, "x"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NotEqual(t, core.NullPageID, w.ctrl.Tail)
}
