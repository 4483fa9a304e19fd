package undolog

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/filestore"
)

var (
	// ErrLogNotFound is returned by Read when an address falls outside
	// [minUndo, endOfLog).
	ErrLogNotFound = errors.New("undolog: record not found")
	// ErrCorrupted is returned when a page's framing cannot be decoded.
	ErrCorrupted = errors.New("undolog: corrupted record chain")
)

// Writer is the undo log writer described in spec §4.4.
type Writer struct {
	mu              sync.Mutex
	commitPointLock sync.Mutex // ordered before mu, per spec's deadlock-avoidance note

	store  *filestore.Manager
	fileID core.FileID

	ctrl *controlBlock

	nextLSN core.LSN

	// writeCursor is the in-memory write position; it is not persisted
	// directly, only recovered at Open by scanning record framing
	// forward from minUndo (or the active-list head), not from the
	// persisted tail.
	writeCursor core.PageID
	writeOffset int
}

// Open attaches to (or initializes) an undo log file, recovering any
// in-flight extent allocation or garbage collection and rebuilding the
// in-memory write cursor by scanning forward from minUndo (or the
// active-list head when minUndo is null).
func Open(store *filestore.Manager, fileID core.FileID, path string) (*Writer, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if err := store.Add(fileID, path); err != nil {
		if errors.Is(err, filestore.ErrFileExists) {
			return nil, err
		}
		return nil, err
	}
	total, err := store.TotalPages(fileID)
	if err != nil {
		return nil, err
	}
	if total <= 1 {
		isNew = true
	}

	w := &Writer{store: store, fileID: fileID, nextLSN: 1}

	if isNew {
		w.ctrl = &controlBlock{
			MinUndo:    core.NullUndoPointer,
			Head:       core.NullPageID,
			Tail:       core.NullPageID,
			Free:       core.NullPageID,
			ExtentSize: DefaultExtentSize,
			UndoPage:   core.NullPageID,
			RedoGCPage: core.NullPageID,
		}
		w.writeCursor = core.NullPageID
		w.writeOffset = pageLinkSize
		if err := w.flushControlLocked(); err != nil {
			return nil, err
		}
		return w, nil
	}

	ctrl, err := w.readControlLocked()
	if err != nil {
		return nil, err
	}
	w.ctrl = ctrl

	if err := w.recoverAllocationLocked(); err != nil {
		return nil, err
	}
	if err := w.recoverGCLocked(); err != nil {
		return nil, err
	}
	if err := w.rebuildCursorLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) page(id core.PageID) core.PageId {
	return core.PageId{FileID: w.fileID, Page: id}
}

func (w *Writer) readControlLocked() (*controlBlock, error) {
	buf := make([]byte, w.store.PageSize())
	if err := w.store.Fetch(w.page(0), buf); err != nil {
		return nil, errors.Wrap(err, "undolog: read control page")
	}
	return deserializeControlBlock(buf[:controlPageSize]), nil
}

func (w *Writer) flushControlLocked() error {
	buf := make([]byte, w.store.PageSize())
	w.ctrl.serialize(buf[:controlPageSize])
	return errors.Wrap(w.store.Flush(w.page(0), buf, true), "undolog: flush control page")
}

func (w *Writer) readPageLocked(id core.PageID) ([]byte, core.PageID, core.LSN, error) {
	buf := make([]byte, w.store.PageSize())
	if err := w.store.Fetch(w.page(id), buf); err != nil {
		return nil, 0, 0, err
	}
	next, lastLSN := readPageLink(buf)
	return buf, next, lastLSN, nil
}

func (w *Writer) writePageLocked(id core.PageID, buf []byte, next core.PageID, lastLSN core.LSN) error {
	putPageLink(buf, next, lastLSN)
	return w.store.Flush(w.page(id), buf, false)
}

// rebuildCursorLocked rebuilds the in-memory write position by walking
// record framing forward from the oldest known record start (minUndo,
// or the head of the active list on a log that has never been GC'd).
// The walk stops as soon as a page's lastLSN is less than the LSN
// being sought (the page was never reached by that record's write —
// either it is stale content from a reclaimed extent, or the write was
// cut off mid-record by the crash) or a zero-sized record is
// encountered; the last valid record's LSN+1 is the new endOfLog.
func (w *Writer) rebuildCursorLocked() error {
	if w.ctrl.Head == core.NullPageID {
		w.writeCursor = core.NullPageID
		w.writeOffset = pageLinkSize
		return nil
	}

	page := w.ctrl.Head
	offset := pageLinkSize
	lsn := core.LSN(1)
	if !w.ctrl.MinUndo.IsNull() {
		page = w.ctrl.MinUndo.Page.Page
		offset = int(w.ctrl.MinUndo.Offset)
		lsn = w.ctrl.MinUndo.Lsn
	}

	buf, next, lastLSN, err := w.readPageLocked(page)
	if err != nil {
		return err
	}

	for {
		if lastLSN < lsn {
			break
		}
		if len(buf)-offset < 4 {
			if next == core.NullPageID {
				break
			}
			page = next
			if buf, next, lastLSN, err = w.readPageLocked(page); err != nil {
				return err
			}
			offset = pageLinkSize
			continue
		}
		size := binary.LittleEndian.Uint32(buf[offset : offset+4])
		if size == 0 {
			break
		}

		startPage, startOffset := page, offset
		offset += 4
		remaining := int(size)
		complete := true
		for remaining > 0 {
			avail := len(buf) - offset
			if avail <= 0 {
				if next == core.NullPageID {
					complete = false
					break
				}
				page = next
				if buf, next, lastLSN, err = w.readPageLocked(page); err != nil {
					return err
				}
				if lastLSN < lsn {
					// The record's write never reached this page; the
					// record is torn and lsn-1 is the last valid one.
					complete = false
					break
				}
				offset = pageLinkSize
				continue
			}
			n := avail
			if n > remaining {
				n = remaining
			}
			offset += n
			remaining -= n
		}
		if !complete {
			page, offset = startPage, startOffset
			if buf, next, lastLSN, err = w.readPageLocked(page); err != nil {
				return err
			}
			break
		}
		lsn++
	}

	w.writeCursor = page
	w.writeOffset = offset
	w.nextLSN = lsn
	if len(buf)-offset < 4 && next != core.NullPageID {
		w.writeCursor = next
		w.writeOffset = pageLinkSize
	}
	return nil
}

// Write serializes rec, assigns it an address, and appends it to the
// active list at the current write cursor, extending onto a fresh
// extent when the tail page runs out of room.
func (w *Writer) Write(rec *core.UndoLogRecord) (core.UndoPointer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctrl.Head == core.NullPageID {
		if err := w.growActiveListLocked(); err != nil {
			return core.NullUndoPointer, err
		}
	}

	// A record's size prefix never straddles pages; advance first if a
	// rebuilt cursor landed where one no longer fits.
	if buf, next, _, err := w.readPageLocked(w.writeCursor); err != nil {
		return core.NullUndoPointer, err
	} else if len(buf)-w.writeOffset < 4 {
		if next == core.NullPageID {
			if err := w.growActiveListLocked(); err != nil {
				return core.NullUndoPointer, err
			}
		} else {
			w.writeCursor = next
			w.writeOffset = pageLinkSize
		}
	}

	lsn := w.nextLSN
	w.nextLSN++
	rec.LSN = lsn

	address := core.UndoPointer{Page: w.page(w.writeCursor), Offset: uint16(w.writeOffset), Lsn: lsn}
	rec.Address = address

	body := rec.Serialize()
	framed := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[4:], body)

	remainingFramed := framed
	for len(remainingFramed) > 0 {
		buf, next, lastLSN, err := w.readPageLocked(w.writeCursor)
		if err != nil {
			return core.NullUndoPointer, err
		}
		avail := len(buf) - w.writeOffset
		n := avail
		if n > len(remainingFramed) {
			n = len(remainingFramed)
		}
		copy(buf[w.writeOffset:], remainingFramed[:n])
		w.writeOffset += n
		remainingFramed = remainingFramed[n:]
		if lastLSN < lsn {
			lastLSN = lsn
		}

		if err := w.writePageLocked(w.writeCursor, buf, next, lastLSN); err != nil {
			return core.NullUndoPointer, err
		}

		if len(buf)-w.writeOffset < 4 {
			if next == core.NullPageID {
				if err := w.growActiveListLocked(); err != nil {
					return core.NullUndoPointer, err
				}
			} else {
				w.writeCursor = next
				w.writeOffset = pageLinkSize
			}
		}
	}

	return address, nil
}

// growActiveListLocked appends a fresh extent to the active list's
// tail (allocating one from the free list first if needed), advancing
// the in-memory write cursor onto it.
func (w *Writer) growActiveListLocked() error {
	if w.ctrl.Free == core.NullPageID {
		if err := w.allocateExtentLocked(); err != nil {
			return err
		}
	}
	return w.popFreeExtentOntoActiveLocked()
}

// allocateExtentLocked appends one brand new extent at file end to the
// free list.
func (w *Writer) allocateExtentLocked() error {
	size := int(w.ctrl.ExtentSize)
	first, err := w.store.Extend(w.fileID, size)
	if err != nil {
		return errors.Wrap(err, "undolog: extend file")
	}

	for i := 0; i < size; i++ {
		id := core.PageID(int(first) + i)
		buf := make([]byte, w.store.PageSize())
		next := core.NullPageID
		if i < size-1 {
			next = core.PageID(int(first) + i + 1)
		}
		if err := w.writePageLocked(id, buf, next, core.NoLSN); err != nil {
			return err
		}
	}

	if w.ctrl.Free == core.NullPageID {
		w.ctrl.Free = first
	} else {
		tail := w.extentLastPageLocked(w.freeListTailExtentLocked())
		buf, _, lastLSN, err := w.readPageLocked(tail)
		if err != nil {
			return err
		}
		if err := w.writePageLocked(tail, buf, first, lastLSN); err != nil {
			return err
		}
	}
	w.ctrl.Extents++
	return w.flushControlLocked()
}

// freeListTailExtentLocked finds the first page of the last extent
// currently on the free list.
func (w *Writer) freeListTailExtentLocked() core.PageID {
	cur := w.ctrl.Free
	for {
		last := w.extentLastPageLocked(cur)
		buf, next, _, err := w.readPageLocked(last)
		if err != nil || next == core.NullPageID {
			_ = buf
			return cur
		}
		cur = next
	}
}

// extentLastPageLocked walks extentSize-1 hops from an extent's first
// page to find its last page. Intra-extent links are fixed at
// allocation time and never mutated afterward, so this is safe to call
// mid-recovery.
func (w *Writer) extentLastPageLocked(first core.PageID) core.PageID {
	cur := first
	for i := uint32(0); i < w.ctrl.ExtentSize-1; i++ {
		_, next, _, err := w.readPageLocked(cur)
		if err != nil || next == core.NullPageID {
			return cur
		}
		cur = next
	}
	return cur
}

// popFreeExtentOntoActiveLocked implements spec §4.4's atomic
// extent-allocation pop: record undo info, extend the active list,
// detach the extent's last page from whatever followed it on the free
// list, then clear the undo info to commit.
func (w *Writer) popFreeExtentOntoActiveLocked() error {
	extentFirst := w.ctrl.Free
	extentLast := w.extentLastPageLocked(extentFirst)

	_, afterExtent, _, err := w.readPageLocked(extentLast)
	if err != nil {
		return err
	}

	prevTail := w.writeCursor
	w.ctrl.UndoPage = extentFirst
	w.ctrl.UndoNextFree = afterExtent
	w.ctrl.UndoPrevTail = prevTail
	if err := w.flushControlLocked(); err != nil {
		return err
	}

	if w.ctrl.Head == core.NullPageID {
		w.ctrl.Head = extentFirst
	} else {
		buf, _, lastLSN, err := w.readPageLocked(prevTail)
		if err != nil {
			return err
		}
		if err := w.writePageLocked(prevTail, buf, extentFirst, lastLSN); err != nil {
			return err
		}
	}

	lastBuf, _, lastLSN, err := w.readPageLocked(extentLast)
	if err != nil {
		return err
	}
	if err := w.writePageLocked(extentLast, lastBuf, core.NullPageID, lastLSN); err != nil {
		return err
	}

	w.ctrl.Free = afterExtent
	w.ctrl.UndoPage = core.NullPageID
	if err := w.flushControlLocked(); err != nil {
		return err
	}

	w.writeCursor = extentFirst
	w.writeOffset = pageLinkSize
	return nil
}

// recoverAllocationLocked undoes an extent-allocation pop that was
// interrupted before it committed.
func (w *Writer) recoverAllocationLocked() error {
	if w.ctrl.UndoPage == core.NullPageID {
		return nil
	}

	// Re-chain the half-popped extent's last page to the free-list
	// remainder (it may or may not have been nulled before the crash),
	// detach it from the active tail, and restore the free head.
	extentLast := w.extentLastPageLocked(w.ctrl.UndoPage)
	buf, _, lastLSN, err := w.readPageLocked(extentLast)
	if err != nil {
		return err
	}
	if err := w.writePageLocked(extentLast, buf, w.ctrl.UndoNextFree, lastLSN); err != nil {
		return err
	}

	if w.ctrl.UndoPrevTail == core.NullPageID {
		// The interrupted pop was installing the very first extent;
		// undoing it leaves no active list at all.
		w.ctrl.Head = core.NullPageID
	} else {
		buf, _, lastLSN, err := w.readPageLocked(w.ctrl.UndoPrevTail)
		if err != nil {
			return err
		}
		if err := w.writePageLocked(w.ctrl.UndoPrevTail, buf, core.NullPageID, lastLSN); err != nil {
			return err
		}
	}
	w.ctrl.Free = w.ctrl.UndoPage
	w.ctrl.UndoPage = core.NullPageID
	return w.flushControlLocked()
}

// SetMinUndo advances the minimum live undo pointer, moving fully
// garbage-collected extents from the active list's head onto the free
// list. It is monotonic: a pointer at or below the current minimum is
// a no-op.
func (w *Writer) SetMinUndo(p core.UndoPointer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p.Lsn < w.ctrl.MinUndo.Lsn {
		return nil
	}
	w.ctrl.MinUndo = p
	targetPageFirst := w.extentContainingLocked(p.Page.Page)

	for targetPageFirst != core.NullPageID &&
		w.ctrl.Head != core.NullPageID && w.ctrl.Head != targetPageFirst {
		if err := w.gcOneExtentLocked(); err != nil {
			return err
		}
	}
	return w.flushControlLocked()
}

// extentContainingLocked returns the first page of the active-list
// extent whose contiguous run contains page id, or NullPageID if no
// active extent holds it. Each extent is a run of extentSize
// consecutive pages starting at its first page, so containment is a
// range test per extent, not an alignment computation.
func (w *Writer) extentContainingLocked(id core.PageID) core.PageID {
	size := core.PageID(w.ctrl.ExtentSize)
	cur := w.ctrl.Head
	for cur != core.NullPageID {
		if id >= cur && id < cur+size {
			return cur
		}
		last := w.extentLastPageLocked(cur)
		_, next, _, err := w.readPageLocked(last)
		if err != nil {
			return core.NullPageID
		}
		cur = next
	}
	return core.NullPageID
}

// gcOneExtentLocked moves exactly one extent from the active list's
// head onto the free list, per spec §4.4's "Garbage collection."
func (w *Writer) gcOneExtentLocked() error {
	head := w.ctrl.Head
	headLast := w.extentLastPageLocked(head)

	_, next, _, err := w.readPageLocked(headLast)
	if err != nil {
		return err
	}

	w.ctrl.Head = next
	w.ctrl.RedoGCPage = head
	w.ctrl.RedoGCNext = w.ctrl.Free
	w.ctrl.Free = head
	if err := w.flushControlLocked(); err != nil {
		return err
	}

	buf, _, lastLSN, err := w.readPageLocked(headLast)
	if err != nil {
		return err
	}
	if err := w.writePageLocked(headLast, buf, w.ctrl.RedoGCNext, lastLSN); err != nil {
		return err
	}

	w.ctrl.RedoGCPage = core.NullPageID
	return w.flushControlLocked()
}

// recoverGCLocked redoes a garbage-collection move that committed its
// control-page update but crashed before the freed extent's last-page
// pointer was durably rewritten.
func (w *Writer) recoverGCLocked() error {
	if w.ctrl.RedoGCPage == core.NullPageID {
		return nil
	}
	last := w.extentLastPageLocked(w.ctrl.RedoGCPage)
	buf, _, lastLSN, err := w.readPageLocked(last)
	if err != nil {
		return err
	}
	if err := w.writePageLocked(last, buf, w.ctrl.RedoGCNext, lastLSN); err != nil {
		return err
	}
	w.ctrl.RedoGCPage = core.NullPageID
	return w.flushControlLocked()
}

// Flush records the current write cursor as the persisted tail pointer
// and force-flushes the control page. It does not walk the active list:
// writePageLocked has already written every page to the file, and the
// forced control-page flush fsyncs the file as a whole. commitPointLock is
// acquired before the writer's own lock, per spec, to avoid a deadlock
// against SetMinUndo's garbage collection.
func (w *Writer) Flush() error {
	w.commitPointLock.Lock()
	defer w.commitPointLock.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctrl.Tail = w.writeCursor
	return w.flushControlLocked()
}

// EndOfLog returns the LSN the next Write will assign, the value a
// transaction's commitLSN defaults to when nothing older needs to be
// consulted.
func (w *Writer) EndOfLog() core.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// MinUndo returns the current minimum live undo pointer.
func (w *Writer) MinUndo() core.UndoPointer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctrl.MinUndo
}

// Read dereferences addr, following the page chain to assemble the
// full record. Addresses outside [minUndo, endOfLog) fail with
// ErrLogNotFound.
func (w *Writer) Read(addr core.UndoPointer) (*core.UndoLogRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if addr.Lsn < w.ctrl.MinUndo.Lsn || addr.Lsn >= w.nextLSN {
		return nil, ErrLogNotFound
	}

	page := addr.Page.Page
	offset := int(addr.Offset)

	buf, next, _, err := w.readPageLocked(page)
	if err != nil {
		return nil, err
	}
	if offset+4 > len(buf) {
		return nil, ErrCorrupted
	}
	size := binary.LittleEndian.Uint32(buf[offset : offset+4])
	offset += 4

	body := make([]byte, 0, size)
	for uint32(len(body)) < size {
		avail := len(buf) - offset
		if avail <= 0 {
			if next == core.NullPageID {
				return nil, ErrCorrupted
			}
			page = next
			buf, next, _, err = w.readPageLocked(page)
			if err != nil {
				return nil, err
			}
			offset = pageLinkSize
			continue
		}
		need := int(size) - len(body)
		if need > avail {
			need = avail
		}
		body = append(body, buf[offset:offset+need]...)
		offset += need
	}

	rec, err := core.DeserializeUndoLogRecord(body)
	if err != nil {
		return nil, err
	}
	if rec.Address.Lsn != addr.Lsn {
		return nil, errors.Wrapf(ErrCorrupted, "record at %s carries address lsn %d, want %d",
			addr.Page.String(), rec.Address.Lsn, addr.Lsn)
	}
	return rec, nil
}
