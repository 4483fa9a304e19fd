package undolog

import (
	"encoding/binary"

	"github.com/cooldb-io/cooldb/internal/core"
)

// DefaultExtentSize is the default number of pages per extent.
const DefaultExtentSize = 64

// controlPageSize is the serialized size of controlBlock.
const controlPageSize = core.PointerSize + 4*4 + 4 + 4 + 4*2 + 4*2

// controlBlock is the content of page 0 of an undo log file.
type controlBlock struct {
	MinUndo    core.UndoPointer
	Head       core.PageID // first page of the active list
	Tail       core.PageID // persisted flush frontier
	Free       core.PageID // head of the free list
	ExtentSize uint32
	Extents    uint32

	// In-flight extent allocation bookkeeping. UndoPage non-null means a
	// free-list pop was interrupted and must be undone at recovery:
	// UndoPage is the extent being popped, UndoNextFree the free-list
	// remainder behind it, UndoPrevTail the active tail it was being
	// appended to.
	UndoPage     core.PageID
	UndoNextFree core.PageID
	UndoPrevTail core.PageID

	// In-flight garbage collection bookkeeping. RedoGCPage non-null
	// means a GC move was interrupted and must be redone at recovery.
	RedoGCPage core.PageID
	RedoGCNext core.PageID
}

func (c *controlBlock) serialize(buf []byte) {
	off := 0
	c.MinUndo.PutTo(buf[off : off+core.PointerSize])
	off += core.PointerSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.Head))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.Tail))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.Free))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], c.ExtentSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], c.Extents)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.UndoPage))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.UndoNextFree))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.UndoPrevTail))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.RedoGCPage))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c.RedoGCNext))
}

func deserializeControlBlock(buf []byte) *controlBlock {
	c := &controlBlock{}
	off := 0
	c.MinUndo = core.UndoPointerFrom(buf[off : off+core.PointerSize])
	off += core.PointerSize
	c.Head = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.Tail = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.Free = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.ExtentSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	c.Extents = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	c.UndoPage = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.UndoNextFree = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.UndoPrevTail = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.RedoGCPage = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	c.RedoGCNext = core.PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
	return c
}

// pageLinkSize is the header every non-control page carries: the next
// page in whichever list it belongs to, plus the highest LSN of any
// record written anywhere on the page.
const pageLinkSize = 4 + 8

func putPageLink(buf []byte, next core.PageID, lastLSN core.LSN) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(next))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(lastLSN))
}

func readPageLink(buf []byte) (next core.PageID, lastLSN core.LSN) {
	next = core.PageID(binary.LittleEndian.Uint32(buf[0:4]))
	lastLSN = core.LSN(binary.LittleEndian.Uint64(buf[4:12]))
	return
}
