package core

import "encoding/binary"

// LSN is a log-sequence-number. Zero is reserved and must never be
// assigned to a real record; both the redo and undo LSN spaces are
// strictly increasing counters that start at 1.
type LSN uint64

// NoLSN is the zero value meaning "no LSN assigned."
const NoLSN LSN = 0

// PointerSize is the serialized width of an UndoPointer: a 6-byte
// PageId, a 2-byte offset, and an 8-byte LSN.
const PointerSize = 6 + 2 + 8

// UndoPointer addresses one undo log record: the physical (page, offset)
// location it was written at, plus its LSN. Equality between two
// UndoPointers is defined by LSN alone; the physical part only tells a
// reader where to fetch the record from.
type UndoPointer struct {
	Page   PageId
	Offset uint16
	Lsn    LSN
}

// NullUndoPointer is the sentinel meaning "no undo record."
var NullUndoPointer = UndoPointer{Page: NullPageId, Offset: 0, Lsn: NoLSN}

// IsNull reports whether p carries no LSN.
func (p UndoPointer) IsNull() bool {
	return p.Lsn == NoLSN
}

// Equal compares two UndoPointers by LSN only, per spec: the physical
// part is routing information, not identity.
func (p UndoPointer) Equal(other UndoPointer) bool {
	return p.Lsn == other.Lsn
}

// PutTo serializes p into buf (which must be at least PointerSize bytes)
// little-endian, matching the PageId(6)+offset:u16+lsn:u64 on-disk shape
// used in both the page header's pageUndoNxtLSN field and the undo
// control page's minUndo/tail fields.
func (p UndoPointer) PutTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Page.FileID))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(p.Page.Page))
	binary.LittleEndian.PutUint16(buf[6:8], p.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.Lsn))
}

// UndoPointerFrom deserializes an UndoPointer from buf (at least
// PointerSize bytes).
func UndoPointerFrom(buf []byte) UndoPointer {
	return UndoPointer{
		Page: PageId{
			FileID: FileID(binary.LittleEndian.Uint16(buf[0:2])),
			Page:   PageID(binary.LittleEndian.Uint32(buf[2:6])),
		},
		Offset: binary.LittleEndian.Uint16(buf[6:8]),
		Lsn:    LSN(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// DirtyPageEntry is one row of a checkpoint's dirty-page table: the page
// and the recLSN (oldest LSN that might still need replay for it).
type DirtyPageEntry struct {
	Page   PageId
	RecLSN LSN
}
