package core

import "encoding/binary"

// LoggedPageHeaderSize is the fixed 32-byte header every logged data
// page begins with, ahead of access-method-specific content.
const LoggedPageHeaderSize = 8 + PointerSize + 8

// LoggedPageHeader anchors recovery and MVCC traversal for one data
// page: the last redo LSN applied to it, the most recent undo record
// written against it, and the oldest still-live undo record on it.
//
// pageFirstLSN <= pageUndoNxtLSN.Lsn must hold for any page that has
// ever been updated (see invariants in spec §3).
type LoggedPageHeader struct {
	PageLSN        LSN
	PageUndoNxtLSN UndoPointer
	PageFirstLSN   LSN
}

// Serialize writes h into buf, which must be at least
// LoggedPageHeaderSize bytes.
func (h *LoggedPageHeader) Serialize(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.PageLSN))
	h.PageUndoNxtLSN.PutTo(buf[8 : 8+PointerSize])
	binary.LittleEndian.PutUint64(buf[8+PointerSize:8+PointerSize+8], uint64(h.PageFirstLSN))
}

// Deserialize reads h from buf, which must be at least
// LoggedPageHeaderSize bytes.
func (h *LoggedPageHeader) Deserialize(buf []byte) {
	h.PageLSN = LSN(binary.LittleEndian.Uint64(buf[0:8]))
	h.PageUndoNxtLSN = UndoPointerFrom(buf[8 : 8+PointerSize])
	h.PageFirstLSN = LSN(binary.LittleEndian.Uint64(buf[8+PointerSize : 8+PointerSize+8]))
}

// RecordsUpdate folds a newly applied redo LSN and its paired undo
// pointer into the header, maintaining the pageFirstLSN <=
// pageUndoNxtLSN.Lsn invariant.
func (h *LoggedPageHeader) RecordsUpdate(redoLSN LSN, undo UndoPointer) {
	h.PageLSN = redoLSN
	if h.PageFirstLSN == NoLSN {
		h.PageFirstLSN = undo.Lsn
	}
	h.PageUndoNxtLSN = undo
}
