package checkpointer

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

var errTruncatedEntry = errors.New("checkpointer: truncated dirty-page table entry")

const entrySize = 6 + 8 // PageId(6) + RecLSN(8)

// encodeDirtyPageTable packs entries into a single core.Attachment
// suitable for a RecEndCheckpoint body.
func encodeDirtyPageTable(entries []core.DirtyPageEntry) core.Attachment {
	buf := make([]byte, len(entries)*entrySize)
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(e.Page.FileID))
		binary.LittleEndian.PutUint32(buf[off+2:off+6], uint32(e.Page.Page))
		binary.LittleEndian.PutUint64(buf[off+6:off+14], uint64(e.RecLSN))
		off += entrySize
	}
	return core.Attachment{Flag: 0, Data: buf}
}

// DecodeDirtyPageTable reverses encodeDirtyPageTable. Recovery's
// analysis pass uses this to seed its dirty-page table from the most
// recent RecEndCheckpoint rather than scanning the whole log.
func DecodeDirtyPageTable(a core.Attachment) ([]core.DirtyPageEntry, error) {
	if len(a.Data)%entrySize != 0 {
		return nil, errTruncatedEntry
	}
	entries := make([]core.DirtyPageEntry, 0, len(a.Data)/entrySize)
	for off := 0; off < len(a.Data); off += entrySize {
		entries = append(entries, core.DirtyPageEntry{
			Page: core.PageId{
				FileID: core.FileID(binary.LittleEndian.Uint16(a.Data[off : off+2])),
				Page:   core.PageID(binary.LittleEndian.Uint32(a.Data[off+2 : off+6])),
			},
			RecLSN: core.LSN(binary.LittleEndian.Uint64(a.Data[off+6 : off+14])),
		})
	}
	return entries, nil
}

// minRecLSN returns the smallest RecLSN among entries, or fallback if
// entries is empty (nothing is dirty, so the firewall can advance all
// the way to the checkpoint's own begin record).
func minRecLSN(entries []core.DirtyPageEntry, fallback core.LSN) core.LSN {
	if len(entries) == 0 {
		return fallback
	}
	min := entries[0].RecLSN
	for _, e := range entries[1:] {
		if e.RecLSN < min {
			min = e.RecLSN
		}
	}
	return min
}
