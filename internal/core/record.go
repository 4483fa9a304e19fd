package core

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RecordType tags a redo log record body. Segment-type and page-type
// dispatch (spec §9 "virtual dispatch") live in the segment package as a
// tagged byte plus a function table, the same idiom used here for the
// record kind itself.
type RecordType uint8

const (
	// RecUpdate records a logical page mutation.
	RecUpdate RecordType = iota
	// RecCLR is a compensation log record written while undoing RecUpdate.
	RecCLR
	// RecBeginCheckpoint opens a fuzzy checkpoint.
	RecBeginCheckpoint
	// RecEndCheckpoint closes a fuzzy checkpoint, carrying the dirty-page table.
	RecEndCheckpoint
	// RecCommit marks a transaction durable.
	RecCommit
)

func (t RecordType) String() string {
	switch t {
	case RecUpdate:
		return "UPDATE"
	case RecCLR:
		return "CLR"
	case RecBeginCheckpoint:
		return "BEGIN_CHECKPOINT"
	case RecEndCheckpoint:
		return "END_CHECKPOINT"
	case RecCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// Attachment is one entry of a record's variable-length data list: a
// caller-defined flag byte (access methods use it to distinguish e.g.
// "before image" from "after image") plus the bytes themselves.
type Attachment struct {
	Flag byte
	Data []byte
}

// RedoLogRecord is one entry in the redo log stream. TransID, SegmentID,
// PageID, SegmentType and PageType let recovery and the MVCC undo
// callback dispatch route the record without decoding its attachments.
// On a record written through logmgr.WriteUndoRedo, UndoNxtLSN is the
// address of its paired undo record; for a CLR, that paired undo record
// in turn names the undo record being nullified.
type RedoLogRecord struct {
	Type        RecordType
	TransID     uint64
	SegmentID   PageId
	PageID      PageId
	SegmentType byte
	PageType    byte
	UndoNxtLSN  UndoPointer
	Data        []Attachment

	// LSN is assigned by the redo log writer at Append time; it is not
	// part of the serialized body (LSNs are assigned one per record in
	// write order, so a walk of the framing implies them).
	LSN LSN
}

// UndoLogRecord is a RedoLogRecord plus the fields only the undo log
// needs: its own address (assigned by the undo log writer at write
// time) and the previous undo record written against the same page.
type UndoLogRecord struct {
	RedoLogRecord
	Address        UndoPointer
	PageUndoNxtLSN UndoPointer
}

var errRecordTruncated = errors.New("core: record buffer truncated")

// bodyFixedSize returns the serialized size of the fixed header portion
// (everything up to and including dataCount); Size adds the attachment
// list on top.
func bodyFixedSize() int {
	return 1 + 8 + 6 + 6 + 1 + 1 + PointerSize + 4
}

// Size returns the total serialized size of r's redo body.
func (r *RedoLogRecord) Size() int {
	size := bodyFixedSize()
	for _, a := range r.Data {
		size += 1 + 4 + len(a.Data)
	}
	return size
}

// Serialize encodes r per spec §6's redo log record body layout:
// type|transId|segmentId|pageId|segmentType|pageType|undoNxtLSN|dataCount|entries.
func (r *RedoLogRecord) Serialize() []byte {
	buf := make([]byte, r.Size())
	r.SerializeTo(buf)
	return buf
}

// SerializeTo writes r into buf, which must be at least r.Size() bytes.
func (r *RedoLogRecord) SerializeTo(buf []byte) {
	off := 0
	buf[off] = byte(r.Type)
	off++
	binary.LittleEndian.PutUint64(buf[off:off+8], r.TransID)
	off += 8
	putPageId6(buf[off:off+6], r.SegmentID)
	off += 6
	putPageId6(buf[off:off+6], r.PageID)
	off += 6
	buf[off] = r.SegmentType
	off++
	buf[off] = r.PageType
	off++
	r.UndoNxtLSN.PutTo(buf[off : off+PointerSize])
	off += PointerSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Data)))
	off += 4
	for _, a := range r.Data {
		buf[off] = a.Flag
		off++
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(a.Data)))
		off += 4
		copy(buf[off:], a.Data)
		off += len(a.Data)
	}
}

// DeserializeRedoLogRecord decodes a RedoLogRecord from buf.
func DeserializeRedoLogRecord(buf []byte) (*RedoLogRecord, error) {
	if len(buf) < bodyFixedSize() {
		return nil, errRecordTruncated
	}
	r := &RedoLogRecord{}
	off := 0
	r.Type = RecordType(buf[off])
	off++
	r.TransID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.SegmentID = pageId6(buf[off : off+6])
	off += 6
	r.PageID = pageId6(buf[off : off+6])
	off += 6
	r.SegmentType = buf[off]
	off++
	r.PageType = buf[off]
	off++
	r.UndoNxtLSN = UndoPointerFrom(buf[off : off+PointerSize])
	off += PointerSize
	count := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4

	r.Data = make([]Attachment, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+5 > len(buf) {
			return nil, errRecordTruncated
		}
		flag := buf[off]
		off++
		length := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(length) > len(buf) {
			return nil, errRecordTruncated
		}
		data := make([]byte, length)
		copy(data, buf[off:off+int(length)])
		off += int(length)
		r.Data = append(r.Data, Attachment{Flag: flag, Data: data})
	}

	return r, nil
}

// Size returns the total serialized size of r's undo body: the redo
// body plus the 16-byte address and 16-byte pageUndoNxtLSN pointers.
func (r *UndoLogRecord) Size() int {
	return r.RedoLogRecord.Size() + PointerSize + PointerSize
}

// Serialize encodes r: the redo body followed by address and pageUndoNxtLSN.
func (r *UndoLogRecord) Serialize() []byte {
	buf := make([]byte, r.Size())
	redoSize := r.RedoLogRecord.Size()
	r.RedoLogRecord.SerializeTo(buf[:redoSize])
	r.Address.PutTo(buf[redoSize : redoSize+PointerSize])
	r.PageUndoNxtLSN.PutTo(buf[redoSize+PointerSize : redoSize+2*PointerSize])
	return buf
}

// DeserializeUndoLogRecord decodes an UndoLogRecord from buf.
func DeserializeUndoLogRecord(buf []byte) (*UndoLogRecord, error) {
	redo, err := DeserializeRedoLogRecord(buf)
	if err != nil {
		return nil, err
	}
	redoSize := redo.Size()
	if len(buf) < redoSize+2*PointerSize {
		return nil, errRecordTruncated
	}
	return &UndoLogRecord{
		RedoLogRecord:  *redo,
		Address:        UndoPointerFrom(buf[redoSize : redoSize+PointerSize]),
		PageUndoNxtLSN: UndoPointerFrom(buf[redoSize+PointerSize : redoSize+2*PointerSize]),
	}, nil
}

func putPageId6(buf []byte, p PageId) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.FileID))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(p.Page))
}

func pageId6(buf []byte) PageId {
	return PageId{
		FileID: FileID(binary.LittleEndian.Uint16(buf[0:2])),
		Page:   PageID(binary.LittleEndian.Uint32(buf[2:6])),
	}
}
