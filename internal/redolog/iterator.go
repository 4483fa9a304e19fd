package redolog

import (
	"encoding/binary"

	"github.com/cooldb-io/cooldb/internal/core"
)

// Iterator walks the redo log physically from a starting offset,
// following WRAP indicators and stopping at EOL or a BAD byte. It is
// the tool recovery's analysis/redo passes use; ordinary callers use
// Read/Append instead.
type Iterator struct {
	w       *Writer
	offset  int64 // absolute (unwrapped)
	nextLSN core.LSN
	err     error
	stopped bool
}

// NewIterator starts an iterator at the offset recorded for startLSN.
func (w *Writer) NewIterator(startLSN core.LSN) (*Iterator, error) {
	w.mu.Lock()
	loc, ok := w.locs[startLSN]
	w.mu.Unlock()
	if !ok {
		return nil, ErrUnknownLSN
	}
	return &Iterator{w: w, offset: loc.offset, nextLSN: startLSN}, nil
}

// Next advances to and returns the next record, or (nil, nil) once the
// log's logical end is reached.
func (it *Iterator) Next() (*core.RedoLogRecord, error) {
	if it.stopped || it.err != nil {
		return nil, it.err
	}

	for {
		it.w.mu.Lock()
		indicator, size, readErr := it.w.peekIndicatorLocked(it.offset)
		it.w.mu.Unlock()
		if readErr != nil {
			it.err = readErr
			return nil, readErr
		}

		switch indicator {
		case IndicatorEOL:
			it.stopped = true
			return nil, nil
		case IndicatorWrap:
			physPos := it.offset % it.w.capacity
			it.offset += it.w.capacity - physPos
			continue
		case IndicatorBad:
			it.err = ErrCorrupted
			return nil, ErrCorrupted
		case IndicatorOK:
			rec, err := it.w.readAt(recordLoc{offset: it.offset, size: size})
			if err != nil {
				it.err = err
				return nil, err
			}
			// LSNs are assigned sequentially, one per record, so a
			// physical walk implies them without any in-body field.
			rec.LSN = it.nextLSN
			it.nextLSN++
			it.offset += 3 + int64(size) // step over indicator+size+body; EOL byte is the next indicator
			return rec, nil
		default:
			it.err = ErrCorrupted
			return nil, ErrCorrupted
		}
	}
}

// Err returns any error that stopped iteration early.
func (it *Iterator) Err() error {
	return it.err
}

// peekIndicatorLocked reads the indicator byte (and, for OK, the size
// field) at absolute offset abs, preferring the staging buffer when abs
// falls within the currently-unflushed window.
func (w *Writer) peekIndicatorLocked(abs int64) (byte, uint16, error) {
	if abs >= w.flushed && abs < w.flushed+int64(len(w.staging)) {
		if abs >= w.endOfLog {
			// Staging capacity past endOfLog holds no record yet.
			return IndicatorEOL, 0, nil
		}
		rel := abs - w.flushed
		b := w.staging[rel]
		if b == IndicatorOK && rel+3 <= int64(len(w.staging)) {
			return b, binary.LittleEndian.Uint16(w.staging[rel+1 : rel+3]), nil
		}
		return b, 0, nil
	}

	physPos := abs % w.capacity
	header := make([]byte, 3)
	if _, err := w.file.ReadAt(header, physPos); err != nil {
		return 0, 0, err
	}
	if header[0] == IndicatorOK {
		return header[0], binary.LittleEndian.Uint16(header[1:3]), nil
	}
	return header[0], 0, nil
}
