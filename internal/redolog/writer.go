package redolog

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

// Indicator bytes lead every framed record.
const (
	IndicatorBad  byte = 0x00
	IndicatorOK   byte = 0xFD
	IndicatorWrap byte = 0xFE
	IndicatorEOL  byte = 0xFF
)

// Overhead is the non-body framing cost: indicator + size + eol.
const Overhead = 1 + 2 + 1

// DefaultCapacity is the default circular file size in bytes.
const DefaultCapacity = 16 * 1024 * 1024

var (
	// ErrLogExhausted is returned when a write would overrun the firewall.
	ErrLogExhausted = errors.New("redolog: log exhausted")
	// ErrRecordTooLarge is returned when a record's body exceeds the
	// 16-bit size field.
	ErrRecordTooLarge = errors.New("redolog: record body too large")
	// ErrUnknownLSN is returned by FlushTo/GetRemaining for an LSN this
	// writer never assigned.
	ErrUnknownLSN = errors.New("redolog: unknown LSN")
	// ErrCorrupted is returned by the iterator on a BAD indicator or a
	// framing inconsistency.
	ErrCorrupted = errors.New("redolog: corrupted record")
)

type recordLoc struct {
	offset int64 // absolute (unwrapped) byte offset of the indicator byte
	size   uint16
}

// Writer is the redo log writer described in spec §4.3.
type Writer struct {
	mu sync.Mutex

	file     *os.File
	capacity int64
	growth   int64

	endOfLog       int64 // next absolute offset to write at
	flushed        int64 // absolute offset physically durable on disk
	doNotOverwrite int64 // firewall: records below this must not be overwritten

	staging []byte // staging[i] holds the byte at absolute offset flushed+i

	nextLSN core.LSN
	locs    map[core.LSN]recordLoc
}

// Open opens or creates a circular redo log file of the given capacity,
// recovering nextLSN, endOfLog, flushed and the locs index by scanning
// whatever is already physically on disk (recoverLocked) — a freshly
// truncated, zero-filled file scans to the same empty state Open used
// to hardcode, so new and reopened files go through the same path.
func Open(path string, capacity int64) (*Writer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "redolog: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "redolog: size file")
		}
	}
	w := &Writer{
		file:     f,
		capacity: capacity,
		growth:   capacity / 8,
		locs:     make(map[core.LSN]recordLoc),
	}
	if err := w.recoverLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recoverLocked rebuilds nextLSN, endOfLog, flushed and the locs index
// by walking the framing physically from file offset 0, the same
// follow-the-chain-until-it-stops-looking-valid idiom
// undolog.Writer.Open uses (recoverAllocationLocked / recoverGCLocked /
// rebuildCursorLocked) — there is no separate control page here, so the
// record chain itself is the only persisted state to rebuild from.
// Every record walked here was necessarily written by a prior FlushTo
// (Append only stages bytes in memory), so the whole recovered range is
// already durable: flushed is set equal to the recovered endOfLog, and
// doNotOverwrite resets to 0, the most conservative firewall — a
// reopened log does not remember the firewall in effect at crash time,
// so it starts by protecting everything it finds and lets subsequent
// MoveFirewallTo calls push the firewall forward again.
func (w *Writer) recoverLocked() error {
	var offset int64
	var lastLSN core.LSN

	for {
		indicator, size, err := w.peekIndicatorLocked(offset)
		if err != nil {
			return errors.Wrap(err, "redolog: recovery scan")
		}
		switch indicator {
		case IndicatorOK:
			lastLSN++
			w.locs[lastLSN] = recordLoc{offset: offset, size: size}
			offset += 3 + int64(size)
		case IndicatorWrap:
			offset += w.capacity - (offset % w.capacity)
		default:
			// EOL marks the durable end of the log; anything else
			// (BAD, uninitialized zero bytes, or an unflushed record's
			// never-written indicator) marks the end of what can be
			// trusted as physically durable.
			w.endOfLog = offset
			w.flushed = offset
			w.nextLSN = lastLSN + 1
			return nil
		}
	}
}

// EndOfLog returns the LSN that will be assigned to the next Append.
func (w *Writer) EndOfLog() core.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// StartOfLog returns the oldest LSN still addressable in this writer,
// or NoLSN when the log holds no records at all.
func (w *Writer) StartOfLog() core.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	var oldest core.LSN
	for lsn := range w.locs {
		if oldest == core.NoLSN || lsn < oldest {
			oldest = lsn
		}
	}
	return oldest
}

// GetRemaining returns the free space behind recLSN: capacity minus the
// distance already consumed between recLSN's offset and the current
// end of log.
func (w *Writer) GetRemaining(recLSN core.LSN) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	loc, ok := w.locs[recLSN]
	if !ok {
		return 0, ErrUnknownLSN
	}
	return w.capacity - (w.endOfLog - loc.offset), nil
}

// MoveFirewallTo advances the non-decreasing doNotOverwrite mark to
// recLSN's offset and drops the index entries behind it: once a
// record's bytes may be overwritten by a future wrap, its LSN must
// stop resolving, or a later Read would hand back whatever now
// occupies that offset. Pruning here also keeps the in-memory index
// bounded the same way the circular file bounds the disk.
func (w *Writer) MoveFirewallTo(recLSN core.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	loc, ok := w.locs[recLSN]
	if !ok {
		return ErrUnknownLSN
	}
	if loc.offset > w.doNotOverwrite {
		w.doNotOverwrite = loc.offset
		for lsn, l := range w.locs {
			if l.offset < w.doNotOverwrite {
				delete(w.locs, lsn)
			}
		}
	}
	return nil
}

// Append serializes rec, assigns it the next LSN, and stages it for a
// later FlushTo. Wrapping past the end of the physical file emits a
// WRAP indicator and skips to file start; if the record still does not
// fit ahead of the firewall, ErrLogExhausted is returned.
func (w *Writer) Append(rec *core.RedoLogRecord) (core.LSN, error) {
	body := rec.Serialize()
	if len(body) > 0xFFFF {
		return core.NoLSN, ErrRecordTooLarge
	}
	framedSize := int64(len(body)) + Overhead

	w.mu.Lock()
	defer w.mu.Unlock()

	physPos := w.endOfLog % w.capacity
	remaining := w.capacity - physPos
	if remaining < framedSize && physPos != 0 {
		w.ensureStagingLocked(1)
		w.stageByteLocked(w.endOfLog, IndicatorWrap)
		w.endOfLog += remaining
	}

	free := w.capacity - (w.endOfLog - w.doNotOverwrite)
	if free < framedSize {
		return core.NoLSN, ErrLogExhausted
	}

	address := w.endOfLog
	lsn := w.nextLSN
	w.nextLSN++

	w.ensureStagingLocked(framedSize)
	w.stageByteLocked(address, IndicatorOK)
	var sizeBuf [2]byte
	binary.LittleEndian.PutUint16(sizeBuf[:], uint16(len(body)))
	w.stageBytesLocked(address+1, sizeBuf[:])
	w.stageBytesLocked(address+3, body)
	w.endOfLog = address + 3 + int64(len(body))

	rec.LSN = lsn
	w.locs[lsn] = recordLoc{offset: address, size: uint16(len(body))}
	return lsn, nil
}

// ensureStagingLocked grows the staging buffer, in chunks of capacity/8,
// so that it can hold at least `additional` more bytes past endOfLog.
func (w *Writer) ensureStagingLocked(additional int64) {
	need := int(w.endOfLog - w.flushed + additional)
	if need <= len(w.staging) {
		return
	}
	chunk := w.growth
	if chunk < 1 {
		chunk = 4096
	}
	newCap := int64(len(w.staging))
	for newCap < int64(need) {
		newCap += chunk
	}
	grown := make([]byte, newCap)
	copy(grown, w.staging)
	w.staging = grown
}

func (w *Writer) stageByteLocked(absOffset int64, b byte) {
	w.staging[absOffset-w.flushed] = b
}

func (w *Writer) stageBytesLocked(absOffset int64, data []byte) {
	copy(w.staging[absOffset-w.flushed:], data)
}

// FlushTo makes every record with LSN <= lsn durable: it extends the
// commit mark to cover the full record at lsn, writes the staged bytes
// physically (splitting the write in two if the range wraps), stamps
// an EOL indicator just past the commit mark, and compacts the
// staging buffer by dropping the now-durable prefix.
func (w *Writer) FlushTo(lsn core.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushToLocked(lsn)
}

func (w *Writer) flushToLocked(lsn core.LSN) error {
	if lsn == core.NoLSN {
		return nil
	}
	loc, ok := w.locs[lsn]
	if !ok {
		return ErrUnknownLSN
	}
	commitMark := loc.offset + 1 + 2 + int64(loc.size)
	if commitMark <= w.flushed {
		return nil
	}

	commitLen := commitMark - w.flushed
	if err := w.writeWrappedLocked(w.flushed, w.staging[:commitLen]); err != nil {
		return err
	}

	eolPos := commitMark % w.capacity
	if _, err := w.file.WriteAt([]byte{IndicatorEOL}, eolPos); err != nil {
		return errors.Wrap(err, "redolog: stamp EOL")
	}

	copy(w.staging, w.staging[commitLen:])
	w.staging = w.staging[:len(w.staging)-int(commitLen)]
	w.flushed = commitMark
	return nil
}

// writeWrappedLocked physically writes data (len(data) bytes logically
// starting at absolute offset start) to the file, splitting the write
// at the capacity boundary if it crosses it.
func (w *Writer) writeWrappedLocked(start int64, data []byte) error {
	physStart := start % w.capacity
	firstLen := w.capacity - physStart
	if firstLen > int64(len(data)) {
		firstLen = int64(len(data))
	}
	if _, err := w.file.WriteAt(data[:firstLen], physStart); err != nil {
		return errors.Wrap(err, "redolog: write")
	}
	if firstLen < int64(len(data)) {
		if _, err := w.file.WriteAt(data[firstLen:], 0); err != nil {
			return errors.Wrap(err, "redolog: write after wrap")
		}
	}
	return nil
}

// Sync flushes every staged record and fsyncs the file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	if err := w.flushToLocked(w.nextLSN - 1); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	return w.file.Sync()
}

// Close syncs and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Read dereferences a record previously written at lsn. It is only
// valid for records within [doNotOverwrite, endOfLog) that have
// already been flushed to disk or are still present in the staging
// buffer.
func (w *Writer) Read(lsn core.LSN) (*core.RedoLogRecord, error) {
	w.mu.Lock()
	loc, ok := w.locs[lsn]
	w.mu.Unlock()
	if !ok {
		return nil, ErrUnknownLSN
	}
	return w.readAt(loc)
}

func (w *Writer) readAt(loc recordLoc) (*core.RedoLogRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if loc.offset >= w.flushed {
		rel := loc.offset - w.flushed
		if rel+3+int64(loc.size) > int64(len(w.staging)) {
			return nil, ErrCorrupted
		}
		body := w.staging[rel+3 : rel+3+int64(loc.size)]
		return core.DeserializeRedoLogRecord(body)
	}

	physPos := loc.offset % w.capacity
	header := make([]byte, 3)
	if _, err := w.file.ReadAt(header, physPos); err != nil {
		return nil, errors.Wrap(err, "redolog: read header")
	}
	if header[0] != IndicatorOK {
		return nil, ErrCorrupted
	}
	size := binary.LittleEndian.Uint16(header[1:3])
	body := make([]byte, size)
	bodyStart := (physPos + 3) % w.capacity
	if bodyStart+int64(size) <= w.capacity {
		if _, err := w.file.ReadAt(body, bodyStart); err != nil {
			return nil, errors.Wrap(err, "redolog: read body")
		}
	} else {
		firstLen := w.capacity - bodyStart
		if _, err := w.file.ReadAt(body[:firstLen], bodyStart); err != nil {
			return nil, errors.Wrap(err, "redolog: read body (pre-wrap)")
		}
		if _, err := w.file.ReadAt(body[firstLen:], 0); err != nil {
			return nil, errors.Wrap(err, "redolog: read body (post-wrap)")
		}
	}
	return core.DeserializeRedoLogRecord(body)
}
