package redolog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cooldb-io/cooldb/internal/core"
)

func newTestWriter(t *testing.T, capacity int64) *Writer {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), "redo.log"), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func sampleRecord(txID uint64) *core.RedoLogRecord {
	return &core.RedoLogRecord{
		Type:        core.RecUpdate,
		TransID:     txID,
		SegmentID:   core.PageId{FileID: 0, Page: 1},
		PageID:      core.PageId{FileID: 0, Page: 2},
		SegmentType: 1,
		PageType:    1,
		Data:        []core.Attachment{{Flag: 1, Data: []byte("before")}, {Flag: 2, Data: []byte("after")}},
	}
}

func TestAppendThenReadRoundTrip(t *testing.T) {
	w := newTestWriter(t, DefaultCapacity)
	rec := sampleRecord(7)

	lsn, err := w.Append(rec)
	require.NoError(t, err)
	require.Equal(t, core.LSN(1), lsn)

	require.NoError(t, w.FlushTo(lsn))

	got, err := w.Read(lsn)
	require.NoError(t, err)
	require.Equal(t, rec.TransID, got.TransID)
	require.Equal(t, rec.Data, got.Data)
}

func TestFlushToIsIdempotentAndMonotonic(t *testing.T) {
	w := newTestWriter(t, DefaultCapacity)
	var last core.LSN
	for i := 0; i < 5; i++ {
		lsn, err := w.Append(sampleRecord(uint64(i)))
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, w.FlushTo(last))
	require.NoError(t, w.FlushTo(last)) // no-op second time
}

func TestGetRemainingShrinksAsLogGrows(t *testing.T) {
	w := newTestWriter(t, 4096)
	first, err := w.Append(sampleRecord(1))
	require.NoError(t, err)

	remAfterFirst, err := w.GetRemaining(first)
	require.NoError(t, err)

	_, err = w.Append(sampleRecord(2))
	require.NoError(t, err)

	remAfterSecond, err := w.GetRemaining(first)
	require.NoError(t, err)
	require.Less(t, remAfterSecond, remAfterFirst)
}

func TestMoveFirewallRejectsFurtherOverwrite(t *testing.T) {
	w := newTestWriter(t, 512) // small capacity to force exhaustion quickly
	var lastLSN core.LSN
	var firstErr error
	for i := 0; i < 1000; i++ {
		lsn, err := w.Append(sampleRecord(uint64(i)))
		if err != nil {
			firstErr = err
			break
		}
		lastLSN = lsn
	}
	require.ErrorIs(t, firstErr, ErrLogExhausted)
	require.NoError(t, w.MoveFirewallTo(lastLSN))
}

func TestMoveFirewallPrunesIndexBehindIt(t *testing.T) {
	w := newTestWriter(t, DefaultCapacity)
	var lsns []core.LSN
	for i := 0; i < 4; i++ {
		lsn, err := w.Append(sampleRecord(uint64(i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.FlushTo(lsns[len(lsns)-1]))

	require.NoError(t, w.MoveFirewallTo(lsns[2]))

	// Records behind the firewall may be overwritten by a future wrap;
	// their LSNs must stop resolving rather than read stale bytes.
	_, err := w.Read(lsns[0])
	require.ErrorIs(t, err, ErrUnknownLSN)
	_, err = w.Read(lsns[1])
	require.ErrorIs(t, err, ErrUnknownLSN)

	got, err := w.Read(lsns[2])
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.TransID)
	require.Equal(t, lsns[2], w.StartOfLog())
}

func TestReopenAfterFlushResumesLSNsWithoutOverwriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := Open(path, DefaultCapacity)
	require.NoError(t, err)

	var lsns []core.LSN
	for i := 0; i < 5; i++ {
		lsn, err := w.Append(sampleRecord(uint64(i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.FlushTo(lsns[len(lsns)-1]))
	require.NoError(t, w.Close())

	reopened, err := Open(path, DefaultCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.Equal(t, core.LSN(6), reopened.EndOfLog())

	for _, lsn := range lsns {
		got, err := reopened.Read(lsn)
		require.NoError(t, err)
		require.Equal(t, lsn-1, core.LSN(got.TransID))
	}

	next, err := reopened.Append(sampleRecord(99))
	require.NoError(t, err)
	require.Equal(t, core.LSN(6), next)

	// The pre-crash records must still be readable after the reopen.
	first, err := reopened.Read(lsns[0])
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.TransID)
}

func TestReopenAfterCrashDropsUnflushedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := Open(path, DefaultCapacity)
	require.NoError(t, err)

	flushedLSN, err := w.Append(sampleRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.FlushTo(flushedLSN))

	// Appended but never flushed: a crash right here must lose this
	// record, not durably reserve its LSN.
	_, err = w.Append(sampleRecord(2))
	require.NoError(t, err)
	require.NoError(t, w.file.Close()) // simulate a crash: no Sync/Flush

	reopened, err := Open(path, DefaultCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	require.Equal(t, core.LSN(2), reopened.EndOfLog())

	got, err := reopened.Read(flushedLSN)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.TransID)

	_, err = reopened.Read(core.LSN(2))
	require.ErrorIs(t, err, ErrUnknownLSN)

	// The next Append reissues LSN 2 and physically reoccupies the slot
	// the crashed, never-durable record would have used.
	lsn, err := reopened.Append(sampleRecord(3))
	require.NoError(t, err)
	require.Equal(t, core.LSN(2), lsn)
}

func TestIteratorWalksRecordsInOrder(t *testing.T) {
	w := newTestWriter(t, DefaultCapacity)
	var lsns []core.LSN
	for i := 0; i < 3; i++ {
		lsn, err := w.Append(sampleRecord(uint64(i)))
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.FlushTo(lsns[len(lsns)-1]))

	it, err := w.NewIterator(lsns[0])
	require.NoError(t, err)

	var seen []uint64
	for {
		rec, err := it.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		seen = append(seen, rec.TransID)
	}
	require.Equal(t, []uint64{0, 1, 2}, seen)
}
