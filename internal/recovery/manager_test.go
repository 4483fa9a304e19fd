package recovery

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cooldb-io/cooldb/internal/buffer"
	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/filestore"
	"github.com/cooldb-io/cooldb/internal/logmgr"
	"github.com/cooldb-io/cooldb/internal/redolog"
	"github.com/cooldb-io/cooldb/internal/storage/segment"
	"github.com/cooldb-io/cooldb/internal/trans"
	"github.com/cooldb-io/cooldb/internal/txpool"
	"github.com/cooldb-io/cooldb/internal/undolog"
)

// Same single-byte-slot test segment the trans package exercises:
// attachments are [offset:u16][byte], undo carries the before image
// (flag 1), redo the after image (flag 0).
const slotSegType byte = 1

func applySlots(data []byte, atts []core.Attachment, flag byte) {
	for _, a := range atts {
		if a.Flag != flag {
			continue
		}
		off := binary.LittleEndian.Uint16(a.Data[:2])
		copy(data[core.LoggedPageHeaderSize+int(off):], a.Data[2:])
	}
}

func registerSlotSegment(reg *segment.Registry) {
	reg.Register(slotSegType, func(rec *core.UndoLogRecord, data []byte) error {
		applySlots(data, rec.Data, 1)
		return nil
	})
	reg.RegisterRedo(slotSegType, func(rec *core.RedoLogRecord, data []byte) error {
		applySlots(data, rec.Data, 0)
		return nil
	})
}

func slotUpdatePair(page core.PageId, off uint16, before, after byte) (*core.UndoLogRecord, *core.RedoLogRecord) {
	att := func(flag byte, b byte) core.Attachment {
		d := make([]byte, 3)
		binary.LittleEndian.PutUint16(d, off)
		d[2] = b
		return core.Attachment{Flag: flag, Data: d}
	}
	undo := &core.UndoLogRecord{RedoLogRecord: core.RedoLogRecord{
		Type:        core.RecUpdate,
		SegmentID:   page,
		PageID:      page,
		SegmentType: slotSegType,
		Data:        []core.Attachment{att(1, before)},
	}}
	redo := &core.RedoLogRecord{
		Type:        core.RecUpdate,
		SegmentID:   page,
		PageID:      page,
		SegmentType: slotSegType,
		Data:        []core.Attachment{att(0, after)},
	}
	return undo, redo
}

// env is one "incarnation" of the database over a shared directory.
// Dropping an env without closing anything simulates a crash: staged
// buffer-pool pages die, flushed log records survive.
type env struct {
	store *filestore.Manager
	redo  *redolog.Writer
	undo  *undolog.Writer
	lm    *logmgr.Manager
	buf   *buffer.Pool
	reg   *segment.Registry
	pool  *txpool.Pool
	tm    *trans.Manager
}

func openEnv(t *testing.T, dir string) *env {
	t.Helper()

	store := filestore.NewManager(filestore.DefaultOptions())
	require.NoError(t, store.Add(0, filepath.Join(dir, "data.cdb")))

	redo, err := redolog.Open(filepath.Join(dir, "redo.log"), 1<<20)
	require.NoError(t, err)
	undo, err := undolog.Open(store, 1, filepath.Join(dir, "undo.cdb"))
	require.NoError(t, err)
	lm := logmgr.New(redo, undo)

	pool := txpool.New()
	buf := buffer.New(store, lm, pool, buffer.Options{Capacity: 64, MaxCapacity: 256, DirtyRatio: 0.5})
	reg := segment.NewRegistry()
	registerSlotSegment(reg)

	return &env{
		store: store,
		redo:  redo,
		undo:  undo,
		lm:    lm,
		buf:   buf,
		reg:   reg,
		pool:  pool,
		tm:    trans.New(pool, lm, buf, reg, nil),
	}
}

func (e *env) recover(t *testing.T) {
	t.Helper()
	require.NoError(t, New(e.lm, e.buf, e.reg, e.pool, nil).Recover())
}

// writeTen logs ten single-byte updates on page, values 1..10 at
// offsets 0..9, and flushes the log through the last of them.
func writeTen(t *testing.T, e *env, page core.PageId) *txpool.Transaction {
	t.Helper()
	tx, err := e.tm.Begin(false)
	require.NoError(t, err)

	tok, err := e.buf.PinNew(page)
	require.NoError(t, err)
	data, err := e.buf.Data(tok)
	require.NoError(t, err)

	var last core.LSN
	for i := 0; i < 10; i++ {
		u, r := slotUpdatePair(page, uint16(i), 0, byte(i+1))
		lsn, err := e.tm.Update(tx, u, r, tok)
		require.NoError(t, err)
		data[core.LoggedPageHeaderSize+i] = byte(i + 1)
		last = lsn
	}
	require.NoError(t, e.buf.UnPinDirty(tok, buffer.AffinityLiked, last))
	require.NoError(t, e.lm.FlushTo(last))
	return tx
}

func readSlots(t *testing.T, e *env, page core.PageId) []byte {
	t.Helper()
	tok, err := e.buf.Pin(page, buffer.Shared, true)
	require.NoError(t, err)
	data, err := e.buf.Data(tok)
	require.NoError(t, err)
	out := make([]byte, 10)
	copy(out, data[core.LoggedPageHeaderSize:core.LoggedPageHeaderSize+10])
	require.NoError(t, e.buf.UnPin(tok, buffer.AffinityLiked))
	return out
}

func TestCrashBeforeCommitLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	page := core.PageId{FileID: 0, Page: 2}

	e1 := openEnv(t, dir)
	writeTen(t, e1, page)
	// Crash: no commit record, dirty pages never checkpointed.

	e2 := openEnv(t, dir)
	e2.recover(t)

	require.Equal(t, make([]byte, 10), readSlots(t, e2, page))

	// The id space moved past the loser.
	tx, err := e2.tm.Begin(false)
	require.NoError(t, err)
	require.Greater(t, tx.TransID, uint64(1))
}

func TestCrashAfterCommitKeepsEveryUpdate(t *testing.T) {
	dir := t.TempDir()
	page := core.PageId{FileID: 0, Page: 2}

	e1 := openEnv(t, dir)
	tx := writeTen(t, e1, page)
	require.NoError(t, e1.tm.Commit(tx))
	// Crash after the COMMIT record is stable but before any checkpoint.

	e2 := openEnv(t, dir)
	e2.recover(t)

	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, readSlots(t, e2, page))

	tx2, err := e2.tm.Begin(false)
	require.NoError(t, err)
	require.Greater(t, tx2.TransID, uint64(1))
}

func TestRecoveryIsIdempotentAcrossRepeatedCrashes(t *testing.T) {
	dir := t.TempDir()
	page := core.PageId{FileID: 0, Page: 2}

	e1 := openEnv(t, dir)
	writeTen(t, e1, page)

	// First crash and recovery reverses the loser via CLRs.
	e2 := openEnv(t, dir)
	e2.recover(t)
	require.Equal(t, make([]byte, 10), readSlots(t, e2, page))

	// A second crash immediately after: the CLR chain and the loser's
	// resolution record must make the next recovery a no-op.
	e3 := openEnv(t, dir)
	e3.recover(t)
	require.Equal(t, make([]byte, 10), readSlots(t, e3, page))
}

func TestRecoveryOnEmptyLogsIsANoOp(t *testing.T) {
	dir := t.TempDir()
	e := openEnv(t, dir)
	e.recover(t)

	tx, err := e.tm.Begin(false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), tx.TransID)
}

func TestMixedOutcomeRecovery(t *testing.T) {
	dir := t.TempDir()
	committedPage := core.PageId{FileID: 0, Page: 2}
	loserPage := core.PageId{FileID: 0, Page: 3}

	e1 := openEnv(t, dir)
	winner := writeTen(t, e1, committedPage)
	require.NoError(t, e1.tm.Commit(winner))
	writeTen(t, e1, loserPage)
	// Crash with one committed and one in-flight transaction.

	e2 := openEnv(t, dir)
	e2.recover(t)

	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, readSlots(t, e2, committedPage))
	require.Equal(t, make([]byte, 10), readSlots(t, e2, loserPage))
}
