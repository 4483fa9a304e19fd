package trans

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cooldb-io/cooldb/internal/buffer"
	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/deadlock"
	"github.com/cooldb-io/cooldb/internal/logmgr"
	"github.com/cooldb-io/cooldb/internal/storage/segment"
	"github.com/cooldb-io/cooldb/internal/txpool"
)

var (
	// ErrSerializationConflict is returned by Update when a SERIALIZABLE
	// transaction touches a page already modified by a transaction its
	// snapshot cannot see. It is reported immediately, never waited out.
	ErrSerializationConflict = errors.New("trans: serialization conflict")
	// ErrTransactionCancelled is returned by Update once the deadlock
	// detector has chosen this transaction as a victim; the caller must
	// roll back.
	ErrTransactionCancelled = errors.New("trans: transaction cancelled")
	// ErrRollbackFailed wraps any failure to read or reverse an undo
	// record mid-rollback.
	ErrRollbackFailed = errors.New("trans: rollback failed")
)

// Manager is the transaction orchestrator. One instance serves the
// whole database; transactions themselves are handed out by the
// embedded pool.
type Manager struct {
	pool *txpool.Pool
	log  *logmgr.Manager
	buf  *buffer.Pool
	reg  *segment.Registry
	det  *deadlock.Detector
	lg   *zap.Logger
}

// New wires the orchestrator. A nil logger is replaced with zap.NewNop.
func New(pool *txpool.Pool, log *logmgr.Manager, buf *buffer.Pool, reg *segment.Registry, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Manager{
		pool: pool,
		log:  log,
		buf:  buf,
		reg:  reg,
		det:  deadlock.New(),
		lg:   lg,
	}
}

// Pool exposes the underlying transaction pool for callers that need
// quiesce or active-transaction snapshots.
func (m *Manager) Pool() *txpool.Pool {
	return m.pool
}

// Begin starts a transaction. Its commitLSN boundary is the undo log's
// current end: nothing older ever needs to be consulted to present
// this transaction's view.
func (m *Manager) Begin(serializable bool) (*txpool.Transaction, error) {
	t, err := m.pool.BeginTransaction(m.log.EndOfUndoLog())
	if err != nil {
		return nil, err
	}
	t.SetSerializable(serializable)
	return t, nil
}

// Update logs one page mutation for t against the EXCLUSIVE-pinned
// frame tok and folds it into the page header. The caller fills
// undoRec with the before-image attachments and redoRec with the
// after-image attachments; Update threads the transaction undo chain
// (undoRec.UndoNxtLSN), the page undo chain (undoRec.PageUndoNxtLSN)
// and the WAL pairing itself. It returns the redo LSN the caller must
// hand to UnPinDirty as the frame's endLSN.
//
// The caller applies the mutation to the frame bytes itself, before or
// after this call, while still holding the pin.
func (m *Manager) Update(t *txpool.Transaction, undoRec *core.UndoLogRecord, redoRec *core.RedoLogRecord, tok buffer.PinToken) (core.LSN, error) {
	if t.IsCancelled() {
		return core.NoLSN, ErrTransactionCancelled
	}

	data, err := m.buf.Data(tok)
	if err != nil {
		return core.NoLSN, err
	}
	var header core.LoggedPageHeader
	header.Deserialize(data[:core.LoggedPageHeaderSize])

	if t.IsSerializable() {
		if err := m.checkSerializable(t, &header); err != nil {
			return core.NoLSN, err
		}
	}

	undoRec.TransID = t.TransID
	redoRec.TransID = t.TransID
	undoRec.UndoNxtLSN = t.UndoNxtLSN()
	undoRec.PageUndoNxtLSN = header.PageUndoNxtLSN

	lsn, err := m.log.WriteUndoRedo(undoRec, redoRec)
	if err != nil {
		return core.NoLSN, err
	}

	header.RecordsUpdate(lsn, undoRec.Address)
	header.Serialize(data[:core.LoggedPageHeaderSize])

	t.SetUndoNxtLSN(undoRec.Address)
	t.Lock()
	t.SetRollbackCostLocked(t.RollbackCostLocked() + 1)
	t.Unlock()

	return lsn, nil
}

// checkSerializable walks the page's undo chain down to t's snapshot
// boundary. Any record there written by a transaction t's snapshot
// does not show as committed belongs to a concurrent or later
// committer, so the update must fail rather than silently overwrite.
func (m *Manager) checkSerializable(t *txpool.Transaction, header *core.LoggedPageHeader) error {
	next := header.PageUndoNxtLSN
	for !next.IsNull() && next.Lsn >= t.CommitLSN() {
		rec, err := m.log.ReadUndo(next)
		if err != nil {
			return errors.Wrap(err, "trans: serializable check")
		}
		if rec.TransID != t.TransID && !t.IsTransCommitted(rec.TransID) {
			return errors.Wrapf(ErrSerializationConflict,
				"page touched by transaction %d at lsn %d", rec.TransID, next.Lsn)
		}
		next = rec.PageUndoNxtLSN
	}
	return nil
}

// Commit makes t durable and resolves it: COMMIT record, flush through
// it, the transaction's committed flag, waiter wakeup, then the master
// commit-list bit and pool removal (EndTransaction) — in exactly that
// order, so the commit bit never leads its own record to disk.
func (m *Manager) Commit(t *txpool.Transaction) error {
	lsn, err := m.log.WriteRedo(&core.RedoLogRecord{Type: core.RecCommit, TransID: t.TransID})
	if err != nil {
		return errors.Wrap(err, "trans: write commit record")
	}
	if err := m.log.FlushTo(lsn); err != nil {
		return errors.Wrap(err, "trans: flush commit record")
	}

	t.Lock()
	t.MarkCommittedLocked()
	t.Unlock()
	t.SetHasWaiters(false)
	m.det.DidCommit(t)

	return m.pool.EndTransaction(t, m.log.EndOfUndoLog())
}

// Rollback reverses every update t has logged, newest first, writing a
// CLR pair per reversed record, then resolves the transaction through
// the normal commit path (the rollback-then-commit lifecycle). The CLR
// chain makes the walk restartable: a crash mid-rollback leaves the
// already-written CLRs for recovery to honor, and recovery will not
// reverse those records a second time.
func (m *Manager) Rollback(t *txpool.Transaction) error {
	cur := t.UndoNxtLSN()
	for !cur.IsNull() {
		rec, err := m.log.ReadUndo(cur)
		if err != nil {
			return errors.Wrapf(ErrRollbackFailed, "read undo at lsn %d: %v", cur.Lsn, err)
		}

		if err := m.undoOne(t, rec); err != nil {
			return err
		}

		cur = rec.UndoNxtLSN
		t.SetUndoNxtLSN(cur)
	}

	m.lg.Debug("transaction rolled back",
		zap.Uint64("transId", t.TransID),
		zap.Int("rollbackCost", t.RollbackCost()))
	return m.Commit(t)
}

// undoOne pins rec's page, applies the registered undo callback, and
// logs the compensation pair. The CLR's own UndoNxtLSN names the
// record it nullified, which is what lets both the MVCC engine and
// recovery skip the (CLR, original) pair as already settled.
func (m *Manager) undoOne(t *txpool.Transaction, rec *core.UndoLogRecord) error {
	tok, err := m.buf.Pin(rec.PageID, buffer.Exclusive, true)
	if err != nil {
		return errors.Wrapf(ErrRollbackFailed, "pin %s: %v", rec.PageID.String(), err)
	}
	data, err := m.buf.Data(tok)
	if err != nil {
		return err
	}

	if err := m.reg.Dispatch(rec, data); err != nil {
		m.buf.UnPin(tok, buffer.AffinityLiked)
		return errors.Wrapf(ErrRollbackFailed, "undo callback: %v", err)
	}

	var header core.LoggedPageHeader
	header.Deserialize(data[:core.LoggedPageHeaderSize])

	clrUndo := &core.UndoLogRecord{
		RedoLogRecord: core.RedoLogRecord{
			Type:        core.RecCLR,
			TransID:     t.TransID,
			SegmentID:   rec.SegmentID,
			PageID:      rec.PageID,
			SegmentType: rec.SegmentType,
			PageType:    rec.PageType,
			UndoNxtLSN:  rec.Address,
			Data:        rec.Data,
		},
		PageUndoNxtLSN: header.PageUndoNxtLSN,
	}
	clrRedo := &core.RedoLogRecord{
		Type:        core.RecCLR,
		TransID:     t.TransID,
		SegmentID:   rec.SegmentID,
		PageID:      rec.PageID,
		SegmentType: rec.SegmentType,
		PageType:    rec.PageType,
		Data:        rec.Data,
	}

	lsn, err := m.log.WriteUndoRedo(clrUndo, clrRedo)
	if err != nil {
		m.buf.UnPin(tok, buffer.AffinityLiked)
		return errors.Wrap(err, "trans: write CLR")
	}

	header.RecordsUpdate(lsn, clrUndo.Address)
	header.Serialize(data[:core.LoggedPageHeaderSize])

	t.Lock()
	t.SetRollbackCostLocked(t.RollbackCostLocked() + 1)
	t.Unlock()

	return m.buf.UnPinDirty(tok, buffer.AffinityLiked, lsn)
}

// Wait parks w's goroutine until h commits, registering the edge with
// the deadlock detector first. Returns deadlock.ErrDeadlock if w was
// chosen as a cycle victim; the caller must then Rollback(w).
func (m *Manager) Wait(w, h *txpool.Transaction) error {
	h.SetHasWaiters(true)
	err := m.det.WaitFor(w, h)
	if errors.Is(err, deadlock.ErrDeadlock) {
		m.lg.Debug("deadlock victim cancelled",
			zap.Uint64("victim", w.TransID),
			zap.Uint64("holder", h.TransID))
	}
	return err
}

// Detector exposes the waits-for table for callers (the session layer)
// that drop transactions without committing.
func (m *Manager) Detector() *deadlock.Detector {
	return m.det
}
