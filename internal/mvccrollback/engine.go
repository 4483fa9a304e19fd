package mvccrollback

import (
	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

// UndoReader dereferences an undo record by its address.
// internal/undolog.Writer satisfies this directly.
type UndoReader interface {
	Read(addr core.UndoPointer) (*core.UndoLogRecord, error)
}

// UndoDispatcher applies a page-type-specific undo callback. It is a
// narrower view of internal/storage/segment.Registry than Register
// itself needs — the rollback engine only ever dispatches.
type UndoDispatcher interface {
	Dispatch(rec *core.UndoLogRecord, data []byte) error
}

// TransactionView is the subset of txpool.Transaction the engine
// needs: its own id, its snapshot's commit boundary, and its snapshot's
// committed-transaction test. Defined locally so this package does not
// import txpool.
type TransactionView interface {
	ID() uint64
	CommitLSN() core.LSN
	IsTransCommitted(transId uint64) bool
}

// Engine is re-entrant and holds no per-call state; one instance is
// shared by every transaction and every pinned page.
type Engine struct {
	reader UndoReader
	disp   UndoDispatcher
}

// New binds the undo log reader and the segment-type dispatch table
// the engine consults on every rollback.
func New(reader UndoReader, disp UndoDispatcher) *Engine {
	return &Engine{reader: reader, disp: disp}
}

// NeedsRollback reports whether header's most recent update could be
// invisible to t — spec.md §4.8: page.pageUndoNxtLSN.lsn >= t.commitLSN.
func (e *Engine) NeedsRollback(header *core.LoggedPageHeader, t TransactionView) bool {
	return header.PageUndoNxtLSN.Lsn >= t.CommitLSN()
}

// Rollback reconstructs, in place in data (the raw bytes of the pinned
// frame the page header was read from), the version of the page that
// t's snapshot should observe, per spec.md §4.8.
//
// cusp is the cursor-stability point: within t's own updates, the LSN
// up to which t's own modifications are NOT rolled back, so a scan
// re-reading a page it just updated doesn't see its own writes
// disappear out from under its cursor.
//
// Calling Rollback twice in succession against the same header/data is
// a no-op the second time: the first call lowers
// header.PageUndoNxtLSN.Lsn to start-1, below the loop's own entry
// condition.
func (e *Engine) Rollback(t TransactionView, header *core.LoggedPageHeader, data []byte, cusp core.LSN) error {
	start := t.CommitLSN()

	// Compensated set: once a CLR is seen, its undoNxtLSN names the
	// exact earlier record that CLR already compensated. That original
	// record's effect is already absent from data (the CLR reversed it
	// when it was written, long before this traversal), so it must be
	// skipped rather than undone a second time when the chain reaches
	// it — the set marks exactly that one LSN as already-handled.
	compensated := make(map[core.LSN]bool)

	next := header.PageUndoNxtLSN
	for next.Lsn >= start {
		rec, err := e.reader.Read(next)
		if err != nil {
			return errors.Wrap(err, "mvccrollback: read undo record")
		}

		if !t.IsTransCommitted(rec.TransID) {
			if !compensated[next.Lsn] {
				switch {
				case rec.Type == core.RecCLR:
					compensated[rec.UndoNxtLSN.Lsn] = true
				case rec.TransID != t.ID() || next.Lsn > cusp:
					if err := e.disp.Dispatch(rec, data); err != nil {
						return errors.Wrap(err, "mvccrollback: undo callback")
					}
				}
			}
		}

		next = rec.PageUndoNxtLSN
	}

	header.PageUndoNxtLSN = core.UndoPointer{Lsn: start - 1}
	return nil
}
