package logmgr

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/redolog"
	"github.com/cooldb-io/cooldb/internal/undolog"
)

// Manager composes a redo log writer and an undo log writer behind the
// single interface the rest of the engine calls (spec §4.5).
type Manager struct {
	mu sync.Mutex

	redo *redolog.Writer
	undo *undolog.Writer

	lastCommitted core.LSN
}

// New wraps an already-open redo and undo writer.
func New(redo *redolog.Writer, undo *undolog.Writer) *Manager {
	return &Manager{redo: redo, undo: undo}
}

// WriteUndoRedo writes undoRec first, copies its assigned address into
// redoRec.UndoNxtLSN, then writes redoRec — so that if the redo record
// is ever durable, its paired undo record is guaranteed durable too.
func (m *Manager) WriteUndoRedo(undoRec *core.UndoLogRecord, redoRec *core.RedoLogRecord) (core.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, err := m.undo.Write(undoRec)
	if err != nil {
		return core.NoLSN, errors.Wrap(err, "logmgr: write undo")
	}
	redoRec.UndoNxtLSN = addr

	lsn, err := m.redo.Append(redoRec)
	if err != nil {
		return core.NoLSN, errors.Wrap(err, "logmgr: write redo")
	}
	return lsn, nil
}

// WriteRedo appends a redo-only record (e.g. a COMMIT or checkpoint
// record, which needs no paired undo write).
func (m *Manager) WriteRedo(redoRec *core.RedoLogRecord) (core.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn, err := m.redo.Append(redoRec)
	if err != nil {
		return core.NoLSN, errors.Wrap(err, "logmgr: write redo")
	}
	return lsn, nil
}

// FlushTo makes every record up to and including lsn durable: the undo
// log first, then the redo log, then publishes lastCommitted. A
// no-op if lsn is already covered.
func (m *Manager) FlushTo(lsn core.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushToLocked(lsn)
}

func (m *Manager) flushToLocked(lsn core.LSN) error {
	if lsn <= m.lastCommitted {
		return nil
	}
	if err := m.undo.Flush(); err != nil {
		return errors.Wrap(err, "logmgr: flush undo")
	}
	if err := m.redo.FlushTo(lsn); err != nil {
		return errors.Wrap(err, "logmgr: flush redo")
	}
	m.lastCommitted = lsn
	return nil
}

// MoveFirewallTo is the checkpoint-driven log-truncation hook: it
// flushes the undo log, then advances the redo log's doNotOverwrite
// mark to lsn.
func (m *Manager) MoveFirewallTo(lsn core.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.undo.Flush(); err != nil {
		return errors.Wrap(err, "logmgr: flush undo before firewall move")
	}
	return errors.Wrap(m.redo.MoveFirewallTo(lsn), "logmgr: move firewall")
}

// SetMinUndo forwards to the undo log writer's garbage collector.
func (m *Manager) SetMinUndo(p core.UndoPointer) error {
	return errors.Wrap(m.undo.SetMinUndo(p), "logmgr: set min undo")
}

// EndOfLog returns the LSN that will be assigned to the next redo write.
func (m *Manager) EndOfLog() core.LSN {
	return m.redo.EndOfLog()
}

// StartOfLog returns the oldest redo LSN still addressable, or NoLSN
// when the redo log is empty.
func (m *Manager) StartOfLog() core.LSN {
	return m.redo.StartOfLog()
}

// EndOfUndoLog returns the LSN the next undo write will assign.
func (m *Manager) EndOfUndoLog() core.LSN {
	return m.undo.EndOfLog()
}

// Remaining reports free redo space behind recLSN.
func (m *Manager) Remaining(recLSN core.LSN) (int64, error) {
	return m.redo.GetRemaining(recLSN)
}

// ReadUndo dereferences an undo record by address, used by the MVCC
// rollback engine and by recovery's undo pass.
func (m *Manager) ReadUndo(addr core.UndoPointer) (*core.UndoLogRecord, error) {
	return m.undo.Read(addr)
}

// ReadRedo dereferences a redo record by LSN, used by recovery.
func (m *Manager) ReadRedo(lsn core.LSN) (*core.RedoLogRecord, error) {
	return m.redo.Read(lsn)
}

// RedoIterator returns a forward iterator over the redo log starting
// at startLSN, used by recovery's analysis and redo passes.
func (m *Manager) RedoIterator(startLSN core.LSN) (*redolog.Iterator, error) {
	return m.redo.NewIterator(startLSN)
}
