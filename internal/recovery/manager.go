package recovery

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cooldb-io/cooldb/internal/buffer"
	"github.com/cooldb-io/cooldb/internal/checkpointer"
	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/logmgr"
	"github.com/cooldb-io/cooldb/internal/storage/segment"
	"github.com/cooldb-io/cooldb/internal/txpool"
)

// ErrRecoveryFailed wraps any error that stops recovery before the
// undo pass completes. The engine must not serve traffic after it.
var ErrRecoveryFailed = errors.New("recovery: recovery failed")

// updateRef is one loser update found during analysis: where its redo
// record sat in the LSN stream and where its paired undo record lives.
type updateRef struct {
	transID  uint64
	redoLSN  core.LSN
	undoAddr core.UndoPointer
}

// txInfo is one row of the analysis-phase transaction table.
type txInfo struct {
	transID   uint64
	committed bool
	updates   []updateRef
	// compensated holds the undo LSNs already nullified by a CLR found
	// in the log; the undo pass must skip those originals.
	compensated map[core.LSN]bool
}

// Manager runs one crash recovery over an already-open log manager,
// buffer pool and callback registry.
type Manager struct {
	log  *logmgr.Manager
	buf  *buffer.Pool
	reg  *segment.Registry
	pool *txpool.Pool
	lg   *zap.Logger

	transactions map[uint64]*txInfo
	dirtyPages   map[core.PageId]core.LSN
	maxTransID   uint64
}

// New wires a recovery pass. pool may be nil when the caller manages
// transaction-id continuity itself; a nil logger is replaced with
// zap.NewNop.
func New(log *logmgr.Manager, buf *buffer.Pool, reg *segment.Registry, pool *txpool.Pool, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Manager{
		log:          log,
		buf:          buf,
		reg:          reg,
		pool:         pool,
		lg:           lg,
		transactions: make(map[uint64]*txInfo),
		dirtyPages:   make(map[core.PageId]core.LSN),
	}
}

// MaxTransID reports the highest transaction id analysis saw, zero
// before Recover has run.
func (m *Manager) MaxTransID() uint64 {
	return m.maxTransID
}

// Recover executes analysis, redo and undo in order, flushes the
// recovered state, and advances the transaction pool's id counter past
// everything the log mentioned.
func (m *Manager) Recover() error {
	records, err := m.analysis()
	if err != nil {
		return errors.Wrap(ErrRecoveryFailed, err.Error())
	}
	m.lg.Debug("recovery analysis complete",
		zap.Int("records", len(records)),
		zap.Int("transactions", len(m.transactions)),
		zap.Int("dirtyPages", len(m.dirtyPages)),
		zap.Uint64("maxTransId", m.maxTransID))

	if err := m.redo(records); err != nil {
		return errors.Wrap(ErrRecoveryFailed, err.Error())
	}
	m.lg.Debug("recovery redo complete")

	if err := m.undo(); err != nil {
		return errors.Wrap(ErrRecoveryFailed, err.Error())
	}
	m.lg.Debug("recovery undo complete")

	if end := m.log.EndOfLog(); end > 1 {
		if err := m.log.FlushTo(end - 1); err != nil {
			return errors.Wrap(ErrRecoveryFailed, err.Error())
		}
	}
	if _, err := m.buf.CheckPoint(); err != nil {
		return errors.Wrap(ErrRecoveryFailed, err.Error())
	}

	if m.pool != nil {
		m.pool.EnsureNextTransId(m.maxTransID + 1)
	}
	return nil
}

func (m *Manager) txInfoFor(transID uint64) *txInfo {
	ti, ok := m.transactions[transID]
	if !ok {
		ti = &txInfo{transID: transID, compensated: make(map[core.LSN]bool)}
		m.transactions[transID] = ti
	}
	if transID > m.maxTransID {
		m.maxTransID = transID
	}
	return ti
}

// analysis walks the whole surviving redo log once, building the
// transaction table and the dirty-page table and seeding the latter
// from the most recent end-checkpoint record it passes.
func (m *Manager) analysis() ([]*core.RedoLogRecord, error) {
	start := m.log.StartOfLog()
	if start == core.NoLSN {
		return nil, nil
	}
	iter, err := m.log.RedoIterator(start)
	if err != nil {
		return nil, err
	}

	var records []*core.RedoLogRecord
	for {
		rec, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		records = append(records, rec)

		switch rec.Type {
		case core.RecUpdate:
			ti := m.txInfoFor(rec.TransID)
			ti.updates = append(ti.updates, updateRef{
				transID:  rec.TransID,
				redoLSN:  rec.LSN,
				undoAddr: rec.UndoNxtLSN,
			})
			if _, ok := m.dirtyPages[rec.PageID]; !ok {
				m.dirtyPages[rec.PageID] = rec.LSN
			}

		case core.RecCLR:
			ti := m.txInfoFor(rec.TransID)
			// The CLR redo record points at its own paired undo record;
			// that record in turn names the original it nullified.
			clrUndo, err := m.log.ReadUndo(rec.UndoNxtLSN)
			if err != nil {
				return nil, errors.Wrapf(err, "dereference CLR at lsn %d", rec.LSN)
			}
			ti.compensated[clrUndo.UndoNxtLSN.Lsn] = true
			if _, ok := m.dirtyPages[rec.PageID]; !ok {
				m.dirtyPages[rec.PageID] = rec.LSN
			}

		case core.RecCommit:
			m.txInfoFor(rec.TransID).committed = true

		case core.RecEndCheckpoint:
			if len(rec.Data) == 0 {
				break
			}
			entries, err := checkpointer.DecodeDirtyPageTable(rec.Data[0])
			if err != nil {
				return nil, errors.Wrapf(err, "end-checkpoint at lsn %d", rec.LSN)
			}
			for _, e := range entries {
				if existing, ok := m.dirtyPages[e.Page]; !ok || e.RecLSN < existing {
					m.dirtyPages[e.Page] = e.RecLSN
				}
			}
		}
	}
	return records, nil
}

// redo replays every page mutation whose LSN the on-disk page has not
// absorbed. UPDATE records replay through the segment's redo callback;
// CLR records replay through the undo callback, since a CLR's forward
// effect is the compensation itself.
func (m *Manager) redo(records []*core.RedoLogRecord) error {
	for _, rec := range records {
		if rec.Type != core.RecUpdate && rec.Type != core.RecCLR {
			continue
		}
		recLSN, ok := m.dirtyPages[rec.PageID]
		if !ok || rec.LSN < recLSN {
			continue
		}
		if err := m.redoOne(rec); err != nil {
			return errors.Wrapf(err, "redo lsn %d on %s", rec.LSN, rec.PageID.String())
		}
	}
	return nil
}

func (m *Manager) redoOne(rec *core.RedoLogRecord) error {
	tok, err := m.buf.Pin(rec.PageID, buffer.Exclusive, true)
	if err != nil {
		// A page that was created in memory and never flushed has no
		// disk image yet; replay starts it from zeroes.
		tok, err = m.buf.PinNew(rec.PageID)
		if err != nil {
			return err
		}
	}
	data, err := m.buf.Data(tok)
	if err != nil {
		return err
	}

	var header core.LoggedPageHeader
	header.Deserialize(data[:core.LoggedPageHeaderSize])
	if header.PageLSN >= rec.LSN {
		return m.buf.UnPin(tok, buffer.AffinityLiked)
	}

	if rec.Type == core.RecCLR {
		err = m.reg.Dispatch(&core.UndoLogRecord{RedoLogRecord: *rec}, data)
	} else {
		err = m.reg.DispatchRedo(rec, data)
	}
	if err != nil {
		m.buf.UnPin(tok, buffer.AffinityLiked)
		return err
	}

	header.RecordsUpdate(rec.LSN, rec.UndoNxtLSN)
	header.Serialize(data[:core.LoggedPageHeaderSize])
	return m.buf.UnPinDirty(tok, buffer.AffinityLiked, rec.LSN)
}

// undo reverses the losers' surviving updates in global reverse LSN
// order, writing a CLR pair per reversal, then writes each loser's
// resolution record so a second crash finds nothing left to do.
func (m *Manager) undo() error {
	var work []updateRef
	var losers []*txInfo
	for _, ti := range m.transactions {
		if ti.committed || len(ti.updates) == 0 {
			continue
		}
		losers = append(losers, ti)
		for _, ref := range ti.updates {
			if ti.compensated[ref.undoAddr.Lsn] {
				continue
			}
			work = append(work, ref)
		}
	}
	if len(losers) == 0 {
		return nil
	}
	sort.Slice(work, func(i, j int) bool { return work[i].redoLSN > work[j].redoLSN })

	for _, ref := range work {
		rec, err := m.log.ReadUndo(ref.undoAddr)
		if err != nil {
			return errors.Wrapf(err, "read undo at lsn %d", ref.undoAddr.Lsn)
		}
		if err := m.undoOne(rec); err != nil {
			return errors.Wrapf(err, "undo lsn %d on %s", ref.undoAddr.Lsn, rec.PageID.String())
		}
	}

	var lastLSN core.LSN
	for _, ti := range losers {
		lsn, err := m.log.WriteRedo(&core.RedoLogRecord{Type: core.RecCommit, TransID: ti.transID})
		if err != nil {
			return errors.Wrapf(err, "resolve transaction %d", ti.transID)
		}
		lastLSN = lsn
		m.lg.Debug("loser transaction resolved",
			zap.Uint64("transId", ti.transID),
			zap.Int("undone", len(ti.updates)))
	}
	return m.log.FlushTo(lastLSN)
}

func (m *Manager) undoOne(rec *core.UndoLogRecord) error {
	tok, err := m.buf.Pin(rec.PageID, buffer.Exclusive, true)
	if err != nil {
		return err
	}
	data, err := m.buf.Data(tok)
	if err != nil {
		return err
	}

	if err := m.reg.Dispatch(rec, data); err != nil {
		m.buf.UnPin(tok, buffer.AffinityLiked)
		return err
	}

	var header core.LoggedPageHeader
	header.Deserialize(data[:core.LoggedPageHeaderSize])

	clrUndo := &core.UndoLogRecord{
		RedoLogRecord: core.RedoLogRecord{
			Type:        core.RecCLR,
			TransID:     rec.TransID,
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
		TransID:     rec.TransID,
		SegmentID:   rec.SegmentID,
		PageID:      rec.PageID,
		SegmentType: rec.SegmentType,
		PageType:    rec.PageType,
		Data:        rec.Data,
	}

	lsn, err := m.log.WriteUndoRedo(clrUndo, clrRedo)
	if err != nil {
		m.buf.UnPin(tok, buffer.AffinityLiked)
		return err
	}

	header.RecordsUpdate(lsn, clrUndo.Address)
	header.Serialize(data[:core.LoggedPageHeaderSize])
	return m.buf.UnPinDirty(tok, buffer.AffinityLiked, lsn)
}
