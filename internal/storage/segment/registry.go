// Package segment defines the contract access methods (the B+tree,
// dataset storage, sequence generator, and sort engine — all external
// collaborators per spec.md §1) register with to receive undo
// callbacks. It owns no storage of its own: it is the "tagged byte
// plus function table" dispatch spec.md §9 prescribes in place of open
// inheritance, keyed by the page-type/segment-type byte already
// carried on every RedoLogRecord.
package segment

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cooldb-io/cooldb/internal/core"
)

// ErrNotRegistered is returned by Dispatch when no callback has been
// registered for a segment type.
var ErrNotRegistered = errors.New("segment: no undo callback registered for segment type")

// UndoFunc applies the reverse of one logged mutation to data, the raw
// bytes of a pinned frame. It must not pin other pages (spec.md §4.8:
// "the callback must not pin other pages").
type UndoFunc func(rec *core.UndoLogRecord, data []byte) error

// RedoFunc re-applies one logged mutation to data during crash
// recovery's replay pass. The same no-pinning rule as UndoFunc applies.
type RedoFunc func(rec *core.RedoLogRecord, data []byte) error

// Registry maps a segment-type byte to the access method's undo and
// redo callbacks. One Registry is shared process-wide; access methods
// call Register/RegisterRedo during their own initialization, and the
// MVCC rollback engine and crash recovery both dispatch against the
// same instance.
type Registry struct {
	mu    sync.RWMutex
	fns   map[byte]UndoFunc
	redos map[byte]RedoFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fns:   make(map[byte]UndoFunc),
		redos: make(map[byte]RedoFunc),
	}
}

// Register binds fn as the undo callback for segType, replacing any
// previous registration.
func (r *Registry) Register(segType byte, fn UndoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[segType] = fn
}

// RegisterRedo binds fn as the redo callback for segType, replacing
// any previous registration.
func (r *Registry) RegisterRedo(segType byte, fn RedoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redos[segType] = fn
}

// Dispatch looks up the undo callback for rec.SegmentType and invokes
// it against data.
func (r *Registry) Dispatch(rec *core.UndoLogRecord, data []byte) error {
	r.mu.RLock()
	fn, ok := r.fns[rec.SegmentType]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotRegistered, "segment type %d", rec.SegmentType)
	}
	return fn(rec, data)
}

// DispatchRedo looks up the redo callback for rec.SegmentType and
// invokes it against data.
func (r *Registry) DispatchRedo(rec *core.RedoLogRecord, data []byte) error {
	r.mu.RLock()
	fn, ok := r.redos[rec.SegmentType]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNotRegistered, "segment type %d", rec.SegmentType)
	}
	return fn(rec, data)
}
