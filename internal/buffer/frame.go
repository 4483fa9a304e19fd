package buffer

import (
	"github.com/cooldb-io/cooldb/internal/core"
)

// LockMode is the latch mode a pin is held in.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

// PinToken is an opaque handle to a pinned frame: the frame's slot
// index plus the generation counter that was current when the pin was
// granted. A token whose generation no longer matches the frame's
// current generation addresses a page that has since been evicted and
// replaced; callers must treat that as a programming error, not retry
// silently.
type PinToken struct {
	FrameIndex int
	Generation uint64
}

// frame is one slot in the pool's frame table.
type frame struct {
	generation uint64

	page core.VersionedPageId
	data []byte

	pinCount    int
	waiterCount int
	mode        LockMode // meaningful only while pinCount > 0
	exclusive   bool     // true if the current holder(s) hold EXCLUSIVE

	affinity Affinity
	clocked  bool
	dirty    bool

	// endLSN is the redo LSN that must be stable before this frame may
	// be written back; the per-frame recLSN lives in Pool.dirty.
	endLSN core.LSN

	tempOwner uint64 // transaction-id for pinTemp frames
	isTemp    bool
}
