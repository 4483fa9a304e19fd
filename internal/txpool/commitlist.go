package txpool

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/cooldb-io/cooldb/internal/core"
)

// CommitList is the master visibility bitmap (spec §4.6): bit i
// represents transaction baseTransId+i, clear meaning uncommitted and
// set meaning committed. A transaction's snapshot is a point-in-time
// copy of this structure, carrying along the earliest commitLSN and
// commitTransId known at snapshot time for log-truncation decisions.
type CommitList struct {
	baseTransId   uint64
	bits          *bitset.BitSet
	commitLSN     core.LSN
	commitTransId uint64
}

func newCommitList() *CommitList {
	return &CommitList{baseTransId: 1, bits: bitset.New(0), commitTransId: 1}
}

// CommitLSN is the earliest live commitLSN known when this snapshot
// was taken.
func (c *CommitList) CommitLSN() core.LSN {
	return c.commitLSN
}

// CommitTransId is the lowest snapshot base among transactions live
// when this snapshot was taken.
func (c *CommitList) CommitTransId() uint64 {
	return c.commitTransId
}

// BaseTransId is the lowest transaction id this list has an opinion
// about; every id below it is implicitly committed.
func (c *CommitList) BaseTransId() uint64 {
	return c.baseTransId
}

// IsCommitted reports whether transId is visible as committed under
// this snapshot: below the base it is implicitly committed (the base
// only ever slides past an all-committed prefix); at or above the
// base it is committed iff its bit is set. A transId at or beyond the
// bitmap's current length has not been observed yet and reads as
// uncommitted.
func (c *CommitList) IsCommitted(transId uint64) bool {
	if transId < c.baseTransId {
		return true
	}
	off := transId - c.baseTransId
	if off >= uint64(c.bits.Len()) {
		return false
	}
	return c.bits.Test(uint(off))
}

func (c *CommitList) setCommitted(transId uint64) {
	if transId < c.baseTransId {
		return
	}
	c.bits.Set(uint(transId - c.baseTransId))
}

func (c *CommitList) clone() *CommitList {
	return &CommitList{
		baseTransId:   c.baseTransId,
		bits:          c.bits.Clone(),
		commitLSN:     c.commitLSN,
		commitTransId: c.commitTransId,
	}
}

// normalize slides baseTransId forward past any leading run of set
// bits, shrinking the bitmap so it never grows without bound while the
// system runs.
func (c *CommitList) normalize() {
	lead, found := c.bits.NextClear(0)
	if !found {
		lead = c.bits.Len()
	}
	if lead == 0 {
		return
	}

	shifted := bitset.New(0)
	i := lead
	for {
		next, ok := c.bits.NextSet(i)
		if !ok {
			break
		}
		shifted.Set(next - lead)
		i = next + 1
	}
	c.bits = shifted
	c.baseTransId += uint64(lead)
}
