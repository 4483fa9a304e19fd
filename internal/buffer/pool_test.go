package buffer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cooldb-io/cooldb/internal/core"
	"github.com/cooldb-io/cooldb/internal/filestore"
)

type fakeWAL struct{ end core.LSN }

func (f *fakeWAL) FlushTo(lsn core.LSN) error { return nil }
func (f *fakeWAL) EndOfLog() core.LSN         { return f.end }

type fakeOracle struct{ committed map[uint64]bool }

func (f *fakeOracle) IsCommitted(t uint64) bool { return f.committed[t] }

func newTestPool(t *testing.T, capacity int) (*Pool, *filestore.Manager) {
	t.Helper()
	fsOpts := filestore.DefaultOptions()
	fsOpts.PageSize = 256
	fs := filestore.NewManager(fsOpts)
	require.NoError(t, fs.Add(0, filepath.Join(t.TempDir(), "data0.db")))

	opts := Options{Capacity: capacity, MaxCapacity: capacity * 4, DirtyRatio: 0.5}
	pool := New(fs, &fakeWAL{}, &fakeOracle{committed: map[uint64]bool{}}, opts)
	return pool, fs
}

func TestPinNewThenUnpinMakesPageReadableAfterFlush(t *testing.T) {
	pool, fs := newTestPool(t, 4)
	page := core.PageId{FileID: 0, Page: 1}

	tok, err := pool.PinNew(page)
	require.NoError(t, err)

	data, err := pool.Data(tok)
	require.NoError(t, err)
	copy(data, []byte("new page"))

	require.NoError(t, pool.UnPinDirty(tok, AffinityLiked, 1))
	_, err = pool.CheckPoint()
	require.NoError(t, err)

	buf := make([]byte, fs.PageSize())
	require.NoError(t, fs.Fetch(page, buf))
	require.Equal(t, "new page", string(buf[:8]))
}

func TestAffinityNeverDowngradesAutomatically(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	page := core.PageId{FileID: 0, Page: 1}

	tok, err := pool.PinNew(page)
	require.NoError(t, err)
	require.NoError(t, pool.UnPin(tok, AffinityLoved))

	tok2, err := pool.Pin(page, Shared, true)
	require.NoError(t, err)
	require.NoError(t, pool.UnPin(tok2, AffinityHated))

	fr := pool.frames[tok.FrameIndex]
	require.Equal(t, AffinityLoved, fr.affinity)
}

func TestStaleTokenAfterEviction(t *testing.T) {
	pool, _ := newTestPool(t, 1)

	p0 := core.PageId{FileID: 0, Page: 1}
	tok0, err := pool.PinNew(p0)
	require.NoError(t, err)
	require.NoError(t, pool.UnPin(tok0, AffinityHated))

	p1 := core.PageId{FileID: 0, Page: 2}
	_, err = pool.PinNew(p1)
	require.NoError(t, err)

	_, err = pool.Data(tok0)
	require.ErrorIs(t, err, ErrStaleToken)
}

func TestCancelReturnsErrCancelledToBlockedWaiterWithoutPinning(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	page := core.PageId{FileID: 0, Page: 1}

	holder, err := pool.PinNew(page)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Pin(page, Exclusive, true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine block on the mode conflict
	pool.Cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not wake the blocked waiter")
	}

	// The frame is still held exclusively by the original pin; the
	// cancelled waiter must not have pinned it.
	fr := pool.frames[holder.FrameIndex]
	require.Equal(t, 1, fr.pinCount)
}

func TestPinVersionCopiesCurrentFrameContents(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	page := core.PageId{FileID: 0, Page: 1}

	tok, err := pool.PinNew(page)
	require.NoError(t, err)
	data, err := pool.Data(tok)
	require.NoError(t, err)
	copy(data, []byte("current state"))
	require.NoError(t, pool.UnPinDirty(tok, AffinityLiked, 1))

	// The copy must reflect the dirty cached frame, not the disk image.
	vtok, err := pool.PinVersion(page, 9, 1)
	require.NoError(t, err)
	vdata, err := pool.Data(vtok)
	require.NoError(t, err)
	require.Equal(t, "current state", string(vdata[:13]))

	// Mutating the version copy leaves the current page untouched.
	vdata[0] = 'X'
	require.NoError(t, pool.UnPin(vtok, AffinityHated))

	cur, err := pool.Pin(page, Shared, true)
	require.NoError(t, err)
	cdata, err := pool.Data(cur)
	require.NoError(t, err)
	require.Equal(t, "current state", string(cdata[:13]))
	require.NoError(t, pool.UnPin(cur, AffinityLiked))

	// The same triple is served from cache with a SHARED pin.
	again, err := pool.PinVersion(page, 9, 1)
	require.NoError(t, err)
	adata, err := pool.Data(again)
	require.NoError(t, err)
	require.Equal(t, byte('X'), adata[0])
	require.NoError(t, pool.UnPin(again, AffinityHated))
}

func TestPinTempDiscardedWhenOwnerCommitted(t *testing.T) {
	pool, fs := newTestPool(t, 1)
	oracle := pool.tx.(*fakeOracle)

	page := core.PageId{FileID: 0, Page: 5}
	tok, err := pool.PinTemp(page, 42)
	require.NoError(t, err)
	data, err := pool.Data(tok)
	require.NoError(t, err)
	copy(data, []byte("spill"))
	require.NoError(t, pool.UnPin(tok, AffinityHated))

	oracle.committed[42] = true

	other := core.PageId{FileID: 0, Page: 6}
	_, err = pool.PinNew(other)
	require.NoError(t, err)

	// The committed owner's spill content was discarded, never written.
	buf := make([]byte, fs.PageSize())
	require.NoError(t, fs.Fetch(page, buf))
	require.Equal(t, make([]byte, 5), buf[:5])
}
