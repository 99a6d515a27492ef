package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func newUnpinnedPage(t *testing.T, bpm *BufferPoolManager) pagemanager.PageID {
	t.Helper()
	p, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(p.GetPageID(), false))
	return p.GetPageID()
}

func TestPageGuard_BasicDropRestoresPinCount(t *testing.T) {
	bpm, _ := setupBufferPool(t, 5)

	guard, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	id := guard.PageID()
	require.Equal(t, int32(1), pinCount(t, bpm, id))

	guard.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))
	require.False(t, guard.IsValid())

	guard.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id), "second drop must not unpin again")
	require.Equal(t, pagemanager.InvalidPageID, guard.PageID())
}

func TestPageGuard_ReadAndWriteDropRestorePinCount(t *testing.T) {
	bpm, _ := setupBufferPool(t, 5)
	id := newUnpinnedPage(t, bpm)

	outer, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	require.Equal(t, int32(1), pinCount(t, bpm, id))

	r1, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	r2, err := bpm.FetchPageRead(id)
	require.NoError(t, err, "read latches are shared")
	require.Equal(t, int32(3), pinCount(t, bpm, id))
	r1.Drop()
	r2.Drop()
	r2.Drop()
	require.Equal(t, int32(1), pinCount(t, bpm, id))

	w, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	require.Equal(t, int32(2), pinCount(t, bpm, id))
	w.Drop()
	w.Drop()
	require.Equal(t, int32(1), pinCount(t, bpm, id))

	outer.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))
}

func TestPageGuard_MoveLeavesSourceInert(t *testing.T) {
	bpm, _ := setupBufferPool(t, 5)
	id := newUnpinnedPage(t, bpm)

	src, err := bpm.FetchPageRead(id)
	require.NoError(t, err)
	dst := src.Move()
	require.False(t, src.IsValid())
	require.True(t, dst.IsValid())
	require.Equal(t, id, dst.PageID())

	src.Drop()
	require.Equal(t, int32(1), pinCount(t, bpm, id), "dropping a moved-from guard is a no-op")
	dst.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))

	// the read latch was released exactly once, so a writer can get in
	w, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	moved := w.Move()
	w.Drop()
	require.Equal(t, int32(1), pinCount(t, bpm, id))
	moved.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))
}

func TestPageGuard_UpgradeKeepsSinglePin(t *testing.T) {
	bpm, _ := setupBufferPool(t, 5)
	id := newUnpinnedPage(t, bpm)

	basic, err := bpm.FetchPageBasic(id)
	require.NoError(t, err)
	read := basic.UpgradeRead()
	require.False(t, basic.IsValid())
	require.Equal(t, int32(1), pinCount(t, bpm, id))
	basic.Drop()
	require.Equal(t, int32(1), pinCount(t, bpm, id))
	read.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))

	basic, err = bpm.FetchPageBasic(id)
	require.NoError(t, err)
	write := basic.UpgradeWrite()
	require.Equal(t, int32(1), pinCount(t, bpm, id))
	copy(write.GetDataMut(), "upgraded")
	write.Drop()
	require.Equal(t, int32(0), pinCount(t, bpm, id))

	dirty, ok := bpm.IsDirty(id)
	require.True(t, ok)
	require.True(t, dirty, "writes through GetDataMut mark the page dirty")

	require.False(t, basic.UpgradeRead().IsValid(), "upgrading an empty guard yields an empty guard")
}

func TestPageGuard_ReadOnlyAccessLeavesPageClean(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	id := newUnpinnedPage(t, bpm)

	w, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	_ = w.GetData()
	w.Drop()

	dirty, _ := bpm.IsDirty(id)
	require.False(t, dirty)
}

func TestPageGuard_WriteLatchExcludesReaders(t *testing.T) {
	bpm, _ := setupBufferPool(t, 5)
	id := newUnpinnedPage(t, bpm)

	w, err := bpm.FetchPageWrite(id)
	require.NoError(t, err)
	copy(w.GetDataMut(), "locked")

	acquired := make(chan string)
	go func() {
		r, err := bpm.FetchPageRead(id)
		if err != nil {
			acquired <- err.Error()
			return
		}
		data := string(r.GetData()[:6])
		r.Drop()
		acquired <- data
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired the latch while a writer held it")
	case <-time.After(50 * time.Millisecond):
	}

	w.Drop()
	select {
	case got := <-acquired:
		require.Equal(t, "locked", got)
	case <-time.After(5 * time.Second):
		t.Fatal("reader never acquired the latch")
	}
	require.Equal(t, int32(0), pinCount(t, bpm, id))
}

func TestPageGuard_GuardedPagesRespectCapacity(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	g1, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	g2, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	_, err = bpm.NewPageGuarded()
	require.Error(t, err)
	_, err = bpm.FetchPageRead(99)
	require.Error(t, err)

	g1.Drop()
	g3, err := bpm.NewPageGuarded()
	require.NoError(t, err)
	g2.Drop()
	g3.Drop()
	require.Equal(t, 2, bpm.EvictableFrameCount())
}
