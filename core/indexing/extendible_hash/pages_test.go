package extendiblehash

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func TestHeaderPage_HashToDirectoryIndex(t *testing.T) {
	data := make([]byte, pagemanager.PageSize)
	header := AsHeaderPage(data)

	header.Init(0)
	require.Equal(t, uint32(0), header.HashToDirectoryIndex(0xFFFFFFFF))
	require.Equal(t, uint32(1), header.MaxSize())

	header.Init(2)
	require.Equal(t, uint32(4), header.MaxSize())
	require.Equal(t, uint32(0b11), header.HashToDirectoryIndex(0xC0000000))
	require.Equal(t, uint32(0b01), header.HashToDirectoryIndex(0x7FFFFFFF))
	for i := uint32(0); i < header.MaxSize(); i++ {
		require.Equal(t, pagemanager.InvalidPageID, header.GetDirectoryPageID(i))
	}

	header.SetDirectoryPageID(3, 42)
	require.Equal(t, pagemanager.PageID(42), AsHeaderPage(data).GetDirectoryPageID(3))
	require.Panics(t, func() { header.Init(HeaderMaxDepthLimit + 1) })
}

func TestDirectoryPage_GrowSplitShrink(t *testing.T) {
	dir := AsDirectoryPage(make([]byte, pagemanager.PageSize))
	dir.Init(3)
	dir.SetBucketPageID(0, 10)
	require.NoError(t, dir.VerifyIntegrity())
	require.False(t, dir.CanShrink())

	// depth 0 -> 1: slot 1 duplicates slot 0
	dir.IncrGlobalDepth()
	require.Equal(t, uint32(2), dir.Size())
	require.Equal(t, pagemanager.PageID(10), dir.GetBucketPageID(1))
	require.NoError(t, dir.VerifyIntegrity())
	require.True(t, dir.CanShrink(), "no bucket uses the new bit yet")

	// split bucket 10 by bit 0
	dir.SetLocalDepth(0, 1)
	dir.SetLocalDepth(1, 1)
	dir.SetBucketPageID(1, 11)
	require.NoError(t, dir.VerifyIntegrity())
	require.Equal(t, uint32(1), dir.GetSplitImageIndex(0))
	require.Equal(t, uint32(0), dir.GetSplitImageIndex(1))
	require.False(t, dir.CanShrink())

	// depth 1 -> 2 keeps both buckets at local depth 1, each in two slots
	dir.IncrGlobalDepth()
	require.Equal(t, []pagemanager.PageID{10, 11, 10, 11},
		[]pagemanager.PageID{dir.GetBucketPageID(0), dir.GetBucketPageID(1), dir.GetBucketPageID(2), dir.GetBucketPageID(3)})
	require.NoError(t, dir.VerifyIntegrity())
	require.Equal(t, uint32(0b11), dir.GetGlobalDepthMask())
	require.Equal(t, uint32(0b1), dir.GetLocalDepthMask(2))
	require.Equal(t, uint32(1), dir.GetSplitImageIndex(2), "split image is taken within the local depth")

	require.True(t, dir.CanShrink())
	dir.DecrGlobalDepth()
	require.Equal(t, uint32(1), dir.GetGlobalDepth())
	require.Equal(t, pagemanager.InvalidPageID, dir.GetBucketPageID(2))
	require.NoError(t, dir.VerifyIntegrity())

	dir.IncrGlobalDepth()
	dir.IncrGlobalDepth()
	require.Equal(t, uint32(3), dir.GetGlobalDepth())
	require.Panics(t, func() { dir.IncrGlobalDepth() })
}

func TestDirectoryPage_VerifyIntegrityCatchesCorruption(t *testing.T) {
	dir := AsDirectoryPage(make([]byte, pagemanager.PageSize))
	dir.Init(2)
	dir.SetBucketPageID(0, 1)
	dir.IncrGlobalDepth()

	// one bucket, local depth 0, but only one of two slots points at it
	dir.SetBucketPageID(1, 2)
	require.ErrorIs(t, dir.VerifyIntegrity(), ErrCorruptDirectory)

	// local depth above global depth
	dir.SetBucketPageID(1, 1)
	dir.SetLocalDepth(1, 2)
	require.ErrorIs(t, dir.VerifyIntegrity(), ErrCorruptDirectory)

	// mismatched local depths for one bucket
	dir.SetLocalDepth(1, 1)
	require.ErrorIs(t, dir.VerifyIntegrity(), ErrCorruptDirectory)
}

func TestBucketPage_InsertLookupRemove(t *testing.T) {
	b := AsBucketPage[int32, RID](make([]byte, pagemanager.PageSize), Int32Codec, RIDCodec, compareInt32)
	b.Init(3)
	require.True(t, b.IsEmpty())

	require.True(t, b.Insert(1, RID{PageID: 1, SlotNum: 1}))
	require.True(t, b.Insert(2, RID{PageID: 2, SlotNum: 2}))
	require.False(t, b.Insert(1, RID{PageID: 9}), "duplicate key")
	require.True(t, b.Insert(3, RID{PageID: 3, SlotNum: 3}))
	require.True(t, b.IsFull())
	require.False(t, b.Insert(4, RID{}))

	v, ok := b.Lookup(2)
	require.True(t, ok)
	require.Equal(t, RID{PageID: 2, SlotNum: 2}, v)

	require.True(t, b.Remove(1))
	require.False(t, b.Remove(1))
	require.Equal(t, uint32(2), b.Size())
	k, v := b.EntryAt(0)
	require.Equal(t, int32(2), k, "entries stay packed after removal")
	require.Equal(t, RID{PageID: 2, SlotNum: 2}, v)

	_, ok = b.Lookup(1)
	require.False(t, ok)
	require.Panics(t, func() { b.RemoveAt(5) })
}

func TestBucketPage_CapacityLimits(t *testing.T) {
	require.Equal(t, uint32((pagemanager.PageSize-8)/12), BucketArraySize(Int32Codec.Size+RIDCodec.Size))
	b := AsBucketPage[int32, RID](make([]byte, pagemanager.PageSize), Int32Codec, RIDCodec, compareInt32)
	require.Panics(t, func() { b.Init(0) })
	require.Panics(t, func() { b.Init(BucketArraySize(12) + 1) })

	b.Init(BucketArraySize(12))
	for i := int32(0); i < int32(BucketArraySize(12)); i++ {
		require.True(t, b.Insert(i, RID{PageID: pagemanager.PageID(i)}))
	}
	require.True(t, b.IsFull())
	k, v := b.EntryAt(b.Size() - 1)
	require.Equal(t, int32(BucketArraySize(12))-1, k)
	require.Equal(t, pagemanager.PageID(k), v.PageID)
}

func TestCodecs_VariableLengthKeys(t *testing.T) {
	c := StringCodec(8)
	buf := make([]byte, c.Size)
	c.Encode(buf, "abc")
	require.Equal(t, "abc", c.Decode(buf))
	c.Encode(buf, "")
	require.Equal(t, "", c.Decode(buf))
	require.Panics(t, func() { c.Encode(buf, "too long!") })

	h := XXHashFunc(c)
	require.Equal(t, h("key"), h("key"))
	require.NotEqual(t, h("key-1"), h("key-2"))
}
