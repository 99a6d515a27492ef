package extendiblehash

import (
	"bytes"
	"cmp"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/internal/telemetry/telemetrytest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

var compareInt32 = cmp.Compare[int32]

// identityHash makes bucket placement predictable: the low bits of the key
// pick the directory slot.
func identityHash(k int32) uint32 { return uint32(k) }

func setupPool(t *testing.T, poolSize int) *bufferpool.BufferPoolManager {
	t.Helper()
	bpm, err := bufferpool.NewBufferPoolManager(poolSize, flushmanager.NewMemoryDiskManager(), bufferpool.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	return bpm
}

func newIntTable(t *testing.T, bpm *bufferpool.BufferPoolManager, hash HashFunc[int32], cfg Config) *DiskExtendibleHashTable[int32, int32] {
	t.Helper()
	if cfg.Logger == nil {
		logger, err := zap.NewDevelopment()
		require.NoError(t, err)
		cfg.Logger = logger
	}
	ht, err := NewDiskExtendibleHashTable[int32, int32]("test_index", bpm, Int32Codec, Int32Codec, compareInt32, hash, cfg)
	require.NoError(t, err)
	return ht
}

// directoryState reads the single directory of a table whose header depth is 0.
func directoryState(t *testing.T, ht *DiskExtendibleHashTable[int32, int32]) (globalDepth uint32, slots []pagemanager.PageID, depths []uint32) {
	t.Helper()
	hg, err := ht.bpm.FetchPageRead(ht.GetHeaderPageID())
	require.NoError(t, err)
	dirID := AsHeaderPage(hg.GetData()).GetDirectoryPageID(0)
	hg.Drop()
	require.NotEqual(t, pagemanager.InvalidPageID, dirID)

	dg, err := ht.bpm.FetchPageRead(dirID)
	require.NoError(t, err)
	defer dg.Drop()
	dir := AsDirectoryPage(dg.GetData())
	for i := uint32(0); i < dir.Size(); i++ {
		slots = append(slots, dir.GetBucketPageID(i))
		depths = append(depths, dir.GetLocalDepth(i))
	}
	return dir.GetGlobalDepth(), slots, depths
}

func requireValue(t *testing.T, ht *DiskExtendibleHashTable[int32, int32], k, want int32) {
	t.Helper()
	got, ok, err := ht.GetValue(k)
	require.NoError(t, err)
	require.True(t, ok, "key %d missing", k)
	require.Equal(t, want, got)
}

func requireMissing(t *testing.T, ht *DiskExtendibleHashTable[int32, int32], k int32) {
	t.Helper()
	_, ok, err := ht.GetValue(k)
	require.NoError(t, err)
	require.False(t, ok, "key %d should be absent", k)
}

// --- Test Cases ---

func TestHashTable_InsertThenGet(t *testing.T) {
	bpm := setupPool(t, 50)
	ht := newIntTable(t, bpm, nil, Config{HeaderMaxDepth: 2, DirectoryMaxDepth: 3, BucketMaxSize: 2})

	requireMissing(t, ht, 0)

	inserted := 0
	for i := int32(0); i < 16; i++ {
		ok, err := ht.Insert(i, i*10)
		require.NoError(t, err)
		if ok {
			inserted++
			requireValue(t, ht, i, i*10)
		}
		require.NoError(t, ht.VerifyIntegrity())
	}
	require.Greater(t, inserted, 8, "most keys fit in 4 directories of 8 two-entry buckets")
}

func TestHashTable_DuplicateKeysRejected(t *testing.T) {
	bpm := setupPool(t, 10)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 2, BucketMaxSize: 4})

	ok, err := ht.Insert(7, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ht.Insert(7, 2)
	require.NoError(t, err)
	require.False(t, ok)
	requireValue(t, ht, 7, 1)
}

func TestHashTable_ThreeCollidingKeysSplitOnce(t *testing.T) {
	bpm := setupPool(t, 10)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 9, BucketMaxSize: 2})

	for _, k := range []int32{0, 1} {
		ok, err := ht.Insert(k, k+100)
		require.NoError(t, err)
		require.True(t, ok)
	}
	gd, slots, _ := directoryState(t, ht)
	require.Equal(t, uint32(0), gd)
	require.Len(t, slots, 1)

	ok, err := ht.Insert(2, 102)
	require.NoError(t, err)
	require.True(t, ok)

	gd, slots, depths := directoryState(t, ht)
	require.Equal(t, uint32(1), gd)
	require.NotEqual(t, slots[0], slots[1], "the full bucket was split")
	require.Equal(t, []uint32{1, 1}, depths)
	for _, k := range []int32{0, 1, 2} {
		requireValue(t, ht, k, k+100)
	}
	require.NoError(t, ht.VerifyIntegrity())
}

func TestHashTable_SplitOnlyRepointsHalfTheSlots(t *testing.T) {
	bpm := setupPool(t, 20)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 3, BucketMaxSize: 2})

	// 0 and 4 share their low two bits; 1 goes elsewhere once depth is 1.
	for _, k := range []int32{0, 1, 2, 3} {
		ok, err := ht.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	gd, slots, depths := directoryState(t, ht)
	require.Equal(t, uint32(1), gd)
	require.Equal(t, []uint32{1, 1}, depths)

	// bucket for even keys {0, 2} is full; inserting 4 splits it by bit 1
	ok, err := ht.Insert(4, 4)
	require.NoError(t, err)
	require.True(t, ok)
	gd, slots, depths = directoryState(t, ht)
	require.Equal(t, uint32(2), gd)
	require.Equal(t, []uint32{2, 1, 2, 1}, depths)
	require.Equal(t, slots[1], slots[3], "the odd bucket was duplicated, not split")
	require.NotEqual(t, slots[0], slots[2])
	for _, k := range []int32{0, 1, 2, 3, 4} {
		requireValue(t, ht, k, k)
	}
	require.NoError(t, ht.VerifyIntegrity())
}

func TestHashTable_SaturationRejectsInsert(t *testing.T) {
	reader := telemetrytest.NewReader()
	bpm := setupPool(t, 20)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 2, BucketMaxSize: 2, Meter: reader.Meter})

	// 0, 4, 8 agree on their low two bits, so depth 2 can never separate them
	for _, k := range []int32{0, 4} {
		ok, err := ht.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := ht.Insert(8, 8)
	require.NoError(t, err)
	require.False(t, ok, "saturation is a normal false, not an error")

	gd, _, _ := directoryState(t, ht)
	require.Equal(t, uint32(2), gd)
	requireValue(t, ht, 0, 0)
	requireValue(t, ht, 4, 4)
	requireMissing(t, ht, 8)
	require.NoError(t, ht.VerifyIntegrity())

	// keys that land in other buckets still go in
	ok, err = ht.Insert(1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(1), reader.Counter(t, "gojostore.hashtable.saturations_total"))
	require.Equal(t, int64(2), reader.Counter(t, "gojostore.hashtable.directory_growths_total"))
	require.Equal(t, int64(2), reader.Counter(t, "gojostore.hashtable.splits_total"))
}

func TestHashTable_RemoveIsIdempotent(t *testing.T) {
	bpm := setupPool(t, 10)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 3, BucketMaxSize: 4})

	ok, err := ht.Remove(5)
	require.NoError(t, err)
	require.False(t, ok, "removing from an empty table")

	for _, k := range []int32{1, 2, 3} {
		_, err := ht.Insert(k, k)
		require.NoError(t, err)
	}
	ok, err = ht.Remove(9)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = ht.Remove(2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ht.Remove(2)
	require.NoError(t, err)
	require.False(t, ok)
	requireMissing(t, ht, 2)
	requireValue(t, ht, 1, 1)
	requireValue(t, ht, 3, 3)
}

func TestHashTable_EmptyBucketMergesWithSplitImage(t *testing.T) {
	bpm := setupPool(t, 10)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 3, BucketMaxSize: 2})

	for _, k := range []int32{0, 1, 2} {
		ok, err := ht.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	gd, slots, depths := directoryState(t, ht)
	require.Equal(t, uint32(1), gd)
	require.Equal(t, []uint32{1, 1}, depths)
	oddBucket := slots[1]
	freeBefore := bpm.FreeFrameCount()

	// the odd bucket {1} empties; its image {0, 2} has the same local depth
	ok, err := ht.Remove(1)
	require.NoError(t, err)
	require.True(t, ok)

	gd, slots, depths = directoryState(t, ht)
	require.Equal(t, uint32(0), gd, "directory shrinks after the merge")
	require.Len(t, slots, 1)
	require.Equal(t, []uint32{0}, depths)
	require.NotEqual(t, oddBucket, slots[0])

	_, resident := bpm.GetPinCount(oddBucket)
	require.False(t, resident, "merged bucket page is deleted")
	require.Equal(t, freeBefore+1, bpm.FreeFrameCount())

	requireValue(t, ht, 0, 0)
	requireValue(t, ht, 2, 2)
	require.NoError(t, ht.VerifyIntegrity())
}

func TestHashTable_NoMergeAcrossDifferentLocalDepths(t *testing.T) {
	bpm := setupPool(t, 20)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 3, BucketMaxSize: 2})

	// depths end up [2, 1, 2, 1]: even keys split twice, odd keys once
	for _, k := range []int32{0, 1, 2, 3, 4} {
		_, err := ht.Insert(k, k)
		require.NoError(t, err)
	}
	_, _, depths := directoryState(t, ht)
	require.Equal(t, []uint32{2, 1, 2, 1}, depths)

	// empty the odd bucket; its image is slot 0 at depth 2, so no merge
	for _, k := range []int32{1, 3} {
		ok, err := ht.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	gd, _, depths := directoryState(t, ht)
	require.Equal(t, uint32(2), gd)
	require.Equal(t, []uint32{2, 1, 2, 1}, depths)
	require.NoError(t, ht.VerifyIntegrity())

	// the empty bucket is still usable
	ok, err := ht.Insert(5, 5)
	require.NoError(t, err)
	require.True(t, ok)
	requireValue(t, ht, 5, 5)
}

func TestHashTable_MergeIntoEmptyImageContinues(t *testing.T) {
	bpm := setupPool(t, 20)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 3, BucketMaxSize: 2})

	// slots [A, B, C, B], depths [2, 1, 2, 1]; A={0,4} B={1,3} C={2}
	for _, k := range []int32{0, 1, 2, 3, 4} {
		ok, err := ht.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, slots, _ := directoryState(t, ht)
	bucketA, bucketB, bucketC := slots[0], slots[1], slots[2]

	// B empties but cannot merge with A, which is one level deeper
	for _, k := range []int32{1, 3} {
		ok, err := ht.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// A empties and folds into C; every depth is now 1, so the directory halves
	for _, k := range []int32{0, 4} {
		ok, err := ht.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	gd, slots, depths := directoryState(t, ht)
	require.Equal(t, uint32(1), gd)
	require.Equal(t, []pagemanager.PageID{bucketC, bucketB}, slots)
	require.Equal(t, []uint32{1, 1}, depths)
	_, resident := bpm.GetPinCount(bucketA)
	require.False(t, resident)

	// C empties and folds into the already empty B, leaving one bucket at depth 0
	ok, err := ht.Remove(2)
	require.NoError(t, err)
	require.True(t, ok)
	gd, slots, depths = directoryState(t, ht)
	require.Equal(t, uint32(0), gd)
	require.Equal(t, []pagemanager.PageID{bucketB}, slots)
	require.Equal(t, []uint32{0}, depths)
	_, resident = bpm.GetPinCount(bucketC)
	require.False(t, resident)

	for k := int32(0); k <= 4; k++ {
		requireMissing(t, ht, k)
	}
	require.NoError(t, ht.VerifyIntegrity())

	ok, err = ht.Insert(7, 7)
	require.NoError(t, err)
	require.True(t, ok)
	requireValue(t, ht, 7, 7)
}

// TestHashTable_RandomOpsAgainstModel runs random inserts and removes over a
// small key space and checks the directory invariants after every step.
func TestHashTable_RandomOpsAgainstModel(t *testing.T) {
	for _, tc := range []struct {
		headerDepth, dirDepth, bucketSize uint32
		hash                              HashFunc[int32]
	}{
		{0, 3, 2, identityHash},
		{0, 4, 3, identityHash},
		{1, 3, 2, nil},
		{2, 4, 4, nil},
	} {
		t.Run(fmt.Sprintf("h%d_d%d_b%d", tc.headerDepth, tc.dirDepth, tc.bucketSize), func(t *testing.T) {
			bpm := setupPool(t, 64)
			ht := newIntTable(t, bpm, tc.hash, Config{
				HeaderMaxDepth: tc.headerDepth, DirectoryMaxDepth: tc.dirDepth, BucketMaxSize: tc.bucketSize,
				Logger: zap.NewNop(),
			})
			model := make(map[int32]int32)
			rng := rand.New(rand.NewSource(int64(tc.dirDepth*31 + tc.bucketSize)))

			for step := 0; step < 2000; step++ {
				k := int32(rng.Intn(40))
				if rng.Intn(3) > 0 {
					v := int32(rng.Intn(1000))
					ok, err := ht.Insert(k, v)
					require.NoError(t, err)
					if _, exists := model[k]; exists {
						require.False(t, ok, "step %d: duplicate insert of %d", step, k)
					} else if ok {
						model[k] = v
					}
				} else {
					ok, err := ht.Remove(k)
					require.NoError(t, err)
					_, exists := model[k]
					require.Equal(t, exists, ok, "step %d: remove %d", step, k)
					delete(model, k)
				}
				require.NoError(t, ht.VerifyIntegrity(), "step %d", step)
			}

			for k := int32(0); k < 40; k++ {
				got, ok, err := ht.GetValue(k)
				require.NoError(t, err)
				want, exists := model[k]
				require.Equal(t, exists, ok, "key %d", k)
				if exists {
					require.Equal(t, want, got)
				}
			}
		})
	}
}

func TestHashTable_ConcurrentInsertAndGet(t *testing.T) {
	bpm := setupPool(t, 64)
	ht, err := NewDiskExtendibleHashTable[int32, int32]("concurrent", bpm, Int32Codec, Int32Codec, compareInt32, nil,
		Config{HeaderMaxDepth: 2, DirectoryMaxDepth: 9, BucketMaxSize: 8})
	require.NoError(t, err)

	const workers, perWorker = 8, 200
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := int32(w*perWorker + i)
				ok, err := ht.Insert(k, -k)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("insert of %d rejected", k)
				}
				v, found, err := ht.GetValue(k)
				if err != nil {
					return err
				}
				if !found || v != -k {
					return fmt.Errorf("key %d read back as (%d, %v)", k, v, found)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, ht.VerifyIntegrity())

	g = errgroup.Group{}
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i += 2 {
				k := int32(w*perWorker + i)
				if ok, err := ht.Remove(k); err != nil || !ok {
					return fmt.Errorf("remove %d: ok=%v err=%v", k, ok, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, ht.VerifyIntegrity())
	for k := int32(0); k < workers*perWorker; k++ {
		_, found, err := ht.GetValue(k)
		require.NoError(t, err)
		require.Equal(t, k%2 == 1, found, "key %d", k)
	}
}

// TestHashTable_FlushDuringSplitsAndMerges flushes the pool in a loop while
// workers split and merge buckets. Run with -race: flushed images must be
// copied under the page latch. The flushed pages must also reopen intact.
func TestHashTable_FlushDuringSplitsAndMerges(t *testing.T) {
	dm := flushmanager.NewMemoryDiskManager()
	bpm, err := bufferpool.NewBufferPoolManager(32, dm, bufferpool.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bpm.Close() })
	cfg := Config{HeaderMaxDepth: 2, DirectoryMaxDepth: 9, BucketMaxSize: 8}
	ht, err := NewDiskExtendibleHashTable[int32, int32]("flushed", bpm, Int32Codec, Int32Codec, compareInt32, nil, cfg)
	require.NoError(t, err)

	const workers, perWorker = 6, 100
	done := make(chan struct{})
	var flusher errgroup.Group
	flusher.Go(func() error {
		for rounds := 0; ; rounds++ {
			select {
			case <-done:
				if rounds > 0 {
					return nil
				}
			default:
			}
			if err := bpm.FlushAllPages(); err != nil {
				return err
			}
		}
	})

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			base := int32(w * perWorker)
			for round := int32(0); round < 3; round++ {
				for i := int32(0); i < perWorker; i++ {
					if ok, err := ht.Insert(base+i, round); err != nil || !ok {
						return fmt.Errorf("insert %d: ok=%v err=%v", base+i, ok, err)
					}
				}
				for _, i := range rng.Perm(perWorker) {
					if round == 2 && i%3 != 0 {
						continue
					}
					k := base + int32(i)
					if v, found, err := ht.GetValue(k); err != nil || !found || v != round {
						return fmt.Errorf("get %d: v=%d found=%v err=%v", k, v, found, err)
					}
					if ok, err := ht.Remove(k); err != nil || !ok {
						return fmt.Errorf("remove %d: ok=%v err=%v", k, ok, err)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(done)
	require.NoError(t, flusher.Wait())
	require.NoError(t, ht.VerifyIntegrity())
	require.NoError(t, bpm.FlushAllPages())

	reader, err := bufferpool.NewBufferPoolManager(8, dm)
	require.NoError(t, err)
	defer reader.Close()
	reopened, err := OpenDiskExtendibleHashTable[int32, int32]("flushed", reader, ht.GetHeaderPageID(),
		Int32Codec, Int32Codec, compareInt32, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, reopened.VerifyIntegrity())
	for k := int32(0); k < workers*perWorker; k++ {
		v, found, err := reopened.GetValue(k)
		require.NoError(t, err)
		require.Equal(t, k%perWorker%3 != 0, found, "key %d", k)
		if found {
			require.Equal(t, int32(2), v)
		}
	}
}

func TestHashTable_ReopenFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	dm, err := flushmanager.NewFileDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	bpm, err := bufferpool.NewBufferPoolManager(8, dm)
	require.NoError(t, err)

	keys := StringCodec(16)
	ht, err := NewDiskExtendibleHashTable[string, RID]("by_name", bpm, keys, RIDCodec, cmp.Compare[string], nil,
		Config{HeaderMaxDepth: 1, DirectoryMaxDepth: 9, BucketMaxSize: 4})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		ok, err := ht.Insert(fmt.Sprintf("user-%02d", i), RID{PageID: pagemanager.PageID(i), SlotNum: uint32(i % 7)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	headerID := ht.GetHeaderPageID()
	require.NoError(t, bpm.Close())
	require.NoError(t, dm.Close())

	dm, err = flushmanager.OpenFileDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	bpm, err = bufferpool.NewBufferPoolManager(8, dm)
	require.NoError(t, err)
	defer bpm.Close()

	reopened, err := OpenDiskExtendibleHashTable[string, RID]("by_name", bpm, headerID, keys, RIDCodec, cmp.Compare[string], nil,
		Config{DirectoryMaxDepth: 9, BucketMaxSize: 4})
	require.NoError(t, err)
	require.NoError(t, reopened.VerifyIntegrity())
	for i := 0; i < 50; i++ {
		v, ok, err := reopened.GetValue(fmt.Sprintf("user-%02d", i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, RID{PageID: pagemanager.PageID(i), SlotNum: uint32(i % 7)}, v)
	}

	// new pages must not collide with the reopened ones
	ok, err := reopened.Insert("user-new", RID{PageID: 99})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reopened.VerifyIntegrity())
}

func TestHashTable_InvalidConfig(t *testing.T) {
	bpm := setupPool(t, 4)
	_, err := NewDiskExtendibleHashTable[int32, int32]("bad", bpm, Int32Codec, Int32Codec, compareInt32, nil,
		Config{HeaderMaxDepth: HeaderMaxDepthLimit + 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDiskExtendibleHashTable[int32, int32]("bad", bpm, Int32Codec, Int32Codec, compareInt32, nil,
		Config{DirectoryMaxDepth: DirectoryMaxDepthLimit + 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDiskExtendibleHashTable[int32, int32]("bad", bpm, Int32Codec, Int32Codec, compareInt32, nil,
		Config{BucketMaxSize: BucketArraySize(8) + 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDiskExtendibleHashTable[int32, int32]("bad", bpm, Int32Codec, Int32Codec, nil, nil, Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHashTable_Dump(t *testing.T) {
	bpm := setupPool(t, 10)
	ht := newIntTable(t, bpm, identityHash, Config{DirectoryMaxDepth: 2, BucketMaxSize: 2})
	for _, k := range []int32{0, 1, 2} {
		_, err := ht.Insert(k, k)
		require.NoError(t, err)
	}
	var out bytes.Buffer
	require.NoError(t, ht.Dump(&out))
	require.Contains(t, out.String(), "global depth 1")
	require.Contains(t, out.String(), "entries 2/2")
	require.Contains(t, out.String(), "entries 1/2")
}
