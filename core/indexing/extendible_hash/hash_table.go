package extendiblehash

import (
	"context"
	"fmt"
	"io"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config sizes a new table. Zero BucketMaxSize means "as many entries as fit
// in a page".
type Config struct {
	HeaderMaxDepth    uint32
	DirectoryMaxDepth uint32
	BucketMaxSize     uint32
	Logger            *zap.Logger
	Meter             metric.Meter
}

// DiskExtendibleHashTable is a unique-key hash index stored in buffer pool
// pages: one header page, directories created on demand per header slot, and
// buckets that split and merge as keys come and go.
//
// Latches are taken header, directory, bucket. Readers hold a parent's latch
// only until the child's latch is held. Writers keep the directory write
// latched for the whole operation so splits and merges are never observed
// half done.
type DiskExtendibleHashTable[K any, V any] struct {
	name              string
	bpm               *bufferpool.BufferPoolManager
	keyCodec          Codec[K]
	valueCodec        Codec[V]
	cmp               func(a, b K) int
	hash              HashFunc[K]
	headerPageID      pagemanager.PageID
	headerMaxDepth    uint32
	directoryMaxDepth uint32
	bucketMaxSize     uint32

	logger  *zap.Logger
	metrics *internaltelemetry.HashTableMetrics
	attrs   metric.MeasurementOption
}

func newTable[K any, V any](name string, bpm *bufferpool.BufferPoolManager, kc Codec[K], vc Codec[V],
	cmp func(a, b K) int, hash HashFunc[K], cfg Config) (*DiskExtendibleHashTable[K, V], error) {
	if bpm == nil {
		return nil, fmt.Errorf("%w: nil buffer pool", ErrInvalidConfig)
	}
	if kc.Size <= 0 || vc.Size <= 0 || kc.Encode == nil || kc.Decode == nil || vc.Encode == nil || vc.Decode == nil {
		return nil, fmt.Errorf("%w: incomplete key or value codec", ErrInvalidConfig)
	}
	if cmp == nil {
		return nil, fmt.Errorf("%w: nil key comparator", ErrInvalidConfig)
	}
	if cfg.HeaderMaxDepth > HeaderMaxDepthLimit {
		return nil, fmt.Errorf("%w: header max depth %d > %d", ErrInvalidConfig, cfg.HeaderMaxDepth, HeaderMaxDepthLimit)
	}
	if cfg.DirectoryMaxDepth > DirectoryMaxDepthLimit {
		return nil, fmt.Errorf("%w: directory max depth %d > %d", ErrInvalidConfig, cfg.DirectoryMaxDepth, DirectoryMaxDepthLimit)
	}
	capacity := BucketArraySize(kc.Size + vc.Size)
	if capacity == 0 {
		return nil, fmt.Errorf("%w: %d-byte entries do not fit in a page", ErrInvalidConfig, kc.Size+vc.Size)
	}
	if cfg.BucketMaxSize == 0 {
		cfg.BucketMaxSize = capacity
	}
	if cfg.BucketMaxSize > capacity {
		return nil, fmt.Errorf("%w: bucket max size %d > page capacity %d", ErrInvalidConfig, cfg.BucketMaxSize, capacity)
	}
	if hash == nil {
		hash = XXHashFunc(kc)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewHashTableMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash table metrics: %w", err)
	}
	return &DiskExtendibleHashTable[K, V]{
		name:              name,
		bpm:               bpm,
		keyCodec:          kc,
		valueCodec:        vc,
		cmp:               cmp,
		hash:              hash,
		headerMaxDepth:    cfg.HeaderMaxDepth,
		directoryMaxDepth: cfg.DirectoryMaxDepth,
		bucketMaxSize:     cfg.BucketMaxSize,
		logger:            cfg.Logger.Named("hash_table").With(zap.String("index", name)),
		metrics:           metrics,
		attrs:             metric.WithAttributes(attribute.String("index", name)),
	}, nil
}

// NewDiskExtendibleHashTable allocates a header page and returns an empty
// table. A nil hash uses XXHashFunc over the key codec.
func NewDiskExtendibleHashTable[K any, V any](name string, bpm *bufferpool.BufferPoolManager, kc Codec[K], vc Codec[V],
	cmp func(a, b K) int, hash HashFunc[K], cfg Config) (*DiskExtendibleHashTable[K, V], error) {
	ht, err := newTable[K, V](name, bpm, kc, vc, cmp, hash, cfg)
	if err != nil {
		return nil, err
	}
	basic, err := bpm.NewPageGuarded()
	if err != nil {
		return nil, fmt.Errorf("allocating header page for index %s: %w", name, err)
	}
	guard := basic.UpgradeWrite()
	defer guard.Drop()
	AsHeaderPage(guard.GetDataMut()).Init(ht.headerMaxDepth)
	ht.headerPageID = guard.PageID()

	ht.logger.Info("Created extendible hash table",
		zap.Int32("header_page_id", int32(ht.headerPageID)),
		zap.Uint32("header_max_depth", ht.headerMaxDepth),
		zap.Uint32("directory_max_depth", ht.directoryMaxDepth),
		zap.Uint32("bucket_max_size", ht.bucketMaxSize))
	return ht, nil
}

// OpenDiskExtendibleHashTable attaches to a table whose header page already
// exists. The header depth comes from the page; cfg's directory and bucket
// sizes apply to pages created from now on.
func OpenDiskExtendibleHashTable[K any, V any](name string, bpm *bufferpool.BufferPoolManager, headerPageID pagemanager.PageID,
	kc Codec[K], vc Codec[V], cmp func(a, b K) int, hash HashFunc[K], cfg Config) (*DiskExtendibleHashTable[K, V], error) {
	if headerPageID < 0 {
		return nil, fmt.Errorf("%w: header page id %d", ErrInvalidConfig, headerPageID)
	}
	guard, err := bpm.FetchPageRead(headerPageID)
	if err != nil {
		return nil, fmt.Errorf("reading header page %d of index %s: %w", headerPageID, name, err)
	}
	depth := AsHeaderPage(guard.GetData()).MaxDepth()
	guard.Drop()
	if depth > HeaderMaxDepthLimit {
		return nil, fmt.Errorf("%w: page %d has header depth %d", ErrNotAHashTable, headerPageID, depth)
	}

	cfg.HeaderMaxDepth = depth
	ht, err := newTable[K, V](name, bpm, kc, vc, cmp, hash, cfg)
	if err != nil {
		return nil, err
	}
	ht.headerPageID = headerPageID
	ht.logger.Info("Opened extendible hash table", zap.Int32("header_page_id", int32(headerPageID)))
	return ht, nil
}

func (ht *DiskExtendibleHashTable[K, V]) GetHeaderPageID() pagemanager.PageID { return ht.headerPageID }

func (ht *DiskExtendibleHashTable[K, V]) bucket(data []byte) BucketPage[K, V] {
	return AsBucketPage[K, V](data, ht.keyCodec, ht.valueCodec, ht.cmp)
}

// --- Lookup ---

// GetValue returns the value stored for key. A missing directory or bucket
// is a plain miss.
func (ht *DiskExtendibleHashTable[K, V]) GetValue(key K) (V, bool, error) {
	var zero V
	h := ht.hash(key)

	headerGuard, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return zero, false, err
	}
	header := AsHeaderPage(headerGuard.GetData())
	dirID := header.GetDirectoryPageID(header.HashToDirectoryIndex(h))
	if dirID == pagemanager.InvalidPageID {
		headerGuard.Drop()
		return zero, false, nil
	}
	dirGuard, err := ht.bpm.FetchPageRead(dirID)
	headerGuard.Drop()
	if err != nil {
		return zero, false, err
	}

	dir := AsDirectoryPage(dirGuard.GetData())
	bucketID := dir.GetBucketPageID(dir.HashToBucketIndex(h))
	if bucketID == pagemanager.InvalidPageID {
		dirGuard.Drop()
		return zero, false, nil
	}
	bucketGuard, err := ht.bpm.FetchPageRead(bucketID)
	dirGuard.Drop()
	if err != nil {
		return zero, false, err
	}
	defer bucketGuard.Drop()

	v, ok := ht.bucket(bucketGuard.GetData()).Lookup(key)
	return v, ok, nil
}

// --- Insert ---

// Insert adds (key, value). It returns false without error when key is
// already present or when the target bucket is full and the directory is at
// its max depth.
func (ht *DiskExtendibleHashTable[K, V]) Insert(key K, value V) (bool, error) {
	h := ht.hash(key)

	headerGuard, err := ht.bpm.FetchPageWrite(ht.headerPageID)
	if err != nil {
		return false, err
	}
	header := AsHeaderPage(headerGuard.GetData())
	dirIdx := header.HashToDirectoryIndex(h)
	dirID := header.GetDirectoryPageID(dirIdx)
	if dirID == pagemanager.InvalidPageID {
		defer headerGuard.Drop()
		return ht.insertToNewDirectory(headerGuard, dirIdx, key, value)
	}

	dirGuard, err := ht.bpm.FetchPageWrite(dirID)
	headerGuard.Drop()
	if err != nil {
		return false, err
	}
	defer dirGuard.Drop()
	return ht.insertIntoDirectory(dirGuard, h, key, value)
}

func (ht *DiskExtendibleHashTable[K, V]) insertToNewDirectory(headerGuard *bufferpool.WritePageGuard, dirIdx uint32, key K, value V) (bool, error) {
	basic, err := ht.bpm.NewPageGuarded()
	if err != nil {
		return false, err
	}
	dirGuard := basic.UpgradeWrite()
	defer dirGuard.Drop()
	dir := AsDirectoryPage(dirGuard.GetDataMut())
	dir.Init(ht.directoryMaxDepth)

	bucketID, err := ht.newBucket(func(b BucketPage[K, V]) { b.Insert(key, value) })
	if err != nil {
		dirID := dirGuard.PageID()
		dirGuard.Drop()
		ht.bpm.DeletePage(dirID)
		return false, err
	}
	dir.SetBucketPageID(0, bucketID)
	dir.SetLocalDepth(0, 0)
	AsHeaderPage(headerGuard.GetDataMut()).SetDirectoryPageID(dirIdx, dirGuard.PageID())

	ht.logger.Debug("Created directory",
		zap.Uint32("header_slot", dirIdx),
		zap.Int32("directory_page_id", int32(dirGuard.PageID())),
		zap.Int32("bucket_page_id", int32(bucketID)))
	return true, nil
}

// newBucket allocates and initializes a bucket page, lets fill populate it
// while it is write latched, and returns its id.
func (ht *DiskExtendibleHashTable[K, V]) newBucket(fill func(BucketPage[K, V])) (pagemanager.PageID, error) {
	basic, err := ht.bpm.NewPageGuarded()
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	guard := basic.UpgradeWrite()
	defer guard.Drop()
	b := ht.bucket(guard.GetDataMut())
	b.Init(ht.bucketMaxSize)
	if fill != nil {
		fill(b)
	}
	return guard.PageID(), nil
}

// insertIntoDirectory runs with dirGuard write latched. Every pass through the
// loop either finishes or splits the key's bucket, raising its local depth by
// one, so it runs at most max_depth+1 times.
func (ht *DiskExtendibleHashTable[K, V]) insertIntoDirectory(dirGuard *bufferpool.WritePageGuard, h uint32, key K, value V) (bool, error) {
	ctx := context.Background()
	dir := AsDirectoryPage(dirGuard.GetData())

	for range dir.GetMaxDepth() + 1 {
		bucketIdx := dir.HashToBucketIndex(h)
		bucketID := dir.GetBucketPageID(bucketIdx)
		if bucketID == pagemanager.InvalidPageID {
			return false, fmt.Errorf("%w: slot %d of directory %d has no bucket", ErrCorruptDirectory, bucketIdx, dirGuard.PageID())
		}
		bucketGuard, err := ht.bpm.FetchPageWrite(bucketID)
		if err != nil {
			return false, err
		}
		bucket := ht.bucket(bucketGuard.GetData())

		if _, found := bucket.Lookup(key); found {
			bucketGuard.Drop()
			return false, nil
		}
		if !bucket.IsFull() {
			ht.bucket(bucketGuard.GetDataMut()).Insert(key, value)
			bucketGuard.Drop()
			return true, nil
		}

		localDepth := dir.GetLocalDepth(bucketIdx)
		if localDepth == dir.GetGlobalDepth() && localDepth >= dir.GetMaxDepth() {
			bucketGuard.Drop()
			ht.metrics.Saturations.Add(ctx, 1, ht.attrs)
			ht.logger.Debug("Directory saturated, rejecting insert",
				zap.Int32("directory_page_id", int32(dirGuard.PageID())),
				zap.Uint32("global_depth", dir.GetGlobalDepth()))
			return false, nil
		}

		dir = AsDirectoryPage(dirGuard.GetDataMut())
		if localDepth == dir.GetGlobalDepth() {
			dir.IncrGlobalDepth()
			ht.metrics.DirectoryGrowths.Add(ctx, 1, ht.attrs)
			ht.logger.Debug("Grew directory",
				zap.Int32("directory_page_id", int32(dirGuard.PageID())),
				zap.Uint32("global_depth", dir.GetGlobalDepth()))
		}

		err = ht.splitBucket(dir, bucketGuard, bucketIdx)
		bucketGuard.Drop()
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// splitBucket moves the upper half of a full bucket, by the bit at its
// current local depth, into a new bucket and repoints the matching slots.
func (ht *DiskExtendibleHashTable[K, V]) splitBucket(dir DirectoryPage, bucketGuard *bufferpool.WritePageGuard, bucketIdx uint32) error {
	oldID := bucketGuard.PageID()
	splitBit := dir.GetLocalDepth(bucketIdx)
	old := ht.bucket(bucketGuard.GetDataMut())

	newID, err := ht.newBucket(func(fresh BucketPage[K, V]) {
		for i := old.Size(); i > 0; i-- {
			k, v := old.EntryAt(i - 1)
			if (ht.hash(k)>>splitBit)&1 == 1 {
				fresh.Insert(k, v)
				old.RemoveAt(i - 1)
			}
		}
	})
	if err != nil {
		return err
	}

	for i := uint32(0); i < dir.Size(); i++ {
		if dir.GetBucketPageID(i) != oldID {
			continue
		}
		dir.SetLocalDepth(i, splitBit+1)
		if (i>>splitBit)&1 == 1 {
			dir.SetBucketPageID(i, newID)
		}
	}

	ht.metrics.Splits.Add(context.Background(), 1, ht.attrs)
	ht.logger.Debug("Split bucket",
		zap.Int32("bucket_page_id", int32(oldID)),
		zap.Int32("new_bucket_page_id", int32(newID)),
		zap.Uint32("local_depth", splitBit+1),
		zap.Uint32("remaining", old.Size()))
	return nil
}

// --- Remove ---

// Remove deletes key. Buckets left empty are merged into their split image
// while the local depths allow it, and the directory shrinks afterwards.
func (ht *DiskExtendibleHashTable[K, V]) Remove(key K) (bool, error) {
	h := ht.hash(key)

	headerGuard, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return false, err
	}
	header := AsHeaderPage(headerGuard.GetData())
	dirID := header.GetDirectoryPageID(header.HashToDirectoryIndex(h))
	if dirID == pagemanager.InvalidPageID {
		headerGuard.Drop()
		return false, nil
	}
	dirGuard, err := ht.bpm.FetchPageWrite(dirID)
	headerGuard.Drop()
	if err != nil {
		return false, err
	}
	defer dirGuard.Drop()

	dir := AsDirectoryPage(dirGuard.GetData())
	bucketIdx := dir.HashToBucketIndex(h)
	bucketID := dir.GetBucketPageID(bucketIdx)
	if bucketID == pagemanager.InvalidPageID {
		return false, nil
	}
	bucketGuard, err := ht.bpm.FetchPageWrite(bucketID)
	if err != nil {
		return false, err
	}
	if _, found := ht.bucket(bucketGuard.GetData()).Lookup(key); !found {
		bucketGuard.Drop()
		return false, nil
	}
	ht.bucket(bucketGuard.GetDataMut()).Remove(key)

	merged, err := ht.mergeEmptyBuckets(dirGuard, bucketGuard, bucketIdx)
	if err != nil {
		return true, err
	}
	if merged {
		ht.shrinkDirectory(dirGuard)
	}
	return true, nil
}

// mergeEmptyBuckets folds an empty bucket into its split image and repeats
// with the image while it is empty too. It takes ownership of bucketGuard.
func (ht *DiskExtendibleHashTable[K, V]) mergeEmptyBuckets(dirGuard, bucketGuard *bufferpool.WritePageGuard, bucketIdx uint32) (bool, error) {
	defer func() { bucketGuard.Drop() }()
	dir := AsDirectoryPage(dirGuard.GetData())
	merged := false

	for ht.bucket(bucketGuard.GetData()).IsEmpty() {
		localDepth := dir.GetLocalDepth(bucketIdx)
		if localDepth == 0 {
			break
		}
		imageIdx := dir.GetSplitImageIndex(bucketIdx)
		if dir.GetLocalDepth(imageIdx) != localDepth {
			break
		}
		emptyID := bucketGuard.PageID()
		imageID := dir.GetBucketPageID(imageIdx)
		if imageID == emptyID || imageID == pagemanager.InvalidPageID {
			break
		}
		imageGuard, err := ht.bpm.FetchPageWrite(imageID)
		if err != nil {
			return merged, err
		}

		dir = AsDirectoryPage(dirGuard.GetDataMut())
		for i := uint32(0); i < dir.Size(); i++ {
			id := dir.GetBucketPageID(i)
			if id == emptyID || id == imageID {
				dir.SetBucketPageID(i, imageID)
				dir.DecrLocalDepth(i)
			}
		}

		bucketGuard.Drop()
		if !ht.bpm.DeletePage(emptyID) {
			ht.logger.Warn("Merged bucket page is still pinned and was not freed", zap.Int32("bucket_page_id", int32(emptyID)))
		}
		merged = true
		ht.metrics.Merges.Add(context.Background(), 1, ht.attrs)
		ht.logger.Debug("Merged bucket",
			zap.Int32("empty_bucket_page_id", int32(emptyID)),
			zap.Int32("image_bucket_page_id", int32(imageID)),
			zap.Uint32("local_depth", localDepth-1))

		bucketGuard = imageGuard
		bucketIdx = imageIdx
	}
	return merged, nil
}

func (ht *DiskExtendibleHashTable[K, V]) shrinkDirectory(dirGuard *bufferpool.WritePageGuard) {
	dir := AsDirectoryPage(dirGuard.GetDataMut())
	for dir.CanShrink() {
		dir.DecrGlobalDepth()
		ht.metrics.DirectoryShrinks.Add(context.Background(), 1, ht.attrs)
		ht.logger.Debug("Shrank directory",
			zap.Int32("directory_page_id", int32(dirGuard.PageID())),
			zap.Uint32("global_depth", dir.GetGlobalDepth()))
	}
}

// --- Diagnostics ---

// VerifyIntegrity checks every directory's invariants and that each stored
// key lives in the bucket its hash addresses.
func (ht *DiskExtendibleHashTable[K, V]) VerifyIntegrity() error {
	headerGuard, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return err
	}
	defer headerGuard.Drop()
	header := AsHeaderPage(headerGuard.GetData())

	var errs error
	for dirIdx := uint32(0); dirIdx < header.MaxSize(); dirIdx++ {
		dirID := header.GetDirectoryPageID(dirIdx)
		if dirID == pagemanager.InvalidPageID {
			continue
		}
		errs = multierr.Append(errs, ht.verifyDirectory(header, dirIdx, dirID))
	}
	return errs
}

func (ht *DiskExtendibleHashTable[K, V]) verifyDirectory(header HeaderPage, dirIdx uint32, dirID pagemanager.PageID) error {
	dirGuard, err := ht.bpm.FetchPageRead(dirID)
	if err != nil {
		return err
	}
	defer dirGuard.Drop()
	dir := AsDirectoryPage(dirGuard.GetData())
	if err := dir.VerifyIntegrity(); err != nil {
		return fmt.Errorf("directory %d: %w", dirID, err)
	}

	var errs error
	checked := make(map[pagemanager.PageID]bool)
	for i := uint32(0); i < dir.Size(); i++ {
		bucketID := dir.GetBucketPageID(i)
		if checked[bucketID] {
			continue
		}
		checked[bucketID] = true

		bucketGuard, err := ht.bpm.FetchPageRead(bucketID)
		if err != nil {
			return multierr.Append(errs, err)
		}
		b := ht.bucket(bucketGuard.GetData())
		if b.Size() > b.MaxSize() {
			errs = multierr.Append(errs, fmt.Errorf("%w: bucket %d size %d > max %d", ErrCorruptBucket, bucketID, b.Size(), b.MaxSize()))
		}
		for e := uint32(0); e < b.Size() && e < b.MaxSize(); e++ {
			h := ht.hash(b.KeyAt(e))
			if header.HashToDirectoryIndex(h) != dirIdx || dir.GetBucketPageID(dir.HashToBucketIndex(h)) != bucketID {
				errs = multierr.Append(errs, fmt.Errorf("%w: entry %d of bucket %d is misplaced", ErrCorruptBucket, e, bucketID))
			}
		}
		bucketGuard.Drop()
	}
	return errs
}

// Dump writes a human-readable description of the table to w.
func (ht *DiskExtendibleHashTable[K, V]) Dump(w io.Writer) error {
	headerGuard, err := ht.bpm.FetchPageRead(ht.headerPageID)
	if err != nil {
		return err
	}
	defer headerGuard.Drop()
	header := AsHeaderPage(headerGuard.GetData())

	fmt.Fprintf(w, "index %s: header page %d, max depth %d\n", ht.name, ht.headerPageID, header.MaxDepth())
	for dirIdx := uint32(0); dirIdx < header.MaxSize(); dirIdx++ {
		dirID := header.GetDirectoryPageID(dirIdx)
		if dirID == pagemanager.InvalidPageID {
			continue
		}
		dirGuard, err := ht.bpm.FetchPageRead(dirID)
		if err != nil {
			return err
		}
		dir := AsDirectoryPage(dirGuard.GetData())
		fmt.Fprintf(w, "  directory[%d] page %d: global depth %d, max depth %d\n", dirIdx, dirID, dir.GetGlobalDepth(), dir.GetMaxDepth())
		for i := uint32(0); i < dir.Size(); i++ {
			bucketID := dir.GetBucketPageID(i)
			size := "?"
			if bucketGuard, err := ht.bpm.FetchPageRead(bucketID); err == nil {
				b := ht.bucket(bucketGuard.GetData())
				size = fmt.Sprintf("%d/%d", b.Size(), b.MaxSize())
				bucketGuard.Drop()
			}
			fmt.Fprintf(w, "    slot %0*b -> bucket page %d, local depth %d, entries %s\n",
				max(int(dir.GetGlobalDepth()), 1), i, bucketID, dir.GetLocalDepth(i), size)
		}
		dirGuard.Drop()
	}
	return nil
}
