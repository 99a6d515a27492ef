package bufferpool

import (
	"container/list" // free frames
	"context"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultReplacerK = 2

// BufferPoolManager caches a fixed number of pages in memory frames and is the
// only component that changes pin counts, dirty flags and frame assignment.
// All disk traffic goes through a DiskScheduler. The bookkeeping mutex is
// never held while waiting for a disk request to complete.
type BufferPoolManager struct {
	poolSize  int
	frames    []*pagemanager.Page
	pageTable map[pagemanager.PageID]pagemanager.FrameID
	freeList  *list.List // of pagemanager.FrameID
	replacer  *LRUKReplacer
	scheduler *flushmanager.DiskScheduler

	// loading holds a channel per frame whose contents are still being read
	// from disk. It is closed once the frame is safe to use.
	loading map[pagemanager.FrameID]chan struct{}

	nextPageID pagemanager.PageID
	mu         sync.Mutex
	closed     bool

	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics
}

type options struct {
	logger      *zap.Logger
	meter       metric.Meter
	replacerK   int
	clock       *LogicalClock
	firstPageID pagemanager.PageID
}

// Option configures a BufferPoolManager.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }
func WithMeter(meter metric.Meter) Option  { return func(o *options) { o.meter = meter } }
func WithReplacerK(k int) Option           { return func(o *options) { o.replacerK = k } }
func WithClock(clock *LogicalClock) Option { return func(o *options) { o.clock = clock } }

// WithFirstPageID sets the id handed out by the first NewPage call. By default
// allocation resumes after the last page of the disk manager, when it can
// report one.
func WithFirstPageID(id pagemanager.PageID) Option {
	return func(o *options) { o.firstPageID = id }
}

type pageCounter interface {
	NumPages() int32
}

// NewBufferPoolManager creates a pool of poolSize frames on top of dm and
// starts its disk scheduler.
func NewBufferPoolManager(poolSize int, dm flushmanager.DiskManager, opts ...Option) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if dm == nil {
		return nil, fmt.Errorf("buffer pool requires a disk manager")
	}
	o := options{replacerK: defaultReplacerK, firstPageID: pagemanager.InvalidPageID}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.replacerK <= 0 {
		return nil, fmt.Errorf("replacer k must be positive, got %d", o.replacerK)
	}

	metrics, err := internaltelemetry.NewBufferPoolMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}
	scheduler, err := flushmanager.NewDiskScheduler(dm, o.logger, o.meter)
	if err != nil {
		return nil, err
	}

	bpm := &BufferPoolManager{
		poolSize:  poolSize,
		frames:    make([]*pagemanager.Page, poolSize),
		pageTable: make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:  list.New(),
		replacer:  NewLRUKReplacer(poolSize, o.replacerK, o.clock),
		scheduler: scheduler,
		loading:   make(map[pagemanager.FrameID]chan struct{}),
		logger:    o.logger.Named("buffer_pool"),
		metrics:   metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.frames[i] = pagemanager.NewPage()
		bpm.freeList.PushBack(pagemanager.FrameID(i))
	}

	switch {
	case o.firstPageID != pagemanager.InvalidPageID:
		bpm.nextPageID = o.firstPageID
	default:
		if pc, ok := dm.(pageCounter); ok {
			bpm.nextPageID = pagemanager.PageID(pc.NumPages())
		}
	}

	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("replacer_k", o.replacerK),
		zap.Int32("next_page_id", int32(bpm.nextPageID)))
	return bpm, nil
}

// --- Frame acquisition ---

// pendingIO is a disk request enqueued under the pool mutex and awaited after
// it has been released.
type pendingIO struct {
	pageID pagemanager.PageID
	cb     chan error
}

// acquireFrameLocked takes a frame from the free list or evicts one. A dirty
// victim's bytes are copied and a write-back is enqueued; the returned
// pendingIO (if any) must be awaited before the frame's new page is handed
// out. The frame is returned reset and unmapped. Caller holds bpm.mu.
func (bpm *BufferPoolManager) acquireFrameLocked() (pagemanager.FrameID, *pendingIO, bool) {
	if e := bpm.freeList.Front(); e != nil {
		bpm.freeList.Remove(e)
		return e.Value.(pagemanager.FrameID), nil, true
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		bpm.metrics.Exhausted.Add(context.Background(), 1)
		return pagemanager.InvalidFrameID, nil, false
	}
	bpm.metrics.Evictions.Add(context.Background(), 1)

	victim := bpm.frames[frameID]
	victimID := victim.GetPageID()
	var wb *pendingIO
	if victim.IsDirty() {
		buf := make([]byte, pagemanager.PageSize)
		copy(buf, victim.GetData())
		wb = &pendingIO{pageID: victimID, cb: bpm.scheduler.CreateCallback()}
		bpm.scheduler.Schedule(&flushmanager.DiskRequest{IsWrite: true, Data: buf, PageID: victimID, Callback: wb.cb})
		bpm.metrics.WriteBacks.Add(context.Background(), 1)
	}
	bpm.logger.Debug("Evicting page",
		zap.Int32("frame_id", int32(frameID)),
		zap.Int32("page_id", int32(victimID)),
		zap.Bool("write_back", wb != nil))

	delete(bpm.pageTable, victimID)
	victim.Reset()
	return frameID, wb, true
}

// installLocked maps pageID to frameID with a single pin. Caller holds bpm.mu.
func (bpm *BufferPoolManager) installLocked(frameID pagemanager.FrameID, pageID pagemanager.PageID) *pagemanager.Page {
	page := bpm.frames[frameID]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable[pageID] = frameID
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	return page
}

// await blocks on a disk request. Failures while moving a frame's bytes leave
// the pool inconsistent, so they are fatal.
func (bpm *BufferPoolManager) await(io *pendingIO, what string) {
	if io == nil {
		return
	}
	if err := <-io.cb; err != nil {
		bpm.logger.Error("Unrecoverable disk failure", zap.String("op", what), zap.Int32("page_id", int32(io.pageID)), zap.Error(err))
		panic(fmt.Errorf("%w: %s page %d: %v", flushmanager.ErrIO, what, io.pageID, err))
	}
}

// --- Public API ---

// NewPage allocates a fresh page id, places a zeroed page for it in a frame
// and returns the page pinned once. It returns ErrBufferPoolFull when every
// frame is pinned.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, error) {
	bpm.mu.Lock()
	frameID, wb, ok := bpm.acquireFrameLocked()
	if !ok {
		bpm.mu.Unlock()
		return nil, flushmanager.ErrBufferPoolFull
	}
	pageID := bpm.nextPageID
	bpm.nextPageID++
	page := bpm.installLocked(frameID, pageID)
	bpm.mu.Unlock()

	bpm.await(wb, "writing back")
	bpm.logger.Debug("Allocated new page", zap.Int32("page_id", int32(pageID)), zap.Int32("frame_id", int32(frameID)))
	return page, nil
}

// FetchPage returns pageID pinned, reading it from disk when it is not
// resident. It returns ErrBufferPoolFull when the page is not resident and
// every frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if pageID < 0 {
		panic(fmt.Sprintf("buffer pool: fetch of invalid page id %d", pageID))
	}
	ctx := context.Background()
	bpm.mu.Lock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		page := bpm.frames[frameID]
		page.Pin()
		bpm.replacer.RecordAccess(frameID)
		bpm.replacer.SetEvictable(frameID, false)
		ready := bpm.loading[frameID]
		bpm.mu.Unlock()

		bpm.metrics.PageHits.Add(ctx, 1)
		if ready != nil {
			<-ready
		}
		return page, nil
	}

	frameID, wb, ok := bpm.acquireFrameLocked()
	if !ok {
		bpm.mu.Unlock()
		return nil, flushmanager.ErrBufferPoolFull
	}
	page := bpm.installLocked(frameID, pageID)
	ready := make(chan struct{})
	bpm.loading[frameID] = ready
	rd := &pendingIO{pageID: pageID, cb: bpm.scheduler.CreateCallback()}
	bpm.scheduler.Schedule(&flushmanager.DiskRequest{Data: page.GetData(), PageID: pageID, Callback: rd.cb})
	bpm.mu.Unlock()

	bpm.metrics.PageMisses.Add(ctx, 1)
	bpm.await(wb, "writing back")
	bpm.await(rd, "reading")

	bpm.mu.Lock()
	delete(bpm.loading, frameID)
	bpm.mu.Unlock()
	close(ready)
	return page, nil
}

// UnpinPage drops one pin on pageID and ORs isDirty into its dirty flag. The
// frame becomes evictable when the last pin goes away. It returns false if the
// page is not resident or not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	page := bpm.frames[frameID]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Unpin of page with zero pin count", zap.Int32("page_id", int32(pageID)))
		return false
	}
	if isDirty {
		page.SetDirty(true)
	}
	if page.Unpin() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes pageID to disk whether or not it is dirty and clears its
// dirty flag. The bytes are copied under the page's read latch, so the caller
// must not hold the page's write latch.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return fmt.Errorf("%w: %d", flushmanager.ErrPageNotFound, pageID)
	}
	pin := bpm.pinForFlushLocked(frameID)
	bpm.mu.Unlock()

	return bpm.finishFlush(bpm.scheduleFlush(pin))
}

// FlushAllPages writes every resident page to disk. Pages are pinned one at a
// time so concurrent users keep the rest of the pool; a page evicted before
// its turn has already been written back.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	pageIDs := make([]pagemanager.PageID, 0, len(bpm.pageTable))
	for pageID := range bpm.pageTable {
		pageIDs = append(pageIDs, pageID)
	}
	bpm.mu.Unlock()

	pending := make([]*pendingIO, 0, len(pageIDs))
	for _, pageID := range pageIDs {
		bpm.mu.Lock()
		frameID, ok := bpm.pageTable[pageID]
		if !ok {
			bpm.mu.Unlock()
			continue
		}
		pin := bpm.pinForFlushLocked(frameID)
		bpm.mu.Unlock()
		pending = append(pending, bpm.scheduleFlush(pin))
	}
	var errs error
	for _, io := range pending {
		errs = multierr.Append(errs, bpm.finishFlush(io))
	}
	return errs
}

// flushPin is a frame pinned for a flush. ready is non-nil while the frame's
// contents are still being read from disk.
type flushPin struct {
	page  *pagemanager.Page
	ready chan struct{}
}

// pinForFlushLocked keeps the frame resident without counting as an access.
// Caller holds bpm.mu.
func (bpm *BufferPoolManager) pinForFlushLocked(frameID pagemanager.FrameID) flushPin {
	page := bpm.frames[frameID]
	page.Pin()
	bpm.replacer.SetEvictable(frameID, false)
	return flushPin{page: page, ready: bpm.loading[frameID]}
}

// scheduleFlush copies the page under its read latch and enqueues the write
// before dropping the flush pin, so the write is ahead of any later
// write-back or reload of the same page in the scheduler queue.
func (bpm *BufferPoolManager) scheduleFlush(pin flushPin) *pendingIO {
	if pin.ready != nil {
		<-pin.ready
	}
	page := pin.page
	pageID := page.GetPageID()
	buf := make([]byte, pagemanager.PageSize)

	page.RLock()
	copy(buf, page.GetData())
	// writers mark the page dirty only when they unpin, after releasing the latch
	page.SetDirty(false)
	page.RUnlock()

	io := &pendingIO{pageID: pageID, cb: bpm.scheduler.CreateCallback()}
	bpm.scheduler.Schedule(&flushmanager.DiskRequest{IsWrite: true, Data: buf, PageID: pageID, Callback: io.cb})
	bpm.UnpinPage(pageID, false)
	return io
}

func (bpm *BufferPoolManager) finishFlush(io *pendingIO) error {
	if err := <-io.cb; err != nil {
		bpm.logger.Error("Failed to flush page", zap.Int32("page_id", int32(io.pageID)), zap.Error(err))
		bpm.mu.Lock()
		if frameID, ok := bpm.pageTable[io.pageID]; ok {
			bpm.frames[frameID].SetDirty(true)
		}
		bpm.mu.Unlock()
		return fmt.Errorf("%w: flushing page %d: %v", flushmanager.ErrIO, io.pageID, err)
	}
	bpm.metrics.Flushes.Add(context.Background(), 1)
	return nil
}

// DeletePage drops pageID from the pool and frees its frame. Deleting a page
// that is not resident succeeds; deleting a pinned page fails. Dirty contents
// are discarded.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return true
	}
	page := bpm.frames[frameID]
	if page.GetPinCount() > 0 {
		bpm.logger.Warn("Cannot delete pinned page", zap.Int32("page_id", int32(pageID)), zap.Int32("pin_count", page.GetPinCount()))
		return false
	}
	delete(bpm.pageTable, pageID)
	bpm.replacer.Remove(frameID)
	page.Reset()
	bpm.freeList.PushBack(frameID)
	bpm.logger.Debug("Deleted page", zap.Int32("page_id", int32(pageID)), zap.Int32("frame_id", int32(frameID)))
	return true
}

// --- Introspection ---

func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// GetPinCount reports the pin count of a resident page.
func (bpm *BufferPoolManager) GetPinCount(pageID pagemanager.PageID) (int32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.frames[frameID].GetPinCount(), true
}

// IsDirty reports the dirty flag of a resident page.
func (bpm *BufferPoolManager) IsDirty(pageID pagemanager.PageID) (bool, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false, false
	}
	return bpm.frames[frameID].IsDirty(), true
}

func (bpm *BufferPoolManager) FreeFrameCount() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.freeList.Len()
}

// EvictableFrameCount is the number of resident frames with no pins.
func (bpm *BufferPoolManager) EvictableFrameCount() int {
	return bpm.replacer.Size()
}

// Close flushes every resident page and stops the disk scheduler. The disk
// manager is left open for the caller to close.
func (bpm *BufferPoolManager) Close() error {
	bpm.mu.Lock()
	if bpm.closed {
		bpm.mu.Unlock()
		return nil
	}
	bpm.closed = true
	bpm.mu.Unlock()

	err := bpm.FlushAllPages()
	bpm.scheduler.Shutdown()
	bpm.logger.Info("BufferPoolManager closed", zap.Error(err))
	return err
}
