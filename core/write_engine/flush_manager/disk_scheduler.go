package flushmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DiskRequest is one page-sized read or write handed to the DiskScheduler.
// Data must be exactly pagemanager.PageSize bytes and must stay valid until
// Callback has been resolved. For reads it is the destination buffer.
// Callback needs room for one value; use CreateCallback.
type DiskRequest struct {
	IsWrite  bool
	Data     []byte
	PageID   pagemanager.PageID
	Callback chan error
}

// requestQueue is an unbounded FIFO. A nil element tells the worker to stop.
type requestQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*DiskRequest
	closed bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends r and returns false if the queue no longer accepts work.
func (q *requestQueue) put(r *DiskRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, r)
	q.cond.Signal()
	return true
}

// close enqueues the stop sentinel behind all pending requests.
func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, nil)
	q.cond.Signal()
}

func (q *requestQueue) take() *DiskRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// DiskScheduler serializes page I/O onto a single background worker.
// Requests complete in submission order.
type DiskScheduler struct {
	dm       DiskManager
	queue    *requestQueue
	logger   *zap.Logger
	metrics  *internaltelemetry.DiskSchedulerMetrics
	stopOnce sync.Once
	done     chan struct{}
}

// NewDiskScheduler starts the worker goroutine. meter may be nil.
func NewDiskScheduler(dm DiskManager, logger *zap.Logger, meter metric.Meter) (*DiskScheduler, error) {
	if dm == nil {
		return nil, fmt.Errorf("disk scheduler requires a disk manager")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewDiskSchedulerMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk scheduler metrics: %w", err)
	}
	ds := &DiskScheduler{
		dm:      dm,
		queue:   newRequestQueue(),
		logger:  logger.Named("disk_scheduler"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go ds.startWorkerThread()
	return ds, nil
}

// CreateCallback returns a single-use completion channel for a DiskRequest.
func (ds *DiskScheduler) CreateCallback() chan error {
	return make(chan error, 1)
}

// Schedule enqueues r without waiting for it. After Shutdown the request is
// resolved immediately with ErrSchedulerStopped.
func (ds *DiskScheduler) Schedule(r *DiskRequest) {
	if r == nil {
		return
	}
	if !ds.queue.put(r) {
		resolve(r, ErrSchedulerStopped)
		return
	}
	ds.metrics.QueueDepthUpDownCntr.Add(context.Background(), 1)
}

// Shutdown lets the worker drain every request enqueued so far, then stops it.
// It blocks until the worker has exited and is safe to call more than once.
func (ds *DiskScheduler) Shutdown() {
	ds.stopOnce.Do(func() {
		ds.queue.close()
		<-ds.done
		ds.logger.Info("Disk scheduler stopped")
	})
}

func (ds *DiskScheduler) startWorkerThread() {
	defer close(ds.done)
	ctx := context.Background()
	for {
		r := ds.queue.take()
		if r == nil {
			return
		}
		ds.metrics.QueueDepthUpDownCntr.Add(ctx, -1)

		start := time.Now()
		var err error
		kind := "read"
		if r.IsWrite {
			kind = "write"
			err = ds.dm.WritePage(r.PageID, r.Data)
			ds.metrics.WritesCounter.Add(ctx, 1)
		} else {
			err = ds.dm.ReadPage(r.PageID, r.Data)
			ds.metrics.ReadsCounter.Add(ctx, 1)
		}
		ds.metrics.RequestLatency.Record(ctx, time.Since(start).Microseconds(),
			metric.WithAttributes(attribute.String("kind", kind)))
		if err != nil {
			ds.metrics.FailuresCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
			ds.logger.Error("Disk request failed",
				zap.String("kind", kind), zap.Int32("page_id", int32(r.PageID)), zap.Error(err))
		}
		resolve(r, err)
	}
}

func resolve(r *DiskRequest, err error) {
	if r.Callback == nil {
		return
	}
	select {
	case r.Callback <- err:
	default:
		// callback channels are single-use; a full one was already resolved
	}
}
