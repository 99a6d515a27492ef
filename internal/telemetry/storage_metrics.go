package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NoopMeter returns a meter whose instruments discard every measurement.
func NoopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("")
}

// DiskSchedulerMetrics holds the instruments of the disk scheduler worker.
type DiskSchedulerMetrics struct {
	ReadsCounter         metric.Int64Counter
	WritesCounter        metric.Int64Counter
	FailuresCounter      metric.Int64Counter
	RequestLatency       metric.Int64Histogram
	QueueDepthUpDownCntr metric.Int64UpDownCounter
}

func NewDiskSchedulerMetrics(meter metric.Meter) (*DiskSchedulerMetrics, error) {
	if meter == nil {
		meter = NoopMeter()
	}
	reads, err := meter.Int64Counter(
		"gojostore.disk.reads_total",
		metric.WithDescription("Page reads served by the disk scheduler."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	writes, err := meter.Int64Counter(
		"gojostore.disk.writes_total",
		metric.WithDescription("Page writes served by the disk scheduler."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"gojostore.disk.failures_total",
		metric.WithDescription("Disk requests that returned an error."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram(
		"gojostore.disk.request_duration",
		metric.WithDescription("Time from dequeue to completion of a disk request."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	depth, err := meter.Int64UpDownCounter(
		"gojostore.disk.queue_depth",
		metric.WithDescription("Disk requests waiting for the worker."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &DiskSchedulerMetrics{
		ReadsCounter:         reads,
		WritesCounter:        writes,
		FailuresCounter:      failures,
		RequestLatency:       latency,
		QueueDepthUpDownCntr: depth,
	}, nil
}

// BufferPoolMetrics holds the instruments of the buffer pool manager.
type BufferPoolMetrics struct {
	PageHits   metric.Int64Counter
	PageMisses metric.Int64Counter
	Evictions  metric.Int64Counter
	WriteBacks metric.Int64Counter
	Flushes    metric.Int64Counter
	Exhausted  metric.Int64Counter
}

func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	if meter == nil {
		meter = NoopMeter()
	}
	m := &BufferPoolMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PageHits, "gojostore.bufferpool.hits_total", "Fetches served from a resident frame."},
		{&m.PageMisses, "gojostore.bufferpool.misses_total", "Fetches that had to read the page from disk."},
		{&m.Evictions, "gojostore.bufferpool.evictions_total", "Frames reclaimed through the replacer."},
		{&m.WriteBacks, "gojostore.bufferpool.writebacks_total", "Dirty victims written back before reuse."},
		{&m.Flushes, "gojostore.bufferpool.flushes_total", "Pages written by explicit flushes."},
		{&m.Exhausted, "gojostore.bufferpool.exhausted_total", "Requests that found no free or evictable frame."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HashTableMetrics counts structural changes of extendible hash tables.
type HashTableMetrics struct {
	Splits           metric.Int64Counter
	Merges           metric.Int64Counter
	DirectoryGrowths metric.Int64Counter
	DirectoryShrinks metric.Int64Counter
	Saturations      metric.Int64Counter
}

func NewHashTableMetrics(meter metric.Meter) (*HashTableMetrics, error) {
	if meter == nil {
		meter = NoopMeter()
	}
	m := &HashTableMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Splits, "gojostore.hashtable.splits_total", "Bucket splits."},
		{&m.Merges, "gojostore.hashtable.merges_total", "Bucket merges."},
		{&m.DirectoryGrowths, "gojostore.hashtable.directory_growths_total", "Directory doublings."},
		{&m.DirectoryShrinks, "gojostore.hashtable.directory_shrinks_total", "Directory halvings."},
		{&m.Saturations, "gojostore.hashtable.saturations_total", "Inserts rejected because the directory is at max depth."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IndexMetrics records key/value operations served by an index manager.
type IndexMetrics struct {
	OpsStartedCounter  metric.Int64Counter
	OpsHandledCounter  metric.Int64Counter
	OpLatencyHistogram metric.Int64Histogram
}

func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	if meter == nil {
		meter = NoopMeter()
	}
	started, err := meter.Int64Counter(
		"gojostore.index.ops_started_total",
		metric.WithDescription("Index operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	handled, err := meter.Int64Counter(
		"gojostore.index.ops_handled_total",
		metric.WithDescription("Index operations completed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram(
		"gojostore.index.op_duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	return &IndexMetrics{
		OpsStartedCounter:  started,
		OpsHandledCounter:  handled,
		OpLatencyHistogram: latency,
	}, nil
}
