package indexmanager

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	extendiblehash "github.com/sushant-115/gojostore/core/indexing/extendible_hash"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const defaultLockStripes = 64

// HashConfig sizes a hash index. Keys and values are stored inline in bucket
// pages, so MaxKeySize and MaxValueSize bound the entry width.
type HashConfig struct {
	Name              string
	MaxKeySize        int
	MaxValueSize      int
	HeaderMaxDepth    uint32
	DirectoryMaxDepth uint32
	BucketMaxSize     uint32
	LockStripes       int
}

// hashTable is the part of the extendible hash table the manager uses.
type hashTable interface {
	GetValue(key string) ([]byte, bool, error)
	Insert(key string, value []byte) (bool, error)
	Remove(key string) (bool, error)
	GetHeaderPageID() pagemanager.PageID
	VerifyIntegrity() error
}

// HashIndexManager serves string keys and byte values from a disk extendible
// hash table. Writers of the same key are serialized through a striped lock
// so Put can replace a value as remove-then-insert.
type HashIndexManager struct {
	table        hashTable
	bpm          *bufferpool.BufferPoolManager
	stripes      []sync.RWMutex
	maxKeySize   int
	maxValueSize int

	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *internaltelemetry.IndexMetrics
	serviceName string
}

// NewHashIndexManager creates a new, empty hash index in bpm.
func NewHashIndexManager(bpm *bufferpool.BufferPoolManager, cfg HashConfig, logger *zap.Logger,
	tracer trace.Tracer, meter metric.Meter) (*HashIndexManager, error) {
	return newHashIndexManager(bpm, pagemanager.InvalidPageID, cfg, logger, tracer, meter)
}

// OpenHashIndexManager attaches to a hash index whose header page is headerPageID.
func OpenHashIndexManager(bpm *bufferpool.BufferPoolManager, headerPageID pagemanager.PageID, cfg HashConfig,
	logger *zap.Logger, tracer trace.Tracer, meter metric.Meter) (*HashIndexManager, error) {
	if headerPageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("open hash index %q: invalid header page id", cfg.Name)
	}
	return newHashIndexManager(bpm, headerPageID, cfg, logger, tracer, meter)
}

func newHashIndexManager(bpm *bufferpool.BufferPoolManager, headerPageID pagemanager.PageID, cfg HashConfig,
	logger *zap.Logger, tracer trace.Tracer, meter metric.Meter) (*HashIndexManager, error) {
	if cfg.MaxKeySize <= 0 || cfg.MaxValueSize <= 0 {
		return nil, fmt.Errorf("hash index %q: key and value sizes must be positive", cfg.Name)
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = defaultLockStripes
	}
	if cfg.Name == "" {
		cfg.Name = "hash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	metrics, err := internaltelemetry.NewIndexMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create index metrics: %w", err)
	}

	tableCfg := extendiblehash.Config{
		HeaderMaxDepth:    cfg.HeaderMaxDepth,
		DirectoryMaxDepth: cfg.DirectoryMaxDepth,
		BucketMaxSize:     cfg.BucketMaxSize,
		Logger:            logger,
		Meter:             meter,
	}
	keyCodec := extendiblehash.StringCodec(cfg.MaxKeySize)
	valueCodec := extendiblehash.BytesCodec(cfg.MaxValueSize)

	var table *extendiblehash.DiskExtendibleHashTable[string, []byte]
	if headerPageID == pagemanager.InvalidPageID {
		table, err = extendiblehash.NewDiskExtendibleHashTable[string, []byte](cfg.Name, bpm, keyCodec, valueCodec,
			strings.Compare, nil, tableCfg)
	} else {
		table, err = extendiblehash.OpenDiskExtendibleHashTable[string, []byte](cfg.Name, bpm, headerPageID, keyCodec,
			valueCodec, strings.Compare, nil, tableCfg)
	}
	if err != nil {
		return nil, err
	}

	return &HashIndexManager{
		table:        table,
		bpm:          bpm,
		stripes:      make([]sync.RWMutex, cfg.LockStripes),
		maxKeySize:   cfg.MaxKeySize,
		maxValueSize: cfg.MaxValueSize,
		logger:       logger.Named("index_manager").With(zap.String("index", cfg.Name)),
		tracer:       tracer,
		metrics:      metrics,
		serviceName:  "hash_indexmanager",
	}, nil
}

func (m *HashIndexManager) Name() string { return "hash" }

// HeaderPageID is the page to pass to OpenHashIndexManager after a restart.
func (m *HashIndexManager) HeaderPageID() pagemanager.PageID { return m.table.GetHeaderPageID() }

func (m *HashIndexManager) stripe(key string) *sync.RWMutex {
	return &m.stripes[xxhash.Sum64String(key)%uint64(len(m.stripes))]
}

func (m *HashIndexManager) checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > m.maxKeySize {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(key), m.maxKeySize)
	}
	return nil
}

func (m *HashIndexManager) Put(ctx context.Context, key string, value []byte) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Put")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Put", err) }()

	if err = m.checkKey(key); err != nil {
		return err
	}
	if len(value) > m.maxValueSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), m.maxValueSize)
	}

	mu := m.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	old, existed, err := m.table.GetValue(key)
	if err != nil {
		return err
	}
	if existed {
		if bytes.Equal(old, value) {
			return nil
		}
		if _, err = m.table.Remove(key); err != nil {
			return err
		}
	}

	ok, err := m.table.Insert(key, value)
	if err == nil && ok {
		return nil
	}
	if existed {
		// put the previous value back so a failed replace is not a delete
		if restored, rerr := m.table.Insert(key, old); rerr != nil || !restored {
			m.logger.Error("Lost previous value after failed replace", zap.String("key", key), zap.Error(rerr))
		}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %q", ErrIndexFull, key)
}

func (m *HashIndexManager) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Get")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Get", err) }()

	if err = m.checkKey(key); err != nil {
		return nil, false, err
	}
	mu := m.stripe(key)
	mu.RLock()
	defer mu.RUnlock()
	return m.table.GetValue(key)
}

func (m *HashIndexManager) Delete(ctx context.Context, key string) (removed bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Delete")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Delete", err) }()

	if err = m.checkKey(key); err != nil {
		return false, err
	}
	mu := m.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	return m.table.Remove(key)
}

func (m *HashIndexManager) Flush(ctx context.Context) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Flush")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Flush", err) }()

	if err = m.bpm.FlushAllPages(); err != nil {
		m.logger.Error("Flush failed", zap.Error(err))
	}
	return err
}

// VerifyIntegrity checks the directory invariants of the underlying table.
func (m *HashIndexManager) VerifyIntegrity() error {
	return m.table.VerifyIntegrity()
}

// StartMetricsAndTrace begins the telemetry recording for an index operation.
// It returns a new context, the trace span, and the start time.
func (m *HashIndexManager) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	m.metrics.OpsStartedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index operation.
func (m *HashIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Microseconds()

	code := otelcodes.Ok
	if err != nil {
		code = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
		attribute.String("index.code", code.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
