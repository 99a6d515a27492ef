package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	kvservice "github.com/sushant-115/gojostore/api/kv_service"
	"github.com/sushant-115/gojostore/core/indexmanager"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/pkg/connection"
	"github.com/sushant-115/gojostore/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	addr     = flag.String("addr", "", "Server address; empty runs against an in-process index")
	dataDir  = flag.String("data", "/tmp/gojostore", "Data directory for the in-process index")
	poolSize = flag.Int("pool", 256, "Buffer pool frames for the in-process index")
	workers  = flag.Int("workers", 16, "Concurrent workers")
	numKeys  = flag.Int("keys", 20000, "Number of keys to write then read")
)

// store is the operation surface shared by both modes.
type store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
}

type localStore struct{ index *indexmanager.HashIndexManager }

func (s localStore) Put(ctx context.Context, key, value string) error {
	return s.index.Put(ctx, key, []byte(value))
}

func (s localStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, found, err := s.index.Get(ctx, key)
	return string(v), found, err
}

type remoteStore struct {
	pool *connection.ConnectionPoolManager
	addr string
}

func (s remoteStore) do(ctx context.Context, fn func(c *kvservice.Client) error) error {
	conn, err := s.pool.Get(ctx, s.addr)
	if err != nil {
		return err
	}
	if err := fn(kvservice.NewClient(conn)); err != nil {
		_ = conn.ForceClose()
		return err
	}
	return conn.Close()
}

func (s remoteStore) Put(ctx context.Context, key, value string) error {
	return s.do(ctx, func(c *kvservice.Client) error { return c.Put(key, value) })
}

func (s remoteStore) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = s.do(ctx, func(c *kvservice.Client) error {
		value, found, err = c.Get(key)
		return err
	})
	return value, found, err
}

func main() {
	flag.Parse()
	zlogger, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	var s store
	if *addr != "" {
		pool := connection.NewConnectionPoolManager(*workers, 5*time.Second)
		defer pool.Close()
		s = remoteStore{pool: pool, addr: *addr}
	} else {
		bpm, cleanup, err := openLocal(zlogger)
		if err != nil {
			log.Fatalf("failed to open in-process index: %v", err)
		}
		defer cleanup()
		index, err := indexmanager.NewHashIndexManager(bpm, indexmanager.HashConfig{
			Name:              "perf",
			MaxKeySize:        32,
			MaxValueSize:      64,
			HeaderMaxDepth:    4,
			DirectoryMaxDepth: 9,
		}, zlogger, nil, nil)
		if err != nil {
			log.Fatalf("failed to create index: %v", err)
		}
		s = localStore{index: index}
	}

	ctx := context.Background()
	report("write", run(ctx, func(i int) error {
		return s.Put(ctx, "key-"+strconv.Itoa(i), "value-"+strconv.Itoa(i))
	}))
	report("read", run(ctx, func(i int) error {
		key := "key-" + strconv.Itoa(i)
		v, found, err := s.Get(ctx, key)
		switch {
		case err != nil:
			return err
		case !found:
			return fmt.Errorf("NOT FOUND: %s", key)
		case v != "value-"+strconv.Itoa(i):
			return fmt.Errorf("MISMATCH: %s = %q", key, v)
		}
		return nil
	}))
}

func openLocal(zlogger *zap.Logger) (*bufferpool.BufferPoolManager, func(), error) {
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(*dataDir, "hash_perf.db")
	_ = os.Remove(path)
	dm, err := flushmanager.NewFileDiskManager(path, zlogger)
	if err != nil {
		return nil, nil, err
	}
	bpm, err := bufferpool.NewBufferPoolManager(*poolSize, dm, bufferpool.WithLogger(zlogger))
	if err != nil {
		dm.Close()
		return nil, nil, err
	}
	return bpm, func() {
		if err := bpm.Close(); err != nil {
			log.Printf("close buffer pool: %v", err)
		}
		dm.Close()
	}, nil
}

type result struct {
	elapsed   time.Duration
	latencies []time.Duration
	errors    int
}

// run calls op for every key index across the configured workers.
func run(ctx context.Context, op func(i int) error) result {
	var mu sync.Mutex
	res := result{latencies: make([]time.Duration, 0, *numKeys)}
	next := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(next)
		for i := 0; i < *numKeys; i++ {
			select {
			case next <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	start := time.Now()
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for i := range next {
				opStart := time.Now()
				err := op(i)
				latency := time.Since(opStart)
				mu.Lock()
				res.latencies = append(res.latencies, latency)
				if err != nil {
					res.errors++
					if res.errors <= 10 {
						log.Println(err)
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	res.elapsed = time.Since(start)
	return res
}

func report(phase string, res result) {
	if len(res.latencies) == 0 {
		fmt.Printf("%s: no operations\n", phase)
		return
	}
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	pct := func(p float64) time.Duration { return res.latencies[int(float64(len(res.latencies)-1)*p)] }
	fmt.Printf("%s: %d ops in %v (%.0f ops/s), errors=%d, p50=%v p99=%v max=%v\n",
		phase, len(res.latencies), res.elapsed.Round(time.Millisecond),
		float64(len(res.latencies))/res.elapsed.Seconds(), res.errors,
		pct(0.50), pct(0.99), res.latencies[len(res.latencies)-1])
}
