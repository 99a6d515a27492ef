package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	kvservice "github.com/sushant-115/gojostore/api/kv_service"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/indexmanager"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// indexHeaderPageID is where a fresh data file puts the index header, since
// it is the first page ever allocated.
const indexHeaderPageID pagemanager.PageID = 0

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file (defaults are used when empty)")
	listenAddr = flag.String("listen", "", "Override server.listen_address")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: gojostore server failed", zap.Error(err))
	}
	zlogger.Info("gojostore server shut down gracefully.")
}

func run(ctx context.Context, cfg *config.Config, zlogger *zap.Logger) (err error) {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { err = multierr.Append(err, shutdownTelemetry(context.Background())) }()
	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("address", tel.MetricsAddr))
	}

	if dir := filepath.Dir(cfg.Storage.DataFile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	dm, err := flushmanager.NewFileDiskManager(cfg.Storage.DataFile, zlogger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dm.Close()) }()
	fresh := dm.NumPages() == 0

	bpm, err := bufferpool.NewBufferPoolManager(cfg.Storage.PoolSize, dm,
		bufferpool.WithLogger(zlogger),
		bufferpool.WithMeter(tel.Meter),
		bufferpool.WithReplacerK(cfg.Storage.ReplacerK),
	)
	if err != nil {
		return fmt.Errorf("failed to create buffer pool: %w", err)
	}
	defer func() {
		err = multierr.Append(err, bpm.Close())
		err = multierr.Append(err, dm.Sync())
	}()

	index, err := openIndex(bpm, fresh, cfg.Index, zlogger, tel)
	if err != nil {
		return err
	}

	srv, err := kvservice.NewServer(index, bpm, cfg.Server, zlogger, tel.Tracer, tel.Meter)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err)
	}
	zlogger.Info("Commands: PUT <key> <value>, GET <key>, DELETE <key>, FLUSH, STATS, PING")
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openIndex(bpm *bufferpool.BufferPoolManager, fresh bool, cfg config.IndexConfig, zlogger *zap.Logger,
	tel *telemetry.Telemetry) (*indexmanager.HashIndexManager, error) {
	hashCfg := indexmanager.HashConfig{
		Name:              cfg.Name,
		MaxKeySize:        cfg.MaxKeySize,
		MaxValueSize:      cfg.MaxValueSize,
		HeaderMaxDepth:    cfg.HeaderMaxDepth,
		DirectoryMaxDepth: cfg.DirectoryMaxDepth,
		BucketMaxSize:     cfg.BucketMaxSize,
		LockStripes:       cfg.LockStripes,
	}
	if !fresh {
		zlogger.Info("Opening existing index", zap.Int32("header_page_id", int32(indexHeaderPageID)))
		return indexmanager.OpenHashIndexManager(bpm, indexHeaderPageID, hashCfg, zlogger, tel.Tracer, tel.Meter)
	}

	index, err := indexmanager.NewHashIndexManager(bpm, hashCfg, zlogger, tel.Tracer, tel.Meter)
	if err != nil {
		return nil, err
	}
	if index.HeaderPageID() != indexHeaderPageID {
		return nil, fmt.Errorf("new index header landed on page %d, want %d", index.HeaderPageID(), indexHeaderPageID)
	}
	// the next start finds the index through this page
	if err := index.Flush(context.Background()); err != nil {
		return nil, err
	}
	return index, nil
}
