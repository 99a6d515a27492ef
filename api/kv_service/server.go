package kvservice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/indexmanager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxLineSize bounds a single request line.
const maxLineSize = 64 * 1024

// PoolStats is the buffer pool view reported by STATS.
type PoolStats interface {
	PoolSize() int
	FreeFrameCount() int
	EvictableFrameCount() int
}

// Server answers protocol requests against an index.
type Server struct {
	index   indexmanager.IndexManager
	stats   PoolStats
	cfg     config.ServerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.ServerMetrics

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewServer wires a server; stats may be nil, in which case STATS reports
// only the open connection count.
func NewServer(index indexmanager.IndexManager, stats PoolStats, cfg config.ServerConfig, logger *zap.Logger,
	tracer trace.Tracer, meter metric.Meter) (*Server, error) {
	if index == nil {
		return nil, errors.New("kv service: nil index")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	metrics, err := internaltelemetry.NewServerMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create server metrics: %w", err)
	}
	return &Server{
		index:   index,
		stats:   stats,
		cfg:     cfg,
		logger:  logger.Named("kv_service"),
		tracer:  tracer,
		metrics: metrics,
		conns:   make(map[string]net.Conn),
	}, nil
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	s.logger.Info("Listening", zap.String("address", ln.Addr().String()))

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				s.ServeConn(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		err = nil
	}
	s.logger.Info("Server stopped", zap.Error(err))
	return err
}

func (s *Server) register(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// ActiveConnections is the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeConn handles one client connection until it closes, idles out, or ctx
// is cancelled. The connection is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sessionID := uuid.New().String()
	logger := s.logger.With(zap.String("session", sessionID), zap.String("remote", conn.RemoteAddr().String()))

	if !s.register(sessionID, conn) {
		logger.Warn("Rejecting connection, server is at max connections", zap.Int("max", s.cfg.MaxConnections))
		_, _ = io.WriteString(conn, Response{Status: StatusError, Message: "too many connections"}.String())
		return
	}
	defer s.unregister(sessionID)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.metrics.ActiveConnsUpDownCounter.Add(ctx, 1)
	defer s.metrics.ActiveConnsUpDownCounter.Add(context.Background(), -1)
	logger.Info("Client connected")

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				logger.Warn("Failed to set read deadline", zap.Error(err))
			}
		}
		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case err == nil:
				logger.Info("Client disconnected")
			case errors.Is(err, os.ErrDeadlineExceeded):
				logger.Info("Closing idle connection", zap.Duration("idle_timeout", s.cfg.IdleTimeout))
			case ctx.Err() != nil:
				logger.Info("Closing connection on shutdown")
			default:
				logger.Error("Error reading from client", zap.Error(err))
			}
			return
		}

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var resp Response
		if limiter != nil && !limiter.Allow() {
			s.metrics.RateLimitedCounter.Add(ctx, 1)
			resp = Response{Status: StatusError, Message: "rate limit exceeded"}
		} else {
			resp = s.handleLine(ctx, sessionID, raw)
		}

		if _, err := io.WriteString(conn, resp.String()); err != nil {
			logger.Error("Error writing response to client", zap.Error(err))
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, sessionID, raw string) Response {
	req, err := ParseRequest(raw)
	if err != nil {
		return Response{Status: StatusError, Message: fmt.Sprintf("Invalid request: %v", err)}
	}

	ctx, span, startTime := s.StartMetricsAndTrace(ctx, sessionID, req.Command)
	resp := s.HandleRequest(ctx, req)
	s.EndMetricsAndTrace(ctx, span, startTime, req.Command, resp.Status)
	return resp
}

// HandleRequest processes a parsed Request and returns a Response.
func (s *Server) HandleRequest(ctx context.Context, req Request) Response {
	switch req.Command {
	case "PUT":
		if err := s.index.Put(ctx, req.Key, []byte(req.Value)); err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("PUT failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "stored"}
	case "GET":
		value, found, err := s.index.Get(ctx, req.Key)
		if err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("GET failed: %v", err)}
		}
		if !found {
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("key %s not found", req.Key)}
		}
		return Response{Status: StatusOK, Message: string(value)}
	case "DELETE":
		removed, err := s.index.Delete(ctx, req.Key)
		if err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("DELETE failed: %v", err)}
		}
		if !removed {
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("key %s not found", req.Key)}
		}
		return Response{Status: StatusOK, Message: "deleted"}
	case "FLUSH":
		if err := s.index.Flush(ctx); err != nil {
			return Response{Status: StatusError, Message: fmt.Sprintf("FLUSH failed: %v", err)}
		}
		return Response{Status: StatusOK, Message: "flushed"}
	case "STATS":
		msg := fmt.Sprintf("index=%s connections=%d", s.index.Name(), s.ActiveConnections())
		if s.stats != nil {
			msg += fmt.Sprintf(" pool_size=%d free_frames=%d evictable_frames=%d",
				s.stats.PoolSize(), s.stats.FreeFrameCount(), s.stats.EvictableFrameCount())
		}
		return Response{Status: StatusOK, Message: msg}
	case "PING":
		return Response{Status: StatusOK, Message: "PONG"}
	}
	return Response{Status: StatusError, Message: fmt.Sprintf("Unsupported command: %s", req.Command)}
}

// StartMetricsAndTrace begins the telemetry recording for a command.
func (s *Server) StartMetricsAndTrace(ctx context.Context, sessionID, command string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	s.metrics.CommandsStartedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kv.command", command)))
	ctx, span := s.tracer.Start(ctx, command, trace.WithAttributes(
		attribute.String("kv.command", command),
		attribute.String("kv.session", sessionID),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for a command.
func (s *Server) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, command, status string) {
	latency := time.Since(startTime).Microseconds()
	if status == StatusError {
		span.SetStatus(otelcodes.Error, status)
	} else {
		span.SetStatus(otelcodes.Ok, status)
	}
	span.End()

	metricAttributes := attribute.NewSet(
		attribute.String("kv.command", command),
		attribute.String("kv.status", status),
	)
	s.metrics.CommandLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	s.metrics.CommandsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
