package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds all the metric instruments for the key/value TCP service.
type ServerMetrics struct {
	CommandsStartedCounter   metric.Int64Counter
	CommandsHandledCounter   metric.Int64Counter
	CommandLatencyHistogram  metric.Int64Histogram
	ActiveConnsUpDownCounter metric.Int64UpDownCounter
	RateLimitedCounter       metric.Int64Counter
}

// NewServerMetrics creates and registers all the metrics for the key/value service.
func NewServerMetrics(meter metric.Meter) (*ServerMetrics, error) {
	if meter == nil {
		meter = NoopMeter()
	}
	commandsStartedCounter, err := meter.Int64Counter(
		"gojostore.server.commands_started_total",
		metric.WithDescription("Total number of commands started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commandsHandledCounter, err := meter.Int64Counter(
		"gojostore.server.commands_handled_total",
		metric.WithDescription("Total number of commands completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commandLatencyHistogram, err := meter.Int64Histogram(
		"gojostore.server.command_duration",
		metric.WithDescription("The latency of commands."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	activeConnsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojostore.server.active_connections",
		metric.WithDescription("Number of open client connections."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitedCounter, err := meter.Int64Counter(
		"gojostore.server.rate_limited_total",
		metric.WithDescription("Commands rejected by the per-connection rate limiter."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		CommandsStartedCounter:   commandsStartedCounter,
		CommandsHandledCounter:   commandsHandledCounter,
		CommandLatencyHistogram:  commandLatencyHistogram,
		ActiveConnsUpDownCounter: activeConnsUpDownCounter,
		RateLimitedCounter:       rateLimitedCounter,
	}, nil
}
