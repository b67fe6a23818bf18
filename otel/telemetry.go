package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/budiholan-github/enhance-kafka-client"

// Telemetry holds the OpenTelemetry instruments for the consume pipeline.
// When no meter provider is configured, all instruments are noops with zero
// overhead.
type Telemetry struct {
	// Consumer metrics
	MessagesConsumed metric.Int64Counter
	PollDuration     metric.Float64Histogram

	// Handler metrics
	HandlerDuration metric.Float64Histogram

	// Retry pipeline metrics
	MessagesRepublished metric.Int64Counter
	MessagesDeadLetter  metric.Int64Counter
	LocalRetries        metric.Int64Counter

	// Backpressure metrics
	PartitionsPaused metric.Int64UpDownCounter
}

// NewTelemetry creates a Telemetry instance from the given meter provider,
// defaulting to a noop provider when nil.
func NewTelemetry(mp metric.MeterProvider) (*Telemetry, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	meter := mp.Meter(scopeName)

	messagesConsumed, err := meter.Int64Counter(
		"messaging.consumer.messages",
		metric.WithDescription("Records delivered to partition buffers"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"consume.poll.duration",
		metric.WithDescription("Time per Poll() call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	handlerDuration, err := meter.Float64Histogram(
		"consume.handler.duration",
		metric.WithDescription("Time per handler invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	messagesRepublished, err := meter.Int64Counter(
		"consume.retry.republished",
		metric.WithDescription("Messages republished onto the delay ladder"),
	)
	if err != nil {
		return nil, err
	}

	messagesDeadLetter, err := meter.Int64Counter(
		"consume.retry.dead_lettered",
		metric.WithDescription("Messages routed to the dead-letter topic"),
	)
	if err != nil {
		return nil, err
	}

	localRetries, err := meter.Int64Counter(
		"consume.retry.local",
		metric.WithDescription("Messages rescheduled for local re-dispatch instead of being acked"),
	)
	if err != nil {
		return nil, err
	}

	partitionsPaused, err := meter.Int64UpDownCounter(
		"consume.partitions.paused",
		metric.WithDescription("Partitions currently paused for backpressure"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		MessagesConsumed:    messagesConsumed,
		PollDuration:        pollDuration,
		HandlerDuration:     handlerDuration,
		MessagesRepublished: messagesRepublished,
		MessagesDeadLetter:  messagesDeadLetter,
		LocalRetries:        localRetries,
		PartitionsPaused:    partitionsPaused,
	}, nil
}
