package consumer

import (
	"fmt"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/budiholan-github/enhance-kafka-client/otel"
	"github.com/google/uuid"
	"github.com/hugolhafner/dskit/backoff"
)

// ConsumeModel selects how a group's consumers share work and where progress
// is persisted.
type ConsumeModel int

const (
	// ModelClustering distributes partitions across the group's consumers and
	// commits progress to the broker.
	ModelClustering ConsumeModel = iota
	// ModelBroadcasting delivers every message to every consumer and persists
	// progress to a local file per partition.
	ModelBroadcasting
)

func (m ConsumeModel) String() string {
	switch m {
	case ModelClustering:
		return "Clustering"
	case ModelBroadcasting:
		return "Broadcasting"
	default:
		return "Unknown"
	}
}

func ParseConsumeModel(name string) (ConsumeModel, error) {
	switch name {
	case "Clustering", "clustering":
		return ModelClustering, nil
	case "Broadcasting", "broadcasting":
		return ModelBroadcasting, nil
	default:
		return ModelClustering, fmt.Errorf("invalid consume model %q", name)
	}
}

const maxConsumeBatchSize = 32

type Config struct {
	BootstrapServers []string
	GroupID          string
	ClientID         string
	Model            ConsumeModel

	// ConsumeBatchSize is the largest contiguous chunk handed to one handler
	// invocation. Capped at 32.
	ConsumeBatchSize int
	// ConsumeThreadNum is the number of worker goroutines running handlers.
	ConsumeThreadNum int
	// ConsumeQueueSize bounds the worker pool's task queue.
	ConsumeQueueSize int
	// BufferCapacity is the per-partition in-flight message cap; reaching it
	// pauses the partition at the broker.
	BufferCapacity int

	PollTimeout        time.Duration
	MaxMessageDealTime time.Duration
	CommitInterval     time.Duration
	SendBackTimeout    time.Duration
	LocalRetryBackoff  time.Duration

	// TaskRetryBackoff paces re-submission when the worker pool is full.
	TaskRetryBackoff backoff.Backoff
	PollErrorBackoff backoff.Backoff

	// OffsetStoreDir is where ModelBroadcasting persists per-partition
	// progress files.
	OffsetStoreDir string

	// DeadLetterBlockOnFail keeps a message's offset unacked when the
	// dead-letter publish fails, stalling the partition until the DLQ
	// recovers. Default drops the message after logging.
	DeadLetterBlockOnFail bool

	// RegexSubscription treats subscribed topic names as patterns matched
	// broker-side.
	RegexSubscription bool

	Filter    message.Filter
	Logger    logger.Logger
	Telemetry *otel.Telemetry
}

func defaultConsumeConfig() Config {
	l := logger.NewNoopLogger()
	return Config{
		BootstrapServers:   []string{"localhost:9092"},
		GroupID:            "default-group",
		Model:              ModelClustering,
		ConsumeBatchSize:   10,
		ConsumeThreadNum:   4,
		ConsumeQueueSize:   512,
		BufferCapacity:     1000,
		PollTimeout:        time.Second,
		MaxMessageDealTime: time.Minute,
		CommitInterval:     time.Second,
		SendBackTimeout:    3 * time.Second,
		LocalRetryBackoff:  5 * time.Second,
		TaskRetryBackoff:   backoff.NewFixed(3 * time.Second),
		PollErrorBackoff:   backoff.NewFixed(time.Second),
		OffsetStoreDir:     "offsets",
		Filter:             message.PermitAllFilter(),
		Logger:             l,
	}
}

func (c *Config) normalize() error {
	if c.GroupID == "" {
		return fmt.Errorf("group id must not be empty")
	}
	if c.ClientID == "" {
		c.ClientID = c.GroupID + "-" + uuid.NewString()
	}
	if c.ConsumeBatchSize < 1 {
		c.ConsumeBatchSize = 1
	}
	if c.ConsumeBatchSize > maxConsumeBatchSize {
		c.ConsumeBatchSize = maxConsumeBatchSize
	}
	if c.ConsumeThreadNum < 1 {
		return fmt.Errorf("consume thread num must be positive")
	}
	if c.ConsumeQueueSize < 1 {
		return fmt.Errorf("consume queue size must be positive")
	}
	if c.BufferCapacity < c.ConsumeBatchSize {
		return fmt.Errorf("buffer capacity %d smaller than batch size %d", c.BufferCapacity, c.ConsumeBatchSize)
	}
	if c.Filter == nil {
		c.Filter = message.PermitAllFilter()
	}
	if c.Logger == nil {
		c.Logger = logger.NewNoopLogger()
	}
	if c.Telemetry == nil {
		tel, err := otel.NewTelemetry(nil)
		if err != nil {
			return fmt.Errorf("create noop telemetry: %w", err)
		}
		c.Telemetry = tel
	}
	return nil
}

type Option func(*Config)

func WithBootstrapServers(servers []string) Option {
	return func(c *Config) { c.BootstrapServers = servers }
}

func WithGroupID(id string) Option {
	return func(c *Config) { c.GroupID = id }
}

func WithClientID(id string) Option {
	return func(c *Config) { c.ClientID = id }
}

func WithConsumeModel(m ConsumeModel) Option {
	return func(c *Config) { c.Model = m }
}

func WithConsumeBatchSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ConsumeBatchSize = n
		}
	}
}

func WithConsumeThreadNum(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ConsumeThreadNum = n
		}
	}
}

func WithConsumeQueueSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ConsumeQueueSize = n
		}
	}
}

func WithBufferCapacity(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BufferCapacity = n
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollTimeout = d
		}
	}
}

func WithMaxMessageDealTime(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxMessageDealTime = d
		}
	}
}

func WithCommitInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CommitInterval = d
		}
	}
}

func WithTaskRetryBackoff(b backoff.Backoff) Option {
	return func(c *Config) {
		if b != nil {
			c.TaskRetryBackoff = b
		}
	}
}

func WithPollErrorBackoff(b backoff.Backoff) Option {
	return func(c *Config) {
		if b != nil {
			c.PollErrorBackoff = b
		}
	}
}

func WithOffsetStoreDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.OffsetStoreDir = dir
		}
	}
}

func WithDeadLetterBlockOnFail() Option {
	return func(c *Config) { c.DeadLetterBlockOnFail = true }
}

func WithRegexSubscription() Option {
	return func(c *Config) { c.RegexSubscription = true }
}

func WithMessageFilter(f message.Filter) Option {
	return func(c *Config) {
		if f != nil {
			c.Filter = f
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithTelemetry(t *otel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}
