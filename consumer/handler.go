package consumer

import (
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/message"
)

// ConsumeStatus is the outcome a handler reports for a batch.
type ConsumeStatus int

const (
	ConsumeSuccess ConsumeStatus = iota
	ConsumeRetryLater
)

func (s ConsumeStatus) String() string {
	switch s {
	case ConsumeSuccess:
		return "Success"
	case ConsumeRetryLater:
		return "RetryLater"
	default:
		return "Unknown"
	}
}

// Handler consumes one batch of messages from a single partition. Returning
// ConsumeRetryLater re-delivers the batch (minus per-index acks) through the
// delay-topic ladder; panicking is equivalent to returning ConsumeRetryLater.
type Handler interface {
	ConsumeMessage(messages []message.Message, hctx *HandlerContext) ConsumeStatus
}

type HandlerFunc func(messages []message.Message, hctx *HandlerContext) ConsumeStatus

func (f HandlerFunc) ConsumeMessage(messages []message.Message, hctx *HandlerContext) ConsumeStatus {
	return f(messages, hctx)
}

// HandlerContext is scoped to one handler invocation. The handler writes
// acks and overrides during execution; the task request reads them after the
// status is captured. The mutex covers the case of a handler overrunning its
// deal-time budget and writing while post-processing reads.
type HandlerContext struct {
	partition   kafka.TopicPartition
	firstOffset int64

	mu           sync.Mutex
	ackFlags     []bool
	delayLevel   int
	suspend      time.Duration
	suspendIsSet bool
}

func newHandlerContext(tp kafka.TopicPartition, firstOffset int64, batchSize int) *HandlerContext {
	return &HandlerContext{
		partition:   tp,
		firstOffset: firstOffset,
		ackFlags:    make([]bool, batchSize),
	}
}

func (c *HandlerContext) Partition() kafka.TopicPartition { return c.partition }

func (c *HandlerContext) FirstOffset() int64 { return c.firstOffset }

func (c *HandlerContext) BatchSize() int { return len(c.ackFlags) }

// AckIndex marks the message at a batch index as successfully consumed, so a
// ConsumeRetryLater return leaves it out of the re-delivery.
func (c *HandlerContext) AckIndex(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx >= 0 && idx < len(c.ackFlags) {
		c.ackFlags[idx] = true
	}
}

func (c *HandlerContext) AckedIndex(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return idx >= 0 && idx < len(c.ackFlags) && c.ackFlags[idx]
}

// SetDelayLevelAtReconsume overrides the ladder level used for the next
// re-delivery. Levels outside the ladder are ignored.
func (c *HandlerContext) SetDelayLevelAtReconsume(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delayLevel = level
}

func (c *HandlerContext) delayOverride() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if message.ValidDelayLevel(c.delayLevel) {
		return c.delayLevel, true
	}
	return 0, false
}

// SetSuspendDuration overrides the re-dispatch pause used by the ordinal
// variant when a batch is retried in place.
func (c *HandlerContext) SetSuspendDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.suspend = d
		c.suspendIsSet = true
	}
}

func (c *HandlerContext) suspendOverride() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspend, c.suspendIsSet
}
