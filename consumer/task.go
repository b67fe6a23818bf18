package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/budiholan-github/enhance-kafka-client/otel"
	"go.opentelemetry.io/otel/metric"
)

// taskDeps is the slice of the service a task request needs: acknowledging
// progress, republishing, and rescheduling itself.
type taskDeps struct {
	cfg       *Config
	buffer    *PartitionBuffer
	scheduler *retryScheduler

	retryTopic      string
	deadLetterTopic string

	// sendBack publishes a message to topic, routed through the delay topic
	// for delayLevel >= 1. Returns false on any publish failure.
	sendBack func(ctx context.Context, topic string, msg message.Message, delayLevel int) bool

	// ensureDeadLetterTopic creates the group DLQ topic on first use.
	ensureDeadLetterTopic func(ctx context.Context)

	// resubmit hands a task back to the worker pool, retrying through the
	// scheduler until accepted.
	resubmit func(t *taskRequest)

	// recordAcked feeds the commit cadence policy.
	recordAcked func(count int)
}

// postProcessor turns a handler status into acks, republishes and local
// retries. The concurrent and ordinal variants differ only here.
type postProcessor interface {
	process(ctx context.Context, t *taskRequest, hctx *HandlerContext, status ConsumeStatus)
}

// taskRequest is one handler invocation over a claimed chunk of a partition.
type taskRequest struct {
	deps      *taskDeps
	handler   Handler
	post      postProcessor
	messages  []message.Message
	partition kafka.TopicPartition
}

func newTaskRequest(
	deps *taskDeps, handler Handler, post postProcessor,
	messages []message.Message, partition kafka.TopicPartition,
) *taskRequest {
	return &taskRequest{
		deps:      deps,
		handler:   handler,
		post:      post,
		messages:  messages,
		partition: partition,
	}
}

func (t *taskRequest) run(ctx context.Context) {
	hctx := newHandlerContext(t.partition, t.messages[0].Offset, len(t.messages))

	msgs := t.messages
	if message.IsRetryTopic(t.partition.Topic) {
		msgs = rehydrateBatch(t.messages)
	}

	start := time.Now()
	status := t.invoke(ctx, msgs, hctx)

	tel := t.deps.cfg.Telemetry
	tel.HandlerDuration.Record(
		ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otel.AttrTopic.String(t.partition.Topic),
			otel.AttrHandlerStatus.String(handlerStatusAttr(status)),
		),
	)

	t.post.process(ctx, t, hctx, status)
}

// invoke runs the handler under the deal-time budget. A panic or an overrun
// maps to ConsumeRetryLater; an unrecognized status maps to ConsumeSuccess
// with a warning.
func (t *taskRequest) invoke(ctx context.Context, msgs []message.Message, hctx *HandlerContext) ConsumeStatus {
	l := t.deps.cfg.Logger

	resultCh := make(chan ConsumeStatus, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.Warn(
					"Handler panicked, batch will be retried",
					"panic", r,
					"topic", t.partition.Topic,
					"partition", t.partition.Partition,
					"firstOffset", t.messages[0].Offset,
				)
				resultCh <- ConsumeRetryLater
			}
		}()
		resultCh <- t.handler.ConsumeMessage(msgs, hctx)
	}()

	select {
	case status := <-resultCh:
		if status != ConsumeSuccess && status != ConsumeRetryLater {
			l.Warn("Handler returned unknown status, treating as success", "status", int(status))
			return ConsumeSuccess
		}
		return status

	case <-time.After(t.deps.cfg.MaxMessageDealTime):
		// the handler goroutine keeps running; its late result is discarded
		l.Warn(
			"Handler exceeded max deal time, batch will be retried",
			"maxDealTime", t.deps.cfg.MaxMessageDealTime,
			"topic", t.partition.Topic,
			"partition", t.partition.Partition,
			"firstOffset", t.messages[0].Offset,
		)
		return ConsumeRetryLater

	case <-ctx.Done():
		return ConsumeRetryLater
	}
}

func (t *taskRequest) ack(ctx context.Context, offsets []int64) {
	if len(offsets) == 0 {
		return
	}
	t.deps.buffer.Ack(t.partition, offsets)
	t.deps.recordAcked(len(offsets))
}

func (t *taskRequest) ackAll(ctx context.Context) {
	offsets := make([]int64, len(t.messages))
	for i, msg := range t.messages {
		offsets[i] = msg.Offset
	}
	t.ack(ctx, offsets)
}

func rehydrateBatch(msgs []message.Message) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Rehydrate()
	}
	return out
}

func handlerStatusAttr(status ConsumeStatus) string {
	if status == ConsumeSuccess {
		return otel.StatusSuccess
	}
	return otel.StatusRetryLater
}

// concurrentPost is the retry/DLQ state machine of the concurrent variant.
type concurrentPost struct{}

func (concurrentPost) process(ctx context.Context, t *taskRequest, hctx *HandlerContext, status ConsumeStatus) {
	if status == ConsumeSuccess {
		t.ackAll(ctx)
		return
	}

	deps := t.deps
	cfg := deps.cfg
	l := cfg.Logger
	tel := cfg.Telemetry

	var localRetry []message.Message
	var ackOffsets []int64

	for idx := range t.messages {
		msg := t.messages[idx]

		if hctx.AckedIndex(idx) {
			ackOffsets = append(ackOffsets, msg.Offset)
			continue
		}

		if msg.RetryCount < message.MaxReconsumeCount {
			if cfg.Model != ModelClustering {
				// no republish path in broadcasting mode; retry in place
				localRetry = append(localRetry, msg)
				continue
			}

			delayLevel := msg.RetryCount + 1
			if override, ok := hctx.delayOverride(); ok {
				delayLevel = override
			}

			msg.StampOrigin()
			msg.RetryCount++
			msg.DelayLevel = message.ClampDelayLevel(delayLevel)

			if deps.sendBack(ctx, deps.retryTopic, msg, msg.DelayLevel) {
				tel.MessagesRepublished.Add(
					ctx, 1, metric.WithAttributes(otel.AttrTopic.String(deps.retryTopic)),
				)
				ackOffsets = append(ackOffsets, msg.Offset)
			} else {
				localRetry = append(localRetry, msg)
			}
			continue
		}

		// retry ceiling reached
		if cfg.Model == ModelClustering {
			deps.ensureDeadLetterTopic(ctx)
			if !deps.sendBack(ctx, deps.deadLetterTopic, msg, 0) {
				l.Warn(
					"Dead letter publish failed",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"retryCount", msg.RetryCount,
				)
				if cfg.DeadLetterBlockOnFail {
					localRetry = append(localRetry, msg)
					continue
				}
			}
			tel.MessagesDeadLetter.Add(
				ctx, 1, metric.WithAttributes(otel.AttrTopic.String(deps.deadLetterTopic)),
			)
			ackOffsets = append(ackOffsets, msg.Offset)
		} else {
			l.Warn(
				"Dropping message past retry ceiling in broadcasting mode",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"retryCount", msg.RetryCount,
			)
			ackOffsets = append(ackOffsets, msg.Offset)
		}
	}

	if len(localRetry) > 0 {
		tel.LocalRetries.Add(
			ctx, int64(len(localRetry)),
			metric.WithAttributes(
				otel.AttrTopic.String(t.partition.Topic),
				otel.AttrPartition.String(strconv.FormatInt(int64(t.partition.Partition), 10)),
			),
		)

		retryTask := newTaskRequest(deps, t.handler, t.post, localRetry, t.partition)
		deps.scheduler.Schedule(cfg.LocalRetryBackoff, func() {
			deps.resubmit(retryTask)
		})
		l.Debug(
			"Scheduled local retry",
			"count", len(localRetry),
			"delay", cfg.LocalRetryBackoff,
			"topic", t.partition.Topic,
			"partition", t.partition.Partition,
		)
	}

	t.ack(ctx, ackOffsets)
}

// ordinalPost serializes retries in place: the chunk is returned to the head
// of the partition buffer after a suspend, with no delay-topic hop.
type ordinalPost struct {
	suspend time.Duration
}

func (p ordinalPost) process(ctx context.Context, t *taskRequest, hctx *HandlerContext, status ConsumeStatus) {
	if status == ConsumeSuccess {
		t.ackAll(ctx)
		return
	}

	var ackOffsets []int64
	for idx := range t.messages {
		if hctx.AckedIndex(idx) {
			ackOffsets = append(ackOffsets, t.messages[idx].Offset)
		}
	}
	t.ack(ctx, ackOffsets)

	suspend := p.suspend
	if override, ok := hctx.suspendOverride(); ok {
		suspend = override
	}

	tp := t.partition
	t.deps.scheduler.Schedule(suspend, func() {
		t.deps.buffer.Unclaim(tp)
	})
}
