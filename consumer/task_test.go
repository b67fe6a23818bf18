package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentRecord captures one sendBack invocation.
type sentRecord struct {
	topic      string
	msg        message.Message
	delayLevel int
}

type taskFixture struct {
	cfg       Config
	deps      *taskDeps
	buffer    *PartitionBuffer
	scheduler *retryScheduler

	mu          sync.Mutex
	sent        []sentRecord
	sendOK      bool
	dlqEnsured  int
	resubmitted []*taskRequest
	acked       int
}

func newTaskFixture(t *testing.T, opts ...Option) *taskFixture {
	t.Helper()

	cfg := defaultConsumeConfig()
	cfg.LocalRetryBackoff = 10 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}
	require.NoError(t, cfg.normalize())

	f := &taskFixture{
		cfg:       cfg,
		buffer:    NewPartitionBuffer(cfg.BufferCapacity, cfg.Logger),
		scheduler: newRetryScheduler(cfg.Logger),
		sendOK:    true,
	}
	t.Cleanup(f.scheduler.Stop)

	f.deps = &taskDeps{
		cfg:             &f.cfg,
		buffer:          f.buffer,
		scheduler:       f.scheduler,
		retryTopic:      message.RetryTopic(cfg.GroupID),
		deadLetterTopic: message.DeadLetterTopic(cfg.GroupID),
		sendBack: func(_ context.Context, topic string, msg message.Message, delayLevel int) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if !f.sendOK {
				return false
			}
			f.sent = append(f.sent, sentRecord{topic: topic, msg: msg, delayLevel: delayLevel})
			return true
		},
		ensureDeadLetterTopic: func(context.Context) {
			f.mu.Lock()
			f.dlqEnsured++
			f.mu.Unlock()
		},
		resubmit: func(task *taskRequest) {
			f.mu.Lock()
			f.resubmitted = append(f.resubmitted, task)
			f.mu.Unlock()
		},
		recordAcked: func(count int) {
			f.mu.Lock()
			f.acked += count
			f.mu.Unlock()
		},
	}

	return f
}

func (f *taskFixture) sentRecords() []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRecord, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *taskFixture) resubmittedTasks() []*taskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*taskRequest, len(f.resubmitted))
	copy(out, f.resubmitted)
	return out
}

// storeAndClaim feeds a batch through the buffer the way the dispatcher
// would, so acks absorb into the watermark.
func (f *taskFixture) storeAndClaim(tp kafka.TopicPartition, msgs []message.Message) []message.Message {
	f.buffer.Store(msgs)
	return f.buffer.DrainReady(tp, len(msgs))
}

func TestTask_SuccessAcksAllOffsets(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 100, 101, 102, 103, 104, 105, 106, 107, 108, 109))

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeSuccess
	})
	task := newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp)
	task.run(context.Background())

	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(110), commit)
	assert.Equal(t, 0, f.buffer.Pending(tp))
	assert.Empty(t, f.sentRecords())
}

func TestTask_PartialBatchRepublishesRemainder(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 100, 101, 102, 103, 104, 105, 106, 107, 108, 109))

	handler := HandlerFunc(func(msgs []message.Message, hctx *HandlerContext) ConsumeStatus {
		for idx := 0; idx < 5; idx++ {
			hctx.AckIndex(idx)
		}
		hctx.SetDelayLevelAtReconsume(2)
		return ConsumeRetryLater
	})
	task := newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp)
	task.run(context.Background())

	sent := f.sentRecords()
	require.Len(t, sent, 5)
	for i, rec := range sent {
		assert.Equal(t, message.RetryTopic(f.cfg.GroupID), rec.topic)
		assert.Equal(t, 2, rec.delayLevel)
		assert.Equal(t, 1, rec.msg.RetryCount)
		require.NotNil(t, rec.msg.Origin)
		assert.Equal(t, "T", rec.msg.Origin.Topic)
		assert.Equal(t, int32(0), rec.msg.Origin.Partition)
		assert.Equal(t, int64(105+i), rec.msg.Origin.Offset)
	}

	// republished messages are acked too, so the whole batch commits
	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(110), commit)
}

func TestTask_PublishFailureTriggersLocalRetry(t *testing.T) {
	f := newTaskFixture(t)
	f.sendOK = false
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 100, 101, 102, 103, 104, 105, 106, 107, 108, 109))

	handler := HandlerFunc(func(msgs []message.Message, hctx *HandlerContext) ConsumeStatus {
		for idx := 0; idx < 5; idx++ {
			hctx.AckIndex(idx)
		}
		return ConsumeRetryLater
	})
	task := newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp)
	task.run(context.Background())

	// only the flagged offsets commit; the failed five stall the watermark
	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(105), commit)

	require.Eventually(t, func() bool {
		return len(f.resubmittedTasks()) == 1
	}, time.Second, 5*time.Millisecond, "local retry task should be rescheduled")

	retry := f.resubmittedTasks()[0]
	require.Len(t, retry.messages, 5)
	assert.Equal(t, int64(105), retry.messages[0].Offset)

	// the retried batch succeeds: watermark advances to the full chunk
	f.mu.Lock()
	f.sendOK = true
	f.mu.Unlock()

	success := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeSuccess
	})
	newTaskRequest(f.deps, success, concurrentPost{}, retry.messages, tp).run(context.Background())

	commit, ok = f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(110), commit)
}

func TestTask_RetryExhaustionRoutesToDeadLetter(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	msgs := msgsAt("T", 0, 42)
	msgs[0].RetryCount = message.MaxReconsumeCount
	chunk := f.storeAndClaim(tp, msgs)

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	sent := f.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, message.DeadLetterTopic(f.cfg.GroupID), sent[0].topic)
	assert.Equal(t, 0, sent[0].delayLevel)

	f.mu.Lock()
	assert.Equal(t, 1, f.dlqEnsured)
	f.mu.Unlock()

	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(43), commit)
}

func TestTask_DeadLetterPublishFailureStillAcks(t *testing.T) {
	f := newTaskFixture(t)
	f.sendOK = false
	tp := tpT0()

	msgs := msgsAt("T", 0, 42)
	msgs[0].RetryCount = message.MaxReconsumeCount
	chunk := f.storeAndClaim(tp, msgs)

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok, "offset is acked even when the dead letter publish fails")
	assert.Equal(t, int64(43), commit)
}

func TestTask_DeadLetterBlockOnFailStallsPartition(t *testing.T) {
	f := newTaskFixture(t, WithDeadLetterBlockOnFail())
	f.sendOK = false
	tp := tpT0()

	msgs := msgsAt("T", 0, 42)
	msgs[0].RetryCount = message.MaxReconsumeCount
	chunk := f.storeAndClaim(tp, msgs)

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	_, ok := f.buffer.TakeCommit(tp)
	assert.False(t, ok, "blocked dead letter keeps the offset unacked")

	require.Eventually(t, func() bool {
		return len(f.resubmittedTasks()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTask_BroadcastingRetriesLocally(t *testing.T) {
	f := newTaskFixture(t, WithConsumeModel(ModelBroadcasting))
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 7))

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	assert.Empty(t, f.sentRecords(), "broadcasting mode never republishes")
	_, ok := f.buffer.TakeCommit(tp)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(f.resubmittedTasks()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTask_BroadcastingDropsExhaustedMessage(t *testing.T) {
	f := newTaskFixture(t, WithConsumeModel(ModelBroadcasting))
	tp := tpT0()

	msgs := msgsAt("T", 0, 7)
	msgs[0].RetryCount = message.MaxReconsumeCount
	chunk := f.storeAndClaim(tp, msgs)

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	assert.Empty(t, f.sentRecords())
	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok, "dropped message still acks")
	assert.Equal(t, int64(8), commit)
}

func TestTask_RehydratesRetryTopicBatches(t *testing.T) {
	f := newTaskFixture(t)
	retryTP := kafka.TopicPartition{Topic: f.deps.retryTopic, Partition: 0}

	msgs := msgsAt(f.deps.retryTopic, 0, 3)
	msgs[0].RetryCount = 1
	msgs[0].Origin = &message.Origin{Topic: "T", Partition: 4, Offset: 77}
	f.buffer.Store(msgs)
	chunk := f.buffer.DrainReady(retryTP, 1)

	var seen message.Message
	handler := HandlerFunc(func(batch []message.Message, _ *HandlerContext) ConsumeStatus {
		seen = batch[0]
		return ConsumeSuccess
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, retryTP).run(context.Background())

	assert.Equal(t, "T", seen.Topic)
	assert.Equal(t, int32(4), seen.Partition)
	assert.Equal(t, int64(77), seen.Offset)

	commit, ok := f.buffer.TakeCommit(retryTP)
	require.True(t, ok)
	assert.Equal(t, int64(4), commit, "the ack lands on the retry topic offset")
}

func TestTask_RetryCountMonotone(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	msgs := msgsAt("T", 0, 10)
	msgs[0].RetryCount = 3
	msgs[0].Origin = &message.Origin{Topic: "T", Partition: 0, Offset: 1}
	chunk := f.storeAndClaim(tp, msgs)

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeRetryLater
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	sent := f.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, 4, sent[0].msg.RetryCount)
	assert.Equal(t, 4, sent[0].delayLevel, "delay level follows retry count without an override")
	assert.Equal(t, int64(1), sent[0].msg.Origin.Offset, "origin is not restamped")
}

func TestTask_PanicMapsToRetryLater(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 5))

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		panic("handler exploded")
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	sent := f.sentRecords()
	require.Len(t, sent, 1, "the batch rides the delay ladder after a panic")
	assert.Equal(t, 1, sent[0].msg.RetryCount)
}

func TestTask_TimeoutMapsToRetryLater(t *testing.T) {
	f := newTaskFixture(t, WithMaxMessageDealTime(20*time.Millisecond))
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 5))

	release := make(chan struct{})
	defer close(release)
	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		<-release
		return ConsumeSuccess
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	sent := f.sentRecords()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].msg.RetryCount)
}

func TestTask_UnknownStatusTreatedAsSuccess(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 5))

	handler := HandlerFunc(func(_ []message.Message, _ *HandlerContext) ConsumeStatus {
		return ConsumeStatus(99)
	})
	newTaskRequest(f.deps, handler, concurrentPost{}, chunk, tp).run(context.Background())

	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(6), commit)
	assert.Empty(t, f.sentRecords())
}

func TestTask_OrdinalRetryReentersBufferHead(t *testing.T) {
	f := newTaskFixture(t)
	tp := tpT0()

	chunk := f.storeAndClaim(tp, msgsAt("T", 0, 1, 2, 3))

	handler := HandlerFunc(func(_ []message.Message, hctx *HandlerContext) ConsumeStatus {
		hctx.AckIndex(0)
		return ConsumeRetryLater
	})
	post := ordinalPost{suspend: 10 * time.Millisecond}
	newTaskRequest(f.deps, handler, post, chunk, tp).run(context.Background())

	assert.Empty(t, f.sentRecords(), "ordinal mode never republishes")

	commit, ok := f.buffer.TakeCommit(tp)
	require.True(t, ok)
	assert.Equal(t, int64(2), commit, "flagged index acks")

	// while suspended the chunk stays claimed
	assert.Empty(t, f.buffer.DrainReady(tp, 3))

	require.Eventually(t, func() bool {
		next := f.buffer.DrainReady(tp, 3)
		if len(next) == 0 {
			return false
		}
		assert.Equal(t, []int64{2, 3}, offsetsOf(next))
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestTask_DelayOverrideValidation(t *testing.T) {
	hctx := newHandlerContext(tpT0(), 0, 1)

	_, ok := hctx.delayOverride()
	assert.False(t, ok)

	hctx.SetDelayLevelAtReconsume(message.MaxDelayLevel + 1)
	_, ok = hctx.delayOverride()
	assert.False(t, ok, "levels beyond the ladder are ignored")

	hctx.SetDelayLevelAtReconsume(2)
	level, ok := hctx.delayOverride()
	require.True(t, ok)
	assert.Equal(t, 2, level)
}
