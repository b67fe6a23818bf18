package consumer_test

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/consumer"
	"github.com/budiholan-github/enhance-kafka-client/kafka"
	mockkafka "github.com/budiholan-github/enhance-kafka-client/kafka/mock"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = "test-group"

func newTestService(t *testing.T, client *mockkafka.Client, opts ...consumer.Option) *consumer.ConsumeService {
	t.Helper()

	base := []consumer.Option{
		consumer.WithGroupID(testGroup),
		consumer.WithConsumeBatchSize(10),
		consumer.WithCommitInterval(20 * time.Millisecond),
		consumer.WithOffsetStoreDir(t.TempDir()),
	}

	svc, err := consumer.NewConsumeServiceWithClient(client, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return svc
}

func addRecords(client *mockkafka.Client, topic string, partition int32, from, to int64) {
	for o := from; o <= to; o++ {
		client.AddRecords(topic, partition, mockkafka.SimpleRecordAt(o, "k", "v"))
	}
}

func TestService_HappyPathCommitsBatch(t *testing.T) {
	client := mockkafka.NewClient()
	tp := kafka.TopicPartition{Topic: "T", Partition: 0}
	addRecords(client, "T", 0, 100, 109)

	svc := newTestService(t, client)
	require.NoError(t, svc.Subscribe("T"))

	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(_ []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			return consumer.ConsumeSuccess
		},
	))

	require.NoError(t, svc.Start())

	require.Eventually(t, func() bool {
		offset, ok := client.CommittedOffset(tp)
		return ok && offset.Offset == 110
	}, 3*time.Second, 20*time.Millisecond, "expected commit of offset 110")

	client.AssertSubscribed(t, "T", message.RetryTopic(testGroup))
	for _, topic := range client.Subscriptions() {
		assert.NotEqual(t, message.DeadLetterTopic(testGroup), topic, "the DLQ topic is never subscribed")
	}
}

func TestService_PartialBatchRidesDelayLadder(t *testing.T) {
	client := mockkafka.NewClient()
	tp := kafka.TopicPartition{Topic: "T", Partition: 0}
	addRecords(client, "T", 0, 100, 109)

	svc := newTestService(t, client)
	require.NoError(t, svc.Subscribe("T"))

	var once sync.Once
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(msgs []message.Message, hctx *consumer.HandlerContext) consumer.ConsumeStatus {
			status := consumer.ConsumeSuccess
			once.Do(func() {
				for idx := 0; idx < 5; idx++ {
					hctx.AckIndex(idx)
				}
				hctx.SetDelayLevelAtReconsume(2)
				status = consumer.ConsumeRetryLater
			})
			return status
		},
	))

	require.NoError(t, svc.Start())

	require.Eventually(t, func() bool {
		offset, ok := client.CommittedOffset(tp)
		return ok && offset.Offset == 110
	}, 3*time.Second, 20*time.Millisecond)

	delayTopic, _ := message.DelayTopicForLevel(2)
	produced := client.ProducedRecordsForTopic(delayTopic)
	require.Len(t, produced, 5, "the five unacked messages ride delay level 2")

	for _, rec := range produced {
		retryCount, ok := kafka.HeaderValue(rec.Headers, message.HeaderRetryCount)
		require.True(t, ok)
		assert.Equal(t, "1", string(retryCount))

		realTopic, ok := kafka.HeaderValue(rec.Headers, message.HeaderRealTopic)
		require.True(t, ok)
		assert.Equal(t, "T", string(realTopic))

		resendTopic, ok := kafka.HeaderValue(rec.Headers, message.HeaderDelayResendTopic)
		require.True(t, ok)
		assert.Equal(t, message.RetryTopic(testGroup), string(resendTopic))
	}
}

func TestService_PublishFailureStallsWatermark(t *testing.T) {
	client := mockkafka.NewClient()
	tp := kafka.TopicPartition{Topic: "T", Partition: 0}
	addRecords(client, "T", 0, 100, 109)
	client.SetSendError(assert.AnError)

	svc := newTestService(t, client)
	require.NoError(t, svc.Subscribe("T"))

	var once sync.Once
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(msgs []message.Message, hctx *consumer.HandlerContext) consumer.ConsumeStatus {
			status := consumer.ConsumeSuccess
			once.Do(func() {
				for idx := 0; idx < 5; idx++ {
					hctx.AckIndex(idx)
				}
				status = consumer.ConsumeRetryLater
			})
			return status
		},
	))

	require.NoError(t, svc.Start())

	require.Eventually(t, func() bool {
		offset, ok := client.CommittedOffset(tp)
		return ok && offset.Offset == 105
	}, 3*time.Second, 20*time.Millisecond, "only the acked prefix commits")

	// the watermark must not advance past the failed messages
	time.Sleep(200 * time.Millisecond)
	offset, ok := client.CommittedOffset(tp)
	require.True(t, ok)
	assert.Equal(t, int64(105), offset.Offset)
}

func TestService_Backpressure(t *testing.T) {
	client := mockkafka.NewClient()
	tp := kafka.TopicPartition{Topic: "T", Partition: 0}
	addRecords(client, "T", 0, 0, 99)

	svc := newTestService(t, client, consumer.WithBufferCapacity(50))
	require.NoError(t, svc.Subscribe("T"))

	release := make(chan struct{})
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(_ []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			<-release
			return consumer.ConsumeSuccess
		},
	))

	require.NoError(t, svc.Start())

	// with handlers blocked the buffer fills to capacity and the partition
	// is paused at the broker
	require.Eventually(t, func() bool {
		for _, paused := range client.Paused() {
			if paused == tp {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "partition should be paused at capacity")

	close(release)

	require.Eventually(t, func() bool {
		offset, ok := client.CommittedOffset(tp)
		return ok && offset.Offset == 100
	}, 5*time.Second, 20*time.Millisecond, "all records drain after resume")

	client.AssertNotPaused(t, tp)
}

func TestService_RetryTopicRehydration(t *testing.T) {
	client := mockkafka.NewClient()
	retryTopic := message.RetryTopic(testGroup)

	rec := mockkafka.Record("k", "v").
		WithOffset(0).
		WithHeader(message.HeaderRetryCount, []byte("1")).
		WithHeader(message.HeaderRealTopic, []byte("T")).
		WithHeader(message.HeaderRealPartition, []byte("3")).
		WithHeader(message.HeaderRealOffset, []byte("77")).
		WithHeader(message.HeaderRealStoreTime, []byte("1700000000000")).
		Build()
	client.AddRecords(retryTopic, 0, rec)

	svc := newTestService(t, client)
	require.NoError(t, svc.Subscribe("T"))

	var mu sync.Mutex
	var seen []message.Message
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(msgs []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			mu.Lock()
			seen = append(seen, msgs...)
			mu.Unlock()
			return consumer.ConsumeSuccess
		},
	))

	require.NoError(t, svc.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	msg := seen[0]
	mu.Unlock()

	assert.Equal(t, "T", msg.Topic, "handler sees the original placement")
	assert.Equal(t, int32(3), msg.Partition)
	assert.Equal(t, int64(77), msg.Offset)
	assert.Equal(t, 1, msg.RetryCount)
}

func TestService_SuspendStopsDelivery(t *testing.T) {
	client := mockkafka.NewClient()
	tp := kafka.TopicPartition{Topic: "T", Partition: 0}
	addRecords(client, "T", 0, 0, 4)

	svc := newTestService(t, client)
	require.NoError(t, svc.Subscribe("T"))
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(_ []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			return consumer.ConsumeSuccess
		},
	))

	svc.Suspend()
	require.NoError(t, svc.Start())

	time.Sleep(200 * time.Millisecond)
	_, ok := client.CommittedOffset(tp)
	assert.False(t, ok, "nothing consumed while suspended")

	svc.Resume()

	require.Eventually(t, func() bool {
		offset, ok := client.CommittedOffset(tp)
		return ok && offset.Offset == 5
	}, 3*time.Second, 20*time.Millisecond)
}

func TestService_BroadcastingPersistsToFile(t *testing.T) {
	client := mockkafka.NewClient()
	addRecords(client, "T", 0, 0, 9)

	dir := t.TempDir()
	svc := newTestService(
		t, client,
		consumer.WithConsumeModel(consumer.ModelBroadcasting),
		consumer.WithOffsetStoreDir(dir),
	)
	require.NoError(t, svc.Subscribe("T"))
	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(_ []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			return consumer.ConsumeSuccess
		},
	))

	require.NoError(t, svc.Start())

	require.Eventually(t, func() bool {
		entries, err := filesIn(dir)
		return err == nil && entries > 0
	}, 3*time.Second, 20*time.Millisecond, "offset file should appear")

	// broadcasting mode never subscribes the retry topic
	for _, topic := range client.Subscriptions() {
		assert.NotEqual(t, message.RetryTopic(testGroup), topic)
	}
}

func TestService_StartValidation(t *testing.T) {
	client := mockkafka.NewClient()

	svc := newTestService(t, client)
	err := svc.Start()
	require.Error(t, err, "start without handler must fail")

	svc.RegisterConcurrentHandler(consumer.HandlerFunc(
		func(_ []message.Message, _ *consumer.HandlerContext) consumer.ConsumeStatus {
			return consumer.ConsumeSuccess
		},
	))
	err = svc.Start()
	require.Error(t, err, "start without topics must fail")
}

func TestService_SubscribeRejectsSystemTopics(t *testing.T) {
	client := mockkafka.NewClient()
	svc := newTestService(t, client)

	assert.Error(t, svc.Subscribe(message.RetryTopic(testGroup)))
	assert.Error(t, svc.Subscribe(message.DeadLetterTopic(testGroup)))
}

func TestService_SeekRequiresRunning(t *testing.T) {
	client := mockkafka.NewClient()
	svc := newTestService(t, client)

	err := svc.Seek(kafka.TopicPartition{Topic: "T", Partition: 0}, 5)
	assert.Error(t, err)
}

func filesIn(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}
