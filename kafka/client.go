package kafka

import (
	"context"
	"time"
)

// Client bundles the consumer and producer sides of a broker connection.
type Client interface {
	Producer
	Consumer
	Admin

	Ping(ctx context.Context) error
}

type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte, headers []Header) error
	Flush(ctx context.Context) error
	Close()
}

// Consumer is the pull-side broker surface the consume pipeline is built on.
// Implementations are not required to be safe for concurrent use; the poll
// loop owns every call except Send/Flush.
type Consumer interface {
	Subscribe(topics []string, rebalanceCb RebalanceCallback) error
	Unsubscribe()
	Poll(ctx context.Context) ([]ConsumerRecord, error)
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error
	PausePartitions(partitions ...TopicPartition)
	ResumePartitions(partitions ...TopicPartition)
	Paused() []TopicPartition
	Assignment() []TopicPartition
	Seek(tp TopicPartition, offset int64)
	SeekToBeginning(partitions ...TopicPartition)
	SeekToEnd(partitions ...TopicPartition)
	OffsetsForTime(ctx context.Context, t time.Time, partitions []TopicPartition) (map[TopicPartition]int64, error)
	Close()
}

// Admin covers the topic management the retry pipeline needs: the
// dead-letter topic is created on demand. Delay topics are not created by
// the client.
type Admin interface {
	CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error
}

type RebalanceCallback interface {
	OnAssigned(ctx context.Context, partitions []TopicPartition)
	OnRevoked(ctx context.Context, partitions []TopicPartition)
}
