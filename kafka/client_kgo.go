package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var _ Client = (*KgoClient)(nil)

const listOffsetsEarliest = -2
const listOffsetsLatest = -1

type KgoClientConfig struct {
	BootstrapServers  []string
	GroupID           string
	ClientID          string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxPollRecords    int
	PollTimeout       time.Duration
	RegexTopics       bool

	Logger logger.Logger
}

func defaultConfig() KgoClientConfig {
	return KgoClientConfig{
		BootstrapServers:  []string{"localhost:9092"},
		GroupID:           "default-group",
		SessionTimeout:    45 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		PollTimeout:       3 * time.Second,
		MaxPollRecords:    500,
		Logger:            logger.NewNoopLogger(),
	}
}

type KgoOption func(*KgoClientConfig)

func WithBootstrapServers(servers []string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.BootstrapServers = servers
	}
}

func WithGroupID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.GroupID = id
	}
}

func WithClientID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.ClientID = id
	}
}

func WithPollTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.PollTimeout = d
	}
}

func WithMaxPollRecords(n int) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.MaxPollRecords = n
	}
}

// WithRegexTopics treats subscribed topic names as regular expressions.
func WithRegexTopics() KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.RegexTopics = true
	}
}

func WithLogger(l logger.Logger) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.Logger = l.
			With("client", "kgo")
	}
}

// KgoClient implements Client on top of franz-go. Offsets are committed
// explicitly via CommitOffsets; auto-commit is disabled.
type KgoClient struct {
	client *kgo.Client
	config KgoClientConfig

	mu          sync.RWMutex
	subscribed  bool
	rebalanceCb RebalanceCallback
	topics      []string
	assigned    map[TopicPartition]struct{}

	logger logger.Logger
}

func NewKgoClient(opts ...KgoOption) (*KgoClient, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	kc := &KgoClient{
		config:   cfg,
		logger:   cfg.Logger,
		assigned: make(map[TopicPartition]struct{}),
	}

	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.OnPartitionsAssigned(kc.onAssigned),
		kgo.OnPartitionsRevoked(kc.onRevoked),
		kgo.WithLogger(newKgoLogger(kc.logger)),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
	}

	if cfg.ClientID != "" {
		kgoOpts = append(kgoOpts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.RegexTopics {
		kgoOpts = append(kgoOpts, kgo.ConsumeRegex())
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	kc.client = client

	return kc, nil
}

func (k *KgoClient) onAssigned(ctx context.Context, c *kgo.Client, assigned map[string][]int32) {
	partitions := mapToTopicPartitions(assigned)

	k.mu.Lock()
	for _, tp := range partitions {
		k.assigned[tp] = struct{}{}
	}
	cb := k.rebalanceCb
	k.mu.Unlock()

	if cb != nil {
		cb.OnAssigned(ctx, partitions)
	}
}

func (k *KgoClient) onRevoked(ctx context.Context, c *kgo.Client, revoked map[string][]int32) {
	partitions := mapToTopicPartitions(revoked)

	k.mu.Lock()
	for _, tp := range partitions {
		delete(k.assigned, tp)
	}
	cb := k.rebalanceCb
	k.mu.Unlock()

	if cb != nil {
		cb.OnRevoked(ctx, partitions)
	}
}

func (k *KgoClient) Subscribe(topics []string, rebalanceCb RebalanceCallback) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.subscribed {
		return fmt.Errorf("already subscribed")
	}

	k.rebalanceCb = rebalanceCb
	k.topics = topics
	k.client.AddConsumeTopics(topics...)
	k.subscribed = true

	return nil
}

func (k *KgoClient) Unsubscribe() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.subscribed {
		return
	}

	k.client.LeaveGroup()
	k.subscribed = false
	k.topics = nil
}

func (k *KgoClient) Poll(ctx context.Context) ([]ConsumerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, k.config.PollTimeout)
	defer cancel()

	fetches := k.client.PollRecords(ctx, k.config.MaxPollRecords)
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			if !errors.Is(err.Err, context.DeadlineExceeded) && !errors.Is(err.Err, context.Canceled) {
				return nil, fmt.Errorf("poll: %w", err.Err)
			}
		}
	}

	return convertRecords(fetches.Records()), nil
}

func (k *KgoClient) CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error {
	if len(offsets) == 0 {
		return nil
	}

	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		if _, ok := toCommit[tp.Topic]; !ok {
			toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{
			Offset: offset.Offset,
			Epoch:  offset.LeaderEpoch,
		}
	}

	onDoneCh := make(chan error, 1)
	onDone := func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		onDoneCh <- err
	}

	k.client.CommitOffsets(ctx, toCommit, onDone)

	select {
	case err := <-onDoneCh:
		if err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KgoClient) PausePartitions(partitions ...TopicPartition) {
	k.client.PauseFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoClient) ResumePartitions(partitions ...TopicPartition) {
	k.client.ResumeFetchPartitions(topicPartitionsToMap(partitions))
}

func (k *KgoClient) Paused() []TopicPartition {
	// pausing nothing returns the currently paused set
	return mapToTopicPartitions(k.client.PauseFetchPartitions(nil))
}

func (k *KgoClient) Assignment() []TopicPartition {
	k.mu.RLock()
	defer k.mu.RUnlock()

	tps := make([]TopicPartition, 0, len(k.assigned))
	for tp := range k.assigned {
		tps = append(tps, tp)
	}
	return tps
}

func (k *KgoClient) Seek(tp TopicPartition, offset int64) {
	k.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Offset: offset, Epoch: -1}},
	})
}

func (k *KgoClient) SeekToBeginning(partitions ...TopicPartition) {
	k.seekToListedOffset(listOffsetsEarliest, partitions)
}

func (k *KgoClient) SeekToEnd(partitions ...TopicPartition) {
	k.seekToListedOffset(listOffsetsLatest, partitions)
}

func (k *KgoClient) seekToListedOffset(timestamp int64, partitions []TopicPartition) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offsets, err := k.listOffsets(ctx, timestamp, partitions)
	if err != nil {
		k.logger.Warn("Failed to list offsets for seek", "error", err)
		return
	}

	seek := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		if _, ok := seek[tp.Topic]; !ok {
			seek[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		seek[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: offset, Epoch: -1}
	}
	k.client.SetOffsets(seek)
}

func (k *KgoClient) OffsetsForTime(ctx context.Context, t time.Time, partitions []TopicPartition) (
	map[TopicPartition]int64, error,
) {
	return k.listOffsets(ctx, t.UnixMilli(), partitions)
}

func (k *KgoClient) listOffsets(ctx context.Context, timestamp int64, partitions []TopicPartition) (
	map[TopicPartition]int64, error,
) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1

	for topic, parts := range topicPartitionsToMap(partitions) {
		t := kmsg.NewListOffsetsRequestTopic()
		t.Topic = topic
		for _, p := range parts {
			pt := kmsg.NewListOffsetsRequestTopicPartition()
			pt.Partition = p
			pt.Timestamp = timestamp
			pt.CurrentLeaderEpoch = -1
			t.Partitions = append(t.Partitions, pt)
		}
		req.Topics = append(req.Topics, t)
	}

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}

	offsets := make(map[TopicPartition]int64)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("list offsets for %s-%d: %w", t.Topic, p.Partition, err)
			}
			offsets[TopicPartition{Topic: t.Topic, Partition: p.Partition}] = p.Offset
		}
	}

	return offsets, nil
}

func (k *KgoClient) CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 15000

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	for _, rt := range resp.Topics {
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", rt.Topic, err)
		}
	}

	return nil
}

func (k *KgoClient) Send(ctx context.Context, topic string, key, value []byte, headers []Header) error {
	record := &kgo.Record{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: convertToKgoHeaders(headers),
	}

	results := k.client.ProduceSync(ctx, record)
	return results.FirstErr()
}

func (k *KgoClient) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

func (k *KgoClient) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *KgoClient) Close() {
	k.client.CloseAllowingRebalance()
}

func convertRecords(records []*kgo.Record) []ConsumerRecord {
	converted := make([]ConsumerRecord, len(records))
	for i, r := range records {
		converted[i] = ConsumerRecord{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			Key:         r.Key,
			Value:       r.Value,
			Headers:     convertFromKgoHeaders(r.Headers),
			Timestamp:   r.Timestamp,
			LeaderEpoch: r.LeaderEpoch,
		}
	}

	return converted
}

func convertFromKgoHeaders(headers []kgo.RecordHeader) []Header {
	converted := make([]Header, len(headers))
	for i, h := range headers {
		converted[i] = Header{Key: h.Key, Value: h.Value}
	}
	return converted
}

func convertToKgoHeaders(headers []Header) []kgo.RecordHeader {
	kgoHeaders := make([]kgo.RecordHeader, len(headers))
	for i, h := range headers {
		kgoHeaders[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
	}
	return kgoHeaders
}

func topicPartitionsToMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func mapToTopicPartitions(m map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range m {
		for _, partition := range partitions {
			tps = append(
				tps, TopicPartition{
					Topic:     topic,
					Partition: partition,
				},
			)
		}
	}

	return tps
}
