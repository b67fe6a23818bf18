package mockkafka

import (
	"context"
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
)

var _ kafka.Client = (*Client)(nil)

// ProducedRecord represents a record that was sent via the mock producer.
type ProducedRecord struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []kafka.Header
}

// Client is an in-memory broker double. Partitions hold a record queue and a
// read position; Poll walks assigned, unpaused partitions round-robin.
type Client struct {
	mu sync.RWMutex

	recordQueues   map[kafka.TopicPartition][]kafka.ConsumerRecord
	queuePositions map[kafka.TopicPartition]int
	nextOffsets    map[kafka.TopicPartition]int64

	producedRecords  []ProducedRecord
	committedOffsets map[kafka.TopicPartition]kafka.Offset
	createdTopics    []string

	subscriptions      []string
	rebalanceCb        kafka.RebalanceCallback
	assignedPartitions map[kafka.TopicPartition]struct{}
	pausedPartitions   map[kafka.TopicPartition]struct{}

	maxPollRecords int
	pollDelay      time.Duration

	sendErr   func(topic string, key, value []byte) error
	pollErr   func() error
	commitErr func() error
	pingErr   error

	closed     bool
	subscribed bool
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		recordQueues:       make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		queuePositions:     make(map[kafka.TopicPartition]int),
		nextOffsets:        make(map[kafka.TopicPartition]int64),
		committedOffsets:   make(map[kafka.TopicPartition]kafka.Offset),
		assignedPartitions: make(map[kafka.TopicPartition]struct{}),
		pausedPartitions:   make(map[kafka.TopicPartition]struct{}),
		maxPollRecords:     10,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Subscribe registers the client to consume from the given topics and
// auto-assigns every known partition of those topics, invoking the rebalance
// callback the way a broker-side assignment would.
func (c *Client) Subscribe(topics []string, rebalanceCb kafka.RebalanceCallback) error {
	c.mu.Lock()

	if c.subscribed {
		c.mu.Unlock()
		return nil // idempotent
	}

	c.subscriptions = topics
	c.rebalanceCb = rebalanceCb
	c.subscribed = true

	var partitions []kafka.TopicPartition
	for tp := range c.recordQueues {
		for _, topic := range topics {
			if tp.Topic == topic {
				partitions = append(partitions, tp)
				break
			}
		}
	}
	for _, tp := range partitions {
		c.assignedPartitions[tp] = struct{}{}
	}
	c.mu.Unlock()

	if len(partitions) > 0 && rebalanceCb != nil {
		rebalanceCb.OnAssigned(context.Background(), partitions)
	}

	return nil
}

func (c *Client) Unsubscribe() {
	c.mu.Lock()
	cb := c.rebalanceCb
	var revoked []kafka.TopicPartition
	for tp := range c.assignedPartitions {
		revoked = append(revoked, tp)
	}
	c.assignedPartitions = make(map[kafka.TopicPartition]struct{})
	c.subscribed = false
	c.subscriptions = nil
	c.mu.Unlock()

	if len(revoked) > 0 && cb != nil {
		cb.OnRevoked(context.Background(), revoked)
	}
}

// Poll retrieves up to maxPollRecords records round-robin across assigned,
// unpaused partitions.
func (c *Client) Poll(ctx context.Context) ([]kafka.ConsumerRecord, error) {
	if c.pollDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollDelay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollErr != nil {
		if err := c.pollErr(); err != nil {
			return nil, err
		}
	}

	ordered := make([]kafka.TopicPartition, 0, len(c.assignedPartitions))
	for tp := range c.assignedPartitions {
		if _, paused := c.pausedPartitions[tp]; paused {
			continue
		}
		ordered = append(ordered, tp)
	}

	var records []kafka.ConsumerRecord
	for len(records) < c.maxPollRecords {
		progressMade := false

		for _, tp := range ordered {
			queue, exists := c.recordQueues[tp]
			if !exists {
				continue
			}

			pos := c.queuePositions[tp]
			if pos >= len(queue) {
				continue
			}

			records = append(records, queue[pos])
			c.queuePositions[tp]++
			progressMade = true

			if len(records) >= c.maxPollRecords {
				break
			}
		}

		if !progressMade {
			break
		}
	}

	return records, nil
}

func (c *Client) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if c.commitErr != nil {
		if err := c.commitErr(); err != nil {
			return err
		}
	}

	for tp, offset := range offsets {
		c.committedOffsets[tp] = offset
	}

	return nil
}

func (c *Client) PausePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.pausedPartitions[tp] = struct{}{}
	}
}

func (c *Client) ResumePartitions(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		delete(c.pausedPartitions, tp)
	}
}

func (c *Client) Paused() []kafka.TopicPartition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tps := make([]kafka.TopicPartition, 0, len(c.pausedPartitions))
	for tp := range c.pausedPartitions {
		tps = append(tps, tp)
	}
	return tps
}

func (c *Client) Assignment() []kafka.TopicPartition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tps := make([]kafka.TopicPartition, 0, len(c.assignedPartitions))
	for tp := range c.assignedPartitions {
		tps = append(tps, tp)
	}
	return tps
}

// Seek moves the partition's read position to the first record at or after
// offset.
func (c *Client) Seek(tp kafka.TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.recordQueues[tp]
	pos := len(queue)
	for i, rec := range queue {
		if rec.Offset >= offset {
			pos = i
			break
		}
	}
	c.queuePositions[tp] = pos
}

func (c *Client) SeekToBeginning(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.queuePositions[tp] = 0
	}
}

func (c *Client) SeekToEnd(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		c.queuePositions[tp] = len(c.recordQueues[tp])
	}
}

func (c *Client) OffsetsForTime(ctx context.Context, t time.Time, partitions []kafka.TopicPartition) (
	map[kafka.TopicPartition]int64, error,
) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offsets := make(map[kafka.TopicPartition]int64, len(partitions))
	for _, tp := range partitions {
		queue := c.recordQueues[tp]
		offset := c.nextOffsets[tp]
		for _, rec := range queue {
			if !rec.Timestamp.Before(t) {
				offset = rec.Offset
				break
			}
		}
		offsets[tp] = offset
	}
	return offsets, nil
}

func (c *Client) CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.createdTopics = append(c.createdTopics, topic)
	return nil
}

// Send produces a record; it is stored for test assertions.
func (c *Client) Send(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		if err := c.sendErr(topic, key, value); err != nil {
			return err
		}
	}

	headersCopy := make([]kafka.Header, len(headers))
	for i, h := range headers {
		vCopy := make([]byte, len(h.Value))
		copy(vCopy, h.Value)
		headersCopy[i] = kafka.Header{Key: h.Key, Value: vCopy}
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	c.producedRecords = append(
		c.producedRecords, ProducedRecord{
			Topic:   topic,
			Key:     keyCopy,
			Value:   valueCopy,
			Headers: headersCopy,
		},
	)

	return nil
}

// Flush is a no-op for the mock client since Send is synchronous.
func (c *Client) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.pingErr
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

// AddRecords appends records to a partition's queue. Records with offset 0
// (including an explicit 0) get sequential offsets continuing from the queue
// tail.
func (c *Client) AddRecords(topic string, partition int32, records ...kafka.ConsumerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}

	next := c.nextOffsets[tp]
	for i := range records {
		records[i].Topic = topic
		records[i].Partition = partition
		if records[i].Offset == 0 {
			records[i].Offset = next
		}
		if records[i].Offset >= next {
			next = records[i].Offset + 1
		}
	}
	c.nextOffsets[tp] = next

	c.recordQueues[tp] = append(c.recordQueues[tp], records...)
}

// TriggerAssign simulates a rebalance assigning partitions to this consumer.
func (c *Client) TriggerAssign(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	cb := c.rebalanceCb
	for _, tp := range partitions {
		c.assignedPartitions[tp] = struct{}{}
	}
	c.mu.Unlock()

	if cb != nil {
		cb.OnAssigned(context.Background(), partitions)
	}
}

// TriggerRevoke simulates a rebalance revoking partitions from this consumer.
func (c *Client) TriggerRevoke(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	cb := c.rebalanceCb
	for _, tp := range partitions {
		delete(c.assignedPartitions, tp)
	}
	c.mu.Unlock()

	if cb != nil {
		cb.OnRevoked(context.Background(), partitions)
	}
}

func (c *Client) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.sendErr = nil
	} else {
		c.sendErr = func(string, []byte, []byte) error { return err }
	}
}

func (c *Client) SetSendErrorFunc(fn func(topic string, key, value []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sendErr = fn
}

func (c *Client) SetPollError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.pollErr = nil
	} else {
		c.pollErr = func() error { return err }
	}
}

func (c *Client) SetCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.commitErr = nil
	} else {
		c.commitErr = func() error { return err }
	}
}

// ProducedRecords returns a copy of every record sent via Send.
func (c *Client) ProducedRecords() []ProducedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProducedRecord, len(c.producedRecords))
	copy(out, c.producedRecords)
	return out
}

func (c *Client) ProducedRecordsForTopic(topic string) []ProducedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ProducedRecord
	for _, r := range c.producedRecords {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

func (c *Client) CommittedOffset(tp kafka.TopicPartition) (kafka.Offset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offset, ok := c.committedOffsets[tp]
	return offset, ok
}

func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

func (c *Client) CreatedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.createdTopics))
	copy(out, c.createdTopics)
	return out
}

func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}
