package consumer

import (
	"sort"
	"sync"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/budiholan-github/enhance-kafka-client/message"
)

// PartitionBuffer holds polled messages per partition until they are
// acknowledged, tracks out-of-order acks, and surfaces the commit watermark.
//
// Per partition at most one contiguous chunk is claimed (in flight) at any
// instant; an unacked offset blocks the watermark, and with it the commit of
// every later offset in that partition.
type PartitionBuffer struct {
	capacity int
	logger   logger.Logger

	mu     sync.RWMutex
	parts  map[kafka.TopicPartition]*partitionData
	closed map[kafka.TopicPartition]struct{}
}

type partitionData struct {
	mu sync.Mutex

	// msgs holds buffered messages in broker order, trimmed from the front
	// as acks are absorbed into the watermark.
	msgs    []message.Message
	claimed int
	acked   map[int64]struct{}

	watermark    int64
	hasWatermark bool
	advanced     bool
}

func NewPartitionBuffer(capacity int, l logger.Logger) *PartitionBuffer {
	return &PartitionBuffer{
		capacity: capacity,
		logger:   l.With("component", "partition-buffer"),
		parts:    make(map[kafka.TopicPartition]*partitionData),
		closed:   make(map[kafka.TopicPartition]struct{}),
	}
}

// Store buffers messages grouped by partition, preserving broker order, and
// returns the partitions that reached capacity. Messages for closed
// partitions are dropped silently: a revoke may race a poll already in
// flight.
func (b *PartitionBuffer) Store(msgs []message.Message) []kafka.TopicPartition {
	if len(msgs) == 0 {
		return nil
	}

	grouped := make(map[kafka.TopicPartition][]message.Message)
	var order []kafka.TopicPartition
	for _, msg := range msgs {
		tp := msg.TopicPartition()
		if _, seen := grouped[tp]; !seen {
			order = append(order, tp)
		}
		grouped[tp] = append(grouped[tp], msg)
	}

	var full []kafka.TopicPartition
	for _, tp := range order {
		b.mu.Lock()
		if _, isClosed := b.closed[tp]; isClosed {
			b.mu.Unlock()
			continue
		}
		pd := b.parts[tp]
		if pd == nil {
			pd = &partitionData{acked: make(map[int64]struct{})}
			b.parts[tp] = pd
		}
		b.mu.Unlock()

		pd.mu.Lock()
		for _, msg := range grouped[tp] {
			if n := len(pd.msgs); n > 0 && msg.Offset <= pd.msgs[n-1].Offset {
				// duplicate delivery after an internal seek; already buffered
				continue
			}
			pd.msgs = append(pd.msgs, msg)
		}
		if len(pd.msgs) >= b.capacity {
			full = append(full, tp)
		}
		pd.mu.Unlock()
	}

	return full
}

// DrainReady claims the next contiguous chunk of up to max messages for the
// partition. It returns nil while a previous chunk is still unacked.
func (b *PartitionBuffer) DrainReady(tp kafka.TopicPartition, max int) []message.Message {
	pd := b.partition(tp)
	if pd == nil {
		return nil
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.claimed > 0 || len(pd.msgs) == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > len(pd.msgs) {
		n = len(pd.msgs)
	}

	chunk := make([]message.Message, n)
	copy(chunk, pd.msgs[:n])
	pd.claimed = n

	return chunk
}

// Unclaim returns the partition's in-flight chunk to the head of the buffer,
// so the next DrainReady re-delivers it.
func (b *PartitionBuffer) Unclaim(tp kafka.TopicPartition) {
	pd := b.partition(tp)
	if pd == nil {
		return
	}

	pd.mu.Lock()
	pd.claimed = 0
	pd.mu.Unlock()
}

// Ack marks offsets acknowledged and absorbs any fully-acked prefix into the
// watermark. Unknown offsets are a no-op with a warning: the partition may
// have been revoked while the handler ran.
func (b *PartitionBuffer) Ack(tp kafka.TopicPartition, offsets []int64) {
	pd := b.partition(tp)
	if pd == nil {
		b.logger.Warn("Ack for unassigned partition dropped", "topic", tp.Topic, "partition", tp.Partition)
		return
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	for _, offset := range offsets {
		if !pd.contains(offset) {
			b.logger.Warn(
				"Ack for unknown offset dropped",
				"topic", tp.Topic, "partition", tp.Partition, "offset", offset,
			)
			continue
		}
		pd.acked[offset] = struct{}{}
	}

	pd.absorb()
}

func (pd *partitionData) contains(offset int64) bool {
	i := sort.Search(len(pd.msgs), func(i int) bool { return pd.msgs[i].Offset >= offset })
	return i < len(pd.msgs) && pd.msgs[i].Offset == offset
}

// absorb advances the watermark over the acked prefix. Caller holds pd.mu.
func (pd *partitionData) absorb() {
	for len(pd.msgs) > 0 {
		offset := pd.msgs[0].Offset
		if _, ok := pd.acked[offset]; !ok {
			break
		}
		delete(pd.acked, offset)
		pd.msgs = pd.msgs[1:]
		if pd.claimed > 0 {
			pd.claimed--
		}
		pd.watermark = offset
		pd.hasWatermark = true
		pd.advanced = true
	}
}

// TakeCommit returns the offset to commit (watermark + 1) when the watermark
// advanced since the previous call.
func (b *PartitionBuffer) TakeCommit(tp kafka.TopicPartition) (int64, bool) {
	pd := b.partition(tp)
	if pd == nil {
		return 0, false
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	if !pd.advanced || !pd.hasWatermark {
		return 0, false
	}

	pd.advanced = false
	return pd.watermark + 1, true
}

// Pending returns the number of buffered messages for the partition.
func (b *PartitionBuffer) Pending(tp kafka.TopicPartition) int {
	pd := b.partition(tp)
	if pd == nil {
		return 0
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()
	return len(pd.msgs)
}

// ShouldResume applies the backpressure hysteresis: a paused partition is
// resumed once it drains below half capacity.
func (b *PartitionBuffer) ShouldResume(tp kafka.TopicPartition) bool {
	return b.Pending(tp) < b.capacity/2
}

// ReadyPartitions lists partitions with buffered messages and no chunk in
// flight.
func (b *PartitionBuffer) ReadyPartitions() []kafka.TopicPartition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ready []kafka.TopicPartition
	for tp, pd := range b.parts {
		pd.mu.Lock()
		if pd.claimed == 0 && len(pd.msgs) > 0 {
			ready = append(ready, tp)
		}
		pd.mu.Unlock()
	}
	return ready
}

// BufferedPartitions lists every partition currently holding state.
func (b *PartitionBuffer) BufferedPartitions() []kafka.TopicPartition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tps := make([]kafka.TopicPartition, 0, len(b.parts))
	for tp := range b.parts {
		tps = append(tps, tp)
	}
	return tps
}

// Open clears revocation tombstones when partitions are (re)assigned.
func (b *PartitionBuffer) Open(tps ...kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tp := range tps {
		delete(b.closed, tp)
	}
}

// Reset discards the partition's buffered state, used around seeks. The
// partition is recreated lazily on the next store.
func (b *PartitionBuffer) Reset(tp kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.parts, tp)
}

// Close discards the partition's state and drops subsequent stores until the
// partition is opened again, used on revocation.
func (b *PartitionBuffer) Close(tp kafka.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.parts, tp)
	b.closed[tp] = struct{}{}
}

// ResetAll discards all buffered state.
func (b *PartitionBuffer) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = make(map[kafka.TopicPartition]*partitionData)
}

func (b *PartitionBuffer) partition(tp kafka.TopicPartition) *partitionData {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parts[tp]
}
