package consumer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/committer"
	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/logger"
)

const persistPollInterval = 100 * time.Millisecond

// offsetStorage relays per-partition ack progress to a durable store and is
// also the broker's rebalance listener: revocation flushes and closes
// buffers, assignment restores progress.
type offsetStorage interface {
	kafka.RebalanceCallback

	start(ctx context.Context)
	stop()

	// removeOffset forgets persisted progress for one partition (seek).
	removeOffset(tp kafka.TopicPartition)
	// clearOffsets forgets all persisted progress (seek-to-beginning/end/time).
	clearOffsets()
}

// persistorBase carries the bookkeeping shared by the broker and file
// storages: the assigned set, the cadence policy, and the periodic loop.
type persistorBase struct {
	buffer *PartitionBuffer
	policy committer.Policy
	logger logger.Logger

	mu       sync.Mutex
	assigned map[kafka.TopicPartition]struct{}

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newPersistorBase(buffer *PartitionBuffer, policy committer.Policy, l logger.Logger) persistorBase {
	return persistorBase{
		buffer:   buffer,
		policy:   policy,
		logger:   l,
		assigned: make(map[kafka.TopicPartition]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (p *persistorBase) assignedPartitions() []kafka.TopicPartition {
	p.mu.Lock()
	defer p.mu.Unlock()

	tps := make([]kafka.TopicPartition, 0, len(p.assigned))
	for tp := range p.assigned {
		tps = append(tps, tp)
	}
	return tps
}

func (p *persistorBase) addAssigned(tps []kafka.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range tps {
		p.assigned[tp] = struct{}{}
	}
}

func (p *persistorBase) removeAssigned(tps []kafka.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range tps {
		delete(p.assigned, tp)
	}
}

// runPeriodic drives persist as the cadence policy dictates until stopped.
func (p *persistorBase) runPeriodic(ctx context.Context, persist func(ctx context.Context)) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	defer close(p.doneCh)

	ticker := time.NewTicker(persistPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.policy.ShouldPersist() {
				persist(ctx)
			}
		}
	}
}

func (p *persistorBase) stopPeriodic() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.doneCh
	}
}

// brokerOffsetStorage commits watermarks to the broker (clustering mode).
// Commits from the periodic loop are routed onto the poll loop goroutine;
// rebalance callbacks already run there and commit directly.
type brokerOffsetStorage struct {
	persistorBase

	consumer kafka.Consumer
	pollDo   func(fn func()) error

	// pending holds taken-but-uncommitted watermarks so a failed commit is
	// retried on the next cycle instead of lost.
	pendingMu sync.Mutex
	pending   map[kafka.TopicPartition]kafka.Offset
}

var _ offsetStorage = (*brokerOffsetStorage)(nil)

func newBrokerOffsetStorage(
	consumer kafka.Consumer, buffer *PartitionBuffer, policy committer.Policy,
	pollDo func(fn func()) error, l logger.Logger,
) *brokerOffsetStorage {
	return &brokerOffsetStorage{
		persistorBase: newPersistorBase(buffer, policy, l.With("component", "offset-persistor", "storage", "broker")),
		consumer:      consumer,
		pollDo:        pollDo,
		pending:       make(map[kafka.TopicPartition]kafka.Offset),
	}
}

func (s *brokerOffsetStorage) start(ctx context.Context) {
	go s.runPeriodic(ctx, s.persist)
}

func (s *brokerOffsetStorage) stop() {
	s.stopPeriodic()

	// final flush while the poll loop is still alive
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.persist(ctx)
}

func (s *brokerOffsetStorage) collect(tps []kafka.TopicPartition) map[kafka.TopicPartition]kafka.Offset {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for _, tp := range tps {
		if offset, ok := s.buffer.TakeCommit(tp); ok {
			s.pending[tp] = kafka.Offset{Offset: offset, LeaderEpoch: -1}
		}
	}

	out := make(map[kafka.TopicPartition]kafka.Offset, len(s.pending))
	for tp, off := range s.pending {
		out[tp] = off
	}
	return out
}

func (s *brokerOffsetStorage) clearPending(offsets map[kafka.TopicPartition]kafka.Offset) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	for tp, off := range offsets {
		if cur, ok := s.pending[tp]; ok && cur.Offset == off.Offset {
			delete(s.pending, tp)
		}
	}
}

func (s *brokerOffsetStorage) persist(ctx context.Context) {
	offsets := s.collect(s.assignedPartitions())
	if len(offsets) == 0 {
		s.policy.Persisted(true)
		return
	}

	errCh := make(chan error, 1)
	if err := s.pollDo(func() {
		errCh <- s.consumer.CommitOffsets(ctx, offsets)
	}); err != nil {
		s.logger.Warn("Commit not routed, poll loop unavailable", "error", err)
		s.policy.Persisted(false)
		return
	}

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Warn("Commit failed, will retry", "error", err)
			s.policy.Persisted(false)
			return
		}
		s.clearPending(offsets)
		s.policy.Persisted(true)
	case <-ctx.Done():
		s.policy.Persisted(false)
	}
}

// OnAssigned trusts broker-side committed offsets; it only reopens buffers.
func (s *brokerOffsetStorage) OnAssigned(ctx context.Context, partitions []kafka.TopicPartition) {
	s.logger.Info("Partitions assigned", "partitions", partitions)
	s.buffer.Open(partitions...)
	s.addAssigned(partitions)
}

// OnRevoked flushes commits for the revoked partitions before their buffers
// are closed. It runs on the poll loop goroutine, so the consumer is called
// directly.
func (s *brokerOffsetStorage) OnRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	s.logger.Info("Partitions revoked", "partitions", partitions)

	offsets := make(map[kafka.TopicPartition]kafka.Offset)
	s.pendingMu.Lock()
	for _, tp := range partitions {
		if offset, ok := s.buffer.TakeCommit(tp); ok {
			s.pending[tp] = kafka.Offset{Offset: offset, LeaderEpoch: -1}
		}
		if off, ok := s.pending[tp]; ok {
			offsets[tp] = off
			delete(s.pending, tp)
		}
	}
	s.pendingMu.Unlock()

	if len(offsets) > 0 {
		commitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.consumer.CommitOffsets(commitCtx, offsets); err != nil {
			s.logger.Error("Failed to commit offsets on revoke", "error", err)
		}
		cancel()
	}

	for _, tp := range partitions {
		s.buffer.Close(tp)
	}
	s.removeAssigned(partitions)
}

func (s *brokerOffsetStorage) removeOffset(tp kafka.TopicPartition) {
	s.pendingMu.Lock()
	delete(s.pending, tp)
	s.pendingMu.Unlock()
}

func (s *brokerOffsetStorage) clearOffsets() {
	s.pendingMu.Lock()
	s.pending = make(map[kafka.TopicPartition]kafka.Offset)
	s.pendingMu.Unlock()
}

// fileOffsetStorage persists watermarks to one small file per partition
// (broadcasting mode) and seeks newly assigned partitions back to the
// persisted position.
type fileOffsetStorage struct {
	persistorBase

	consumer kafka.Consumer
	group    string
	dir      string
}

var _ offsetStorage = (*fileOffsetStorage)(nil)

func newFileOffsetStorage(
	consumer kafka.Consumer, buffer *PartitionBuffer, policy committer.Policy,
	group, dir string, l logger.Logger,
) *fileOffsetStorage {
	return &fileOffsetStorage{
		persistorBase: newPersistorBase(buffer, policy, l.With("component", "offset-persistor", "storage", "file")),
		consumer:      consumer,
		group:         group,
		dir:           dir,
	}
}

func (s *fileOffsetStorage) start(ctx context.Context) {
	go s.runPeriodic(ctx, s.persist)
}

func (s *fileOffsetStorage) stop() {
	s.stopPeriodic()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.persist(ctx)
}

func (s *fileOffsetStorage) persist(_ context.Context) {
	ok := true
	for _, tp := range s.assignedPartitions() {
		offset, advanced := s.buffer.TakeCommit(tp)
		if !advanced {
			continue
		}
		if err := s.writeOffset(tp, offset); err != nil {
			s.logger.Warn("Failed to persist offset", "partition", tp, "offset", offset, "error", err)
			ok = false
		}
	}
	s.policy.Persisted(ok)
}

func (s *fileOffsetStorage) OnAssigned(ctx context.Context, partitions []kafka.TopicPartition) {
	s.logger.Info("Partitions assigned", "partitions", partitions)
	s.buffer.Open(partitions...)
	s.addAssigned(partitions)

	// runs on the poll loop goroutine; seek directly
	for _, tp := range partitions {
		offset, ok, err := s.readOffset(tp)
		if err != nil {
			s.logger.Warn("Failed to load persisted offset", "partition", tp, "error", err)
			continue
		}
		if ok {
			s.consumer.Seek(tp, offset)
			s.logger.Debug("Restored persisted offset", "partition", tp, "offset", offset)
		}
	}
}

func (s *fileOffsetStorage) OnRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	s.logger.Info("Partitions revoked", "partitions", partitions)

	for _, tp := range partitions {
		if offset, ok := s.buffer.TakeCommit(tp); ok {
			if err := s.writeOffset(tp, offset); err != nil {
				s.logger.Error("Failed to persist offset on revoke", "partition", tp, "error", err)
			}
		}
		s.buffer.Close(tp)
	}
	s.removeAssigned(partitions)
}

func (s *fileOffsetStorage) removeOffset(tp kafka.TopicPartition) {
	if err := os.Remove(s.offsetPath(tp)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove offset file", "partition", tp, "error", err)
	}
}

func (s *fileOffsetStorage) clearOffsets() {
	if err := os.RemoveAll(s.groupDir()); err != nil {
		s.logger.Warn("Failed to clear offset files", "error", err)
	}
}

func (s *fileOffsetStorage) groupDir() string {
	return filepath.Join(s.dir, sanitizePathPart(s.group))
}

func (s *fileOffsetStorage) offsetPath(tp kafka.TopicPartition) string {
	name := fmt.Sprintf("%s-%d.offset", sanitizePathPart(tp.Topic), tp.Partition)
	return filepath.Join(s.groupDir(), name)
}

// writeOffset replaces the partition's offset file atomically: write to a
// temp file in the same directory, then rename over the target.
func (s *fileOffsetStorage) writeOffset(tp kafka.TopicPartition, offset int64) error {
	dir := s.groupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create offset dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".offset-*")
	if err != nil {
		return fmt.Errorf("create temp offset file: %w", err)
	}

	if _, err := tmp.WriteString(strconv.FormatInt(offset, 10)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write offset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp offset file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.offsetPath(tp)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace offset file: %w", err)
	}
	return nil
}

func (s *fileOffsetStorage) readOffset(tp kafka.TopicPartition) (int64, bool, error) {
	data, err := os.ReadFile(s.offsetPath(tp))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse offset file: %w", err)
	}
	return offset, true, nil
}

var pathSanitizer = strings.NewReplacer("/", "_", "\\", "_", "%", "_", ":", "_")

func sanitizePathPart(s string) string {
	return pathSanitizer.Replace(s)
}
