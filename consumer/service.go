package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/committer"
	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/budiholan-github/enhance-kafka-client/message"
)

const defaultShutdownTimeout = 30 * time.Second

// ConsumeService turns the broker's pull model into push-style delivery:
// register a handler, subscribe, start. The service polls, buffers per
// partition, dispatches batches to a bounded worker pool, republishes
// failures through the delay-topic ladder, and persists progress.
type ConsumeService struct {
	cfg    Config
	logger logger.Logger

	client     kafka.Client
	ownsClient bool

	retryTopic      string
	deadLetterTopic string

	buffer    *PartitionBuffer
	pool      *workerPool
	scheduler *retryScheduler
	poll      *pollLoop
	disp      *dispatcher
	storage   offsetStorage
	policy    committer.Policy
	deps      *taskDeps

	mu       sync.Mutex
	topics   []string
	handler  Handler
	post     postProcessor
	started  bool
	running  atomic.Bool
	cancel   context.CancelFunc
	dlqOnce  sync.Once
	shutOnce sync.Once
}

// NewConsumeService builds a service with its own broker client from the
// configured bootstrap servers.
func NewConsumeService(opts ...Option) (*ConsumeService, error) {
	cfg := defaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid consume config: %w", err)
	}

	clientOpts := []kafka.KgoOption{
		kafka.WithBootstrapServers(cfg.BootstrapServers),
		kafka.WithGroupID(cfg.GroupID),
		kafka.WithClientID(cfg.ClientID),
		kafka.WithPollTimeout(cfg.PollTimeout),
		kafka.WithLogger(cfg.Logger),
	}
	if cfg.RegexSubscription {
		clientOpts = append(clientOpts, kafka.WithRegexTopics())
	}

	client, err := kafka.NewKgoClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create broker client: %w", err)
	}

	s := newService(cfg, client)
	s.ownsClient = true
	return s, nil
}

// NewConsumeServiceWithClient builds a service around an existing client,
// which the caller remains responsible for closing.
func NewConsumeServiceWithClient(client kafka.Client, opts ...Option) (*ConsumeService, error) {
	cfg := defaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid consume config: %w", err)
	}

	return newService(cfg, client), nil
}

func newService(cfg Config, client kafka.Client) *ConsumeService {
	l := cfg.Logger.With("group", cfg.GroupID)

	s := &ConsumeService{
		cfg:             cfg,
		logger:          l,
		client:          client,
		retryTopic:      message.RetryTopic(cfg.GroupID),
		deadLetterTopic: message.DeadLetterTopic(cfg.GroupID),
	}

	s.buffer = NewPartitionBuffer(cfg.BufferCapacity, l)
	s.scheduler = newRetryScheduler(l)
	s.pool = newWorkerPool(cfg.ConsumeThreadNum, cfg.ConsumeQueueSize, l)
	s.poll = newPollLoop(client, s.buffer, &s.cfg)
	s.policy = committer.NewPeriodic(committer.WithMaxInterval(cfg.CommitInterval))

	switch cfg.Model {
	case ModelBroadcasting:
		s.storage = newFileOffsetStorage(client, s.buffer, s.policy, cfg.GroupID, cfg.OffsetStoreDir, l)
	default:
		s.storage = newBrokerOffsetStorage(client, s.buffer, s.policy, s.poll.do, l)
	}

	s.deps = &taskDeps{
		cfg:                   &s.cfg,
		buffer:                s.buffer,
		scheduler:             s.scheduler,
		retryTopic:            s.retryTopic,
		deadLetterTopic:       s.deadLetterTopic,
		sendBack:              s.sendMessageBack,
		ensureDeadLetterTopic: s.ensureDeadLetterTopic,
		resubmit:              func(t *taskRequest) { s.submitTask(t, 0) },
		recordAcked:           s.policy.RecordAcked,
	}

	s.disp = newDispatcher(s.buffer, cfg.ConsumeBatchSize, s.newTask, func(t *taskRequest) { s.submitTask(t, 0) }, l)

	return s
}

// Subscribe adds topics to consume. Must be called before Start. With
// RegexSubscription set, the names are patterns matched broker-side.
func (s *ConsumeService) Subscribe(topics ...string) error {
	if s.running.Load() {
		return errors.New("cannot subscribe while the service is running")
	}

	if !s.cfg.RegexSubscription {
		for _, topic := range topics {
			if message.IsSystemTopic(topic) {
				return fmt.Errorf("cannot subscribe to system topic %q", topic)
			}
		}
	}

	s.mu.Lock()
	s.topics = append(s.topics, topics...)
	s.mu.Unlock()
	return nil
}

// RegisterConcurrentHandler installs a handler whose failed batches ride the
// delay-topic ladder.
func (s *ConsumeService) RegisterConcurrentHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.post = concurrentPost{}
	s.mu.Unlock()
}

// RegisterOrdinalHandler installs a handler with strictly ordered delivery:
// a retried batch re-enters the head of its partition after suspend, and
// nothing is republished.
func (s *ConsumeService) RegisterOrdinalHandler(h Handler, suspend time.Duration) {
	if suspend <= 0 {
		suspend = time.Second
	}
	s.mu.Lock()
	s.handler = h
	s.post = ordinalPost{suspend: suspend}
	s.mu.Unlock()
}

// Start subscribes at the broker and launches the pipeline. The retry topic
// is implicitly added in clustering mode; the dead-letter topic is never
// subscribed. A failed start shuts everything down and returns the error.
func (s *ConsumeService) Start() error {
	s.mu.Lock()
	handler := s.handler
	topics := make([]string, len(s.topics))
	copy(topics, s.topics)
	s.mu.Unlock()

	if s.running.Load() {
		return errors.New("service already started")
	}
	if handler == nil {
		return errors.New("no handler registered")
	}
	if len(topics) == 0 {
		return errors.New("no topics subscribed")
	}

	if s.cfg.Model == ModelClustering {
		topics = append(topics, s.retryTopic)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.client.Subscribe(topics, s.storage); err != nil {
		s.shutdownNow()
		return fmt.Errorf("start consume service: %w", err)
	}

	s.pool.Start(runCtx)
	go s.poll.run(runCtx)
	go s.disp.run(runCtx)
	s.storage.start(runCtx)

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.running.Store(true)

	s.logger.Info(
		"Consume service started",
		"topics", topics,
		"model", s.cfg.Model.String(),
		"batchSize", s.cfg.ConsumeBatchSize,
		"threads", s.cfg.ConsumeThreadNum,
	)
	return nil
}

// Suspend stops polling without releasing partition assignments.
func (s *ConsumeService) Suspend() {
	s.poll.suspend()
	s.logger.Info("Polling suspended")
}

// Resume restarts polling after Suspend.
func (s *ConsumeService) Resume() {
	s.poll.resume()
	s.logger.Info("Polling resumed")
}

// Seek repositions one partition and discards its buffered state.
func (s *ConsumeService) Seek(tp kafka.TopicPartition, offset int64) error {
	if !s.running.Load() {
		return errors.New("service is not running")
	}

	return s.poll.do(func() {
		s.logger.Info("Seeking partition", "partition", tp, "offset", offset)
		s.client.Seek(tp, offset)
		s.buffer.Reset(tp)
		s.storage.removeOffset(tp)
	})
}

// SeekToBeginning rewinds every assigned application partition.
func (s *ConsumeService) SeekToBeginning() error {
	return s.seekAll(func(tps []kafka.TopicPartition) {
		s.client.SeekToBeginning(tps...)
	})
}

// SeekToEnd fast-forwards every assigned application partition.
func (s *ConsumeService) SeekToEnd() error {
	return s.seekAll(func(tps []kafka.TopicPartition) {
		s.client.SeekToEnd(tps...)
	})
}

// SeekToTime repositions every assigned application partition to the first
// offset at or after t.
func (s *ConsumeService) SeekToTime(t time.Time) error {
	return s.seekAll(func(tps []kafka.TopicPartition) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		offsets, err := s.client.OffsetsForTime(ctx, t, tps)
		if err != nil {
			s.logger.Warn("Seek to time failed", "error", err)
			return
		}
		for tp, offset := range offsets {
			s.client.Seek(tp, offset)
		}
	})
}

func (s *ConsumeService) seekAll(seek func(tps []kafka.TopicPartition)) error {
	if !s.running.Load() {
		return errors.New("service is not running")
	}

	return s.poll.do(func() {
		tps := s.applicationAssignment()
		if len(tps) == 0 {
			return
		}
		seek(tps)
		s.buffer.ResetAll()
		s.storage.clearOffsets()
	})
}

// applicationAssignment filters the retry topic out of the current
// assignment; seeks never touch it.
func (s *ConsumeService) applicationAssignment() []kafka.TopicPartition {
	var tps []kafka.TopicPartition
	for _, tp := range s.client.Assignment() {
		if tp.Topic == s.retryTopic {
			continue
		}
		tps = append(tps, tp)
	}
	return tps
}

// Shutdown stops the pipeline gracefully: progress is flushed, workers drain
// their current task, and the producer is flushed. The context bounds the
// wait.
func (s *ConsumeService) Shutdown(ctx context.Context) error {
	var err error
	s.shutOnce.Do(func() {
		err = s.doShutdown(ctx)
	})
	return err
}

// ShutdownNow stops everything immediately without draining.
func (s *ConsumeService) ShutdownNow() {
	s.shutOnce.Do(func() {
		s.shutdownNow()
	})
}

func (s *ConsumeService) doShutdown(ctx context.Context) error {
	s.logger.Info("Shutting down consume service")
	s.running.Store(false)

	timeout := defaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	// reverse of the startup order; the persistor flushes while the poll
	// loop can still relay commits
	s.storage.stop()
	s.disp.stop()
	if started {
		if err := s.disp.waitForStop(timeout); err != nil {
			s.logger.Warn("Dispatcher did not stop in time", "error", err)
		}
	}
	s.poll.stop()
	if started {
		if err := s.poll.waitForStop(timeout); err != nil {
			s.logger.Warn("Poll loop did not stop in time", "error", err)
		}
	}
	s.pool.Stop(timeout)
	s.scheduler.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.client.Flush(flushCtx); err != nil {
		s.logger.Error("Failed to flush producer during shutdown", "error", err)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.ownsClient {
		s.client.Close()
	}

	s.logger.Info("Consume service shutdown complete")
	return nil
}

func (s *ConsumeService) shutdownNow() {
	s.logger.Info("Shutting down consume service immediately")
	s.running.Store(false)

	s.disp.stop()
	s.poll.stop()
	s.pool.Stop(0)
	s.scheduler.Stop()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.ownsClient {
		s.client.Close()
	}
}

func (s *ConsumeService) newTask(tp kafka.TopicPartition, msgs []message.Message) *taskRequest {
	s.mu.Lock()
	handler := s.handler
	post := s.post
	s.mu.Unlock()

	return newTaskRequest(s.deps, handler, post, msgs, tp)
}

// submitTask hands a task to the worker pool, retrying through the scheduler
// until accepted. The claimed chunk stays in flight the whole time, so the
// dispatcher cannot double-dispatch the partition.
func (s *ConsumeService) submitTask(t *taskRequest, attempt uint) {
	err := s.pool.TrySubmit(t)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPoolStopped) {
		s.logger.Warn(
			"Dropping task, worker pool stopped",
			"topic", t.partition.Topic,
			"partition", t.partition.Partition,
		)
		return
	}

	delay := s.cfg.TaskRetryBackoff.Next(attempt)
	s.logger.Debug(
		"Worker pool full, rescheduling task",
		"delay", delay,
		"topic", t.partition.Topic,
		"partition", t.partition.Partition,
	)
	s.scheduler.Schedule(delay, func() {
		s.submitTask(t, attempt+1)
	})
}

// sendMessageBack republishes a message. Delay levels 1..MaxDelayLevel route
// through the level's delay topic with a header naming the topic to resend
// to; level 0 publishes directly (the dead-letter path).
func (s *ConsumeService) sendMessageBack(ctx context.Context, topic string, msg message.Message, delayLevel int) bool {
	target := topic
	headers := msg.ToHeaders()

	if message.ValidDelayLevel(delayLevel) {
		delayTopic, _ := message.DelayTopicForLevel(delayLevel)
		headers = kafka.SetHeader(headers, message.HeaderDelayResendTopic, []byte(topic))
		target = delayTopic
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendBackTimeout)
	defer cancel()

	if err := s.client.Send(sendCtx, target, msg.Key, msg.Value, headers); err != nil {
		s.logger.Warn(
			"Failed to send message back",
			"target", target,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return false
	}
	return true
}

func (s *ConsumeService) ensureDeadLetterTopic(ctx context.Context) {
	s.dlqOnce.Do(func() {
		createCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		// -1/-1 picks the broker defaults
		if err := s.client.CreateTopic(createCtx, s.deadLetterTopic, -1, -1); err != nil {
			s.logger.Warn("Failed to create dead letter topic", "topic", s.deadLetterTopic, "error", err)
		}
	})
}
