package consumer

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/budiholan-github/enhance-kafka-client/otel"
	"go.opentelemetry.io/otel/metric"
)

var errPollLoopStopped = errors.New("poll loop is stopped")

// pollLoop owns the broker consumer. All poll, commit, pause, resume and
// seek calls happen on its goroutine; other components reach the consumer by
// enqueueing commands.
type pollLoop struct {
	consumer kafka.Consumer
	buffer   *PartitionBuffer
	cfg      *Config
	logger   logger.Logger

	commands  chan func()
	suspended atomic.Bool
	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newPollLoop(consumer kafka.Consumer, buffer *PartitionBuffer, cfg *Config) *pollLoop {
	return &pollLoop{
		consumer: consumer,
		buffer:   buffer,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "poll-loop"),
		commands: make(chan func(), 16),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// do runs fn on the poll loop goroutine, serialized with polling. It blocks
// only while the command queue is full.
func (p *pollLoop) do(fn func()) error {
	select {
	case <-p.stopCh:
		return errPollLoopStopped
	default:
	}

	select {
	case p.commands <- fn:
		return nil
	case <-p.stopCh:
		return errPollLoopStopped
	}
}

// suspend stops polling until resume; commands still execute.
func (p *pollLoop) suspend() {
	p.suspended.Store(true)
}

func (p *pollLoop) resume() {
	p.suspended.Store(false)
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *pollLoop) stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

func (p *pollLoop) waitForStop(timeout time.Duration) error {
	select {
	case <-p.doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for poll loop to stop")
	}
}

func (p *pollLoop) run(ctx context.Context) {
	defer close(p.doneCh)

	p.logger.Debug("Poll loop started")

	var errAttempts uint
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, poll loop exiting")
			return
		case <-p.stopCh:
			p.logger.Debug("Stop signal received, poll loop exiting")
			return
		default:
		}

		p.drainCommands()

		if p.suspended.Load() {
			select {
			case cmd := <-p.commands:
				cmd()
			case <-p.wakeCh:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := p.pollOnce(ctx); err != nil {
			p.logger.Warn("Poll error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(p.cfg.PollErrorBackoff.Next(errAttempts)):
			}
			errAttempts++
		} else {
			errAttempts = 0
		}
	}
}

func (p *pollLoop) drainCommands() {
	for {
		select {
		case cmd := <-p.commands:
			cmd()
		default:
			return
		}
	}
}

func (p *pollLoop) pollOnce(ctx context.Context) error {
	tel := p.cfg.Telemetry

	pollStart := time.Now()
	records, err := p.consumer.Poll(ctx)
	if err != nil {
		tel.PollDuration.Record(
			ctx, time.Since(pollStart).Seconds(), metric.WithAttributes(
				otel.AttrPollStatus.String(otel.StatusError),
			),
		)
		return err
	}

	tel.PollDuration.Record(
		ctx, time.Since(pollStart).Seconds(), metric.WithAttributes(
			otel.AttrPollStatus.String(otel.StatusSuccess),
		),
	)

	msgs := p.filterRecords(records)
	if len(msgs) > 0 {
		for _, msg := range msgs {
			tel.MessagesConsumed.Add(
				ctx, 1, metric.WithAttributes(
					otel.AttrTopic.String(msg.Topic),
					otel.AttrPartition.String(strconv.FormatInt(int64(msg.Partition), 10)),
				),
			)
		}
	}

	needPause := p.buffer.Store(msgs)
	p.reconcilePaused(ctx, needPause)

	return nil
}

// filterRecords drops dead-letter records outright and applies the
// configured message filter before buffering.
func (p *pollLoop) filterRecords(records []kafka.ConsumerRecord) []message.Message {
	filter := p.cfg.Filter
	permitAll := filter.PermitAll()

	msgs := make([]message.Message, 0, len(records))
	for _, rec := range records {
		if message.IsDeadLetterTopic(rec.Topic) {
			// dead letter records never re-enter the pipeline
			continue
		}
		if !permitAll && !filter.CanDeliver(rec.Value, rec.Headers) {
			continue
		}
		msgs = append(msgs, message.FromRecord(rec))
	}
	return msgs
}

// reconcilePaused pauses partitions that just filled and resumes paused ones
// that drained below the hysteresis threshold.
func (p *pollLoop) reconcilePaused(ctx context.Context, needPause []kafka.TopicPartition) {
	tel := p.cfg.Telemetry

	needPauseSet := make(map[kafka.TopicPartition]struct{}, len(needPause))
	for _, tp := range needPause {
		needPauseSet[tp] = struct{}{}
	}

	paused := p.consumer.Paused()
	pausedSet := make(map[kafka.TopicPartition]struct{}, len(paused))
	var toResume []kafka.TopicPartition
	for _, tp := range paused {
		pausedSet[tp] = struct{}{}
		if _, keep := needPauseSet[tp]; keep {
			continue
		}
		if p.buffer.ShouldResume(tp) {
			toResume = append(toResume, tp)
		}
	}

	if len(toResume) > 0 {
		p.consumer.ResumePartitions(toResume...)
		tel.PartitionsPaused.Add(ctx, -int64(len(toResume)))
		for _, tp := range toResume {
			p.logger.Debug(
				"Resumed partition after backpressure drain",
				"topic", tp.Topic,
				"partition", tp.Partition,
			)
		}
	}

	var toPause []kafka.TopicPartition
	for _, tp := range needPause {
		if _, already := pausedSet[tp]; !already {
			toPause = append(toPause, tp)
		}
	}

	if len(toPause) > 0 {
		p.consumer.PausePartitions(toPause...)
		tel.PartitionsPaused.Add(ctx, int64(len(toPause)))
		for _, tp := range toPause {
			p.logger.Debug(
				"Paused partition due to backpressure",
				"topic", tp.Topic,
				"partition", tp.Partition,
			)
		}
	}
}
