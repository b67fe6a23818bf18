package consumer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/logger"
	"github.com/budiholan-github/enhance-kafka-client/message"
)

const dispatcherIdleWait = 20 * time.Millisecond

// dispatcher drains ready chunks from the partition buffers and hands them
// to the worker pool, round-robin across partitions so no partition starves
// behind another.
type dispatcher struct {
	buffer    *PartitionBuffer
	batchSize int
	newTask   func(tp kafka.TopicPartition, msgs []message.Message) *taskRequest
	submit    func(t *taskRequest)
	logger    logger.Logger

	cursor int
	stopCh chan struct{}
	doneCh chan struct{}
}

func newDispatcher(
	buffer *PartitionBuffer, batchSize int,
	newTask func(tp kafka.TopicPartition, msgs []message.Message) *taskRequest,
	submit func(t *taskRequest),
	l logger.Logger,
) *dispatcher {
	return &dispatcher{
		buffer:    buffer,
		batchSize: batchSize,
		newTask:   newTask,
		submit:    submit,
		logger:    l.With("component", "dispatcher"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (d *dispatcher) stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

func (d *dispatcher) waitForStop(timeout time.Duration) error {
	select {
	case <-d.doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for dispatcher to stop")
	}
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	d.logger.Debug("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		if d.dispatchRound() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(dispatcherIdleWait):
			}
		}
	}
}

// dispatchRound claims one chunk from every ready partition, starting after
// the previous round's cursor.
func (d *dispatcher) dispatchRound() int {
	ready := d.buffer.ReadyPartitions()
	if len(ready) == 0 {
		return 0
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })

	dispatched := 0
	n := len(ready)
	for i := 0; i < n; i++ {
		tp := ready[(d.cursor+i)%n]

		msgs := d.buffer.DrainReady(tp, d.batchSize)
		if len(msgs) == 0 {
			continue
		}

		d.submit(d.newTask(tp, msgs))
		dispatched++

		d.logger.Debug(
			"Dispatched batch",
			"topic", tp.Topic,
			"partition", tp.Partition,
			"count", len(msgs),
			"firstOffset", msgs[0].Offset,
		)
	}
	d.cursor = (d.cursor + 1) % n

	return dispatched
}
