package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/deployops/deployops-framework/operations"
	"github.com/deployops/deployops-framework/pkg/logger"
)

// Job is the payload handed to the background dispatch transport. It carries
// the merged descriptor so workers see the same capabilities the foreground
// loop resolved.
type Job struct {
	Queue      string                `json:"queue"`
	RecordID   string                `json:"record_id"`
	Descriptor operations.Descriptor `json:"descriptor"`
}

// Dispatcher is the background dispatch transport. Enqueue is
// fire-and-forget from the engine's perspective: completion is observed only
// through the execution state store being updated by the worker side.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// SettlingDispatcher additionally exposes a join point for wave scheduling:
// Wait blocks until every enqueued job has settled.
type SettlingDispatcher interface {
	Dispatcher

	Wait()
}

// JobRunner executes one dispatched job to a terminal state.
type JobRunner func(ctx context.Context, job Job)

// QueueDispatcher is an in-process SettlingDispatcher: a bounded channel
// drained by a fixed worker pool. A cross-process deployment substitutes a
// real queue transport; the engine only relies on the interfaces above.
type QueueDispatcher struct {
	lggr    logger.Logger
	jobs    chan Job
	runner  JobRunner
	wg      sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ SettlingDispatcher = (*QueueDispatcher)(nil)

// NewQueueDispatcher starts a dispatcher with the given worker pool size and
// channel capacity.
func NewQueueDispatcher(lggr logger.Logger, workers, buffer int, runner JobRunner) *QueueDispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &QueueDispatcher{
		lggr:   lggr,
		jobs:   make(chan Job, buffer),
		runner: runner,
	}

	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go d.work()
	}

	return d
}

func (d *QueueDispatcher) work() {
	defer d.workers.Done()

	for job := range d.jobs {
		d.runner(context.Background(), job)
		d.wg.Done()
	}
}

// Enqueue submits a job. It blocks only when the channel buffer is full.
func (d *QueueDispatcher) Enqueue(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is closed")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		d.wg.Done()
		return ctx.Err()
	case d.jobs <- job:
		d.lggr.Debugw("Enqueued operation", "queue", job.Queue, "identity", job.Descriptor.Identity())
		return nil
	}
}

// Wait blocks until all enqueued jobs have settled.
func (d *QueueDispatcher) Wait() {
	d.wg.Wait()
}

// Close stops the worker pool after draining in-flight jobs. Enqueue fails
// afterwards.
func (d *QueueDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.jobs)
	d.workers.Wait()
}
