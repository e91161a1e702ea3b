package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idrelay/idrelay/pkg/telemetry"
)

// Dispatcher runs a worker pool over an inbound event queue. Workers execute
// events through the Executor; per-key serialization is enforced by the
// executor's lock manager, so two workers holding events for the same account
// never interleave their repository effects.
type Dispatcher struct {
	executor *Executor
	audit    AuditSink
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	workers int
	queue   chan *SyncEvent
	results chan *ExecutionResult

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	// Workers is the number of concurrent event workers.
	Workers int

	// QueueSize bounds the inbound event queue.
	QueueSize int
}

// NewDispatcher creates a dispatcher over the executor. audit and metrics may
// be nil.
func NewDispatcher(executor *Executor, audit AuditSink, metrics *telemetry.Metrics, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Dispatcher{
		executor: executor,
		audit:    audit,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		workers:  workers,
		queue:    make(chan *SyncEvent, queueSize),
		results:  make(chan *ExecutionResult, queueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until Close is
// called and the queue empties, or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
		go func() {
			d.wg.Wait()
			close(d.results)
		}()
		d.logger.Info().Int("workers", d.workers).Msg("dispatcher started")
	})
}

// Submit enqueues an event, assigning an id when it has none. It blocks when
// the queue is full and fails when ctx is done before the event is accepted.
func (d *Dispatcher) Submit(ctx context.Context, event *SyncEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	select {
	case d.queue <- event:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		return NewInternalError("dispatcher queue submit cancelled", ctx.Err()).
			WithShadow(&event.Shadow).
			WithSituation(event.Situation)
	}
}

// Close stops intake. Workers finish the queued events and the results
// channel closes once all of them are done.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.queue)
	})
}

// Results delivers one ExecutionResult per submitted event. The channel
// closes after Close once all in-flight events finished.
func (d *Dispatcher) Results() <-chan *ExecutionResult {
	return d.results
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case event, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.SetQueueDepth(len(d.queue))
			d.process(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, event *SyncEvent) {
	result := d.executor.Execute(ctx, event)

	d.metrics.RecordEvent(string(result.Situation), string(result.Action), string(result.Outcome), result.Duration)
	if result.Error != nil {
		d.metrics.RecordError(string(result.Error.Class), result.Error.Code)
		if result.Error.Code == CodeLockTimeout {
			d.metrics.RecordLockTimeout()
		}
	}

	if d.audit != nil {
		err := d.audit.AppendSyncEvent(ctx, result)
		code := ""
		if err != nil {
			code = AsSyncError(err).Code
			d.logger.Warn().
				Err(err).
				Str("event_id", result.EventID).
				Msg("failed to append audit record")
		}
		d.metrics.RecordRepositoryCall("append_sync_event", code)
	}

	select {
	case d.results <- result:
	case <-ctx.Done():
	}
}
