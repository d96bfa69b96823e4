// Package pipeline implements the pipeline orchestrator (C10): a
// bounded-concurrency pool dispatching inbound messages to the
// nine-step processor, with backpressure-driven status signaling and a
// bounded graceful drain on shutdown (spec.md §4.10).
//
// The worker pool here is a monomorphic specialization of the teacher's
// internal/infra.WorkerPool[T,R] generic pool: the orchestrator only
// ever dispatches one job shape (an inbound message) to one handler, so
// the type parameters collapse away rather than being carried for no
// benefit.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridwire/agentmesh/internal/agenterrors"
	"github.com/gridwire/agentmesh/internal/transport"
	"github.com/gridwire/agentmesh/pkg/topic"
)

var meter = otel.Meter("github.com/gridwire/agentmesh/internal/pipeline")

var (
	tasksProcessed, _ = meter.Int64Counter(
		"agentmesh.pipeline.tasks_processed",
		metric.WithDescription("tasks dispatched to the nine-step processor, by outcome"),
	)
	queueDepthGauge, _ = meter.Int64UpDownCounter(
		"agentmesh.pipeline.queue_depth",
		metric.WithDescription("number of inbound messages queued but not yet dispatched"),
	)
)

// Handler is the narrow slice of processor.Processor the orchestrator
// depends on, so tests can dispatch to a stub without constructing a
// full nine-step processor.
type Handler interface {
	Handle(ctx context.Context, msg transport.InboundMessage) error
}

// Publisher is the narrow slice of transport.Transport used only to
// emit abort error envelopes for tasks that are still in flight once the
// shutdown drain deadline elapses.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

const (
	// DefaultQueueThreshold is the backpressure trigger point from
	// spec.md §4.10: the orchestrator publishes Busy once queue depth
	// exceeds this and withholds Available again until depth drops
	// below half of it.
	DefaultQueueThreshold = 256

	// DefaultShutdownDeadline bounds how long Stop waits for in-flight
	// tasks before aborting them.
	DefaultShutdownDeadline = 30 * time.Second

	// DefaultAbortGrace is the short grace period given to outstanding
	// work after its context is cancelled during an aborted drain.
	DefaultAbortGrace = 2 * time.Second

	// MaxWorkers caps the resolved worker count regardless of CPU count.
	MaxWorkers = 64

	pollInterval = 25 * time.Millisecond
)

// ResolveWorkers implements the "logical CPUs x2, capped at 64" default
// from spec.md §4.10 when configuredWorkers is 0.
func ResolveWorkers(configuredWorkers int) int {
	if configuredWorkers > 0 {
		if configuredWorkers > MaxWorkers {
			return MaxWorkers
		}
		return configuredWorkers
	}
	n := runtime.NumCPU() * 2
	if n > MaxWorkers {
		n = MaxWorkers
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// Config configures an Orchestrator.
type Config struct {
	// Workers is the number of concurrent worker goroutines; 0 resolves
	// via ResolveWorkers.
	Workers int
	// QueueThreshold is the backpressure trigger depth.
	QueueThreshold int
	// ShutdownDeadline bounds the graceful drain on Stop.
	ShutdownDeadline time.Duration
	// AbortGrace is the grace period after cancelling in-flight task
	// contexts before their partial state is recorded as an error.
	AbortGrace time.Duration
	// SelfID names this agent, used to build abort error envelopes.
	SelfID string
	Logger *slog.Logger
}

type job struct {
	id  string
	msg transport.InboundMessage
}

type inflightTask struct {
	taskID         string
	conversationID string
	cancel         context.CancelFunc
}

// probe extracts just enough of the envelope to name an aborted task in
// its error payload, without the full validating decode step 6 performs.
type probe struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
}

// Orchestrator owns a bounded-concurrency worker pool dispatching
// inbound messages to Handler (the nine-step processor).
type Orchestrator struct {
	handler   Handler
	publisher Publisher
	selfID    string

	threshold int
	busy      atomic.Bool

	shutdownDeadline time.Duration
	abortGrace       time.Duration
	logger           *slog.Logger

	jobs    chan job
	workers int
	wg      sync.WaitGroup

	queued atomic.Int64

	mu       sync.Mutex
	inflight map[string]*inflightTask

	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
	started  atomic.Bool
}

// New constructs an Orchestrator. handler is invoked once per accepted
// inbound message on a worker goroutine; publisher is used only to emit
// abort error envelopes for tasks still in flight when the drain
// deadline elapses.
func New(handler Handler, publisher Publisher, cfg Config) *Orchestrator {
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = DefaultQueueThreshold
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = DefaultShutdownDeadline
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = DefaultAbortGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		handler:          handler,
		publisher:        publisher,
		selfID:           cfg.SelfID,
		threshold:        cfg.QueueThreshold,
		shutdownDeadline: cfg.ShutdownDeadline,
		abortGrace:       cfg.AbortGrace,
		logger:           cfg.Logger,
		workers:          ResolveWorkers(cfg.Workers),
		// The queue is backed by a Go channel, which must have finite
		// capacity; sized generously past the backpressure threshold so
		// that, in practice, depth crosses the threshold and triggers
		// Busy long before the channel itself would ever block a
		// Submit call.
		jobs:     make(chan job, cfg.QueueThreshold*8),
		inflight: make(map[string]*inflightTask),
		ctx:      ctx,
		cancel:   cancel,
	}
	return o
}

// Start launches the worker goroutines. Idempotent.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Submit enqueues an inbound message for processing. It returns false if
// the orchestrator is draining or its (generously sized) queue is
// currently full; the caller is expected to apply its own backpressure
// policy in that case rather than block forever.
func (o *Orchestrator) Submit(id string, msg transport.InboundMessage) bool {
	if o.draining.Load() {
		return false
	}
	select {
	case o.jobs <- job{id: id, msg: msg}:
		o.queued.Add(1)
		o.updateBackpressure()
		queueDepthGauge.Add(context.Background(), 1)
		return true
	default:
		return false
	}
}

// QueueDepth reports the current number of queued (not yet dispatched)
// jobs.
func (o *Orchestrator) QueueDepth() int {
	return int(o.queued.Load())
}

// Busy reports the backpressure-hysteresis state from spec.md §4.10:
// true once queue depth has exceeded the threshold, false again only
// once depth has dropped below half the threshold.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *Orchestrator) updateBackpressure() {
	depth := o.QueueDepth()
	if depth > o.threshold {
		o.busy.Store(true)
	} else if depth < o.threshold/2 {
		o.busy.Store(false)
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case j, ok := <-o.jobs:
			if !ok {
				return
			}
			o.queued.Add(-1)
			o.updateBackpressure()
			queueDepthGauge.Add(context.Background(), -1)
			o.process(j)
		}
	}
}

func (o *Orchestrator) process(j job) {
	var pr probe
	_ = json.Unmarshal(j.msg.Payload, &pr)

	taskCtx, cancel := context.WithCancel(o.ctx)
	task := &inflightTask{taskID: pr.TaskID, conversationID: pr.ConversationID, cancel: cancel}

	o.mu.Lock()
	o.inflight[j.id] = task
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight, j.id)
		o.mu.Unlock()
	}()

	outcome := "ok"
	if err := o.handler.Handle(taskCtx, j.msg); err != nil {
		outcome = "error"
		o.logger.Warn("task processing returned an error", "task_id", pr.TaskID, "error", err)
	}
	tasksProcessed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Stop stops accepting new inbound messages, waits up to the configured
// deadline for in-flight tasks to finish, then cancels their contexts,
// waits a short grace period, and records each aborted task's partial
// state as a BudgetExhausted error envelope (spec.md §4.10's
// "abort and record partial state" clause). Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.draining.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.NewTimer(o.shutdownDeadline)
	defer deadline.Stop()

	drained := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			o.mu.Lock()
			n := len(o.inflight)
			o.mu.Unlock()
			if n == 0 {
				close(drained)
				return
			}
			<-ticker.C
		}
	}()

	select {
	case <-drained:
	case <-deadline.C:
		o.logger.Warn("shutdown deadline reached with tasks still in flight, aborting")
		o.abortRemaining()
	}

	o.cancel()
	close(o.jobs)
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) abortRemaining() {
	o.mu.Lock()
	remaining := make([]*inflightTask, 0, len(o.inflight))
	for _, t := range o.inflight {
		remaining = append(remaining, t)
	}
	o.mu.Unlock()

	for _, t := range remaining {
		t.cancel()
	}

	time.Sleep(o.abortGrace)

	for _, t := range remaining {
		o.publishAbort(t)
	}
}

func (o *Orchestrator) publishAbort(t *inflightTask) {
	taskErr := agenterrors.New(agenterrors.KindBudgetExhausted, t.taskID, t.conversationID, o.selfID,
		"shutdown deadline exceeded before task completed", nil)
	payload := taskErr.ToPayload(time.Now())
	body, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("failed to marshal abort payload", "task_id", t.taskID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.publisher.Publish(pubCtx, topic.ConversationTopic(t.conversationID, o.selfID), body, 1, false); err != nil {
		o.logger.Warn("failed to publish abort envelope", "task_id", t.taskID, "error", err)
	}
}
