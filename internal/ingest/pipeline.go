package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/respond"
)

// Handler decides one event
type Handler interface {
	HandleEvent(ctx context.Context, ev *model.NetworkEvent) (*respond.Decision, error)
}

// MetricsUpdater interface for updating metrics
type MetricsUpdater interface {
	IncEventsReceived(source string)
	IncEventsInvalid(source string)
	IncEventsProcessed()
	IncEventErrors()
	SetQueueDepth(n float64)
}

type result struct {
	decision *respond.Decision
	err      error
}

type job struct {
	ev     *model.NetworkEvent
	source string
	done   chan<- result
}

// Pipeline fans events out to a fixed set of workers. Events are sharded by
// source address, so all events of one source are decided in arrival order by
// the same worker.
type Pipeline struct {
	handler Handler
	parser  *Parser
	queues  []chan job
	logger  *slog.Logger
	metrics MetricsUpdater

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	depth   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline with the given number of workers, each with a
// queue of queueSize events. metrics may be nil.
func NewPipeline(handler Handler, parser *Parser, workers, queueSize int, logger *slog.Logger, metrics MetricsUpdater) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		handler: handler,
		parser:  parser,
		queues:  make([]chan job, workers),
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, queueSize)
	}
	return p
}

// Start launches the workers
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
	p.logger.Info("Ingestion pipeline started", "workers", len(p.queues), "queue_size", cap(p.queues[0]))
}

// Ingest parses raw JSON from source and submits the event without waiting for
// its decision. Malformed events are counted and returned as errors wrapping
// model.ErrInvalidEvent.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, source string) error {
	ev, err := p.parse(data, source)
	if err != nil {
		return err
	}
	return p.Submit(ctx, ev, source)
}

// Process parses raw JSON from source and waits for the decision
func (p *Pipeline) Process(ctx context.Context, data []byte, source string) (*respond.Decision, error) {
	ev, err := p.parse(data, source)
	if err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	if err := p.enqueue(ctx, job{ev: ev, source: source, done: done}); err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.decision, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit queues an already parsed event. It blocks while the worker queue is
// full and returns model.ErrShuttingDown once Shutdown has been called.
func (p *Pipeline) Submit(ctx context.Context, ev *model.NetworkEvent, source string) error {
	return p.enqueue(ctx, job{ev: ev, source: source})
}

func (p *Pipeline) parse(data []byte, source string) (*model.NetworkEvent, error) {
	if p.metrics != nil {
		p.metrics.IncEventsReceived(source)
	}
	ev, err := p.parser.Parse(data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncEventsInvalid(source)
		}
		p.logger.Warn("Rejected malformed event", "source", source, "error", err)
		return nil, err
	}
	return ev, nil
}

func (p *Pipeline) enqueue(ctx context.Context, j job) error {
	if j.ev == nil {
		return fmt.Errorf("nil event: %w", model.ErrInvalidEvent)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return model.ErrShuttingDown
	}

	q := p.queues[p.shard(j.ev.SourceIP)]
	select {
	case q <- j:
		p.setDepth(p.depth.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) shard(source string) int {
	h := fnv.New32a()
	h.Write([]byte(source))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) worker(id int, q <-chan job) {
	defer p.wg.Done()

	for j := range q {
		p.setDepth(p.depth.Add(-1))
		decision, err := p.handle(j)
		if j.done != nil {
			j.done <- result{decision: decision, err: err}
		}
	}

	p.logger.Debug("Ingestion worker stopped", "worker_id", id)
}

func (p *Pipeline) handle(j job) (decision *respond.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while handling event", "event_id", j.ev.ID, "panic", r)
			err = fmt.Errorf("panic while handling event %s: %v", j.ev.ID, r)
		}
	}()

	decision, err = p.handler.HandleEvent(p.ctx, j.ev)
	if err != nil {
		if p.metrics != nil {
			if errors.Is(err, model.ErrInvalidEvent) {
				p.metrics.IncEventsInvalid(j.source)
			} else {
				p.metrics.IncEventErrors()
			}
		}
		p.logger.Warn("Failed to handle event", "event_id", j.ev.ID, "source", j.source, "error", err)
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.IncEventsProcessed()
	}
	return decision, nil
}

func (p *Pipeline) setDepth(n int64) {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(float64(n))
	}
}

// Shutdown stops accepting events and waits for the queued ones to be decided.
// If ctx expires first, in-flight decisions are cancelled and ctx.Err is returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Ingestion pipeline drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("drain ingestion pipeline: %w", ctx.Err())
	}
}
