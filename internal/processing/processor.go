// Package processing runs media resolution on an in-process worker pool when
// no Redis queue is configured. Goroutines + channels power the
// implementation.
package processing

import (
	"context"
	"errors"
	"sync"

	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/media"
)

// ErrQueueFull is returned by Trigger when the buffer is full; the card is
// picked up again by the next read.
var ErrQueueFull = errors.New("processing queue full")

// Resolver is the part of media.Resolver the pool needs.
type Resolver interface {
	Resolve(ctx context.Context, cardID string) (*media.Result, error)
}

// Job represents background processing work.
type Job struct {
	CardID string
}

// Processor consumes Jobs.
type Processor struct {
	resolver Resolver
	queue    chan Job
	workers  int
	log      *logger.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New builds a Processor with queue capacity tied to worker count.
func New(resolver Resolver, workers int, log *logger.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		resolver: resolver,
		// A buffered channel lets reads hand off work without blocking.
		queue:    make(chan Job, workers*4),
		workers:  workers,
		log:      log.With("component", "processing"),
		inflight: make(map[string]bool),
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() { p.wg.Wait() }

// Trigger queues cardID unless it is already queued or running.
func (p *Processor) Trigger(_ context.Context, cardID string) error {
	p.mu.Lock()
	if p.inflight[cardID] {
		p.mu.Unlock()
		return nil
	}
	p.inflight[cardID] = true
	p.mu.Unlock()

	select {
	case p.queue <- Job{CardID: cardID}:
		return nil
	default:
		p.done(cardID)
		p.log.Warn("processor queue full, dropping job", "card_id", cardID)
		return ErrQueueFull
	}
}

func (p *Processor) done(cardID string) {
	p.mu.Lock()
	delete(p.inflight, cardID)
	p.mu.Unlock()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	defer p.done(job.CardID)
	res, err := p.resolver.Resolve(ctx, job.CardID)
	if err != nil {
		p.log.Warn("media resolution failed", "card_id", job.CardID, "error", err)
		return
	}
	p.log.Debug("media resolution done", "card_id", job.CardID, "rehosted", res.Rehosted, "noop", res.Noop)
}
