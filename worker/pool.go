package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/queue"
)

const (
	defaultConcurrency     = 4
	defaultPollInterval    = 100 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
)

// Options configures a Pool.
type Options struct {
	// WorkerID is the claim owner recorded on every message this pool
	// processes. It should match the node's heartbeat id so stalled claims
	// can be traced back to a dead worker. Required.
	WorkerID string

	// Concurrency is the number of claim loops. Defaults to 4.
	Concurrency int

	// PollInterval is the idle delay after an empty claim. Consecutive
	// empty polls back off exponentially up to MaxPollInterval, so idle
	// pools stop hammering the store. Defaults to 100ms, capped at 5s.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// Ready optionally gates claiming. While it returns false the pool
	// idles without touching the store, e.g. during node warm-up.
	Ready func() bool

	Logger *zap.Logger
}

// Pool runs concurrent claim-handle loops against one queue engine.
type Pool struct {
	engine  *queue.Engine
	handler Handler
	logger  *zap.Logger

	workerID     string
	concurrency  int
	pollInterval time.Duration
	maxPoll      time.Duration
	ready        func() bool

	// noCoord tracks the paused/resumed transition so elections are
	// logged once, not once per poll.
	noCoord atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool over engine that hands claims to handler.
func NewPool(engine *queue.Engine, handler Handler, opts Options) (*Pool, error) {
	if engine == nil {
		return nil, fmt.Errorf("worker pool requires a queue engine")
	}
	if handler == nil {
		return nil, fmt.Errorf("worker pool requires a handler")
	}
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker pool requires a worker id")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = defaultMaxPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		engine:       engine,
		handler:      handler,
		logger:       opts.Logger,
		workerID:     opts.WorkerID,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		maxPoll:      opts.MaxPollInterval,
		ready:        opts.Ready,
	}, nil
}

// WorkerID returns the claim owner id this pool stamps on messages.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the claim loops. Starting a running pool is a no-op.
func (p *Pool) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.run(ctx, slot)
		}(i)
	}
	p.logger.Info("worker pool started",
		zap.String("queue", p.engine.Queue()),
		zap.String("worker", p.workerID),
		zap.Int("concurrency", p.concurrency))
}

// Stop cancels the loops and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped",
		zap.String("queue", p.engine.Queue()),
		zap.String("worker", p.workerID))
}

func (p *Pool) run(ctx context.Context, slot int) {
	idle := p.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("claim failed",
				zap.String("queue", p.engine.Queue()),
				zap.Int("slot", slot),
				zap.Error(err))
		}
		if processed {
			// Drain while there is work; back off only when idle.
			idle = p.pollInterval
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
		idle *= 2
		if idle > p.maxPoll {
			idle = p.maxPoll
		}
	}
}

// ProcessOne claims and handles at most one message, reporting whether a
// message was processed. A queue with no live coordinator reads as idle so
// pools ride out elections instead of erroring.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	if p.ready != nil && !p.ready() {
		return false, nil
	}
	c, err := p.engine.Claim(ctx, p.workerID)
	if errors.Is(err, queue.ErrNoCoordinator) {
		if !p.noCoord.Swap(true) {
			p.logger.Warn("claims paused until a coordinator is elected",
				zap.String("queue", p.engine.Queue()),
				zap.String("worker", p.workerID))
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.noCoord.Swap(false) {
		p.logger.Info("claims resumed",
			zap.String("queue", p.engine.Queue()),
			zap.String("worker", p.workerID))
	}
	if c == nil {
		return false, nil
	}
	p.process(ctx, c)
	return true, nil
}

func (p *Pool) process(ctx context.Context, c *queue.Claim) {
	job := newJob(p.engine, c)
	err := p.invoke(ctx, job)
	if err == nil {
		if cerr := p.engine.Complete(ctx, c); cerr != nil {
			p.logger.Warn("complete failed",
				zap.String("queue", job.Queue),
				zap.String("message", job.ID),
				zap.Error(cerr))
		}
		return
	}
	status, ferr := p.engine.Fail(ctx, c, err)
	if ferr != nil {
		p.logger.Warn("recording failure failed",
			zap.String("queue", job.Queue),
			zap.String("message", job.ID),
			zap.Error(ferr))
		return
	}
	p.logger.Debug("job failed",
		zap.String("queue", job.Queue),
		zap.String("message", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("routed", string(status)),
		zap.Error(err))
}

// invoke shields the loop from handler panics.
func (p *Pool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}
