package storq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/storqdev/storq/coordinator"
	"github.com/storqdev/storq/dispatch"
	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/internal/config"
	"github.com/storqdev/storq/pkg/log"
	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/schedule"
	"github.com/storqdev/storq/storage"
	"github.com/storqdev/storq/storage/memstore"
	"github.com/storqdev/storq/storage/pebblestore"
	"github.com/storqdev/storq/storage/redistore"
	"github.com/storqdev/storq/worker"
)

// Options configures Open.
type Options struct {
	// Config is the node configuration. Callers usually start from
	// config.Default() or config.Load.
	Config config.Config
	// Logger overrides the logger built from Config.Log. The node hands
	// component children to every subsystem.
	Logger *zap.Logger
	// Store overrides the adapter selected by Config.StoreURL. The node
	// takes ownership and closes it.
	Store storage.Adapter
}

// Node wires one process into the cluster: the store adapter, the
// membership core, an engine per configured queue with its dispatcher when
// the ordering guarantee is on, the cron scheduler, and the event bus.
//
// Open constructs everything but starts no loops; Start begins
// heartbeating and, through the promote hook, ticket dispatch and
// schedule firing on whichever node wins the election.
type Node struct {
	cfg    config.Config
	logger *zap.Logger
	store  storage.Adapter
	bus    *events.Bus
	core   *coordinator.Core
	sched  *schedule.Scheduler

	mu          sync.Mutex
	engines     map[string]*queue.Engine
	dispatchers map[string]*dispatch.Dispatcher
	profiles    map[string]config.Queue
	pools       []*worker.Pool
	started     bool
	closed      bool
}

// Open validates the configuration, opens the store, and builds the node's
// subsystems. ctx bounds the store dial and queue registration.
func Open(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		l, err := log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	store := opts.Store
	if store == nil {
		spec, err := config.ParseStoreURL(cfg.StoreURL)
		if err != nil {
			return nil, err
		}
		store, err = OpenStore(ctx, spec)
		if err != nil {
			return nil, err
		}
	}

	bus := events.NewBus()
	core, err := coordinator.New(store, coordinator.Options{
		WorkerID:          cfg.WorkerID,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval.Std(),
		HeartbeatTTL:      cfg.Coordinator.HeartbeatTTL.Std(),
		EpochDuration:     cfg.Coordinator.EpochDuration.Std(),
		Logger:            log.Component(logger, "coordinator"),
		Bus:               bus,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		bus:         bus,
		core:        core,
		engines:     make(map[string]*queue.Engine),
		dispatchers: make(map[string]*dispatch.Dispatcher),
		profiles:    make(map[string]config.Queue),
	}
	core.OnPromote(n.onPromote)
	core.OnDemote(n.onDemote)

	for _, q := range cfg.Queues {
		if _, err := n.OpenQueue(ctx, q); err != nil {
			n.Close()
			return nil, err
		}
	}
	// Dead-letter targets get a default-profile engine so their backlog is
	// listable and requeueable without declaring them.
	for _, q := range cfg.Queues {
		merged := cfg.MergeQueue(q)
		target := merged.DeadLetterTarget
		if target == "" {
			continue
		}
		if _, ok := n.Engine(target); ok {
			continue
		}
		if _, err := n.OpenQueue(ctx, config.Queue{Name: target}); err != nil {
			n.Close()
			return nil, err
		}
	}

	if len(cfg.Schedules) > 0 {
		sched, err := schedule.New(n.enqueuerFor, cfg.Schedules, schedule.Options{
			Logger: log.Component(logger, "schedule"),
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		n.sched = sched
	}
	return n, nil
}

// OpenStore builds the adapter a parsed store URL selects.
func OpenStore(ctx context.Context, spec config.StoreSpec) (storage.Adapter, error) {
	switch spec.Kind {
	case config.StoreMem:
		return memstore.New(), nil
	case config.StorePebble:
		return pebblestore.Open(pebblestore.Options{DataDir: spec.Dir, Fsync: pebblestore.FsyncModeAlways})
	case config.StoreRedis:
		return redistore.Open(ctx, redistore.Options{Addr: spec.Addr, Password: spec.Password, DB: spec.DB})
	default:
		return nil, fmt.Errorf("unsupported store kind %q", spec.Kind)
	}
}

// OpenQueue builds and registers an engine for q layered over the config
// defaults. Queues with the ordering guarantee also get a dispatcher wired
// to the engine and to coordinator promotion.
func (n *Node) OpenQueue(ctx context.Context, q config.Queue) (*queue.Engine, error) {
	merged := n.cfg.MergeQueue(q)
	if !queue.ValidName(merged.Name) {
		return nil, fmt.Errorf("invalid queue name %q", merged.Name)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("queue %q: %w", merged.Name, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.engines[merged.Name]; ok {
		return nil, fmt.Errorf("queue %s already open", merged.Name)
	}

	strategy, err := queue.ParseStrategy(merged.FailureStrategy, merged.MaxAttempts, merged.DeadLetterTarget)
	if err != nil {
		return nil, err
	}
	e, err := queue.New(n.store, queue.Options{
		Queue:                  merged.Name,
		Strategy:               strategy,
		VisibilityTimeout:      merged.VisibilityTimeout.Std(),
		DedupWindow:            merged.DedupWindow.Std(),
		CompletedTTL:           merged.CompletedTTL.Std(),
		Ordering:               queue.OrderingMode(merged.OrderingMode),
		OrderingGuarantee:      merged.OrderingGuarantee,
		AllowUnorderedFallback: merged.AllowUnorderedFallback,
		Leadership:             n.core,
		Logger:                 log.Component(n.logger, "queue"),
		Bus:                    n.bus,
	})
	if err != nil {
		return nil, err
	}
	if err := e.EnsureRegistered(ctx); err != nil {
		return nil, err
	}

	if merged.OrderingGuarantee {
		d, err := dispatch.New(n.store, e, n.core, dispatch.Options{
			BatchSize: merged.TicketBatchSize,
			Interval:  merged.DispatchInterval.Std(),
			Logger:    log.Component(n.logger, "dispatch"),
			Bus:       n.bus,
		})
		if err != nil {
			return nil, err
		}
		e.AttachTickets(d)
		n.dispatchers[merged.Name] = d
		// A queue opened after this node was already promoted would miss
		// the hook.
		if n.started && n.core.IsCoordinator(ctx) {
			d.Start()
		}
	}

	n.engines[merged.Name] = e
	n.profiles[merged.Name] = merged
	return e, nil
}

// Start begins the membership loop. Dispatchers and the scheduler start on
// promotion; worker pools start through RunWorkers.
func (n *Node) Start() {
	n.mu.Lock()
	if n.started || n.closed {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()
	n.core.Start()
	n.logger.Info("node started",
		zap.String("worker", n.core.WorkerID()),
		zap.Int("queues", len(n.EngineNames())))
}

// RunWorkers starts a worker pool on an open queue, sized by that queue's
// configuration. The pool stops on node Close, or earlier via pool.Stop.
func (n *Node) RunWorkers(queueName string, handler worker.Handler) (*worker.Pool, error) {
	n.mu.Lock()
	e, ok := n.engines[queueName]
	profile := n.profiles[queueName]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue %s not opened on this node", queueName)
	}

	pool, err := worker.NewPool(e, handler, worker.Options{
		WorkerID:        n.core.WorkerID(),
		Concurrency:     profile.Concurrency,
		PollInterval:    profile.PollInterval.Std(),
		MaxPollInterval: profile.MaxPollInterval.Std(),
		Ready:           n.core.Ready,
		Logger:          log.Component(n.logger, "worker"),
	})
	if err != nil {
		return nil, err
	}
	pool.Start()

	n.mu.Lock()
	n.pools = append(n.pools, pool)
	n.mu.Unlock()
	return pool, nil
}

// Enqueue adds a message to an open queue.
func (n *Node) Enqueue(ctx context.Context, queueName string, record []byte) (*queue.Message, error) {
	e, ok := n.Engine(queueName)
	if !ok {
		return nil, fmt.Errorf("queue %s not opened on this node", queueName)
	}
	return e.Enqueue(ctx, record)
}

// Engine returns the engine serving a queue this node has opened.
func (n *Node) Engine(name string) (*queue.Engine, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.engines[name]
	return e, ok
}

// EngineNames lists the opened queues, sorted.
func (n *Node) EngineNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.engines))
	for name := range n.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues lists every queue registered in the store, not just the ones this
// node serves.
func (n *Node) Queues(ctx context.Context) ([]queue.Meta, error) {
	return queue.ListQueues(ctx, n.store)
}

// Stats collects per-queue counters for every open queue.
func (n *Node) Stats(ctx context.Context) ([]queue.Stats, error) {
	out := make([]queue.Stats, 0, len(n.EngineNames()))
	for _, name := range n.EngineNames() {
		e, ok := n.Engine(name)
		if !ok {
			continue
		}
		st, err := e.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Healthy reports whether the backing store answers.
func (n *Node) Healthy(ctx context.Context) error {
	_, err := n.store.List(ctx, "qmeta/")
	return err
}

// Events returns the node's event bus.
func (n *Node) Events() *events.Bus { return n.bus }

// Coordinator returns the membership core.
func (n *Node) Coordinator() *coordinator.Core { return n.core }

// Store exposes the adapter, mainly for tests and tooling.
func (n *Node) Store() storage.Adapter { return n.store }

// Config returns the node configuration.
func (n *Node) Config() config.Config { return n.cfg }

// WorkerID returns this node's cluster identity.
func (n *Node) WorkerID() string { return n.core.WorkerID() }

// Schedules returns the validated cron table, empty when none configured.
func (n *Node) Schedules() []schedule.Entry {
	if n.sched == nil {
		return nil
	}
	return n.sched.Entries()
}

// Close stops every loop this node started and closes the store. Safe to
// call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	pools := n.pools
	n.pools = nil
	dispatchers := make([]*dispatch.Dispatcher, 0, len(n.dispatchers))
	for _, d := range n.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	n.mu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
	if n.sched != nil {
		n.sched.Stop()
	}
	for _, d := range dispatchers {
		d.Stop()
	}
	n.core.Stop()
	return n.store.Close()
}

func (n *Node) onPromote() {
	n.mu.Lock()
	dispatchers := make([]*dispatch.Dispatcher, 0, len(n.dispatchers))
	for _, d := range n.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	n.mu.Unlock()
	for _, d := range dispatchers {
		d.Start()
	}
	if n.sched != nil {
		n.sched.Start()
	}
}

func (n *Node) onDemote() {
	n.mu.Lock()
	dispatchers := make([]*dispatch.Dispatcher, 0, len(n.dispatchers))
	for _, d := range n.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	n.mu.Unlock()
	for _, d := range dispatchers {
		d.Stop()
	}
	if n.sched != nil {
		n.sched.Stop()
	}
}

func (n *Node) enqueuerFor(queueName string) (schedule.Enqueuer, error) {
	e, ok := n.Engine(queueName)
	if !ok {
		return nil, fmt.Errorf("schedule references queue %s, which is not opened on this node", queueName)
	}
	return e, nil
}
