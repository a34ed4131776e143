// Package coordinator keeps distributed worker membership and elects a
// single coordinator per deployment on nothing but the storage adapter.
//
// Every worker publishes a TTL heartbeat. Leadership is an epoch record:
// one worker id plus an expiry, replaced by conditional writes only. The
// election is deterministic, the lexicographically smallest active worker
// id wins, so any worker can run it and all of them arrive at the same
// answer. A short election lease keeps concurrent elections from writing
// over each other; the epoch CAS stays the real arbiter if the lease ever
// fails open.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/lease"
	"github.com/storqdev/storq/storage"
)

// ErrNotLeader reports an epoch operation attempted by a worker that does
// not hold the current epoch.
var ErrNotLeader = errors.New("coordinator: not the leader")

const electionLeaseTTL = 2 * time.Second

// Heartbeat is one worker's liveness record.
type Heartbeat struct {
	WorkerID    string `json:"workerId"`
	StartedAtMs int64  `json:"startedAtMs"`
	LastBeatMs  int64  `json:"lastBeatMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
	Hostname    string `json:"hostname,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// Epoch is one bounded interval of leadership. Expired epochs confer
// nothing; holders must renew before expiry to stay coordinator.
type Epoch struct {
	Leader      string `json:"leader"`
	Term        uint64 `json:"term"`
	StartedAtMs int64  `json:"startedAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// LiveAt reports whether the epoch confers leadership at the given time.
func (e *Epoch) LiveAt(nowMs int64) bool {
	return e != nil && e.Leader != "" && e.ExpiresAtMs > nowMs
}

// Options configures a Core.
type Options struct {
	// WorkerID identifies this worker. Empty generates hostname-pid-rand.
	// The id takes part in lexicographic election, so a deployment that
	// wants a preferred leader can assign ids accordingly.
	WorkerID string
	// HeartbeatInterval is the run-loop tick. Default 5s.
	HeartbeatInterval time.Duration
	// HeartbeatTTL bounds how long a silent worker counts as active.
	// Default 3x the heartbeat interval.
	HeartbeatTTL time.Duration
	// EpochDuration bounds one grant of leadership. Default 30s.
	EpochDuration time.Duration
	// ColdStart is how long a fresh worker only observes before it runs
	// elections itself. Zero participates immediately.
	ColdStart time.Duration

	Logger *zap.Logger
	Bus    *events.Bus
	// NowMs overrides the clock. Tests use this.
	NowMs func() int64
}

// Core implements worker membership and coordinator election for one
// deployment sharing a store.
type Core struct {
	store  storage.Adapter
	leases *lease.Registry
	logger *zap.Logger
	bus    *events.Bus

	workerID   string
	hbInterval time.Duration
	hbTTL      time.Duration
	epochDur   time.Duration
	nowMs      func() int64

	startedAtMs int64
	readyAtMs   int64
	hostname    string
	pid         int

	mu         sync.Mutex
	leader     bool
	promoteFns []func()
	demoteFns  []func()

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Core. The run loop starts separately via Start.
func New(store storage.Adapter, opts Options) (*Core, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 3 * opts.HeartbeatInterval
	}
	if opts.HeartbeatTTL <= opts.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat ttl %v must exceed interval %v", opts.HeartbeatTTL, opts.HeartbeatInterval)
	}
	if opts.EpochDuration <= 0 {
		opts.EpochDuration = 30 * time.Second
	}
	if opts.WorkerID == "" {
		opts.WorkerID = defaultWorkerID()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}

	host, _ := os.Hostname()
	now := opts.NowMs()
	return &Core{
		store:       store,
		leases:      lease.NewRegistry(store, opts.Logger),
		logger:      opts.Logger,
		bus:         opts.Bus,
		workerID:    opts.WorkerID,
		hbInterval:  opts.HeartbeatInterval,
		hbTTL:       opts.HeartbeatTTL,
		epochDur:    opts.EpochDuration,
		nowMs:       opts.NowMs,
		startedAtMs: now,
		readyAtMs:   now + opts.ColdStart.Milliseconds(),
		hostname:    host,
		pid:         os.Getpid(),
	}, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns this worker's id.
func (c *Core) WorkerID() string { return c.workerID }

// HeartbeatTTL returns how long a silent worker still counts as active.
func (c *Core) HeartbeatTTL() time.Duration { return c.hbTTL }

// Ready reports whether the cold-start observation window has passed.
func (c *Core) Ready() bool {
	return c.nowMs() >= c.readyAtMs
}

// ================================================================
// Membership
// ================================================================

// PublishHeartbeat writes this worker's liveness record. Failures are
// logged, never returned: one missed beat only narrows the TTL window and
// the next tick retries.
func (c *Core) PublishHeartbeat(ctx context.Context) {
	now := c.nowMs()
	hb := Heartbeat{
		WorkerID:    c.workerID,
		StartedAtMs: c.startedAtMs,
		LastBeatMs:  now,
		ExpiresAtMs: now + c.hbTTL.Milliseconds(),
		Hostname:    c.hostname,
		PID:         c.pid,
	}
	data, err := json.Marshal(hb)
	if err != nil {
		c.logger.Error("marshal heartbeat", zap.Error(err))
		return
	}
	if _, err := c.store.Set(ctx, workerKey(c.workerID), data, storage.SetOptions{TTL: c.hbTTL}); err != nil {
		c.logger.Warn("publish heartbeat failed", zap.String("worker", c.workerID), zap.Error(err))
	}
}

// Deregister removes this worker's heartbeat so peers converge without
// waiting out the TTL.
func (c *Core) Deregister(ctx context.Context) error {
	if err := c.store.Delete(ctx, workerKey(c.workerID)); err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// ActiveWorkers returns all unexpired heartbeats sorted by worker id. The
// first entry is the election winner if one were held now.
func (c *Core) ActiveWorkers(ctx context.Context) ([]Heartbeat, error) {
	kvs, err := c.store.List(ctx, workerPrefix)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	now := c.nowMs()
	out := make([]Heartbeat, 0, len(kvs))
	for _, kv := range kvs {
		var hb Heartbeat
		if err := json.Unmarshal(kv.Record.Value, &hb); err != nil {
			continue
		}
		if hb.ExpiresAtMs <= now {
			continue
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// ================================================================
// Leadership
// ================================================================

func (c *Core) readEpoch(ctx context.Context) (*Epoch, string, error) {
	rec, err := c.store.Get(ctx, epochKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read epoch: %w", err)
	}
	var e Epoch
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		return nil, "", fmt.Errorf("decode epoch: %w", err)
	}
	return &e, rec.Version, nil
}

// CurrentEpoch returns the stored epoch, expired or not, or nil when none
// was ever written.
func (c *Core) CurrentEpoch(ctx context.Context) (*Epoch, error) {
	e, _, err := c.readEpoch(ctx)
	return e, err
}

// Leader returns the live epoch's holder, or false when no epoch is live.
func (c *Core) Leader(ctx context.Context) (string, bool) {
	e, _, err := c.readEpoch(ctx)
	if err != nil {
		c.logger.Warn("read epoch failed", zap.Error(err))
		return "", false
	}
	if !e.LiveAt(c.nowMs()) {
		return "", false
	}
	return e.Leader, true
}

// IsCoordinator reports whether this worker holds the live epoch.
func (c *Core) IsCoordinator(ctx context.Context) bool {
	leader, ok := c.Leader(ctx)
	return ok && leader == c.workerID
}

// EnsureCoordinator returns the current leader, running an election first
// when the epoch is absent or expired. An empty id with a nil error means
// no leader could be established this pass (no active workers, an election
// in flight elsewhere, or this worker still cold-starting).
func (c *Core) EnsureCoordinator(ctx context.Context) (string, error) {
	epoch, _, err := c.readEpoch(ctx)
	if err != nil {
		return "", err
	}
	if epoch.LiveAt(c.nowMs()) {
		return epoch.Leader, nil
	}
	if !c.Ready() {
		return "", nil
	}

	h, err := c.leases.Acquire(ctx, electionLease, electionLeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			// Another worker is electing; take whatever it wrote.
			epoch, _, err := c.readEpoch(ctx)
			if err != nil {
				return "", err
			}
			if epoch.LiveAt(c.nowMs()) {
				return epoch.Leader, nil
			}
			return "", nil
		}
		return "", err
	}
	defer c.leases.Release(ctx, h)
	return c.elect(ctx)
}

// elect runs under the election lease. The caller may not be the winner:
// whoever notices the dead epoch writes the new one, naming the smallest
// active worker id.
func (c *Core) elect(ctx context.Context) (string, error) {
	now := c.nowMs()
	epoch, version, err := c.readEpoch(ctx)
	if err != nil {
		return "", err
	}
	if epoch.LiveAt(now) {
		return epoch.Leader, nil
	}

	workers, err := c.ActiveWorkers(ctx)
	if err != nil {
		return "", err
	}
	if len(workers) == 0 {
		return "", nil
	}
	winner := workers[0].WorkerID

	next := Epoch{
		Leader:      winner,
		Term:        1,
		StartedAtMs: now,
		ExpiresAtMs: now + c.epochDur.Milliseconds(),
	}
	opts := storage.SetOptions{IfAbsent: true}
	if epoch != nil {
		next.Term = epoch.Term + 1
		opts = storage.SetOptions{IfVersion: version}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return "", fmt.Errorf("marshal epoch: %w", err)
	}
	if _, err := c.store.Set(ctx, epochKey, data, opts); err != nil {
		if errors.Is(err, storage.ErrVersionMismatch) {
			// Lost the write race despite the lease. Accept the winner.
			cur, _, err := c.readEpoch(ctx)
			if err != nil {
				return "", err
			}
			if cur.LiveAt(c.nowMs()) {
				return cur.Leader, nil
			}
			return "", nil
		}
		return "", fmt.Errorf("write epoch: %w", err)
	}

	c.logger.Info("coordinator elected",
		zap.String("leader", winner),
		zap.Uint64("term", next.Term),
		zap.Int("activeWorkers", len(workers)))
	c.bus.Publish(events.Event{Type: events.TypeCoordinatorElected, WorkerID: winner})
	return winner, nil
}

// RenewEpoch extends the live epoch held by this worker. Any other state
// returns ErrNotLeader.
func (c *Core) RenewEpoch(ctx context.Context) error {
	now := c.nowMs()
	epoch, version, err := c.readEpoch(ctx)
	if err != nil {
		return err
	}
	if !epoch.LiveAt(now) || epoch.Leader != c.workerID {
		return ErrNotLeader
	}
	epoch.ExpiresAtMs = now + c.epochDur.Milliseconds()
	data, err := json.Marshal(epoch)
	if err != nil {
		return fmt.Errorf("marshal epoch: %w", err)
	}
	if _, err := c.store.Set(ctx, epochKey, data, storage.SetOptions{IfVersion: version}); err != nil {
		if errors.Is(err, storage.ErrVersionMismatch) {
			return ErrNotLeader
		}
		return fmt.Errorf("renew epoch: %w", err)
	}
	c.bus.Publish(events.Event{Type: events.TypeEpochRenewed, WorkerID: c.workerID})
	return nil
}

// Resign expires this worker's epoch in place so peers can elect without
// waiting out the remaining duration. Safe to call when not leader.
func (c *Core) Resign(ctx context.Context) error {
	now := c.nowMs()
	epoch, version, err := c.readEpoch(ctx)
	if err != nil {
		return err
	}
	if !epoch.LiveAt(now) || epoch.Leader != c.workerID {
		return nil
	}
	epoch.ExpiresAtMs = now
	data, err := json.Marshal(epoch)
	if err != nil {
		return fmt.Errorf("marshal epoch: %w", err)
	}
	if _, err := c.store.Set(ctx, epochKey, data, storage.SetOptions{IfVersion: version}); err != nil {
		if errors.Is(err, storage.ErrVersionMismatch) {
			return nil // someone already replaced it
		}
		return fmt.Errorf("resign epoch: %w", err)
	}
	c.logger.Info("resigned coordinator", zap.String("worker", c.workerID))
	return nil
}

// ================================================================
// Hooks and run loop
// ================================================================

// OnPromote registers fn to run when this worker becomes coordinator. Fires
// exactly once per transition. Register before Start.
func (c *Core) OnPromote(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promoteFns = append(c.promoteFns, fn)
}

// OnDemote registers fn to run when this worker stops being coordinator.
func (c *Core) OnDemote(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoteFns = append(c.demoteFns, fn)
}

func (c *Core) setLeader(v bool) {
	c.mu.Lock()
	changed := c.leader != v
	c.leader = v
	var fns []func()
	if changed {
		if v {
			fns = c.promoteFns
		} else {
			fns = c.demoteFns
		}
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	if v {
		c.logger.Info("promoted to coordinator", zap.String("worker", c.workerID))
		c.bus.Publish(events.Event{Type: events.TypeCoordinatorPromote, WorkerID: c.workerID})
	} else {
		c.logger.Info("demoted from coordinator", zap.String("worker", c.workerID))
		c.bus.Publish(events.Event{Type: events.TypeCoordinatorDemote, WorkerID: c.workerID})
	}
	for _, fn := range fns {
		fn()
	}
}

// Start begins the heartbeat/election loop. Idempotent.
func (c *Core) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the loop, resigns any held epoch, and deregisters the worker.
func (c *Core) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := c.Resign(ctx); err != nil {
		c.logger.Warn("resign on stop", zap.Error(err))
	}
	if err := c.Deregister(ctx); err != nil {
		c.logger.Warn("deregister on stop", zap.Error(err))
	}
	c.setLeader(false)
}

func (c *Core) run(ctx context.Context) {
	defer c.wg.Done()
	c.tick(ctx)
	t := time.NewTicker(c.hbInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

// tick is one pass of the loop: beat, settle leadership, renew if held.
func (c *Core) tick(ctx context.Context) {
	c.PublishHeartbeat(ctx)

	leader, err := c.EnsureCoordinator(ctx)
	if err != nil {
		// Transient store trouble must not flap leadership; expiry is the
		// arbiter of real loss.
		c.logger.Warn("ensure coordinator failed", zap.Error(err))
		return
	}
	isLeader := leader != "" && leader == c.workerID
	c.setLeader(isLeader)
	if isLeader {
		c.maybeRenew(ctx)
	}
}

// maybeRenew extends the epoch once less than half its duration remains,
// bounding write amplification to a couple of renewals per epoch.
func (c *Core) maybeRenew(ctx context.Context) {
	epoch, _, err := c.readEpoch(ctx)
	if err != nil {
		c.logger.Warn("read epoch for renewal", zap.Error(err))
		return
	}
	now := c.nowMs()
	if !epoch.LiveAt(now) || epoch.Leader != c.workerID {
		return
	}
	if epoch.ExpiresAtMs-now >= c.epochDur.Milliseconds()/2 {
		return
	}
	if err := c.RenewEpoch(ctx); err != nil && !errors.Is(err, ErrNotLeader) {
		c.logger.Warn("renew epoch failed", zap.Error(err))
	}
}
