package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/lease"
	"github.com/storqdev/storq/pkg/id"
	"github.com/storqdev/storq/storage"
)

// OrderingMode selects which end of the queue claims serve first.
type OrderingMode string

const (
	OrderingFIFO OrderingMode = "fifo"
	OrderingLIFO OrderingMode = "lifo"
)

// Target is the resource holding the business records messages point at.
// The engine inserts records on enqueue and loads them on claim; it never
// mutates them otherwise.
type Target interface {
	PutRecord(ctx context.Context, recordID string, value []byte) error
	// GetRecord returns storage.ErrNotFound for absent records.
	GetRecord(ctx context.Context, recordID string) ([]byte, error)
}

// StoreTarget keeps records in the queue's own store under rec/. It is the
// default target when none is injected.
type StoreTarget struct {
	store storage.Adapter
	queue string
}

// NewStoreTarget returns a target backed by the queue's store.
func NewStoreTarget(store storage.Adapter, queue string) *StoreTarget {
	return &StoreTarget{store: store, queue: queue}
}

func (t *StoreTarget) PutRecord(ctx context.Context, recordID string, value []byte) error {
	if _, err := t.store.Set(ctx, recordKey(t.queue, recordID), value, storage.SetOptions{}); err != nil {
		return fmt.Errorf("put record %s: %w", recordID, err)
	}
	return nil
}

func (t *StoreTarget) GetRecord(ctx context.Context, recordID string) ([]byte, error) {
	rec, err := t.store.Get(ctx, recordKey(t.queue, recordID))
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Leadership is the engine's view of the coordinator: whether any worker
// currently holds a live epoch. Ordered claims require one.
type Leadership interface {
	Leader(ctx context.Context) (string, bool)
}

// TicketSource supplies ordered claims. The dispatcher implements this;
// the engine consumes it when the ordering guarantee is on.
type TicketSource interface {
	// NextClaim redeems the lowest available ticket into a claim, or
	// returns (nil, nil) when no ticket can be redeemed right now.
	NextClaim(ctx context.Context, workerID string) (*Claim, error)
}

// Options configures an Engine.
type Options struct {
	// Queue names the queue. Required; must satisfy ValidName.
	Queue string
	// Strategy is the failure policy. Required.
	Strategy Strategy
	// Target holds business records. Nil selects the store-backed target.
	Target Target

	// VisibilityTimeout is how long a claim may run before recovery can
	// reclaim the message. Default 30s.
	VisibilityTimeout time.Duration
	// DedupWindow is the processed-marker TTL. Default 5m.
	DedupWindow time.Duration
	// CompletedTTL is how long terminal message records stay readable.
	// Default 24h.
	CompletedTTL time.Duration
	// ClaimLeaseTTL bounds the per-message lease held across the dedup
	// check. Default 2s.
	ClaimLeaseTTL time.Duration
	// ScanLimit caps how many pending messages one claim pass attempts.
	// Default 64.
	ScanLimit int
	// RecoveryInterval rate-limits opportunistic recovery on the claim
	// path. Default half the visibility timeout.
	RecoveryInterval time.Duration

	// Ordering selects FIFO or LIFO. Default FIFO.
	Ordering OrderingMode
	// OrderingGuarantee routes claims through coordinator-published
	// tickets instead of direct scans.
	OrderingGuarantee bool
	// AllowUnorderedFallback lets claims fall back to direct scans while
	// no coordinator is live, trading order for availability. The
	// transition is announced, never silent.
	AllowUnorderedFallback bool
	// Leadership reports coordinator liveness. Required when
	// OrderingGuarantee is set.
	Leadership Leadership

	Logger *zap.Logger
	Bus    *events.Bus
	// NowMs overrides the clock. Tests use this.
	NowMs func() int64
	// IDs overrides the message id generator.
	IDs *id.Generator
}

// Engine is a single queue bound to a store. It is safe for concurrent use
// by any number of goroutines and cooperates with other processes through
// nothing but conditional writes.
type Engine struct {
	store  storage.Adapter
	leases *lease.Registry
	target Target
	logger *zap.Logger
	bus    *events.Bus

	queue            string
	strategy         Strategy
	visibility       time.Duration
	completedTTL     time.Duration
	claimLeaseTTL    time.Duration
	scanLimit        int
	recoveryInterval time.Duration

	ordering               OrderingMode
	orderingGuarantee      bool
	allowUnorderedFallback bool
	leadership             Leadership

	mu      sync.Mutex
	tickets TicketSource

	nowMs   func() int64
	ids     *id.Generator
	markers *dedup

	degraded       atomic.Bool
	lastRecoveryMs atomic.Int64

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

// New validates opts and builds an Engine. Configuration problems are
// returned as *ConfigError and are fatal; nothing is written to the store.
func New(store storage.Adapter, opts Options) (*Engine, error) {
	if store == nil {
		return nil, configErrorf("store required")
	}
	if !ValidName(opts.Queue) {
		return nil, configErrorf("invalid queue name %q", opts.Queue)
	}
	if err := opts.Strategy.validate(); err != nil {
		return nil, err
	}
	if opts.VisibilityTimeout < 0 {
		return nil, configErrorf("negative visibility timeout %v", opts.VisibilityTimeout)
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = 24 * time.Hour
	}
	if opts.ClaimLeaseTTL <= 0 {
		opts.ClaimLeaseTTL = 2 * time.Second
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 64
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = opts.VisibilityTimeout / 2
	}
	switch opts.Ordering {
	case "":
		opts.Ordering = OrderingFIFO
	case OrderingFIFO, OrderingLIFO:
	default:
		return nil, configErrorf("unknown ordering mode %q", opts.Ordering)
	}
	if opts.OrderingGuarantee && opts.Leadership == nil {
		return nil, configErrorf("ordering guarantee requires a coordinator (leadership not wired)")
	}
	if opts.Target == nil {
		opts.Target = NewStoreTarget(store, opts.Queue)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.IDs == nil {
		opts.IDs = id.NewGenerator()
	}

	return &Engine{
		store:                  store,
		leases:                 lease.NewRegistry(store, opts.Logger),
		target:                 opts.Target,
		logger:                 opts.Logger,
		bus:                    opts.Bus,
		queue:                  opts.Queue,
		strategy:               opts.Strategy,
		visibility:             opts.VisibilityTimeout,
		completedTTL:           opts.CompletedTTL,
		claimLeaseTTL:          opts.ClaimLeaseTTL,
		scanLimit:              opts.ScanLimit,
		recoveryInterval:       opts.RecoveryInterval,
		ordering:               opts.Ordering,
		orderingGuarantee:      opts.OrderingGuarantee,
		allowUnorderedFallback: opts.AllowUnorderedFallback,
		leadership:             opts.Leadership,
		nowMs:                  opts.NowMs,
		ids:                    opts.IDs,
		markers:                newDedup(store, opts.Queue, opts.DedupWindow),
	}, nil
}

// Queue returns the queue name.
func (e *Engine) Queue() string { return e.queue }

// Strategy returns the failure policy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// VisibilityTimeout returns the claim visibility window.
func (e *Engine) VisibilityTimeout() time.Duration { return e.visibility }

// Ordering returns the configured ordering mode.
func (e *Engine) Ordering() OrderingMode { return e.ordering }

// OrderingGuaranteed reports whether claims go through dispatch tickets.
func (e *Engine) OrderingGuaranteed() bool { return e.orderingGuarantee }

// AttachTickets wires the ordered-claim source. The dispatcher needs the
// engine to exist first, so wiring runs as a second step after New.
func (e *Engine) AttachTickets(ts TicketSource) {
	e.mu.Lock()
	e.tickets = ts
	e.mu.Unlock()
}

func (e *Engine) ticketSource() TicketSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickets
}

// EnsureRegistered writes the queue's registry record if missing.
func (e *Engine) EnsureRegistered(ctx context.Context) error {
	return EnsureQueue(ctx, e.store, Meta{
		Name:        e.queue,
		CreatedAtMs: e.nowMs(),
		Ordering:    string(e.ordering),
		Strategy:    e.strategy.String(),
	})
}

// ================================================================
// Enqueue
// ================================================================

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// ID forces the message id. Empty generates a time-sortable id.
	ID string
	// RecordID points the message at a record the caller already inserted
	// into the target. Empty stores record under the message id.
	RecordID string
	// Kind tags the message for handler routing.
	Kind string
	// Delay postpones first visibility.
	Delay time.Duration
	// MaxAttempts overrides the strategy's attempt budget.
	MaxAttempts int
}

// Enqueue inserts record into the target and queues a pending message
// pointing at it.
func (e *Engine) Enqueue(ctx context.Context, record []byte) (*Message, error) {
	return e.EnqueueWithOptions(ctx, record, EnqueueOptions{})
}

// EnqueueWithOptions is Enqueue with explicit knobs.
func (e *Engine) EnqueueWithOptions(ctx context.Context, record []byte, opts EnqueueOptions) (*Message, error) {
	if opts.Delay < 0 {
		return nil, fmt.Errorf("negative delay %v", opts.Delay)
	}
	now := e.nowMs()
	msgID := opts.ID
	if msgID == "" {
		msgID = e.ids.NextString()
	}
	recordID := opts.RecordID
	if recordID == "" {
		recordID = msgID
	}
	// The record goes in first so a claimed message never dangles. A crash
	// between the two writes leaves an unreferenced record, which is
	// harmless.
	if record != nil || opts.RecordID == "" {
		if err := e.target.PutRecord(ctx, recordID, record); err != nil {
			return nil, err
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.strategy.MaxAttempts()
	}
	m := &Message{
		ID:          msgID,
		Queue:       e.queue,
		RecordID:    recordID,
		Kind:        opts.Kind,
		Status:      StatusPending,
		QueuedAtMs:  now,
		VisibleAtMs: now + opts.Delay.Milliseconds(),
		MaxAttempts: maxAttempts,
	}
	data, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	ver, err := e.store.Set(ctx, msgKey(e.queue, msgID), data, storage.SetOptions{IfAbsent: true})
	if errors.Is(err, storage.ErrVersionMismatch) {
		return nil, fmt.Errorf("message %s already exists in queue %s: %w", msgID, e.queue, ErrDuplicateID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue message %s: %w", msgID, err)
	}
	m.version = ver

	e.bus.Publish(events.Event{Type: events.TypeMessageEnqueued, Queue: e.queue, MessageID: msgID})
	e.logger.Debug("enqueued",
		zap.String("queue", e.queue),
		zap.String("msg", msgID),
		zap.String("kind", opts.Kind))
	return m, nil
}

// Get returns one message, or ErrNotFound.
func (e *Engine) Get(ctx context.Context, msgID string) (*Message, error) {
	rec, err := e.store.Get(ctx, msgKey(e.queue, msgID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", msgID, err)
	}
	return decodeMessage(rec)
}

// ================================================================
// Claim
// ================================================================

// PendingVisible returns claimable messages in claim order, up to limit.
// The dispatcher uses this to decide what to ticket; the direct claim path
// walks it front to back.
func (e *Engine) PendingVisible(ctx context.Context, limit int) ([]*Message, error) {
	kvs, err := e.store.List(ctx, msgPrefix(e.queue))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	now := e.nowMs()
	out := make([]*Message, 0, len(kvs))
	for _, kv := range kvs {
		m, err := decodeMessage(kv.Record)
		if err != nil {
			e.logger.Warn("skipping undecodable message", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		if m.Status != StatusPending || m.VisibleAtMs > now {
			continue
		}
		out = append(out, m)
	}
	e.sortForClaim(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortForClaim orders by (queuedAt, id); ids are time-sortable so the pair
// gives a stable total order.
func (e *Engine) sortForClaim(ms []*Message) {
	newestFirst := e.ordering == OrderingLIFO
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].QueuedAtMs != ms[j].QueuedAtMs {
			if newestFirst {
				return ms[i].QueuedAtMs > ms[j].QueuedAtMs
			}
			return ms[i].QueuedAtMs < ms[j].QueuedAtMs
		}
		if newestFirst {
			return ms[i].ID > ms[j].ID
		}
		return ms[i].ID < ms[j].ID
	})
}

// Claim takes the next claimable message for workerID, or (nil, nil) when
// there is no work. With the ordering guarantee on, claims redeem
// coordinator tickets; without it they scan directly. Conflicts with
// concurrent claimers are resolved internally and never surface.
func (e *Engine) Claim(ctx context.Context, workerID string) (*Claim, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	e.maybeRecover(ctx)

	if e.orderingGuarantee {
		return e.claimOrdered(ctx, workerID)
	}
	return e.claimScan(ctx, workerID)
}

// ClaimBatch claims up to max messages in one pass.
func (e *Engine) ClaimBatch(ctx context.Context, workerID string, max int) ([]*Claim, error) {
	if max <= 0 {
		max = 1
	}
	var out []*Claim
	for len(out) < max {
		c, err := e.Claim(ctx, workerID)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if c == nil {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) claimOrdered(ctx context.Context, workerID string) (*Claim, error) {
	ts := e.ticketSource()
	if ts == nil {
		return nil, configErrorf("ordering guarantee requires a ticket dispatcher (tickets not wired)")
	}
	if _, ok := e.leadership.Leader(ctx); !ok {
		if !e.allowUnorderedFallback {
			return nil, ErrNoCoordinator
		}
		e.noteDegraded(true)
		return e.claimScan(ctx, workerID)
	}
	e.noteDegraded(false)
	// No redeemable ticket means no work: pending messages wait for the
	// coordinator to ticket them rather than being claimed out of order.
	return ts.NextClaim(ctx, workerID)
}

// noteDegraded announces transitions in and out of unordered fallback.
func (e *Engine) noteDegraded(v bool) {
	if e.degraded.Swap(v) == v {
		return
	}
	if v {
		e.logger.Warn("ordering degraded, serving unordered claims without a coordinator",
			zap.String("queue", e.queue))
		e.bus.Publish(events.Event{Type: events.TypeOrderingDegraded, Queue: e.queue})
	} else {
		e.logger.Info("ordering restored", zap.String("queue", e.queue))
	}
}

func (e *Engine) claimScan(ctx context.Context, workerID string) (*Claim, error) {
	msgs, err := e.PendingVisible(ctx, e.scanLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		c, err := e.attemptClaim(ctx, workerID, m.ID, 0)
		if errors.Is(err, ErrClaimConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// ClaimByID claims one specific message. A non-zero enforceQueuedAtMs
// voids the claim when the message's queued-at stamp has changed since it
// was ordered; the dispatcher uses this to keep stale tickets from
// breaking order.
func (e *Engine) ClaimByID(ctx context.Context, workerID, msgID string, enforceQueuedAtMs int64) (*Claim, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	return e.attemptClaim(ctx, workerID, msgID, enforceQueuedAtMs)
}

// attemptClaim is the atomic claim: per-message lease around the dedup
// check, fresh read, then one conditional write. Every step that loses a
// race reports ErrClaimConflict.
func (e *Engine) attemptClaim(ctx context.Context, workerID, msgID string, enforceQueuedAtMs int64) (*Claim, error) {
	h, err := e.leases.Acquire(ctx, claimLeaseName(e.queue, msgID), e.claimLeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, ErrClaimConflict
		}
		return nil, err
	}
	defer e.leases.Release(ctx, h)

	if e.markers.seen(ctx, msgID) {
		return nil, ErrClaimConflict
	}
	// Marker failures count as lost claims: better to skip a message this
	// round than to double-process it.
	if err := e.markers.mark(ctx, msgID); err != nil {
		return nil, ErrClaimConflict
	}
	c, err := e.claimMarked(ctx, workerID, msgID, enforceQueuedAtMs)
	if err != nil {
		e.markers.clear(ctx, msgID)
		return nil, err
	}
	return c, nil
}

// claimMarked runs with the claim lease held and the marker set; any
// failure makes the caller roll the marker back.
func (e *Engine) claimMarked(ctx context.Context, workerID, msgID string, enforceQueuedAtMs int64) (*Claim, error) {
	rec, err := e.store.Get(ctx, msgKey(e.queue, msgID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", msgID, err)
	}
	m, err := decodeMessage(rec)
	if err != nil {
		return nil, err
	}

	now := e.nowMs()
	if m.Status != StatusPending || m.VisibleAtMs > now {
		return nil, ErrClaimConflict
	}
	if enforceQueuedAtMs != 0 && m.QueuedAtMs != enforceQueuedAtMs {
		return nil, ErrClaimConflict
	}

	m.Status = StatusProcessing
	m.ClaimedBy = workerID
	m.ClaimedAtMs = now
	m.LockToken = uuid.NewString()
	m.VisibleAtMs = now + e.visibility.Milliseconds()
	m.Attempts++
	data, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	ver, err := e.store.Set(ctx, msgKey(e.queue, msgID), data, storage.SetOptions{IfVersion: m.version})
	if err != nil {
		if errors.Is(err, storage.ErrVersionMismatch) {
			return nil, ErrClaimConflict
		}
		return nil, fmt.Errorf("claim message %s: %w", msgID, err)
	}
	m.version = ver

	c := &Claim{Message: m}
	record, err := e.target.GetRecord(ctx, m.RecordID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("load record for claim",
			zap.String("msg", msgID),
			zap.String("record", m.RecordID),
			zap.Error(err))
	}
	c.Record = record

	e.bus.Publish(events.Event{Type: events.TypeMessageClaimed, Queue: e.queue, MessageID: msgID, WorkerID: workerID})
	e.logger.Debug("claimed",
		zap.String("queue", e.queue),
		zap.String("msg", msgID),
		zap.String("worker", workerID),
		zap.Int("attempts", m.Attempts))
	return c, nil
}

// ================================================================
// Claim follow-ups
// ================================================================

// requireClaim re-reads the message and verifies the caller's claim still
// owns it.
func (e *Engine) requireClaim(ctx context.Context, c *Claim) (*Message, error) {
	if c == nil || c.Message == nil || c.Message.LockToken == "" {
		return nil, lockMismatch("", MismatchInvalidState)
	}
	msgID := c.Message.ID
	rec, err := e.store.Get(ctx, msgKey(e.queue, msgID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, lockMismatch(msgID, MismatchInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", msgID, err)
	}
	m, err := decodeMessage(rec)
	if err != nil {
		return nil, err
	}
	switch {
	case m.Status.Terminal():
		return nil, lockMismatch(msgID, MismatchTerminalState)
	case m.Status == StatusPending:
		return nil, lockMismatch(msgID, MismatchLockReleased)
	case m.Status != StatusProcessing:
		return nil, lockMismatch(msgID, MismatchInvalidState)
	case m.LockToken != c.Message.LockToken:
		return nil, lockMismatch(msgID, MismatchTokenMismatch)
	}
	return m, nil
}

// updateClaimed applies mutate under the claim's lock token with a
// conditional write, refreshing the caller's claim on success. A version
// race re-validates once; persistent races mean the claim moved on.
func (e *Engine) updateClaimed(ctx context.Context, c *Claim, ttl time.Duration, mutate func(*Message)) (*Message, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.requireClaim(ctx, c)
		if err != nil {
			return nil, err
		}
		mutate(m)
		data, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		ver, err := e.store.Set(ctx, msgKey(e.queue, m.ID), data, storage.SetOptions{IfVersion: m.version, TTL: ttl})
		if err == nil {
			m.version = ver
			c.Message = m
			return m, nil
		}
		if !errors.Is(err, storage.ErrVersionMismatch) {
			return nil, fmt.Errorf("update message %s: %w", m.ID, err)
		}
	}
	return nil, lockMismatch(c.Message.ID, MismatchTokenMismatch)
}

// Complete marks the claimed message done. The record stays readable for
// the retention window, and the processed marker is refreshed so a
// duplicate of the same id inside the dedup window short-circuits.
func (e *Engine) Complete(ctx context.Context, c *Claim) error {
	m, err := e.updateClaimed(ctx, c, e.completedTTL, func(m *Message) {
		m.Status = StatusCompleted
		m.DoneAtMs = e.nowMs()
		m.LockToken = ""
		m.LastError = ""
	})
	if err != nil {
		return err
	}
	if err := e.markers.mark(ctx, m.ID); err != nil {
		e.logger.Debug("refresh processed marker", zap.String("msg", m.ID), zap.Error(err))
	}
	e.bus.Publish(events.Event{Type: events.TypeMessageCompleted, Queue: e.queue, MessageID: m.ID, WorkerID: m.ClaimedBy})
	e.logger.Debug("completed", zap.String("queue", e.queue), zap.String("msg", m.ID))
	return nil
}

// Fail routes a handler failure through the failure strategy: requeue with
// backoff while attempts remain, then the strategy's terminal state. The
// resulting status is returned.
func (e *Engine) Fail(ctx context.Context, c *Claim, cause error) (Status, error) {
	if c == nil || c.Message == nil {
		return "", lockMismatch("", MismatchInvalidState)
	}
	if c.Message.Attempts < c.Message.MaxAttempts {
		if err := e.Retry(ctx, c, cause); err != nil {
			return "", err
		}
		return StatusPending, nil
	}
	if _, ok := e.strategy.DeadLetterTarget(); ok {
		if err := e.MoveToDeadLetter(ctx, c, cause); err != nil {
			return "", err
		}
		return StatusDead, nil
	}

	reason := causeString(cause)
	m, err := e.updateClaimed(ctx, c, e.completedTTL, func(m *Message) {
		m.Status = StatusFailed
		m.DoneAtMs = e.nowMs()
		m.LockToken = ""
		m.LastError = reason
	})
	if err != nil {
		return "", err
	}
	e.bus.Publish(events.Event{Type: events.TypeMessageFailed, Queue: e.queue, MessageID: m.ID, Err: reason})
	e.logger.Warn("message failed permanently",
		zap.String("queue", e.queue),
		zap.String("msg", m.ID),
		zap.Int("attempts", m.Attempts),
		zap.String("reason", reason))
	return StatusFailed, nil
}

// Retry requeues the claimed message with exponential backoff, regardless
// of remaining attempts.
func (e *Engine) Retry(ctx context.Context, c *Claim, cause error) error {
	reason := causeString(cause)
	m, err := e.updateClaimed(ctx, c, 0, func(m *Message) {
		m.Status = StatusPending
		m.VisibleAtMs = e.nowMs() + retryBackoff(m.Attempts).Milliseconds()
		m.ClaimedBy = ""
		m.ClaimedAtMs = 0
		m.LockToken = ""
		m.LastError = reason
	})
	if err != nil {
		return err
	}
	e.markers.clear(ctx, m.ID)
	e.bus.Publish(events.Event{Type: events.TypeMessageRetried, Queue: e.queue, MessageID: m.ID, Err: reason})
	e.logger.Debug("retry scheduled",
		zap.String("queue", e.queue),
		zap.String("msg", m.ID),
		zap.Int("attempts", m.Attempts),
		zap.Int64("visibleAtMs", m.VisibleAtMs))
	return nil
}

// MoveToDeadLetter parks the claimed message as dead and copies it into
// the strategy target's dead keyspace for operators.
func (e *Engine) MoveToDeadLetter(ctx context.Context, c *Claim, cause error) error {
	target, ok := e.strategy.DeadLetterTarget()
	if !ok {
		return configErrorf("strategy %s has no dead-letter target", e.strategy)
	}
	reason := causeString(cause)
	now := e.nowMs()
	m, err := e.updateClaimed(ctx, c, e.completedTTL, func(m *Message) {
		m.Status = StatusDead
		m.DoneAtMs = now
		m.LockToken = ""
		m.LastError = reason
	})
	if err != nil {
		return err
	}
	if err := e.writeDeadCopy(ctx, m, target, reason, now); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Type: events.TypeMessageDeadLettered, Queue: e.queue, MessageID: m.ID, Err: reason})
	e.logger.Warn("message dead-lettered",
		zap.String("queue", e.queue),
		zap.String("msg", m.ID),
		zap.String("target", target),
		zap.Int("attempts", m.Attempts),
		zap.String("reason", reason))
	return nil
}

// writeDeadCopy records the operator-facing dead letter under the target
// queue. The copy carries no TTL; it stays until requeued or purged.
func (e *Engine) writeDeadCopy(ctx context.Context, m *Message, target, reason string, nowMs int64) error {
	dl := DeadLetter{Message: *m, From: e.queue, Reason: reason, DeadAtMs: nowMs}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", m.ID, err)
	}
	if _, err := e.store.Set(ctx, deadKey(target, m.ID), data, storage.SetOptions{}); err != nil {
		return fmt.Errorf("write dead letter %s: %w", m.ID, err)
	}
	return nil
}

// ExtendVisibility renews the claim's lock, moving visibility to now plus
// extra. It succeeds only while the caller's lock token still owns the
// message; the new visibility deadline is returned.
func (e *Engine) ExtendVisibility(ctx context.Context, c *Claim, extra time.Duration) (int64, error) {
	if extra <= 0 {
		return 0, fmt.Errorf("extension must be positive, got %v", extra)
	}
	m, err := e.updateClaimed(ctx, c, 0, func(m *Message) {
		m.VisibleAtMs = e.nowMs() + extra.Milliseconds()
	})
	if err != nil {
		return 0, err
	}
	return m.VisibleAtMs, nil
}

// ================================================================
// Recovery
// ================================================================

// maybeRecover runs recovery at most once per recovery interval across
// all claimers on this engine.
func (e *Engine) maybeRecover(ctx context.Context) {
	now := e.nowMs()
	last := e.lastRecoveryMs.Load()
	if last != 0 && now-last < e.recoveryInterval.Milliseconds() {
		return
	}
	if !e.lastRecoveryMs.CompareAndSwap(last, now) {
		return
	}
	if _, err := e.RecoverStalled(ctx); err != nil {
		e.logger.Warn("recover stalled", zap.String("queue", e.queue), zap.Error(err))
	}
}

// RecoverStalled scans for processing messages whose visibility deadline
// passed and routes each: back to pending with backoff while attempts
// remain, otherwise to the strategy's terminal state. Races with a live
// claimant renewing or completing resolve in the claimant's favor via the
// version check. Returns how many messages moved.
func (e *Engine) RecoverStalled(ctx context.Context) (int, error) {
	kvs, err := e.store.List(ctx, msgPrefix(e.queue))
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}
	now := e.nowMs()
	n := 0
	for _, kv := range kvs {
		m, err := decodeMessage(kv.Record)
		if err != nil {
			continue
		}
		if m.Status != StatusProcessing || m.VisibleAtMs > now {
			continue
		}
		if e.recoverOne(ctx, m, now) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("recovered stalled messages", zap.String("queue", e.queue), zap.Int("count", n))
	}
	return n, nil
}

func (e *Engine) recoverOne(ctx context.Context, m *Message, nowMs int64) bool {
	target, _ := e.strategy.DeadLetterTarget()
	reason := m.LastError
	if reason == "" {
		reason = "visibility timeout elapsed"
	}

	var ttl time.Duration
	if m.Attempts < m.MaxAttempts {
		m.Status = StatusPending
		m.VisibleAtMs = nowMs + retryBackoff(m.Attempts).Milliseconds()
		m.ClaimedBy = ""
		m.ClaimedAtMs = 0
		m.LockToken = ""
		m.LastError = reason
	} else {
		m.Status = e.strategy.exhaustedStatus()
		m.DoneAtMs = nowMs
		m.LockToken = ""
		m.LastError = reason
		ttl = e.completedTTL
	}

	data, err := encodeMessage(m)
	if err != nil {
		return false
	}
	if _, err := e.store.Set(ctx, msgKey(e.queue, m.ID), data, storage.SetOptions{IfVersion: m.version, TTL: ttl}); err != nil {
		// Lost to the claimant or another recoverer; nothing to do.
		return false
	}

	switch m.Status {
	case StatusPending:
		e.markers.clear(ctx, m.ID)
		e.bus.Publish(events.Event{Type: events.TypeMessageRecovered, Queue: e.queue, MessageID: m.ID})
	case StatusDead:
		if err := e.writeDeadCopy(ctx, m, target, reason, nowMs); err != nil {
			e.logger.Warn("write dead copy during recovery", zap.String("msg", m.ID), zap.Error(err))
		}
		e.bus.Publish(events.Event{Type: events.TypeMessageDeadLettered, Queue: e.queue, MessageID: m.ID, Err: reason})
	case StatusFailed:
		e.bus.Publish(events.Event{Type: events.TypeMessageFailed, Queue: e.queue, MessageID: m.ID, Err: reason})
	}
	e.logger.Debug("recovered stalled message",
		zap.String("queue", e.queue),
		zap.String("msg", m.ID),
		zap.String("to", string(m.Status)),
		zap.Int("attempts", m.Attempts))
	return true
}

// StartSweeper runs recovery on a fixed cadence with jitter, for nodes
// that host no claiming workers and would otherwise never trigger the
// opportunistic path.
func (e *Engine) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = e.recoveryInterval
	}
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			d := interval + time.Duration(rng.Int63n(int64(interval)/10+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
				if _, err := e.RecoverStalled(ctx); err != nil {
					e.logger.Warn("sweep recovery", zap.String("queue", e.queue), zap.Error(err))
				}
			}
		}
	}()
}

// StopSweeper halts the background recovery loop.
func (e *Engine) StopSweeper() {
	e.sweepMu.Lock()
	cancel := e.sweepCancel
	e.sweepCancel = nil
	e.sweepMu.Unlock()
	if cancel != nil {
		cancel()
		e.sweepWG.Wait()
	}
}

// ================================================================
// Introspection
// ================================================================

// Stats is a point-in-time census of the queue, derived entirely from
// store state so it survives restarts.
type Stats struct {
	Queue              string `json:"queue"`
	Pending            int    `json:"pending"`
	Processing         int    `json:"processing"`
	Completed          int    `json:"completed"`
	Failed             int    `json:"failed"`
	Dead               int    `json:"dead"`
	DeadLetters        int    `json:"deadLetters"`
	Total              int    `json:"total"`
	OldestPendingAgeMs int64  `json:"oldestPendingAgeMs"`
}

// Stats counts messages by status plus the dead-letter backlog this queue
// holds as a target.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Queue: e.queue}
	kvs, err := e.store.List(ctx, msgPrefix(e.queue))
	if err != nil {
		return s, fmt.Errorf("list messages: %w", err)
	}
	now := e.nowMs()
	var oldest int64
	for _, kv := range kvs {
		m, err := decodeMessage(kv.Record)
		if err != nil {
			continue
		}
		s.Total++
		switch m.Status {
		case StatusPending:
			s.Pending++
			if oldest == 0 || m.QueuedAtMs < oldest {
				oldest = m.QueuedAtMs
			}
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusDead:
			s.Dead++
		}
	}
	if oldest > 0 {
		s.OldestPendingAgeMs = now - oldest
	}

	dead, err := e.store.List(ctx, deadPrefix(e.queue))
	if err != nil {
		return s, fmt.Errorf("list dead letters: %w", err)
	}
	s.DeadLetters = len(dead)
	return s, nil
}

// ListOptions narrows a message listing.
type ListOptions struct {
	// Status keeps only one lifecycle state. Empty keeps all.
	Status Status
	// Filter is a CEL expression over message fields and the record
	// payload. Empty matches everything.
	Filter string
	// Limit caps the result. Default 100.
	Limit int
}

// ListMessages returns messages in queued order, filtered per opts. When a
// CEL filter is set, each candidate's record is loaded so the expression
// can reach into the payload.
func (e *Engine) ListMessages(ctx context.Context, opts ListOptions) ([]*Message, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", opts.Status)
	}
	f, err := NewFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	kvs, err := e.store.List(ctx, msgPrefix(e.queue))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*Message, 0, len(kvs))
	for _, kv := range kvs {
		m, err := decodeMessage(kv.Record)
		if err != nil {
			continue
		}
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		if opts.Filter != "" {
			record, err := e.target.GetRecord(ctx, m.RecordID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("load record %s: %w", m.RecordID, err)
			}
			if !f.Match(m, record) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAtMs != out[j].QueuedAtMs {
			return out[i].QueuedAtMs < out[j].QueuedAtMs
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ================================================================
// Dead-letter operations
// ================================================================

// DeadLetters lists the dead-letter copies this queue holds as a target,
// oldest first.
func (e *Engine) DeadLetters(ctx context.Context, filterExpr string, limit int) ([]*DeadLetter, error) {
	f, err := NewFilter(filterExpr)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}
	kvs, err := e.store.List(ctx, deadPrefix(e.queue))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*DeadLetter, 0, len(kvs))
	for _, kv := range kvs {
		d, err := decodeDeadLetter(kv.Record)
		if err != nil {
			continue
		}
		if filterExpr != "" {
			record, err := e.target.GetRecord(ctx, d.Message.RecordID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("load record %s: %w", d.Message.RecordID, err)
			}
			if !f.Match(&d.Message, record) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeadAtMs != out[j].DeadAtMs {
			return out[i].DeadAtMs < out[j].DeadAtMs
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequeueDead turns one dead-letter copy back into a fresh pending message
// in its source queue, then removes the copy. The new message starts with
// a clean attempt budget.
func (e *Engine) RequeueDead(ctx context.Context, msgID string) (*Message, error) {
	rec, err := e.store.Get(ctx, deadKey(e.queue, msgID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", msgID, err)
	}
	d, err := decodeDeadLetter(rec)
	if err != nil {
		return nil, err
	}

	now := e.nowMs()
	m := &Message{
		ID:          e.ids.NextString(),
		Queue:       d.From,
		RecordID:    d.Message.RecordID,
		Kind:        d.Message.Kind,
		Status:      StatusPending,
		QueuedAtMs:  now,
		VisibleAtMs: now,
		MaxAttempts: d.Message.MaxAttempts,
	}
	data, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Set(ctx, msgKey(d.From, m.ID), data, storage.SetOptions{IfAbsent: true}); err != nil {
		return nil, fmt.Errorf("requeue dead letter %s: %w", msgID, err)
	}
	if err := e.store.Delete(ctx, deadKey(e.queue, msgID)); err != nil {
		e.logger.Warn("remove requeued dead letter", zap.String("msg", msgID), zap.Error(err))
	}

	e.bus.Publish(events.Event{Type: events.TypeMessageEnqueued, Queue: d.From, MessageID: m.ID})
	e.logger.Info("dead letter requeued",
		zap.String("dlq", e.queue),
		zap.String("queue", d.From),
		zap.String("from", msgID),
		zap.String("msg", m.ID))
	return m, nil
}

// RequeueAllDead requeues every dead letter, returning how many moved.
func (e *Engine) RequeueAllDead(ctx context.Context) (int, error) {
	kvs, err := e.store.List(ctx, deadPrefix(e.queue))
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, kv := range kvs {
		d, err := decodeDeadLetter(kv.Record)
		if err != nil {
			continue
		}
		if _, err := e.RequeueDead(ctx, d.Message.ID); err != nil {
			e.logger.Warn("requeue dead letter", zap.String("msg", d.Message.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// PurgeDead discards one dead-letter copy.
func (e *Engine) PurgeDead(ctx context.Context, msgID string) error {
	if _, err := e.store.Get(ctx, deadKey(e.queue, msgID)); errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err := e.store.Delete(ctx, deadKey(e.queue, msgID)); err != nil {
		return fmt.Errorf("purge dead letter %s: %w", msgID, err)
	}
	return nil
}

// PurgeAllDead discards every dead-letter copy, returning how many went.
func (e *Engine) PurgeAllDead(ctx context.Context) (int, error) {
	kvs, err := e.store.List(ctx, deadPrefix(e.queue))
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, kv := range kvs {
		if err := e.store.Delete(ctx, kv.Key); err != nil {
			e.logger.Warn("purge dead letter", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
