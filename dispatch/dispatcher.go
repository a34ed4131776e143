// Package dispatch publishes and redeems claim tickets.
//
// With an ordering guarantee on, workers do not scan for work: the
// coordinator walks the pending backlog and publishes one ticket per
// message, numbered in claim order, and workers redeem the lowest
// available ticket into a real claim. Every hand-off is a conditional
// write, so a ticket has exactly one redeemer no matter how many workers
// race for it, and stalled tickets flow back when their holder drops off
// the heartbeat registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/coordinator"
	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/lease"
	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/storage"
)

// Order indexes only ever compare against each other, so the seeds are
// arbitrary; LIFO seeds high and grows downward so fresh tickets sort
// first.
const (
	fifoSeed = uint64(1)
	lifoSeed = uint64(1) << 62
)

const dispatchLeaseTTL = 2 * time.Second

// Membership is the dispatcher's view of the worker fleet. Implemented by
// coordinator.Core.
type Membership interface {
	WorkerID() string
	HeartbeatTTL() time.Duration
	IsCoordinator(ctx context.Context) bool
	ActiveWorkers(ctx context.Context) ([]coordinator.Heartbeat, error)
}

// Options configures a Dispatcher.
type Options struct {
	// BatchSize is how many tickets one cycle publishes at most. Default 16.
	BatchSize int
	// MaxLive caps outstanding tickets for the queue. Default 4x BatchSize.
	MaxLive int
	// Interval is the dispatch cycle cadence. Default 1s.
	Interval time.Duration
	// TicketTTL expires tickets nobody redeems or prunes. Default twice
	// the engine's visibility timeout.
	TicketTTL time.Duration

	Logger *zap.Logger
	Bus    *events.Bus
	// NowMs overrides the clock. Tests use this.
	NowMs func() int64
}

// Dispatcher runs ticket publication for one queue. Construct it on every
// node; cycles are self-gating, so only the current coordinator actually
// publishes.
type Dispatcher struct {
	store   storage.Adapter
	leases  *lease.Registry
	engine  *queue.Engine
	members Membership
	logger  *zap.Logger
	bus     *events.Bus

	queue     string
	batchSize int
	maxLive   int
	interval  time.Duration
	ticketTTL time.Duration
	nowMs     func() int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ queue.TicketSource = (*Dispatcher)(nil)

// New builds a Dispatcher for the engine's queue.
func New(store storage.Adapter, engine *queue.Engine, members Membership, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if engine == nil {
		return nil, fmt.Errorf("queue engine required")
	}
	if members == nil {
		return nil, fmt.Errorf("membership required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxLive <= 0 {
		opts.MaxLive = 4 * opts.BatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.TicketTTL <= 0 {
		opts.TicketTTL = 2 * engine.VisibilityTimeout()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Dispatcher{
		store:     store,
		leases:    lease.NewRegistry(store, opts.Logger),
		engine:    engine,
		members:   members,
		logger:    opts.Logger,
		bus:       opts.Bus,
		queue:     engine.Queue(),
		batchSize: opts.BatchSize,
		maxLive:   opts.MaxLive,
		interval:  opts.Interval,
		ticketTTL: opts.TicketTTL,
		nowMs:     opts.NowMs,
	}, nil
}

// Queue returns the queue this dispatcher serves.
func (d *Dispatcher) Queue() string { return d.queue }

// Tickets returns the live tickets sorted by order index.
func (d *Dispatcher) Tickets(ctx context.Context) ([]*Ticket, error) {
	kvs, err := d.store.List(ctx, ticketPrefix(d.queue))
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	out := make([]*Ticket, 0, len(kvs))
	for _, kv := range kvs {
		t, err := decodeTicket(kv.Record)
		if err != nil {
			d.logger.Warn("skipping undecodable ticket", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// ================================================================
// Coordinator side: publish and recover
// ================================================================

// Dispatch runs one publication cycle: prune tickets whose messages moved
// on, recover tickets whose holders died, top up from the pending backlog.
// Non-coordinators and cycles that lose the per-queue lease return nil
// without doing anything.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	if !d.members.IsCoordinator(ctx) {
		return nil
	}
	err := d.leases.With(ctx, orderLeaseName(d.queue), dispatchLeaseTTL, func(ctx context.Context) error {
		return d.cycle(ctx)
	})
	if errors.Is(err, lease.ErrHeld) {
		return nil
	}
	return err
}

func (d *Dispatcher) cycle(ctx context.Context) error {
	tickets, err := d.Tickets(ctx)
	if err != nil {
		return err
	}
	live := d.pruneDead(ctx, tickets)
	live = d.recoverStalled(ctx, live)
	return d.topUp(ctx, live)
}

// pruneDead deletes tickets whose messages are gone or terminal. The
// message side is the truth; a ticket is only a grant to claim it.
func (d *Dispatcher) pruneDead(ctx context.Context, tickets []*Ticket) []*Ticket {
	live := tickets[:0]
	for _, t := range tickets {
		m, err := d.engine.Get(ctx, t.MessageID)
		switch {
		case errors.Is(err, queue.ErrNotFound):
		case err != nil:
			d.logger.Warn("check ticket message", zap.String("ticket", t.ID), zap.Error(err))
			live = append(live, t)
			continue
		case !m.Status.Terminal():
			live = append(live, t)
			continue
		}
		if err := d.store.Delete(ctx, ticketKey(d.queue, t.MessageID)); err != nil {
			d.logger.Warn("prune ticket", zap.String("ticket", t.ID), zap.Error(err))
			live = append(live, t)
		}
	}
	return live
}

// recoverStalled flips claimed tickets back to available when the claimant
// is no longer an active worker or has sat on the ticket for more than a
// heartbeat TTL.
func (d *Dispatcher) recoverStalled(ctx context.Context, tickets []*Ticket) []*Ticket {
	var claimed []*Ticket
	for _, t := range tickets {
		if t.Status == TicketClaimed {
			claimed = append(claimed, t)
		}
	}
	if len(claimed) == 0 {
		return tickets
	}

	active := map[string]bool{}
	workers, err := d.members.ActiveWorkers(ctx)
	if err != nil {
		d.logger.Warn("list active workers", zap.Error(err))
		return tickets
	}
	for _, w := range workers {
		active[w.WorkerID] = true
	}

	now := d.nowMs()
	staleMs := d.members.HeartbeatTTL().Milliseconds()
	for _, t := range claimed {
		if active[t.ClaimedBy] && now-t.ClaimedAtMs <= staleMs {
			continue
		}
		holder := t.ClaimedBy
		t.Status = TicketAvailable
		t.ClaimedBy = ""
		t.ClaimedAtMs = 0
		data, err := encodeTicket(t)
		if err != nil {
			continue
		}
		ver, err := d.store.Set(ctx, ticketKey(d.queue, t.MessageID), data, storage.SetOptions{IfVersion: t.version, TTL: d.ticketTTL})
		if err != nil {
			// The holder finished or another recovery won; either way the
			// ticket moved on.
			continue
		}
		t.version = ver
		d.bus.Publish(events.Event{Type: events.TypeTicketRecovered, Queue: d.queue, TicketID: t.ID, WorkerID: holder})
		d.logger.Info("recovered stalled ticket",
			zap.String("queue", d.queue),
			zap.String("ticket", t.ID),
			zap.String("holder", holder))
	}
	return tickets
}

// topUp publishes tickets for unticketed claimable messages, in claim
// order, up to the live cap.
func (d *Dispatcher) topUp(ctx context.Context, live []*Ticket) error {
	room := d.maxLive - len(live)
	if room <= 0 {
		return nil
	}
	if room > d.batchSize {
		room = d.batchSize
	}

	ticketed := make(map[string]bool, len(live))
	for _, t := range live {
		ticketed[t.MessageID] = true
	}
	// Over-fetch so already-ticketed messages do not starve the batch.
	msgs, err := d.engine.PendingVisible(ctx, room+len(live))
	if err != nil {
		return err
	}

	next := d.nextOrderIndex(live, room)
	now := d.nowMs()
	published := 0
	for _, m := range msgs {
		if published == room {
			break
		}
		if ticketed[m.ID] {
			continue
		}
		t := &Ticket{
			ID:            m.ID,
			Queue:         d.queue,
			MessageID:     m.ID,
			OrderIndex:    next,
			QueuedAtMs:    m.QueuedAtMs,
			Status:        TicketAvailable,
			PublishedBy:   d.members.WorkerID(),
			PublishedAtMs: now,
		}
		data, err := encodeTicket(t)
		if err != nil {
			return err
		}
		_, err = d.store.Set(ctx, ticketKey(d.queue, m.ID), data, storage.SetOptions{IfAbsent: true, TTL: d.ticketTTL})
		if errors.Is(err, storage.ErrVersionMismatch) {
			// Raced another cycle; that ticket already covers the message.
			continue
		}
		if err != nil {
			return fmt.Errorf("publish ticket %s: %w", t.ID, err)
		}
		next++
		published++
		d.bus.Publish(events.Event{Type: events.TypeTicketPublished, Queue: d.queue, TicketID: t.ID, MessageID: m.ID})
	}
	if published > 0 {
		d.logger.Debug("published tickets",
			zap.String("queue", d.queue),
			zap.Int("count", published))
	}
	return nil
}

// nextOrderIndex picks the first index for a batch of n new tickets. FIFO
// grows up from the highest live index; LIFO grows down from the lowest so
// the newest work redeems first.
func (d *Dispatcher) nextOrderIndex(live []*Ticket, n int) uint64 {
	if d.engine.Ordering() == queue.OrderingLIFO {
		low := lifoSeed
		for _, t := range live {
			if t.OrderIndex < low {
				low = t.OrderIndex
			}
		}
		if low < uint64(n)+1 {
			return lifoSeed
		}
		return low - uint64(n)
	}
	high := fifoSeed - 1
	for _, t := range live {
		if t.OrderIndex > high {
			high = t.OrderIndex
		}
	}
	return high + 1
}

// ================================================================
// Worker side: redeem
// ================================================================

// NextClaim redeems the lowest available ticket into a message claim for
// workerID. Tickets whose messages are not claimable right now are put
// back and skipped. Returns (nil, nil) when nothing is redeemable.
func (d *Dispatcher) NextClaim(ctx context.Context, workerID string) (*queue.Claim, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	tickets, err := d.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	now := d.nowMs()
	for _, t := range tickets {
		if t.Status != TicketAvailable {
			continue
		}
		t.Status = TicketClaimed
		t.ClaimedBy = workerID
		t.ClaimedAtMs = now
		data, err := encodeTicket(t)
		if err != nil {
			return nil, err
		}
		ver, err := d.store.Set(ctx, ticketKey(d.queue, t.MessageID), data, storage.SetOptions{IfVersion: t.version, TTL: d.ticketTTL})
		if err != nil {
			// Lost the ticket to another worker.
			continue
		}
		t.version = ver

		c, err := d.engine.ClaimByID(ctx, workerID, t.MessageID, t.QueuedAtMs)
		if err == nil {
			if err := d.store.Delete(ctx, ticketKey(d.queue, t.MessageID)); err != nil {
				d.logger.Warn("delete redeemed ticket", zap.String("ticket", t.ID), zap.Error(err))
			}
			d.bus.Publish(events.Event{Type: events.TypeTicketClaimed, Queue: d.queue, TicketID: t.ID, MessageID: t.MessageID, WorkerID: workerID})
			return c, nil
		}
		if errors.Is(err, queue.ErrClaimConflict) {
			// Message in backoff or already moving; release the ticket and
			// let the dispatcher prune it if it is truly done.
			d.releaseTicket(ctx, t)
			continue
		}
		d.releaseTicket(ctx, t)
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) releaseTicket(ctx context.Context, t *Ticket) {
	t.Status = TicketAvailable
	t.ClaimedBy = ""
	t.ClaimedAtMs = 0
	data, err := encodeTicket(t)
	if err != nil {
		return
	}
	if _, err := d.store.Set(ctx, ticketKey(d.queue, t.MessageID), data, storage.SetOptions{IfVersion: t.version, TTL: d.ticketTTL}); err != nil {
		d.logger.Debug("release ticket", zap.String("ticket", t.ID), zap.Error(err))
	}
}

// ================================================================
// Run loop
// ================================================================

// Start launches the dispatch loop. Wire it to coordinator promotion so
// only the leader runs it, though a stray loop stays harmless because
// Dispatch gates on leadership.
func (d *Dispatcher) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx); err != nil {
			d.logger.Warn("dispatch", zap.String("queue", d.queue), zap.Error(err))
		}
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Dispatch(ctx); err != nil {
					d.logger.Warn("dispatch", zap.String("queue", d.queue), zap.Error(err))
				}
			}
		}
	}()
	d.logger.Info("ticket dispatch started", zap.String("queue", d.queue))
}

// Stop halts the dispatch loop and waits for the in-flight cycle.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.logger.Info("ticket dispatch stopped", zap.String("queue", d.queue))
}
