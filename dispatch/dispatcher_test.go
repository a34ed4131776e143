package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/coordinator"
	"github.com/storqdev/storq/events"
	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/storage"
	"github.com/storqdev/storq/storage/memstore"
)

type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += d.Milliseconds()
}

// fakeCluster stands in for coordinator.Core on both the membership and
// leadership sides.
type fakeCluster struct {
	mu      sync.Mutex
	id      string
	leader  bool
	workers []string
}

func (f *fakeCluster) WorkerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeCluster) HeartbeatTTL() time.Duration { return 15 * time.Second }

func (f *fakeCluster) IsCoordinator(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeCluster) Leader(ctx context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leader {
		return "", false
	}
	return f.id, true
}

func (f *fakeCluster) ActiveWorkers(ctx context.Context) ([]coordinator.Heartbeat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coordinator.Heartbeat, 0, len(f.workers))
	for _, id := range f.workers {
		out = append(out, coordinator.Heartbeat{WorkerID: id})
	}
	return out, nil
}

func (f *fakeCluster) set(leader bool, workers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = leader
	f.workers = workers
}

type fixture struct {
	d       *Dispatcher
	e       *queue.Engine
	store   *memstore.Store
	clk     *testClock
	cluster *fakeCluster
}

func newFixture(t *testing.T, eopts queue.Options, dopts Options) *fixture {
	t.Helper()
	clk := &testClock{ms: 1_700_000_000_000}
	store := memstore.NewWithClock(clk.now)
	cluster := &fakeCluster{id: "coord-1", leader: true, workers: []string{"coord-1", "w1", "w2", "w3"}}

	if eopts.Queue == "" {
		eopts.Queue = "orders"
	}
	if eopts.Strategy.Mode() == "" {
		eopts.Strategy = queue.RetryStrategy(3)
	}
	if eopts.OrderingGuarantee {
		eopts.Leadership = cluster
	}
	eopts.Logger = zap.NewNop()
	eopts.NowMs = clk.now
	e, err := queue.New(store, eopts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	dopts.Logger = zap.NewNop()
	dopts.NowMs = clk.now
	d, err := New(store, e, cluster, dopts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	e.AttachTickets(d)
	return &fixture{d: d, e: e, store: store, clk: clk, cluster: cluster}
}

func (f *fixture) enqueue(t *testing.T, payloads ...string) []*queue.Message {
	t.Helper()
	ctx := context.Background()
	out := make([]*queue.Message, 0, len(payloads))
	for _, p := range payloads {
		m, err := f.e.Enqueue(ctx, []byte(p))
		if err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
		out = append(out, m)
		f.clk.advance(time.Millisecond)
	}
	return out
}

// claimTicket marks a live ticket claimed by holder, as a crashed worker
// would leave it.
func (f *fixture) claimTicket(t *testing.T, tk *Ticket, holder string) {
	t.Helper()
	ctx := context.Background()
	tk.Status = TicketClaimed
	tk.ClaimedBy = holder
	tk.ClaimedAtMs = f.clk.now()
	data, err := encodeTicket(tk)
	if err != nil {
		t.Fatalf("encode ticket: %v", err)
	}
	if _, err := f.store.Set(ctx, ticketKey("orders", tk.MessageID), data, storage.SetOptions{IfVersion: tk.version}); err != nil {
		t.Fatalf("claim ticket: %v", err)
	}
}

func TestDispatchPublishesInOrder(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	f := newFixture(t, queue.Options{}, Options{Bus: bus})
	ctx := context.Background()
	msgs := f.enqueue(t, "a", "b", "c")

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, err := f.d.Tickets(ctx)
	if err != nil {
		t.Fatalf("tickets: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("tickets = %d, want 3", len(tickets))
	}
	for i, tk := range tickets {
		if tk.MessageID != msgs[i].ID {
			t.Fatalf("ticket %d is %s, want %s", i, tk.MessageID, msgs[i].ID)
		}
		if tk.OrderIndex != uint64(i+1) {
			t.Fatalf("ticket %d index = %d, want %d", i, tk.OrderIndex, i+1)
		}
		if tk.Status != TicketAvailable || tk.PublishedBy != "coord-1" {
			t.Fatalf("ticket %d: %+v", i, tk)
		}
		if tk.QueuedAtMs != msgs[i].QueuedAtMs {
			t.Fatalf("ticket %d stamp = %d, want %d", i, tk.QueuedAtMs, msgs[i].QueuedAtMs)
		}
	}

	published := 0
	for _, ev := range drain(ch) {
		if ev.Type == events.TypeTicketPublished {
			published++
		}
	}
	if published != 3 {
		t.Fatalf("published events = %d, want 3", published)
	}

	// A second cycle publishes nothing new.
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	tickets, _ = f.d.Tickets(ctx)
	if len(tickets) != 3 {
		t.Fatalf("tickets after redispatch = %d, want 3", len(tickets))
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDispatchOnlyRunsOnCoordinator(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	f.enqueue(t, "a")

	f.cluster.set(false, "w1")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if tickets, _ := f.d.Tickets(ctx); len(tickets) != 0 {
		t.Fatalf("non-coordinator published %d tickets", len(tickets))
	}
}

func TestDispatchRespectsMaxLive(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{BatchSize: 2, MaxLive: 2})
	ctx := context.Background()
	f.enqueue(t, "m0", "m1", "m2", "m3", "m4")

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ := f.d.Tickets(ctx)
	if len(tickets) != 2 {
		t.Fatalf("tickets = %d, want 2", len(tickets))
	}
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if tickets, _ = f.d.Tickets(ctx); len(tickets) != 2 {
		t.Fatalf("cap ignored: %d tickets", len(tickets))
	}

	// Redeeming one frees a slot for the next pending message.
	c, err := f.d.NextClaim(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("next claim: %v, %v", c, err)
	}
	if string(c.Record) != "m0" {
		t.Fatalf("claimed %q, want m0", c.Record)
	}
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch after redeem: %v", err)
	}
	tickets, _ = f.d.Tickets(ctx)
	if len(tickets) != 2 {
		t.Fatalf("tickets = %d, want 2", len(tickets))
	}
	if tickets[0].OrderIndex != 2 || tickets[1].OrderIndex != 3 {
		t.Fatalf("indexes = %d, %d", tickets[0].OrderIndex, tickets[1].OrderIndex)
	}
}

func TestNextClaimRedeemsLowestFirst(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	f.enqueue(t, "a", "b", "c")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for i, tc := range []struct{ worker, want string }{
		{"w1", "a"}, {"w2", "b"}, {"w3", "c"},
	} {
		c, err := f.d.NextClaim(ctx, tc.worker)
		if err != nil || c == nil {
			t.Fatalf("claim %d: %v, %v", i, c, err)
		}
		if string(c.Record) != tc.want {
			t.Fatalf("claim %d = %q, want %q", i, c.Record, tc.want)
		}
		if c.Message.ClaimedBy != tc.worker {
			t.Fatalf("claim %d by %q", i, c.Message.ClaimedBy)
		}
	}

	if c, err := f.d.NextClaim(ctx, "w1"); err != nil || c != nil {
		t.Fatalf("claim on empty: %v, %v", c, err)
	}
	if tickets, _ := f.d.Tickets(ctx); len(tickets) != 0 {
		t.Fatalf("redeemed tickets remain: %d", len(tickets))
	}
}

func TestNextClaimSingleWinnerPerTicket(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	f.enqueue(t, "solo")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	var errs []error
	for _, w := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			c, err := f.d.NextClaim(ctx, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if c != nil {
				wins++
			}
		}(w)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestOrderedClaimsThroughEngine(t *testing.T) {
	f := newFixture(t, queue.Options{OrderingGuarantee: true}, Options{})
	ctx := context.Background()
	f.enqueue(t, "a", "b", "c")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Three workers claiming through the engine get strict queue order.
	for _, tc := range []struct{ worker, want string }{
		{"w3", "a"}, {"w1", "b"}, {"w2", "c"},
	} {
		c, err := f.e.Claim(ctx, tc.worker)
		if err != nil || c == nil {
			t.Fatalf("claim by %s: %v, %v", tc.worker, c, err)
		}
		if string(c.Record) != tc.want {
			t.Fatalf("%s got %q, want %q", tc.worker, c.Record, tc.want)
		}
	}
	if c, err := f.e.Claim(ctx, "w1"); err != nil || c != nil {
		t.Fatalf("claim with no tickets: %v, %v", c, err)
	}
}

func TestPruneDeletesTicketsForFinishedMessages(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	msgs := f.enqueue(t, "a")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The message completes outside the ticket path.
	c, err := f.e.ClaimByID(ctx, "w1", msgs[0].ID, 0)
	if err != nil || c == nil {
		t.Fatalf("claim: %v, %v", c, err)
	}
	if err := f.e.Complete(ctx, c); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if tickets, _ := f.d.Tickets(ctx); len(tickets) != 0 {
		t.Fatalf("stale ticket survived prune")
	}
}

func TestRecoverTicketFromDeadWorker(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	f := newFixture(t, queue.Options{}, Options{Bus: bus})
	ctx := context.Background()
	f.enqueue(t, "orphaned")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ := f.d.Tickets(ctx)
	f.claimTicket(t, tickets[0], "ghost")

	// ghost is not in the active set, so the next cycle frees the ticket.
	f.cluster.set(true, "coord-1", "w1")
	drain(ch)
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ = f.d.Tickets(ctx)
	if len(tickets) != 1 || tickets[0].Status != TicketAvailable || tickets[0].ClaimedBy != "" {
		t.Fatalf("got %+v", tickets[0])
	}
	recovered := 0
	for _, ev := range drain(ch) {
		if ev.Type == events.TypeTicketRecovered {
			recovered++
		}
	}
	if recovered != 1 {
		t.Fatalf("recovered events = %d, want 1", recovered)
	}

	c, err := f.d.NextClaim(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("claim recovered ticket: %v, %v", c, err)
	}
}

func TestRecoverTicketHeldPastHeartbeatTTL(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	f.enqueue(t, "slow redeem")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ := f.d.Tickets(ctx)
	f.claimTicket(t, tickets[0], "w1")

	// w1 stays active but never redeems; age alone frees the ticket.
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ = f.d.Tickets(ctx)
	if tickets[0].Status != TicketClaimed {
		t.Fatalf("fresh claim recovered too early")
	}

	f.clk.advance(16 * time.Second)
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	tickets, _ = f.d.Tickets(ctx)
	if len(tickets) != 1 || tickets[0].Status != TicketAvailable {
		t.Fatalf("got %+v", tickets[0])
	}
}

func TestNextClaimSkipsUnclaimableAndReleases(t *testing.T) {
	f := newFixture(t, queue.Options{}, Options{})
	ctx := context.Background()
	msgs := f.enqueue(t, "a", "b")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Message a gets claimed outside the ticket path; its ticket is now a
	// dud until the dispatcher prunes or the message comes back.
	if _, err := f.e.ClaimByID(ctx, "w9", msgs[0].ID, 0); err != nil {
		t.Fatalf("direct claim: %v", err)
	}

	c, err := f.d.NextClaim(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("next claim: %v, %v", c, err)
	}
	if string(c.Record) != "b" {
		t.Fatalf("claimed %q, want b", c.Record)
	}

	tickets, _ := f.d.Tickets(ctx)
	if len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
	if tickets[0].MessageID != msgs[0].ID || tickets[0].Status != TicketAvailable {
		t.Fatalf("got %+v", tickets[0])
	}
}

func TestLIFOTicketsServeNewestFirst(t *testing.T) {
	f := newFixture(t, queue.Options{Ordering: queue.OrderingLIFO}, Options{})
	ctx := context.Background()
	f.enqueue(t, "a", "b", "c")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	c, err := f.d.NextClaim(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("claim: %v, %v", c, err)
	}
	if string(c.Record) != "c" {
		t.Fatalf("claimed %q, want c", c.Record)
	}

	// Work enqueued after the first batch still jumps the line.
	f.enqueue(t, "d")
	if err := f.d.Dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c, err = f.d.NextClaim(ctx, "w1")
	if err != nil || c == nil {
		t.Fatalf("claim: %v, %v", c, err)
	}
	if string(c.Record) != "d" {
		t.Fatalf("claimed %q, want d", c.Record)
	}
	for _, want := range []string{"b", "a"} {
		c, err = f.d.NextClaim(ctx, "w1")
		if err != nil || c == nil {
			t.Fatalf("claim: %v, %v", c, err)
		}
		if string(c.Record) != want {
			t.Fatalf("claimed %q, want %q", c.Record, want)
		}
	}
}

func TestStartStopLoop(t *testing.T) {
	store := memstore.New()
	cluster := &fakeCluster{id: "coord-1", leader: true, workers: []string{"coord-1", "w1"}}
	e, err := queue.New(store, queue.Options{
		Queue:    "orders",
		Strategy: queue.RetryStrategy(3),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	d, err := New(store, e, cluster, Options{Interval: 20 * time.Millisecond, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()
	if _, err := e.Enqueue(ctx, []byte("looped")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.Start()
	d.Start() // second start is a no-op
	defer d.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tickets, err := d.Tickets(ctx)
		if err != nil {
			t.Fatalf("tickets: %v", err)
		}
		if len(tickets) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop never published a ticket")
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.Stop()
	d.Stop() // second stop is safe
}
