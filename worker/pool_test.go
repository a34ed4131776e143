package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/storage/memstore"
)

func newTestEngine(t *testing.T, opts queue.Options) (*queue.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	if opts.Queue == "" {
		opts.Queue = "orders"
	}
	if opts.Strategy.Mode() == "" {
		opts.Strategy = queue.RetryStrategy(3)
	}
	opts.Logger = zap.NewNop()
	e, err := queue.New(store, opts)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return e, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stats(t *testing.T, e *queue.Engine) queue.Stats {
	t.Helper()
	st, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

type recorder struct {
	mu      sync.Mutex
	handled []string
}

func (r *recorder) Handle(_ context.Context, job *Job) error {
	r.mu.Lock()
	r.handled = append(r.handled, string(job.Record))
	r.mu.Unlock()
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.handled))
	copy(out, r.handled)
	return out
}

func TestNewPoolValidatesOptions(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{})
	h := HandlerFunc(func(context.Context, *Job) error { return nil })

	if _, err := NewPool(nil, h, Options{WorkerID: "w1"}); err == nil {
		t.Fatal("expected error for nil engine")
	}
	if _, err := NewPool(e, nil, Options{WorkerID: "w1"}); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if _, err := NewPool(e, h, Options{}); err == nil {
		t.Fatal("expected error for missing worker id")
	}
	p, err := NewPool(e, h, Options{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if p.concurrency != defaultConcurrency || p.pollInterval != defaultPollInterval || p.maxPoll != defaultMaxPollInterval {
		t.Fatalf("defaults not applied: %d %v %v", p.concurrency, p.pollInterval, p.maxPoll)
	}
	if p.WorkerID() != "w1" {
		t.Fatalf("WorkerID = %q", p.WorkerID())
	}
}

func TestPoolProcessesAllJobs(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{})
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 6; i++ {
		payload := fmt.Sprintf("job-%d", i)
		if _, err := e.Enqueue(ctx, []byte(payload)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		want[payload] = true
	}

	rec := &recorder{}
	p, err := NewPool(e, rec, Options{WorkerID: "w1", Concurrency: 2, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return stats(t, e).Completed == 6 }, "all jobs completed")

	got := rec.seen()
	if len(got) != 6 {
		t.Fatalf("handled %d jobs, want 6", len(got))
	}
	for _, payload := range got {
		if !want[payload] {
			t.Fatalf("handled unexpected payload %q", payload)
		}
		delete(want, payload)
	}
}

func TestPoolRoutesFailureThroughStrategy(t *testing.T) {
	e, store := newTestEngine(t, queue.Options{Strategy: queue.DeadLetterStrategy("orders-dlq")})
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, []byte("good")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Enqueue(ctx, []byte("bad")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := HandlerFunc(func(_ context.Context, job *Job) error {
		if string(job.Record) == "bad" {
			return errors.New("spilled")
		}
		return nil
	})
	p, err := NewPool(e, h, Options{WorkerID: "w1", Concurrency: 1, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		st := stats(t, e)
		return st.Completed == 1 && st.Dead == 1
	}, "one completion and one dead letter")

	dlq, err := queue.New(store, queue.Options{Queue: "orders-dlq", Strategy: queue.RetryStrategy(1), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("queue.New dlq: %v", err)
	}
	dead, err := dlq.DeadLetters(ctx, "", 0)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].From != "orders" || dead[0].Reason != "spilled" {
		t.Fatalf("dead letter = %+v", dead[0])
	}
}

func TestPoolSurvivesHandlerPanic(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{Strategy: queue.RetryStrategy(1)})
	ctx := context.Background()

	boom, err := e.Enqueue(ctx, []byte("boom"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Enqueue(ctx, []byte("fine")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := HandlerFunc(func(_ context.Context, job *Job) error {
		if string(job.Record) == "boom" {
			panic("kaboom")
		}
		return nil
	})
	p, err := NewPool(e, h, Options{WorkerID: "w1", Concurrency: 1, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		st := stats(t, e)
		return st.Completed == 1 && st.Failed == 1
	}, "panic routed to failure")

	m, err := e.Get(ctx, boom.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(m.LastError, "handler panic: kaboom") {
		t.Fatalf("LastError = %q, want handler panic", m.LastError)
	}
}

func TestProcessOneReadyGate(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{})
	ctx := context.Background()
	if _, err := e.Enqueue(ctx, []byte("gated")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	ready := false
	rec := &recorder{}
	p, err := NewPool(e, rec, Options{
		WorkerID: "w1",
		Ready: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return ready
		},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	processed, err := p.ProcessOne(ctx)
	if err != nil || processed {
		t.Fatalf("gated ProcessOne = (%v, %v), want (false, nil)", processed, err)
	}

	mu.Lock()
	ready = true
	mu.Unlock()
	processed, err = p.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("open ProcessOne = (%v, %v), want (true, nil)", processed, err)
	}
	if got := rec.seen(); len(got) != 1 || got[0] != "gated" {
		t.Fatalf("handled = %v", got)
	}
}

type fakeLeader struct {
	mu sync.Mutex
	id string
	ok bool
}

func (f *fakeLeader) set(id string, ok bool) {
	f.mu.Lock()
	f.id, f.ok = id, ok
	f.mu.Unlock()
}

func (f *fakeLeader) Leader(context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.ok
}

type stubTickets struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTickets) NextClaim(context.Context, string) (*queue.Claim, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, nil
}

func TestProcessOneIdlesWithoutCoordinator(t *testing.T) {
	fl := &fakeLeader{}
	e, _ := newTestEngine(t, queue.Options{OrderingGuarantee: true, Leadership: fl})
	ts := &stubTickets{}
	e.AttachTickets(ts)
	ctx := context.Background()
	if _, err := e.Enqueue(ctx, []byte("ordered")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p, err := NewPool(e, HandlerFunc(func(context.Context, *Job) error { return nil }), Options{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	// No coordinator: idle, not an error, so loops keep polling.
	processed, err := p.ProcessOne(ctx)
	if err != nil || processed {
		t.Fatalf("ProcessOne without coordinator = (%v, %v), want (false, nil)", processed, err)
	}

	fl.set("coord-1", true)
	processed, err = p.ProcessOne(ctx)
	if err != nil || processed {
		t.Fatalf("ProcessOne with empty tickets = (%v, %v), want (false, nil)", processed, err)
	}
	ts.mu.Lock()
	calls := ts.calls
	ts.mu.Unlock()
	if calls != 1 {
		t.Fatalf("ticket source calls = %d, want 1", calls)
	}
}

func TestJobRenewLock(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{})
	ctx := context.Background()
	start := time.Now().UnixMilli()
	if _, err := e.Enqueue(ctx, []byte("slow")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var renewed int64
	h := HandlerFunc(func(ctx context.Context, job *Job) error {
		until, err := job.RenewLock(ctx, time.Minute)
		if err != nil {
			return err
		}
		renewed = until
		return nil
	})
	p, err := NewPool(e, h, Options{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	processed, err := p.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne = (%v, %v)", processed, err)
	}
	if renewed < start+50_000 {
		t.Fatalf("renewed deadline %d not pushed out from %d", renewed, start)
	}
	if st := stats(t, e); st.Completed != 1 {
		t.Fatalf("completed = %d, want 1", st.Completed)
	}
}

func TestJobRenewLockWithoutClaim(t *testing.T) {
	job := &Job{ID: "m1", Kind: "email"}
	if _, err := job.RenewLock(context.Background(), time.Minute); err == nil {
		t.Fatal("expected error for detached job")
	}
}

func TestMuxRoutesByKind(t *testing.T) {
	var got []string
	tag := func(name string) Handler {
		return HandlerFunc(func(_ context.Context, job *Job) error {
			got = append(got, name+":"+job.ID)
			return nil
		})
	}

	m := NewMux()
	m.Register("email", tag("email"))
	m.Register("sms", tag("sms"))

	ctx := context.Background()
	if err := m.Handle(ctx, &Job{ID: "a", Kind: "email"}); err != nil {
		t.Fatalf("email: %v", err)
	}
	if err := m.Handle(ctx, &Job{ID: "b", Kind: "sms"}); err != nil {
		t.Fatalf("sms: %v", err)
	}
	err := m.Handle(ctx, &Job{ID: "c", Kind: "push"})
	if err == nil || !strings.Contains(err.Error(), `no handler for kind "push"`) {
		t.Fatalf("unbound kind error = %v", err)
	}

	m.Fallback(tag("any"))
	if err := m.Handle(ctx, &Job{ID: "d", Kind: "push"}); err != nil {
		t.Fatalf("fallback: %v", err)
	}

	want := []string{"email:a", "sms:b", "any:d"}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("handled %v, want %v", got, want)
		}
	}
}

func TestPoolStartStopIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, queue.Options{})
	p, err := NewPool(e, HandlerFunc(func(context.Context, *Job) error { return nil }),
		Options{WorkerID: "w1", PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	p.Start()
	p.Start()

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Restartable after a full stop.
	if _, err := e.Enqueue(context.Background(), []byte("late")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p.Start()
	defer p.Stop()
	waitFor(t, 2*time.Second, func() bool { return stats(t, e).Completed == 1 }, "restarted pool drains")
}
