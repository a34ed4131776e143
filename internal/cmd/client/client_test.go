package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/coordinator"
	"github.com/storqdev/storq/events"
	httpserver "github.com/storqdev/storq/internal/server/http"
	"github.com/storqdev/storq/queue"
	"github.com/storqdev/storq/storage/memstore"
	"github.com/storqdev/storq/worker"
)

type testBackend struct {
	store   *memstore.Store
	engines map[string]*queue.Engine
	names   []string
}

func (b *testBackend) Healthy(ctx context.Context) error { return nil }

func (b *testBackend) Engine(name string) (*queue.Engine, bool) {
	e, ok := b.engines[name]
	return e, ok
}

func (b *testBackend) EngineNames() []string { return b.names }

func (b *testBackend) Queues(ctx context.Context) ([]queue.Meta, error) {
	return queue.ListQueues(ctx, b.store)
}

// newTestAPI serves the real ops API over real engines and returns a
// BaseURLFunc pointing at it.
func newTestAPI(t *testing.T) (BaseURLFunc, *testBackend) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	bus := events.NewBus()

	orders, err := queue.New(store, queue.Options{
		Queue:    "orders",
		Strategy: queue.HybridStrategy(2, "orders-dlq"),
		Bus:      bus,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("orders engine: %v", err)
	}
	dlq, err := queue.New(store, queue.Options{
		Queue:    "orders-dlq",
		Strategy: queue.RetryStrategy(3),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("dlq engine: %v", err)
	}
	for _, e := range []*queue.Engine{orders, dlq} {
		if err := e.EnsureRegistered(ctx); err != nil {
			t.Fatalf("register %s: %v", e.Queue(), err)
		}
	}

	core, err := coordinator.New(store, coordinator.Options{WorkerID: "cli-api", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	core.PublishHeartbeat(ctx)
	if _, err := core.EnsureCoordinator(ctx); err != nil {
		t.Fatalf("ensure coordinator: %v", err)
	}

	b := &testBackend{
		store:   store,
		engines: map[string]*queue.Engine{"orders": orders, "orders-dlq": dlq},
		names:   []string{"orders", "orders-dlq"},
	}
	s := httpserver.New(b, httpserver.Options{Core: core, Bus: bus, Logger: zap.NewNop()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return func() string { return ts.URL }, b
}

func runCommand(t *testing.T, api BaseURLFunc, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(api)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestEnqueueCommand(t *testing.T) {
	api, b := newTestAPI(t)

	out, err := runCommand(t, api, "enqueue", "-q", "orders", "--kind", "order.created", "--data", `{"order":42}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, `"id"`) || !strings.Contains(out, "order.created") {
		t.Fatalf("output: %s", out)
	}

	st, err := b.engines["orders"].Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}
}

func TestEnqueuePlainTextData(t *testing.T) {
	api, b := newTestAPI(t)

	if _, err := runCommand(t, api, "enqueue", "-q", "orders", "--id", "n1", "--data", "nightly run"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c, err := b.engines["orders"].ClaimByID(context.Background(), "w1", "n1", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Non-JSON input is stored as a JSON string.
	if string(c.Record) != `"nightly run"` {
		t.Fatalf("record = %s", c.Record)
	}
}

func TestEnqueueValidation(t *testing.T) {
	api, _ := newTestAPI(t)

	if _, err := runCommand(t, api, "enqueue", "--data", "x"); err == nil {
		t.Fatal("expected error without --queue")
	}
	if _, err := runCommand(t, api, "enqueue", "-q", "orders"); err == nil {
		t.Fatal("expected error without --data")
	}
	if _, err := runCommand(t, api, "enqueue", "-q", "ghost", "--data", "x"); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestStatsCommand(t *testing.T) {
	api, b := newTestAPI(t)
	if _, err := b.engines["orders"].Enqueue(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := runCommand(t, api, "stats", "-q", "orders")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"pending": 1`) {
		t.Fatalf("output: %s", out)
	}

	out, err = runCommand(t, api, "stats")
	if err != nil {
		t.Fatalf("aggregate stats: %v", err)
	}
	if !strings.Contains(out, "orders-dlq") {
		t.Fatalf("output: %s", out)
	}
}

func TestQueuesCommand(t *testing.T) {
	api, _ := newTestAPI(t)
	out, err := runCommand(t, api, "queues")
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if !strings.Contains(out, "orders") {
		t.Fatalf("output: %s", out)
	}
}

func TestMessagesCommand(t *testing.T) {
	api, b := newTestAPI(t)
	ctx := context.Background()
	orders := b.engines["orders"]
	m1, err := orders.EnqueueWithOptions(ctx, []byte(`{}`), queue.EnqueueOptions{Kind: "order.created"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := orders.EnqueueWithOptions(ctx, []byte(`{}`), queue.EnqueueOptions{Kind: "order.voided"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := runCommand(t, api, "messages", "-q", "orders", "--status", "pending")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if !strings.Contains(out, "order.created") || !strings.Contains(out, "order.voided") {
		t.Fatalf("output: %s", out)
	}

	out, err = runCommand(t, api, "messages", "-q", "orders", "--filter", `kind == "order.voided"`)
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if strings.Contains(out, "order.created") {
		t.Fatalf("filter leaked: %s", out)
	}

	out, err = runCommand(t, api, "messages", "-q", "orders", "--id", m1.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if !strings.Contains(out, m1.ID) {
		t.Fatalf("output: %s", out)
	}

	// A broken filter surfaces the server's 400 with its message.
	_, err = runCommand(t, api, "messages", "-q", "orders", "--filter", "nope >")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}

func TestDLQCommands(t *testing.T) {
	api, b := newTestAPI(t)
	ctx := context.Background()
	orders := b.engines["orders"]

	m, err := orders.EnqueueWithOptions(ctx, []byte(`{"sku":"bad"}`), queue.EnqueueOptions{Kind: "order.created"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := orders.ClaimByID(ctx, "w1", m.ID, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := orders.MoveToDeadLetter(ctx, c, errors.New("poison payload")); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	out, err := runCommand(t, api, "dlq", "ls", "-q", "orders-dlq")
	if err != nil {
		t.Fatalf("dlq ls: %v", err)
	}
	if !strings.Contains(out, "poison payload") || !strings.Contains(out, `"from": "orders"`) {
		t.Fatalf("output: %s", out)
	}

	// Purging everything needs --confirm.
	if _, err := runCommand(t, api, "dlq", "purge", "-q", "orders-dlq"); err == nil {
		t.Fatal("expected error without --confirm")
	}

	out, err = runCommand(t, api, "dlq", "requeue", "-q", "orders-dlq", "--id", m.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !strings.Contains(out, `"requeued": 1`) {
		t.Fatalf("output: %s", out)
	}
	st, err := orders.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1 after requeue", st.Pending)
	}

	out, err = runCommand(t, api, "dlq", "purge", "-q", "orders-dlq", "--confirm")
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if !strings.Contains(out, `"purged": 0`) {
		t.Fatalf("output: %s", out)
	}
}

func TestWorkersCommand(t *testing.T) {
	api, _ := newTestAPI(t)
	out, err := runCommand(t, api, "workers")
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if !strings.Contains(out, "cli-api") {
		t.Fatalf("output: %s", out)
	}
}

func TestCoordinatorCommand(t *testing.T) {
	api, _ := newTestAPI(t)
	out, err := runCommand(t, api, "coordinator")
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if !strings.Contains(out, `"isCoordinator": true`) {
		t.Fatalf("output: %s", out)
	}
}

func TestSchedulesCommand(t *testing.T) {
	api, _ := newTestAPI(t)
	out, err := runCommand(t, api, "schedules")
	if err != nil {
		t.Fatalf("schedules: %v", err)
	}
	if !strings.Contains(out, "schedules") {
		t.Fatalf("output: %s", out)
	}
}

func TestWatchCommand(t *testing.T) {
	api, b := newTestAPI(t)

	done := make(chan struct{})
	var out string
	var runErr error
	go func() {
		defer close(done)
		out, runErr = runCommand(t, api, "watch", "--types", "message.", "--limit", "1")
	}()

	// The subscription lands some time after the dial; keep publishing
	// until the watcher has its frame.
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		select {
		case <-done:
			if runErr != nil {
				t.Fatalf("watch: %v", runErr)
			}
			if !strings.Contains(out, "message.enqueued") || !strings.Contains(out, "orders") {
				t.Fatalf("output: %s", out)
			}
			return
		case <-deadline:
			t.Fatal("no event observed")
		case <-time.After(25 * time.Millisecond):
			if _, err := b.engines["orders"].Enqueue(context.Background(), []byte(`{}`)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
}

func TestWorkerCommandRequiresQueue(t *testing.T) {
	cmd := NewWorkerCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --queue")
	}
}

func TestShellHandler(t *testing.T) {
	ctx := context.Background()
	job := &worker.Job{ID: "j1", Queue: "orders", Kind: "k", Record: []byte("hello"), Attempts: 1}

	h := &shellHandler{command: "cat >/dev/null", stdout: io.Discard, stderr: io.Discard}
	if err := h.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	h = &shellHandler{command: "exit 3", stdout: io.Discard, stderr: io.Discard}
	if err := h.Handle(ctx, job); err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	// The job env reaches the command.
	buf := &bytes.Buffer{}
	h = &shellHandler{command: `printf '%s' "$STORQ_JOB_ID"`, stdout: buf, stderr: io.Discard}
	if err := h.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if buf.String() != "j1" {
		t.Fatalf("env = %q", buf.String())
	}
}

func TestPrintHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	h := printHandler(buf)
	err := h(context.Background(), &worker.Job{ID: "j1", Queue: "orders", Record: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(buf.String(), "payload_json") {
		t.Fatalf("output: %s", buf.String())
	}
}

func TestDecodedPayload(t *testing.T) {
	if m := decodedPayload([]byte(`{"a":1}`)); m["payload_json"] == nil {
		t.Fatalf("json payload: %v", m)
	}
	if m := decodedPayload([]byte("plain text")); m["payload_text"] != "plain text" {
		t.Fatalf("text payload: %v", m)
	}
	if m := decodedPayload([]byte{0xff, 0xfe}); m["payload_b64"] == nil {
		t.Fatalf("binary payload: %v", m)
	}
}

func TestWsURL(t *testing.T) {
	if got := wsURL("http://127.0.0.1:8080"); got != "ws://127.0.0.1:8080" {
		t.Fatalf("ws url: %s", got)
	}
	if got := wsURL("https://storq.example.com"); got != "wss://storq.example.com" {
		t.Fatalf("wss url: %s", got)
	}
}
