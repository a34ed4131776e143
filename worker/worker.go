// Package worker runs handler pools against a queue.
//
// A pool claims messages through the queue engine, hands each to a
// Handler, and records the outcome: nil completes the message, an error
// routes it through the queue's failure strategy. Handler panics count as
// failed attempts, never as crashed loops.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storqdev/storq/queue"
)

// Handler processes one claimed job.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Job is one claimed message as the handler sees it.
type Job struct {
	ID          string
	Queue       string
	Kind        string
	RecordID    string
	Record      []byte
	Attempts    int
	MaxAttempts int
	// LastError is the previous attempt's failure, empty on the first.
	LastError string

	engine *queue.Engine
	claim  *queue.Claim
}

func newJob(e *queue.Engine, c *queue.Claim) *Job {
	m := c.Message
	return &Job{
		ID:          m.ID,
		Queue:       m.Queue,
		Kind:        m.Kind,
		RecordID:    m.RecordID,
		Record:      c.Record,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		LastError:   m.LastError,
		engine:      e,
		claim:       c,
	}
}

// RenewLock pushes the job's visibility deadline to now plus extra, for
// handlers that legitimately outrun the visibility timeout. It returns the
// new deadline in unix ms and fails once the claim is lost.
func (j *Job) RenewLock(ctx context.Context, extra time.Duration) (int64, error) {
	if j.engine == nil {
		return 0, fmt.Errorf("job has no live claim")
	}
	return j.engine.ExtendVisibility(ctx, j.claim, extra)
}

// Mux routes jobs to handlers by message kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewMux returns an empty mux. A mux with no matching handler and no
// fallback fails the job.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register binds kind to h, replacing any previous binding.
func (m *Mux) Register(kind string, h Handler) {
	m.mu.Lock()
	m.handlers[kind] = h
	m.mu.Unlock()
}

// Fallback sets the handler for kinds with no binding.
func (m *Mux) Fallback(h Handler) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

func (m *Mux) Handle(ctx context.Context, job *Job) error {
	m.mu.RLock()
	h, ok := m.handlers[job.Kind]
	if !ok {
		h = m.fallback
	}
	m.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no handler for kind %q", job.Kind)
	}
	return h.Handle(ctx, job)
}
