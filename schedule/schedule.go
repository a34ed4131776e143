// Package schedule enqueues recurring messages from a cron table.
//
// A Scheduler runs only while its node holds the coordinator role: the node
// wires Start into the promote hook and Stop into the demote hook, so at
// most one live scheduler fires per cluster. Firings use deterministic
// message ids derived from the entry name and the scheduled tick, which
// turns the brief overlap of a coordinator hand-off into a duplicate-id
// enqueue that the queue rejects instead of a double dispatch.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/storqdev/storq/queue"
)

// enqueue gets a bounded slice of the tick interval; a wedged store must
// not stack up goroutines behind the cron runner.
const fireTimeout = 10 * time.Second

// Enqueuer is the slice of the queue engine a scheduler needs.
// *queue.Engine satisfies it.
type Enqueuer interface {
	EnqueueWithOptions(ctx context.Context, record []byte, opts queue.EnqueueOptions) (*queue.Message, error)
}

// Entry is one recurring enqueue.
type Entry struct {
	// Name identifies the entry in logs and seeds the deterministic
	// message ids. Entries on one scheduler must have unique names; empty
	// names are derived from the queue and position.
	Name string `json:"name" yaml:"name"`
	// Spec is a cron expression: five-field crontab syntax or a
	// descriptor such as @hourly or @every 30s.
	Spec string `json:"spec" yaml:"spec"`
	// Queue names the destination queue.
	Queue string `json:"queue" yaml:"queue"`
	// Kind tags the enqueued messages for handler routing.
	Kind string `json:"kind" yaml:"kind"`
	// Payload is the record body enqueued on every firing.
	Payload string `json:"payload" yaml:"payload"`
}

// Options configures a Scheduler.
type Options struct {
	Logger *zap.Logger
}

// Scheduler owns a cron runner over a validated entry table.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	entries []Entry
	running atomic.Bool
}

// New validates entries, resolves their destination queues, and builds a
// stopped scheduler. Resolve maps a queue name to its engine; it is called
// once per entry at construction so a bad destination fails fast.
func New(resolve func(queue string) (Enqueuer, error), entries []Entry, opts Options) (*Scheduler, error) {
	if resolve == nil {
		return nil, fmt.Errorf("schedule: resolve function is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Scheduler{
		cron:    cron.New(),
		logger:  opts.Logger,
		entries: make([]Entry, 0, len(entries)),
	}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			e.Name = fmt.Sprintf("%s-%d", e.Queue, i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("schedule: duplicate entry name %q", e.Name)
		}
		seen[e.Name] = true
		if e.Spec == "" {
			return nil, fmt.Errorf("schedule: entry %s has no cron spec", e.Name)
		}
		if !queue.ValidName(e.Queue) {
			return nil, fmt.Errorf("schedule: entry %s has invalid queue %q", e.Name, e.Queue)
		}
		enq, err := resolve(e.Queue)
		if err != nil {
			return nil, fmt.Errorf("schedule: entry %s: %w", e.Name, err)
		}
		job := &cronJob{s: s, entry: e, enq: enq}
		id, err := s.cron.AddJob(e.Spec, job)
		if err != nil {
			return nil, fmt.Errorf("schedule: entry %s has invalid spec %q: %w", e.Name, e.Spec, err)
		}
		// Jobs never fire before Start, so the id is set in time.
		job.id = id
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Entries returns the validated entry table.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Start begins firing entries. Meant to run from the coordinator promote
// hook; starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.cron.Start()
	if !s.running.Swap(true) {
		s.logger.Info("schedule runner started", zap.Int("entries", len(s.entries)))
	}
}

// Stop halts firing and waits for in-flight enqueues. Meant to run from
// the coordinator demote hook.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	if s.running.Swap(false) {
		s.logger.Info("schedule runner stopped")
	}
}

type cronJob struct {
	s     *Scheduler
	entry Entry
	enq   Enqueuer
	id    cron.EntryID
}

func (j *cronJob) Run() {
	// The previous activation time is this firing's scheduled tick. Every
	// node computes the same tick from the same spec, so the id collides
	// exactly when another coordinator already fired this tick.
	tick := j.s.cron.Entry(j.id).Prev
	if tick.IsZero() {
		tick = time.Now()
	}
	j.fire(tick)
}

func (j *cronJob) fire(tick time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	msgID := fmt.Sprintf("%s-%d", j.entry.Name, tick.UnixMilli())
	m, err := j.enq.EnqueueWithOptions(ctx, []byte(j.entry.Payload), queue.EnqueueOptions{
		ID:   msgID,
		Kind: j.entry.Kind,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicateID):
		j.s.logger.Debug("tick already enqueued",
			zap.String("entry", j.entry.Name),
			zap.String("msg", msgID))
	case err != nil:
		j.s.logger.Warn("scheduled enqueue failed",
			zap.String("entry", j.entry.Name),
			zap.String("queue", j.entry.Queue),
			zap.Error(err))
	default:
		j.s.logger.Debug("scheduled enqueue",
			zap.String("entry", j.entry.Name),
			zap.String("queue", j.entry.Queue),
			zap.String("msg", m.ID))
	}
}
