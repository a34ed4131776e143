// Package events carries the lifecycle notifications emitted by the queue,
// coordinator, and dispatcher.
//
// Components never call observers directly; they hold a *Bus injected at
// construction and publish into it. Publishing is non-blocking: a subscriber
// that falls behind loses events rather than stalling a claim or dispatch
// path. None of these events are required for correctness, only for
// observability, so a nil bus is valid and drops everything.
package events

import "time"

// Type names one lifecycle transition.
type Type string

const (
	TypeMessageEnqueued     Type = "message.enqueued"
	TypeMessageClaimed      Type = "message.claimed"
	TypeMessageCompleted    Type = "message.completed"
	TypeMessageRetried      Type = "message.retried"
	TypeMessageFailed       Type = "message.failed"
	TypeMessageDeadLettered Type = "message.dead_lettered"
	TypeMessageRecovered    Type = "message.recovered"

	TypeCoordinatorElected Type = "coordinator.elected"
	TypeCoordinatorPromote Type = "coordinator.promoted"
	TypeCoordinatorDemote  Type = "coordinator.demoted"
	TypeEpochRenewed       Type = "coordinator.epoch_renewed"

	TypeTicketPublished Type = "ticket.published"
	TypeTicketClaimed   Type = "ticket.claimed"
	TypeTicketRecovered Type = "ticket.recovered"

	// TypeOrderingDegraded fires when a queue configured with an ordering
	// guarantee starts serving unordered claims because no coordinator
	// epoch is live. It is the explicit signal for what would otherwise be
	// a silent fallback.
	TypeOrderingDegraded Type = "ordering.degraded"
)

// Event is one lifecycle notification. Fields other than Type and AtMs are
// filled only where they apply.
type Event struct {
	Type      Type   `json:"type"`
	Queue     string `json:"queue,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
	WorkerID  string `json:"workerId,omitempty"`
	Err       string `json:"err,omitempty"`
	AtMs      int64  `json:"atMs"`
}

// At returns the event time.
func (e Event) At() time.Time { return time.UnixMilli(e.AtMs) }
