package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/storqdev/storq/storage"
)

// TicketStatus is a ticket's lifecycle state.
type TicketStatus string

const (
	// TicketAvailable: published and waiting for a worker.
	TicketAvailable TicketStatus = "available"
	// TicketClaimed: a worker holds it and is redeeming it into a message
	// claim. Redeemed tickets are deleted, so claimed is transient.
	TicketClaimed TicketStatus = "claimed"
)

// Ticket is a claim grant for one message, published by the coordinator.
// Workers take the lowest OrderIndex first, which is what makes claim
// order deterministic across the fleet regardless of scan timing.
type Ticket struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	MessageID string `json:"messageId"`
	// OrderIndex is the coordinator-assigned position. Lower redeems first.
	OrderIndex uint64 `json:"orderIndex"`
	// QueuedAtMs pins the message enqueue stamp the ticket was ordered
	// against; redemption refuses a message whose stamp moved.
	QueuedAtMs int64 `json:"queuedAtMs"`

	Status        TicketStatus `json:"status"`
	PublishedBy   string       `json:"publishedBy"`
	PublishedAtMs int64        `json:"publishedAtMs"`
	ClaimedBy     string       `json:"claimedBy,omitempty"`
	ClaimedAtMs   int64        `json:"claimedAtMs,omitempty"`

	version string
}

// Version returns the store version tag the ticket was read at.
func (t *Ticket) Version() string { return t.version }

func decodeTicket(rec storage.Record) (*Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	t.version = rec.Version
	return &t, nil
}

func encodeTicket(t *Ticket) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode ticket %s: %w", t.ID, err)
	}
	return data, nil
}
