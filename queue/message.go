package queue

import (
	"encoding/json"
	"fmt"

	"github.com/storqdev/storq/storage"
)

// Status is a message's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Terminal reports whether the status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDead
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Message is one unit of queued work. The business payload lives in the
// target resource under RecordID; the message only points at it.
//
// version is the store's conditional-write tag for the record this struct
// was read from. It never serializes; every mutation re-reads before it
// writes.
type Message struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	RecordID string `json:"recordId"`
	Kind     string `json:"kind,omitempty"`

	Status      Status `json:"status"`
	QueuedAtMs  int64  `json:"queuedAtMs"`
	VisibleAtMs int64  `json:"visibleAtMs"`

	ClaimedBy   string `json:"claimedBy,omitempty"`
	ClaimedAtMs int64  `json:"claimedAtMs,omitempty"`
	LockToken   string `json:"lockToken,omitempty"`

	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"maxAttempts"`
	DoneAtMs    int64 `json:"doneAtMs,omitempty"`

	LastError string `json:"lastError,omitempty"`

	version string
}

// Version returns the store version tag the message was read at.
func (m *Message) Version() string { return m.version }

func decodeMessage(rec storage.Record) (*Message, error) {
	var m Message
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	m.version = rec.Version
	return &m, nil
}

func encodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Claim is a successfully claimed message plus its business record. All
// follow-up calls (Complete, Fail, ExtendVisibility) take the claim so the
// lock token travels with the work.
type Claim struct {
	Message *Message
	// Record is the target resource's payload for Message.RecordID. Nil
	// when the record has expired or was deleted out from under the queue.
	Record []byte
}

// LockToken returns the token guarding this claim's updates.
func (c *Claim) LockToken() string { return c.Message.LockToken }

// DeadLetter is a dead message copied into a target queue's dead keyspace.
// The original message stays in its source queue with status dead; this
// copy is what operators list, requeue, or purge.
type DeadLetter struct {
	Message  Message `json:"message"`
	From     string  `json:"from"`
	Reason   string  `json:"reason"`
	DeadAtMs int64   `json:"deadAtMs"`
}

func decodeDeadLetter(rec storage.Record) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(rec.Value, &d); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &d, nil
}
