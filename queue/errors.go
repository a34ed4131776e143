package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimConflict reports a claim attempt that lost to a concurrent
	// claimer or raced a state change. It is the one expected error of the
	// claim path; callers skip the message and move on.
	ErrClaimConflict = errors.New("queue: claim conflict")

	// ErrNoCoordinator reports an ordered claim attempted while no
	// coordinator epoch is live and unordered fallback is disabled.
	ErrNoCoordinator = errors.New("queue: no live coordinator for ordered claims")

	// ErrNotFound reports an absent message, dead letter, or queue.
	ErrNotFound = errors.New("queue: not found")

	// ErrDuplicateID reports an enqueue whose explicit message id already
	// exists. Callers that supply deterministic ids treat this as "someone
	// else already enqueued it", not as a failure.
	ErrDuplicateID = errors.New("queue: duplicate message id")
)

// ConfigError reports a queue that cannot operate as configured. It is
// returned at construction and is fatal; there is no runtime recovery from
// a missing dead-letter target or a nonsensical timeout.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "queue: invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// MismatchReason classifies why a lock-guarded update was refused.
type MismatchReason string

const (
	// MismatchTerminalState: the message already reached completed,
	// failed, or dead, and terminal states never move again.
	MismatchTerminalState MismatchReason = "terminal-state"
	// MismatchLockReleased: the message is back in pending; the claim
	// timed out and recovery released it.
	MismatchLockReleased MismatchReason = "lock-released"
	// MismatchTokenMismatch: the message is processing under a different
	// claim than the caller's.
	MismatchTokenMismatch MismatchReason = "token-mismatch"
	// MismatchInvalidState: the message is gone or in a state no valid
	// claim transition produces.
	MismatchInvalidState MismatchReason = "invalid-state"
)

// LockMismatchError reports a complete/fail/retry/dead-letter/renewal call
// whose claim no longer owns the message. Unlike ErrClaimConflict this is a
// hard error: the handler's work may have been duplicated elsewhere and the
// caller must not assume its outcome was recorded.
type LockMismatchError struct {
	MessageID string
	Reason    MismatchReason
}

func (e *LockMismatchError) Error() string {
	return fmt.Sprintf("queue: lock mismatch on message %s: %s", e.MessageID, e.Reason)
}

func lockMismatch(id string, reason MismatchReason) error {
	return &LockMismatchError{MessageID: id, Reason: reason}
}

// IsLockMismatch returns the typed error when err is a lock mismatch.
func IsLockMismatch(err error) (*LockMismatchError, bool) {
	var lm *LockMismatchError
	if errors.As(err, &lm) {
		return lm, true
	}
	return nil, false
}
