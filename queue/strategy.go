package queue

import (
	"fmt"
	"time"
)

// StrategyMode selects what happens when a handler keeps failing.
type StrategyMode string

const (
	// ModeRetry retries up to MaxAttempts, then parks the message as
	// failed. Nothing is copied anywhere.
	ModeRetry StrategyMode = "retry"
	// ModeDeadLetter gives up on the first failure and copies the message
	// to the dead-letter target.
	ModeDeadLetter StrategyMode = "dead-letter"
	// ModeHybrid retries up to MaxAttempts, then copies to the dead-letter
	// target.
	ModeHybrid StrategyMode = "hybrid"
)

// Strategy is the failure policy for a queue. Construct one with
// RetryStrategy, DeadLetterStrategy, or HybridStrategy; the zero value is
// invalid and rejected at engine construction.
type Strategy struct {
	mode        StrategyMode
	maxAttempts int
	target      string
}

// RetryStrategy retries up to maxAttempts, then marks messages failed.
func RetryStrategy(maxAttempts int) Strategy {
	return Strategy{mode: ModeRetry, maxAttempts: maxAttempts}
}

// DeadLetterStrategy dead-letters to target on the first failure.
func DeadLetterStrategy(target string) Strategy {
	return Strategy{mode: ModeDeadLetter, maxAttempts: 1, target: target}
}

// HybridStrategy retries up to maxAttempts, then dead-letters to target.
func HybridStrategy(maxAttempts int, target string) Strategy {
	return Strategy{mode: ModeHybrid, maxAttempts: maxAttempts, target: target}
}

// ParseStrategy builds a strategy from configuration fields.
func ParseStrategy(mode string, maxAttempts int, target string) (Strategy, error) {
	var s Strategy
	switch StrategyMode(mode) {
	case ModeRetry:
		s = RetryStrategy(maxAttempts)
	case ModeDeadLetter:
		s = DeadLetterStrategy(target)
	case ModeHybrid:
		s = HybridStrategy(maxAttempts, target)
	default:
		return Strategy{}, configErrorf("unknown failure strategy %q", mode)
	}
	if err := s.validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

func (s Strategy) validate() error {
	switch s.mode {
	case ModeRetry:
		if s.maxAttempts < 1 {
			return configErrorf("retry strategy needs maxAttempts >= 1, got %d", s.maxAttempts)
		}
	case ModeDeadLetter:
		if !ValidName(s.target) {
			return configErrorf("dead-letter strategy needs a valid target queue, got %q", s.target)
		}
	case ModeHybrid:
		if s.maxAttempts < 1 {
			return configErrorf("hybrid strategy needs maxAttempts >= 1, got %d", s.maxAttempts)
		}
		if !ValidName(s.target) {
			return configErrorf("hybrid strategy needs a valid target queue, got %q", s.target)
		}
	default:
		return configErrorf("failure strategy not set")
	}
	return nil
}

// Mode returns the strategy mode.
func (s Strategy) Mode() StrategyMode { return s.mode }

// MaxAttempts returns the attempt budget. Dead-letter mode is always 1.
func (s Strategy) MaxAttempts() int { return s.maxAttempts }

// DeadLetterTarget returns the target queue and whether the strategy dead-
// letters at all.
func (s Strategy) DeadLetterTarget() (string, bool) {
	if s.mode == ModeDeadLetter || s.mode == ModeHybrid {
		return s.target, true
	}
	return "", false
}

// exhaustedStatus is the terminal state once attempts run out.
func (s Strategy) exhaustedStatus() Status {
	if _, ok := s.DeadLetterTarget(); ok {
		return StatusDead
	}
	return StatusFailed
}

func (s Strategy) String() string {
	switch s.mode {
	case ModeRetry:
		return fmt.Sprintf("retry(max=%d)", s.maxAttempts)
	case ModeDeadLetter:
		return fmt.Sprintf("dead-letter(target=%s)", s.target)
	case ModeHybrid:
		return fmt.Sprintf("hybrid(max=%d, target=%s)", s.maxAttempts, s.target)
	}
	return "unset"
}

// retryBackoff is the delay before a failed attempt becomes claimable
// again: 2^attempts seconds, capped at 30s.
func retryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
