package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program evaluated against messages and dead
// letters, used by listing APIs and the CLI. When built from an empty
// expression it matches everything.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr. Available variables:
//
//	id, record_id, kind, status, claimed_by, last_error  (string)
//	attempts, max_attempts                               (int)
//	queued_at_ms, visible_at_ms, now_ms                  (int)
//	json                                                 (parsed record payload)
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("record_id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("claimed_by", cel.StringType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("max_attempts", cel.IntType),
		cel.Variable("queued_at_ms", cel.IntType),
		cel.Variable("visible_at_ms", cel.IntType),
		// Parsed record payload for field-level filtering.
		cel.Variable("json", cel.DynType),
		// Current time in ms for windowed filters.
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Match evaluates the filter against a message and its record payload.
// When disabled, returns true. Evaluation errors read as no match.
func (f Filter) Match(m *Message, record []byte) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(record, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"id":            m.ID,
		"record_id":     m.RecordID,
		"kind":          m.Kind,
		"status":        string(m.Status),
		"claimed_by":    m.ClaimedBy,
		"last_error":    m.LastError,
		"attempts":      int64(m.Attempts),
		"max_attempts":  int64(m.MaxAttempts),
		"queued_at_ms":  m.QueuedAtMs,
		"visible_at_ms": m.VisibleAtMs,
		"json":          jsonObj,
		"now_ms":        time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
