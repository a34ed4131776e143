package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/storqdev/storq/storage"
)

// Meta is a queue's registry record. It exists so operators can discover
// queues without scanning message keyspaces, and it pins the first-writer's
// view of how the queue is configured.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Ordering    string `json:"ordering,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

// ValidName reports whether name can be embedded in store keys. Queue
// names become key path segments, so separators are out.
func ValidName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// EnsureQueue registers a queue idempotently. The first writer wins; later
// calls with a different configuration leave the original record in place.
func EnsureQueue(ctx context.Context, store storage.Adapter, meta Meta) error {
	if !ValidName(meta.Name) {
		return configErrorf("invalid queue name %q", meta.Name)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal queue meta: %w", err)
	}
	_, err = store.Set(ctx, metaKey(meta.Name), data, storage.SetOptions{IfAbsent: true})
	if errors.Is(err, storage.ErrVersionMismatch) {
		return nil // already registered
	}
	if err != nil {
		return fmt.Errorf("register queue %s: %w", meta.Name, err)
	}
	return nil
}

// GetQueue returns one queue's registry record, or ErrNotFound.
func GetQueue(ctx context.Context, store storage.Adapter, name string) (*Meta, error) {
	rec, err := store.Get(ctx, metaKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue %s: %w", name, err)
	}
	var m Meta
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return nil, fmt.Errorf("decode queue meta %s: %w", name, err)
	}
	return &m, nil
}

// ListQueues returns all registered queues sorted by name.
func ListQueues(ctx context.Context, store storage.Adapter) ([]Meta, error) {
	kvs, err := store.List(ctx, prefixMeta)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	out := make([]Meta, 0, len(kvs))
	for _, kv := range kvs {
		var m Meta
		if err := json.Unmarshal(kv.Record.Value, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
