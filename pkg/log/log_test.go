package log

import (
	"path/filepath"
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		if _, err := New(Options{Level: lvl}); err != nil {
			t.Fatalf("level %q: %v", lvl, err)
		}
	}
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewFormats(t *testing.T) {
	if _, err := New(Options{Format: "json"}); err != nil {
		t.Fatalf("json: %v", err)
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storq.log")
	l, err := New(Options{Output: path, Format: "json"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hello")
	_ = l.Sync()
}

func TestComponentNil(t *testing.T) {
	l := Component(nil, "queue")
	if l == nil {
		t.Fatalf("expected non-nil logger")
	}
	l.Info("ignored")
}
