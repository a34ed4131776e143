package config

import (
	"os"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/storq" {
		t.Fatalf("got %s, want /custom/data/storq", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	original := os.Getenv("HOME")
	os.Unsetenv("HOME")
	t.Cleanup(func() {
		if original != "" {
			os.Setenv("HOME", original)
		}
	})
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("got %s, want ./data fallback", got)
	}
}

func TestDefaultDataDirStable(t *testing.T) {
	a, b := DefaultDataDir(), DefaultDataDir()
	if a == "" || a != b {
		t.Fatalf("unstable data dir: %q vs %q", a, b)
	}
	if !strings.Contains(a, "storq") && a != "./data" {
		t.Fatalf("data dir %q not storq-specific", a)
	}
}

func TestIsDir(t *testing.T) {
	if !isDir(".") {
		t.Fatal("cwd should be a directory")
	}
	if isDir("/non/existent/path") {
		t.Fatal("missing path reported as directory")
	}
	if isDir(os.Args[0]) {
		t.Fatal("file reported as directory")
	}
}
