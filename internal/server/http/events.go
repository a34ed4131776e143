package httpserver

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/events"
)

const (
	eventBuffer   = 64
	writeDeadline = 10 * time.Second
)

// handleEvents upgrades to a websocket and streams bus events as JSON
// objects, one per frame. ?types=message.,ticket.claimed filters by exact
// type or dot-terminated prefix. Slow consumers miss events rather than
// stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not enabled")
		return
	}
	match := typeFilter(r.URL.Query().Get("types"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe(eventBuffer)
	defer cancel()

	// The read loop only watches for the peer hanging up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !match(ev.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// typeFilter parses a comma list of event types. Entries ending in a dot
// match as prefixes, so "message." takes every message event.
func typeFilter(raw string) func(events.Type) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return func(events.Type) bool { return true }
	}
	var exact []events.Type
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasSuffix(part, ".") {
			prefixes = append(prefixes, part)
		} else {
			exact = append(exact, events.Type(part))
		}
	}
	return func(t events.Type) bool {
		for _, e := range exact {
			if t == e {
				return true
			}
		}
		for _, p := range prefixes {
			if strings.HasPrefix(string(t), p) {
				return true
			}
		}
		return false
	}
}
