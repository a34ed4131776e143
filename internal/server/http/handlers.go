package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storqdev/storq/internal/config"
	"github.com/storqdev/storq/queue"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// engineFor resolves the {queue} route param, answering 404 itself when the
// queue is not served here.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*queue.Engine, bool) {
	name := chi.URLParam(r, "queue")
	e, ok := s.backend.Engine(name)
	if !ok {
		writeError(w, http.StatusNotFound, "queue "+name+" not served by this node")
		return nil, false
	}
	return e, true
}

// engineError maps engine failures onto status codes.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	var ce *queue.ConfigError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Warn("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make([]queue.Stats, 0)
	for _, name := range s.backend.EngineNames() {
		e, ok := s.backend.Engine(name)
		if !ok {
			continue
		}
		st, err := e.Stats(r.Context())
		if err != nil {
			s.engineError(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	metas, err := s.backend.Queues(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": metas})
}

type enqueueRequest struct {
	// Payload is stored verbatim as the message's record.
	Payload json.RawMessage `json:"payload"`
	// RecordID points at a record inserted out of band instead.
	RecordID    string          `json:"recordId"`
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Delay       config.Duration `json:"delay"`
	MaxAttempts int             `json:"maxAttempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	m, err := e.EnqueueWithOptions(r.Context(), req.Payload, queue.EnqueueOptions{
		ID:          req.ID,
		RecordID:    req.RecordID,
		Kind:        req.Kind,
		Delay:       req.Delay.Std(),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	st, err := e.Stats(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	status := queue.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	filter := q.Get("filter")
	if _, err := queue.NewFilter(filter); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	msgs, err := e.ListMessages(r.Context(), queue.ListOptions{Status: status, Filter: filter, Limit: limit})
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	m, err := e.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := q.Get("filter")
	if _, err := queue.NewFilter(filter); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	dead, err := e.DeadLetters(r.Context(), filter, limit)
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": dead})
}

type requeueRequest struct {
	// ID selects one dead letter; empty requeues them all.
	ID string `json:"id"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID != "" {
		m, err := e.RequeueDead(r.Context(), req.ID)
		if err != nil {
			s.engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requeued": 1, "message": m})
		return
	}
	n, err := e.RequeueAllDead(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.PurgeDead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.engineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	n, err := e.PurgeAllDead(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not enabled")
		return
	}
	workers, err := s.core.ActiveWorkers(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	leader, _ := s.core.Leader(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "coordinator": leader})
}

func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not enabled")
		return
	}
	epoch, err := s.core.CurrentEpoch(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	leader, live := s.core.Leader(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"self":          s.core.WorkerID(),
		"leader":        leader,
		"live":          live,
		"isCoordinator": live && leader == s.core.WorkerID(),
		"epoch":         epoch,
	})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.schedules})
}
