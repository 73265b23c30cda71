package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/renflow/runner/pkg/connector"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/queue"
)

type enqueueRequest struct {
	queue.Message
	DelayMS  int64 `json:"delay_ms"`
	Attempts int   `json:"attempts"`
}

func (s *Server) lookupQueue(w http.ResponseWriter, r *http.Request) (*queue.Memory, bool) {
	id := r.PathValue("id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(w, http.StatusNotFound, connector.ErrAdapterNotFound)
		return nil, false
	}
	q, ok := connector.Lookup[*queue.Memory](s.manager, id)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "not a queue"})
		return nil, false
	}
	return q, true
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          q.ID(),
		"concurrency": q.Concurrency(),
		"stats":       q.Stats(),
	})
}

// POST /api/queues/{id}/jobs: body {"type": "job.build", "payload": {...}, "delay_ms": 0, "attempts": 3}
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupQueue(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	jobID, err := q.Enqueue(r.Context(), req.Message, queue.EnqueueOptions{
		Delay:    time.Duration(req.DelayMS) * time.Millisecond,
		Attempts: req.Attempts,
	})
	switch {
	case errors.Is(err, queue.ErrMissingType):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger.DebugCF("api", "Job enqueued", map[string]interface{}{
		"queue":  q.ID(),
		"job_id": jobID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
