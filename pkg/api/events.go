// Event bridge: wires the event bus into the WebSocket hub for real-time
// updates, plus the REST handlers for reading and publishing bus records.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/infrastructure/persistence"
	"github.com/renflow/runner/pkg/logger"
)

// EventBridge connects the event bus to the WebSocket hub.
type EventBridge struct {
	bus *eventbus.Bus
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards bus events to WebSocket clients.
func NewEventBridge(bus *eventbus.Bus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: bus, hub: hub}
}

// Run subscribes to every bus event until ctx is cancelled. It does not block.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}
	logger.InfoC("events", "Event bridge started, forwarding bus events to WebSocket")
	unsub := eb.bus.Subscribe(eventbus.Any, func(rec events.Record) {
		eb.hub.Broadcast(rec.Type, rec)
	})
	go func() {
		<-ctx.Done()
		unsub()
		logger.InfoC("events", "Event bridge stopped")
	}()
}

// GET /api/events?limit=n: most recent bus records, oldest first.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs := s.bus.Recent(limit)
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// POST /api/events: publish a record: {"id": "...", "source": "...", "type": "...", "payload": ...}
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var rec events.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if rec.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type required"})
		return
	}
	if rec.Source == "" {
		rec.Source = "api"
	}
	s.bus.Publish(rec)
	writeJSON(w, http.StatusAccepted, map[string]string{"type": rec.Type, "id": rec.ID})
}

// GET /api/journal?source=&type=&limit=: persisted records, oldest first.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	recs, err := s.journal.Query(r.Context(), persistence.JournalQuery{
		Source: q.Get("source"),
		Type:   q.Get("type"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
