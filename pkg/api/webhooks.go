// Webhook API endpoint: accept events from local programs and external sources
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/logger"
)

// POST /api/webhook/{source}: accept an event from a local program or webhook source
//
// Request body can be either:
//
// 1. A bus record (with type, optional id and payload):
//
//	{
//	  "type": "deploy.finished",
//	  "id": "build-42",
//	  "payload": { "status": "success" }
//	}
//
// 2. A simple payload (published with type=webhook.{source}):
//
//	{
//	  "message": "Build completed",
//	  "status": "success"
//	}
//
// The source name from the URL always becomes the record source.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "webhook source name required"})
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty payload"})
		return
	}

	rec := events.Record{Source: source}
	var eventType string
	if raw, ok := body["type"]; ok && json.Unmarshal(raw, &eventType) == nil && eventType != "" {
		rec.Type = eventType
		if raw, ok := body["id"]; ok {
			_ = json.Unmarshal(raw, &rec.ID)
		}
		if raw, ok := body["payload"]; ok {
			rec.Payload = raw
		}
	} else {
		rec.Type = fmt.Sprintf("webhook.%s", source)
		rec.Payload = body
	}

	s.bus.Publish(rec)
	logger.InfoCF("webhook", "Event received and published", map[string]interface{}{
		"source": source,
		"type":   rec.Type,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":    fmt.Sprintf("webhook from %s accepted", source),
		"event_type": rec.Type,
	})
}
