// Adapter Management API: create, inspect, connect and call adapters held by
// the connector manager.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/connector"
	"github.com/renflow/runner/pkg/logger"
)

type createAdapterRequest struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Options adapter.Options `json:"options"`
	Connect bool            `json:"connect"`
}

type callAPIRequest struct {
	Args []any `json:"args"`
}

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	list := s.manager.List()
	if list == nil {
		list = []adapter.Status{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Kinds())
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, st := range s.manager.List() {
		if st.ID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, connector.ErrAdapterNotFound)
}

// POST /api/adapters: body {"kind": "onebot", "id": "qq", "options": {...}, "connect": true}
func (s *Server) handleCreateAdapter(w http.ResponseWriter, r *http.Request) {
	var req createAdapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.createAdapter(w, r, req)
}

func (s *Server) createAdapter(w http.ResponseWriter, r *http.Request, req createAdapterRequest) {
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind required"})
		return
	}
	if req.ID != "" {
		if _, exists := s.manager.Get(req.ID); exists {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "adapter id already registered"})
			return
		}
	}

	a, err := s.manager.CreateBotAdapter(r.Context(), req.Kind, req.Options, req.ID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logger.InfoCF("api", "Adapter created", map[string]interface{}{
		"id":   a.ID(),
		"kind": a.Kind(),
	})

	if req.Connect {
		if err := a.Connect(r.Context()); err != nil {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"id":    a.ID(),
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": a.ID(), "kind": a.Kind()})
}

func (s *Server) handleDeleteAdapter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Remove(r.Context(), id); err != nil {
		if errors.Is(err, connector.ErrAdapterNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		logger.WarnCF("api", "Adapter released with error", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleConnectAdapter(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	if err := a.Connect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnectAdapter(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	if err := a.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// POST /api/adapters/{id}/api/{name}: body {"args": [...]}; an empty body
// calls with no arguments.
func (s *Server) handleCallAdapterAPI(w http.ResponseWriter, r *http.Request) {
	var req callAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := s.manager.CallAdapterAPI(r.Context(), r.PathValue("id"), r.PathValue("name"), req.Args...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

func (s *Server) lookupAdapter(w http.ResponseWriter, r *http.Request) (adapter.Adapter, bool) {
	id := r.PathValue("id")
	c, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, connector.ErrAdapterNotFound)
		return nil, false
	}
	a, ok := c.(adapter.Adapter)
	if !ok {
		writeError(w, http.StatusNotImplemented, connector.ErrUnsupportedOperation)
		return nil, false
	}
	return a, true
}

// statusFor maps registry and adapter errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, connector.ErrAdapterNotFound), errors.Is(err, adapter.ErrAPINotFound):
		return http.StatusNotFound
	case errors.Is(err, connector.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, connector.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, adapter.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
