// Adapter template API: lists YAML adapter presets and instantiates adapters
// from them via POST /api/adapters/from-template.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/renflow/runner/pkg/connector/templates"
	"github.com/renflow/runner/pkg/logger"
)

type instantiateRequest struct {
	Template string            `json:"template"`
	ID       string            `json:"id,omitempty"`
	Params   map[string]string `json:"params"`
	Connect  bool              `json:"connect,omitempty"`
}

// GET /api/templates: secret param defaults are never exposed.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list := []*templates.AdapterTemplate{}
	if s.templates != nil {
		list = s.templates.List()
	}

	views := make([]templates.AdapterTemplate, 0, len(list))
	for _, t := range list {
		v := *t
		v.Params = make([]templates.Param, len(t.Params))
		for i, p := range t.Params {
			if p.Secret {
				p.Default = ""
			}
			v.Params[i] = p
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": views,
		"count":     len(views),
	})
}

// POST /api/adapters/from-template: body {"template": "qq-bot", "id": "qq", "params": {"token": "..."}, "connect": true}
func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if s.templates == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found: " + req.Template})
		return
	}
	tmpl, ok := s.templates.Get(req.Template)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found: " + req.Template})
		return
	}
	if missing := tmpl.Missing(req.Params); len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "missing required params",
			"missing": missing,
		})
		return
	}
	opts, err := tmpl.Build(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logger.InfoCF("api", "Instantiating adapter from template", map[string]interface{}{
		"template": tmpl.Name,
		"kind":     tmpl.Kind,
	})
	s.createAdapter(w, r, createAdapterRequest{
		ID:      req.ID,
		Kind:    tmpl.Kind,
		Options: opts,
		Connect: req.Connect,
	})
}
