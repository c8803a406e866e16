package server

import (
	"context"
	"net/http"

	"github.com/rakunlabs/vgate/internal/registry"
)

type modelPayload struct {
	ID           string   `json:"id"`
	Object       string   `json:"object"`
	OwnedBy      string   `json:"owned_by"`
	Capabilities []string `json:"capabilities"`
}

func toModelPayload(e registry.ModelEntry) modelPayload {
	caps := make([]string, 0, len(e.Capabilities))
	for c, ok := range e.Capabilities {
		if ok {
			caps = append(caps, string(c))
		}
	}
	return modelPayload{ID: e.Model, Object: "model", OwnedBy: e.ProviderName, Capabilities: caps}
}

// reachable reports whether the caller can currently dispatch to model: at
// least one enabled provider advertises it, the caller's key scoping permits
// one of those providers, and the caller's plan (or an active discount)
// permits the model itself. This mirrors the checks dispatch.go applies
// before a real call, so listings never advertise a model a call would
// immediately reject.
func (s *Server) reachable(ctx context.Context, rc *RequestContext, e registry.ModelEntry) bool {
	if _, _, err := s.prepareDispatch(ctx, rc, e.Model); err != nil {
		return false
	}
	return s.checkPlanAccess(ctx, rc, e) == nil
}

// ListModels handles GET /v1/models, returning every catalog entry the
// caller's key scoping and plan allow.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	entries := s.registry.List("")
	out := make([]modelPayload, 0, len(entries))
	for _, e := range entries {
		if !s.reachable(ctx, rc, e) {
			continue
		}
		out = append(out, toModelPayload(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// GetModel handles GET /v1/models/{id}.
func (s *Server) GetModel(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	model := r.PathValue("*")
	entry, err := s.registry.Lookup(model)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "model_not_found", err.Error(), "")
		return
	}
	if _, _, err := s.prepareDispatch(ctx, rc, entry.Model); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := s.checkPlanAccess(ctx, rc, entry); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, toModelPayload(entry))
}
