package server

import (
	"errors"
	"net/http"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
	"github.com/rakunlabs/vgate/internal/security"
)

type moderationsRequest struct {
	Model string `json:"model"`
	Input string `json:"input" validate:"required"`
}

type moderationsResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Results []moderationResult `json:"results"`
}

type moderationResult struct {
	Flagged    bool           `json:"flagged"`
	Categories map[string]any `json:"categories"`
}

// Moderations handles POST /v1/moderations. This endpoint is not a billed
// dispatch call: moderation backs the content-policy check every other
// endpoint already pays for implicitly, so it is not billed a second time
// here. When a model is given and its provider exposes the moderation
// capability directly, its per-category verdicts are surfaced; otherwise
// the result falls back to the coarse flagged/not-flagged verdict from the
// shared security gate.
func (s *Server) Moderations(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	_ = rc

	var req moderationsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if req.Model == "" {
		err := s.security.Check(r.Context(), req.Input)
		flagged := errors.Is(err, security.ErrContentFlagged)
		writeJSON(w, http.StatusOK, moderationsResponse{
			ID: generateChatID(), Model: req.Model,
			Results: []moderationResult{{Flagged: flagged, Categories: map[string]any{}}},
		})
		return
	}

	entry, err := s.resolveCapability(req.Model, registry.CapabilityModeration)
	if err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	ctx := r.Context()
	subs, owners, err := s.prepareDispatch(ctx, rc, req.Model)
	if err != nil || len(subs) == 0 {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, "no sub-provider available for moderation", "")
		return
	}

	var flagged bool
	var categories map[string]float64
	moderated := false
	for _, sp := range subs {
		if !sp.Enabled {
			continue
		}
		owner := owners[sp.ID]
		if owner == nil {
			continue
		}
		adapter, buildErr := s.buildAdapter(sp, owner.Kind, req.Model)
		if buildErr != nil {
			continue
		}
		moderator, ok := adapter.(provider.Moderator)
		if !ok {
			continue
		}
		flagged, categories, err = moderator.Moderate(ctx, req.Model, req.Input)
		moderated = true
		break
	}
	if !moderated {
		flagged = errors.Is(s.security.Check(ctx, req.Input), security.ErrContentFlagged)
	}

	// snakeCaseKeys normalizes upstream category names (adapters vary in
	// casing) into the client-facing response's snake_case convention.
	normalized, _ := snakeCaseKeys(toAnyMap(categories)).(map[string]any)

	writeJSON(w, http.StatusOK, moderationsResponse{
		ID: generateChatID(), Model: req.Model,
		Results: []moderationResult{{Flagged: flagged, Categories: normalized}},
	})
}

func toAnyMap(in map[string]float64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
