package server

import (
	"net/http"
)

type discountPayload struct {
	Model      string  `json:"model"`
	Multiplier float64 `json:"multiplier"`
	StartsAt   string  `json:"starts_at,omitempty"`
	EndsAt     string  `json:"ends_at,omitempty"`
}

// MyDiscounts handles GET /v1/discounts/my-discounts, reporting every
// catalog model with a currently active discount for the caller. The
// discount store is keyed by (userID, model), so this walks the catalog
// rather than issuing one broad query, matching ActiveDiscount's contract.
func (s *Server) MyDiscounts(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var out []discountPayload
	for _, e := range s.registry.List("") {
		d, err := s.store.ActiveDiscount(ctx, rc.User.ID, e.Model)
		if err != nil || d == nil || !d.Active {
			continue
		}
		payload := discountPayload{Model: e.Model, Multiplier: d.Multiplier, StartsAt: d.StartsAt.Format("2006-01-02T15:04:05Z07:00")}
		if d.EndsAt.Valid {
			payload.EndsAt = d.EndsAt.V.Time.Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"discounts": out})
}

// EligibleModels handles GET /v1/discounts/eligible-models, listing every
// catalog model the caller can reach that does not currently carry an
// active discount (and is therefore a candidate for the next grant).
func (s *Server) EligibleModels(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var out []string
	for _, e := range s.registry.List("") {
		if _, _, err := s.prepareDispatch(ctx, rc, e.Model); err != nil {
			continue
		}
		d, err := s.store.ActiveDiscount(ctx, rc.User.ID, e.Model)
		if err != nil {
			continue
		}
		if d == nil || !d.Active {
			out = append(out, e.Model)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}
