package server

import (
	"context"
	"encoding/json"
	"time"
)

const (
	rateLimitWindow = 60 * time.Second
	rateLimitMax    = 100
)

// rateLimitState is the value stored in cache under a rate_limit:<key> key:
// a running count and the window's start time, re-used while still within
// the window and reset once it expires.
type rateLimitState struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// checkRateLimit implements the sliding 60s/100-request window against the
// shared cache: isAllowed returns false once L calls within the last W have
// already returned true.
func (s *Server) checkRateLimit(ctx context.Context, key string) (bool, error) {
	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}

	now := time.Now()
	var state rateLimitState
	if found {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			state = rateLimitState{}
		}
	}

	if !found || now.Sub(state.Timestamp) >= rateLimitWindow {
		state = rateLimitState{Count: 1, Timestamp: now}
		return s.saveRateLimitState(ctx, key, state) == nil, nil
	}

	if state.Count >= rateLimitMax {
		return false, nil
	}

	state.Count++
	if err := s.saveRateLimitState(ctx, key, state); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) saveRateLimitState(ctx context.Context, key string, state rateLimitState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, string(body), rateLimitWindow)
}
