package balancer

import (
	"errors"
	"sync"
	"time"

	"github.com/rakunlabs/vgate/internal/domain"
)

// ErrNoCandidate is returned when no sub-provider is eligible to serve a
// request (all excluded, circuit open, rate-limited, or concurrency-full).
var ErrNoCandidate = errors.New("balancer: no eligible sub-provider")

// Weights controls the relative influence of each scoring signal. Grounded
// on the tokenhub router engine's ModeWeights{Cost,Latency,Failure,Weight}.
type Weights struct {
	Latency float64
	Failure float64
	Weight  float64
}

// DefaultWeights balances failure avoidance most heavily, then latency, then
// the operator-assigned static weight.
var DefaultWeights = Weights{Latency: 0.3, Failure: 0.5, Weight: 0.2}

// Candidate is one sub-provider eligible for selection, paired with its
// static configuration and live health state.
type Candidate struct {
	SubProvider *domain.SubProvider
	State       *State
}

// Balancer tracks per-sub-provider State and selects among a Provider's
// SubProviders for each request.
type Balancer struct {
	mu      sync.RWMutex
	states  map[string]*State // sub-provider ID -> state
	weights Weights
}

// New returns a Balancer with DefaultWeights.
func New() *Balancer {
	return &Balancer{states: make(map[string]*State), weights: DefaultWeights}
}

// WithWeights overrides the scoring weights (used in tests and by admin
// tuning endpoints).
func (b *Balancer) WithWeights(w Weights) *Balancer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weights = w
	return b
}

// Register ensures a State exists for the given sub-provider, creating one
// the first time it's seen — this is the hot-reload entry point used when
// the admin surface adds or re-enables a sub-provider.
func (b *Balancer) Register(subProviderID string) *State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[subProviderID]
	if !ok {
		st = NewState(subProviderID)
		b.states[subProviderID] = st
	}
	return st
}

// Remove drops a sub-provider's health state, used when it's deleted or
// disabled through the admin surface.
func (b *Balancer) Remove(subProviderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, subProviderID)
}

// State returns the health state for a sub-provider, registering it lazily
// if this is the first time it's been seen.
func (b *Balancer) State(subProviderID string) *State {
	return b.Register(subProviderID)
}

// Select scores and returns the best eligible sub-provider among subs for a
// request expected to consume estimatedTokens, excluding any IDs already
// tried in excluded (used by the dispatch pipeline's retry loop).
func (b *Balancer) Select(now time.Time, subs []*domain.SubProvider, estimatedTokens int64, excluded map[string]bool) (Candidate, error) {
	var best Candidate
	bestScore := -1.0
	found := false

	for _, sp := range subs {
		if !sp.Enabled || excluded[sp.ID] {
			continue
		}
		st := b.Register(sp.ID)

		circuit := st.Circuit(now)
		if circuit == CircuitOpen {
			continue
		}
		if circuit == CircuitHalfOpen && !st.TryAcquireProbe(now) {
			continue
		}
		if !st.WithinRateLimits(now, sp.RPMLimit, sp.TPMLimit, estimatedTokens) {
			continue
		}
		if !st.AcquireConcurrency(sp.MaxConcurrency) {
			continue
		}

		score := b.score(st.Snapshot(now), sp)
		if !found || score > bestScore {
			if found {
				best.State.ReleaseConcurrency()
			}
			best = Candidate{SubProvider: sp, State: st}
			bestScore = score
			found = true
		} else {
			st.ReleaseConcurrency()
		}
	}

	if !found {
		return Candidate{}, ErrNoCandidate
	}
	return best, nil
}

// score combines live health signals into a single ranking value; higher is
// better. Latency and failure rate pull the score down, the operator-set
// static Weight pulls it up.
func (b *Balancer) score(snap Snapshot, sp *domain.SubProvider) float64 {
	b.mu.RLock()
	w := b.weights
	b.mu.RUnlock()

	failureRate := 0.0
	if snap.TotalRequests > 0 {
		failureRate = float64(snap.TotalFailures) / float64(snap.TotalRequests)
	}

	latencyPenalty := snap.AvgLatencyMillis / 1000.0 // seconds, unbounded but typically small
	staticWeight := sp.Weight
	if staticWeight == 0 {
		staticWeight = 1
	}

	score := staticWeight*w.Weight - failureRate*w.Failure - latencyPenalty*w.Latency

	// A half-open probe or an empty track record should not be starved by a
	// competitor with a slightly better history — give it a small floor.
	if snap.TotalRequests == 0 || snap.Circuit == CircuitHalfOpen {
		score += 0.01
	}
	return score
}

// Release returns a candidate's concurrency slot once the call completes,
// and records the outcome against its health state.
func (b *Balancer) Release(c Candidate, now time.Time, err error, latency time.Duration, promptTokens, completionTokens int64, isCritical bool) {
	c.State.ReleaseConcurrency()
	if err == nil {
		c.State.RecordSuccess(now, latency, promptTokens, completionTokens)
		return
	}
	c.State.RecordFailure(now, isCritical)
}
