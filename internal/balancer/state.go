// Package balancer owns per-sub-provider health state (circuit breaker,
// sliding-window rate limits, concurrency accounting) and the scoring
// algorithm that picks which sub-provider serves a given request.
//
// Adapted from the scoring/health idioms in the tokenhub router engine
// (ModeWeights, HealthChecker, ErrorClass) and from the provider hot-reload
// map pattern in the gateway server.
package balancer

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a sub-provider's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	// consecutiveFailuresToOpen is how many critical errors in a row trip
	// the breaker from closed to open.
	consecutiveFailuresToOpen = 5
	// openCooldown is how long the breaker stays open before allowing a
	// single half-open probe.
	openCooldown = 60 * time.Second
	// slidingWindow is the width of the rpm/tpm accounting windows. No
	// per-hour (rph) window is kept, so RPHLimit is not enforced here.
	slidingWindow = 60 * time.Second
)

// window tracks timestamped usage for a sliding-window rate limit. It is not
// safe for concurrent use on its own; callers hold the owning state's mutex.
type window struct {
	timestamps []time.Time
	tokens     []int64
}

// evict drops entries older than slidingWindow relative to now.
func (w *window) evict(now time.Time) {
	cut := now.Add(-slidingWindow)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cut) {
		i++
	}
	if i > 0 {
		w.timestamps = append([]time.Time{}, w.timestamps[i:]...)
		w.tokens = append([]int64{}, w.tokens[i:]...)
	}
}

func (w *window) requestCount(now time.Time) int {
	w.evict(now)
	return len(w.timestamps)
}

func (w *window) tokenSum(now time.Time) int64 {
	w.evict(now)
	var sum int64
	for _, t := range w.tokens {
		sum += t
	}
	return sum
}

func (w *window) record(now time.Time, tokens int64) {
	w.timestamps = append(w.timestamps, now)
	w.tokens = append(w.tokens, tokens)
}

// State is the mutable health and accounting record for one sub-provider.
type State struct {
	SubProviderID string

	mu sync.Mutex

	circuit             CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             atomic.Bool

	requests window // rpm only; entries older than slidingWindow are evicted
	tokens   window // tpm

	currentConcurrency int
	totalRequests       int64
	totalFailures        int64
	totalLatencyNanos    int64
}

// NewState returns a closed-circuit, zero-usage state for a sub-provider.
func NewState(subProviderID string) *State {
	return &State{SubProviderID: subProviderID, circuit: CircuitClosed}
}

// Circuit returns the current breaker state, transitioning open→half_open
// if the cooldown has elapsed.
func (s *State) Circuit(now time.Time) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuit == CircuitOpen && now.Sub(s.openedAt) >= openCooldown {
		s.circuit = CircuitHalfOpen
	}
	return s.circuit
}

// TryAcquireProbe claims the single allowed half-open probe slot. It returns
// false if a probe is already in flight or the circuit isn't half-open.
func (s *State) TryAcquireProbe(now time.Time) bool {
	if s.Circuit(now) != CircuitHalfOpen {
		return false
	}
	return s.probing.CompareAndSwap(false, true)
}

// RecordSuccess closes the breaker (if it was open/half-open) and clears the
// consecutive failure counter.
func (s *State) RecordSuccess(now time.Time, latency time.Duration, promptTokens, completionTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.circuit = CircuitClosed
	s.probing.Store(false)
	s.totalRequests++
	s.totalLatencyNanos += latency.Nanoseconds()
	s.requests.record(now, promptTokens+completionTokens)
	s.tokens.record(now, promptTokens+completionTokens)
}

// RecordFailure accounts a failed call. If critical is true it counts toward
// the consecutive-failure total that trips the breaker; non-critical
// failures (e.g. rate limits) are recorded but never trip it.
func (s *State) RecordFailure(now time.Time, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probing.Store(false)
	s.totalRequests++
	s.totalFailures++
	if !critical {
		return
	}
	s.consecutiveFailures++
	if s.circuit == CircuitHalfOpen {
		s.circuit = CircuitOpen
		s.openedAt = now
		s.consecutiveFailures = 0
		return
	}
	if s.consecutiveFailures >= consecutiveFailuresToOpen {
		s.circuit = CircuitOpen
		s.openedAt = now
	}
}

// AcquireConcurrency attempts to reserve one in-flight slot, returning false
// if maxConcurrency is already saturated (0 means unlimited).
func (s *State) AcquireConcurrency(maxConcurrency int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxConcurrency > 0 && s.currentConcurrency >= maxConcurrency {
		return false
	}
	s.currentConcurrency++
	return true
}

// ReleaseConcurrency frees a previously acquired in-flight slot.
func (s *State) ReleaseConcurrency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentConcurrency > 0 {
		s.currentConcurrency--
	}
}

// WithinRateLimits reports whether issuing one more request now, expected to
// consume estimatedTokens, would stay within the given per-minute request and
// token ceilings. A zero limit means "no limit."
func (s *State) WithinRateLimits(now time.Time, rpmLimit int, tpmLimit int, estimatedTokens int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rpmLimit > 0 && s.requests.requestCount(now) >= rpmLimit {
		return false
	}
	if tpmLimit > 0 && s.tokens.tokenSum(now)+estimatedTokens > int64(tpmLimit) {
		return false
	}
	return true
}

// Snapshot is a point-in-time read of a sub-provider's health metrics, used
// by the scoring function and by admin/metrics endpoints.
type Snapshot struct {
	Circuit            CircuitState
	CurrentConcurrency int
	TotalRequests      int64
	TotalFailures       int64
	AvgLatencyMillis    float64
	RequestsInWindow    int
	TokensInWindow      int64
}

// Snapshot returns the current metrics for scoring and observability.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.totalRequests > 0 {
		avg = float64(s.totalLatencyNanos) / float64(s.totalRequests) / float64(time.Millisecond)
	}
	circuit := s.circuit
	if circuit == CircuitOpen && now.Sub(s.openedAt) >= openCooldown {
		circuit = CircuitHalfOpen
	}
	return Snapshot{
		Circuit:            circuit,
		CurrentConcurrency: s.currentConcurrency,
		TotalRequests:      s.totalRequests,
		TotalFailures:       s.totalFailures,
		AvgLatencyMillis:    avg,
		RequestsInWindow:    s.requests.requestCount(now),
		TokensInWindow:      s.tokens.tokenSum(now),
	}
}
