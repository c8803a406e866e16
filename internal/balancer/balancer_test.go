package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/domain"
)

func sub(id string, weight float64) *domain.SubProvider {
	return &domain.SubProvider{ID: id, Enabled: true, Weight: weight}
}

func TestSelectPrefersHealthier(t *testing.T) {
	b := New()
	now := time.Now()
	a := sub("a", 1)
	c := sub("c", 1)

	// Sub "a" takes five critical failures in a row and trips its breaker.
	stA := b.Register("a")
	for i := 0; i < 5; i++ {
		stA.RecordFailure(now, true)
	}

	cand, err := b.Select(now, []*domain.SubProvider{a, c}, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", cand.SubProvider.ID, "expected healthy sub-provider c")
	cand.State.ReleaseConcurrency()
}

func TestSelectExcludesOpenCircuit(t *testing.T) {
	b := New()
	now := time.Now()
	a := sub("a", 1)
	st := b.Register("a")
	for i := 0; i < 5; i++ {
		st.RecordFailure(now, true)
	}

	_, err := b.Select(now, []*domain.SubProvider{a}, 10, nil)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestCircuitHalfOpensAfterCooldown(t *testing.T) {
	b := New()
	now := time.Now()
	st := b.Register("a")
	for i := 0; i < 5; i++ {
		st.RecordFailure(now, true)
	}
	require.Equal(t, CircuitOpen, st.Circuit(now))
	later := now.Add(61 * time.Second)
	assert.Equal(t, CircuitHalfOpen, st.Circuit(later), "expected circuit half_open after cooldown")
}

func TestHalfOpenAllowsOnlyOneProbe(t *testing.T) {
	b := New()
	now := time.Now()
	st := b.Register("a")
	for i := 0; i < 5; i++ {
		st.RecordFailure(now, true)
	}
	later := now.Add(61 * time.Second)
	require.True(t, st.TryAcquireProbe(later), "first probe should be acquired")
	assert.False(t, st.TryAcquireProbe(later), "second concurrent probe should be rejected")
}

func TestRateLimitExcludesSaturatedSubProvider(t *testing.T) {
	b := New()
	now := time.Now()
	limited := &domain.SubProvider{ID: "a", Enabled: true, Weight: 1, RPMLimit: 1}
	st := b.Register("a")
	st.RecordSuccess(now, time.Millisecond, 10, 10)

	_, err := b.Select(now, []*domain.SubProvider{limited}, 10, nil)
	assert.ErrorIs(t, err, ErrNoCandidate, "expected rate-limited sub-provider to be excluded")
}

func TestExcludedMapSkipsCandidate(t *testing.T) {
	b := New()
	now := time.Now()
	a := sub("a", 1)
	c := sub("c", 1)
	cand, err := b.Select(now, []*domain.SubProvider{a, c}, 10, map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "c", cand.SubProvider.ID)
	cand.State.ReleaseConcurrency()
}
