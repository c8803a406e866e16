package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/cache"
)

func TestCheckRateLimitAllowsUnderMax(t *testing.T) {
	s := &Server{cache: cache.NewMemory()}
	ctx := context.Background()

	for i := 0; i < rateLimitMax; i++ {
		allowed, err := s.checkRateLimit(ctx, "key1")
		require.NoError(t, err)
		require.Truef(t, allowed, "request %d unexpectedly denied", i)
	}
}

func TestCheckRateLimitDeniesOverMax(t *testing.T) {
	s := &Server{cache: cache.NewMemory()}
	ctx := context.Background()

	for i := 0; i < rateLimitMax; i++ {
		_, err := s.checkRateLimit(ctx, "key1")
		require.NoError(t, err)
	}

	allowed, err := s.checkRateLimit(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, allowed, "expected request beyond the window max to be denied")
}

func TestCheckRateLimitKeysAreIndependent(t *testing.T) {
	s := &Server{cache: cache.NewMemory()}
	ctx := context.Background()

	for i := 0; i < rateLimitMax; i++ {
		_, err := s.checkRateLimit(ctx, "key1")
		require.NoError(t, err)
	}

	allowed, err := s.checkRateLimit(ctx, "key2")
	require.NoError(t, err)
	assert.True(t, allowed, "expected a distinct key to have its own window")
}
