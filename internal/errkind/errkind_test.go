package errkind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"401 Unauthorized: invalid api key provided", KindAuth},
		{"Error: rate_limit_exceeded, too many requests", KindRateLimit},
		{"context deadline exceeded", KindTimeout},
		{"dial tcp: connection refused", KindNetwork},
		{"upstream returned 503 Service Unavailable", KindServer},
		{"the model said something weird", KindOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.msg), "Classify(%q)", c.msg)
	}
}

func TestIsCriticalOnlyAuthQuotaClass(t *testing.T) {
	assert.False(t, IsCritical("429 too many requests"), "plain rate limit should not be critical")
	assert.False(t, IsCritical("connection reset by peer"), "network blip should not be critical")
	assert.False(t, IsCritical("context deadline exceeded"), "timeout should not be critical")
	assert.False(t, IsCritical("upstream returned 503 Service Unavailable"), "5xx should not be critical")
	assert.True(t, IsCritical("401 Unauthorized: invalid api key provided"), "auth failure should be critical")
	assert.True(t, IsCritical("quota exceeded for this billing period"), "quota exhaustion should be critical")
}

func TestIsCriticalExcludesRequestShapedErrors(t *testing.T) {
	assert.False(t, IsCritical("403 forbidden: unsupported model for this endpoint"), "request-shaped 403 should not be critical")
	assert.False(t, IsCritical("401 unauthorized: flagged by content policy moderation"), "moderation hit should not be critical")
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(KindAuth), "auth errors should not be retried against another sub-provider")
	assert.True(t, Retryable(KindServer), "server errors should be retryable")
}
