// Package errkind classifies upstream provider errors into a small taxonomy
// used by the load balancer to decide whether to retry, exclude a
// sub-provider, or trip its circuit breaker.
package errkind

import "strings"

// Kind is the coarse classification of an upstream failure.
type Kind string

const (
	KindAuth      Kind = "auth_error"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindNetwork   Kind = "network"
	KindServer    Kind = "server_error"
	KindOther     Kind = "other"
)

// signature pairs a set of case-insensitive substrings with the Kind they
// indicate, checked in order — first match wins.
type signature struct {
	kind    Kind
	phrases []string
}

// table is deliberately ordered from most to least specific: a timeout
// message may also contain "error", so timeout/rate-limit checks run before
// the generic server_error bucket.
var table = []signature{
	{KindAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "forbidden", "401", "403"}},
	{KindRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "quota"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded", "context deadline"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "eof", "broken pipe", "network is unreachable"}},
	{KindServer, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout", "500", "502", "503", "504"}},
}

// criticalPhrases match errors that imply the sub-provider itself is
// unhealthy — the auth/quota class — rather than a transient or
// request-shaped failure. Only these count toward a circuit breaker trip.
var criticalPhrases = []string{
	"unauthorized", "invalid api key", "invalid_api_key", "authentication",
	"forbidden", "401", "403", "quota exceeded", "insufficient_quota",
	"insufficient permissions",
}

// excludedPhrases override an otherwise-critical match: these look like
// auth/quota failures in isolation but describe a request-shaped problem
// (a bad argument, a moderation hit, a geo restriction), not a broken
// sub-provider, so they never trip the breaker.
var excludedPhrases = []string{
	"unsupported model", "moderation", "flagged by content policy",
	"not available in your country", "unsupported_country_region_territory",
}

// Classify returns the Kind of an error message using case-insensitive
// substring matching, and Other if nothing matches.
func Classify(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, sig := range table {
		for _, phrase := range sig.phrases {
			if strings.Contains(lower, phrase) {
				return sig.kind
			}
		}
	}
	return KindOther
}

// IsCritical reports whether an error message should count toward a
// sub-provider's consecutive-failure total that trips its circuit breaker.
// Timeouts, network blips, rate limits and plain 5xx responses are transient
// operational noise, not evidence the sub-provider itself is unhealthy — only
// the auth/quota class is critical, and only if not overridden by a more
// specific request-shaped excluded pattern.
func IsCritical(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range excludedPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, phrase := range criticalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Retryable reports whether the load balancer should retry the request
// against a different sub-provider rather than surface the error to the
// caller immediately.
func Retryable(k Kind) bool {
	switch k {
	case KindRateLimit, KindTimeout, KindNetwork, KindServer:
		return true
	default:
		return false
	}
}
