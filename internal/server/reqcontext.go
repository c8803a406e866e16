package server

import (
	"fmt"
	"time"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/domain"
)

// RequestContext carries the authenticated identity and per-request
// bookkeeping through the dispatch pipeline explicitly, rather than stashing
// it on the request's context.Context under an untyped key. An authResult
// scoped to auth alone is the same idea; this widens it to every value a
// handler needs to thread through tracker/credit/balancer calls.
type RequestContext struct {
	User      *domain.User
	ApiKey    *domain.ApiKey // nil for OAuth-token or master-admin callers
	Master    bool
	RequestID string
	StartTime time.Time
	ClientIP  string
}

// IsMasterAdmin reports whether this request authenticated via the
// process-wide master-admin bearer and bypasses credit/discount checks.
func (rc *RequestContext) IsMasterAdmin() bool {
	return rc.Master
}

// authorizeScoping checks this request's API key scoping against a resolved
// provider/model pair, mirroring auth.Result.Authorize for callers that only
// carry a RequestContext past the authenticate() boundary.
func (rc *RequestContext) authorizeScoping(providerName, model string) error {
	if rc.ApiKey == nil {
		return nil
	}
	if !rc.ApiKey.AllowsProvider(providerName) {
		return fmt.Errorf("%w: %s", auth.ErrProviderNotAllowed, providerName)
	}
	if !rc.ApiKey.AllowsModel(model) {
		return fmt.Errorf("%w: %s", auth.ErrModelNotAllowed, model)
	}
	return nil
}

// clientIP extracts the caller's address the way a forward-auth middleware
// typically does: Cloudflare's header first, then the standard proxy
// header, falling back to the connection's remote address.
func clientIP(cfConnectingIP, xForwardedFor, remoteAddr string) string {
	if cfConnectingIP != "" {
		return cfConnectingIP
	}
	if xForwardedFor != "" {
		return xForwardedFor
	}
	return remoteAddr
}
