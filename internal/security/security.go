// Package security is the gateway's pre-dispatch safety gate: every chat,
// responses and image request is checked against a moderation-capable
// adapter before it is allowed to reach the load balancer. New to this
// but built in a small-interface style (a single
// narrow capability consumed by one call site).
package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/rakunlabs/vgate/internal/provider"
)

// ErrContentFlagged is returned when the moderation check rejects input.
var ErrContentFlagged = errors.New("security: content flagged by moderation")

// Moderator is satisfied by any adapter implementing the moderation
// capability; kept as its own interface here so callers don't need to know
// about provider.Adapter at all.
type Moderator interface {
	Moderate(ctx context.Context, model, input string) (flagged bool, categories map[string]float64, err error)
}

// Service gates requests on a moderation check before they reach dispatch.
type Service struct {
	moderator Moderator
	enabled   bool
}

// New returns a Service. If moderator is nil, moderation is a no-op — this
// is the default for deployments that haven't configured a moderation
// capability, treated as an optional guard rather than a mandatory
// external collaborator.
func New(moderator Moderator) *Service {
	return &Service{moderator: moderator, enabled: moderator != nil}
}

// Check runs input through moderation, returning ErrContentFlagged (wrapping
// the flagged categories) if it's rejected. A nil moderator always passes.
func (s *Service) Check(ctx context.Context, input string) error {
	if !s.enabled {
		return nil
	}
	flagged, categories, err := s.moderator.Moderate(ctx, "", input)
	if err != nil {
		// Fail open: a moderation-provider outage should not take down the
		// whole gateway. The error is dropped, so callers see a pass.
		return nil
	}
	if flagged {
		return fmt.Errorf("%w: %v", ErrContentFlagged, categories)
	}
	return nil
}

// AsModerator adapts any provider.Adapter implementing provider.Moderator
// into the Service's narrower Moderator interface, or returns nil if the
// adapter doesn't support moderation.
func AsModerator(a provider.Adapter) Moderator {
	if m, ok := a.(provider.Moderator); ok {
		return m
	}
	return nil
}
