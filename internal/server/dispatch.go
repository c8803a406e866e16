package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/balancer"
	"github.com/rakunlabs/vgate/internal/domain"
	"github.com/rakunlabs/vgate/internal/errkind"
	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

var (
	errModelNotFound        = errors.New("server: model not found")
	errEndpointNotSupported = errors.New("server: model does not support this endpoint")
	errUnsupportedOperation = errors.New("server: adapter does not support this operation")
	errPlanAccessDenied     = errors.New("server: plan does not permit this model")
)

// maxRetriesForEndpoint implements the uniform-per-endpoint retry budget:
// videos get 5 attempts against different sub-providers, everything else
// gets 3.
func maxRetriesForEndpoint(endpoint string) int {
	if endpoint == "videos" {
		return 5
	}
	return 3
}

// attemptFunc performs one provider call against a built Adapter and reports
// the input/output unit counts it consumed (tokens for text endpoints,
// seconds for audio/video, image counts for image generation) so the caller
// can compute the credit charge after the loop succeeds.
type attemptFunc func(ctx context.Context, a provider.Adapter) (inputUnits, outputUnits int64, err error)

// resolveCapability looks up a model and confirms it supports the requested
// capability, translating registry misses into the client-facing taxonomy.
func (s *Server) resolveCapability(model string, capability registry.Capability) (registry.ModelEntry, error) {
	entry, err := s.registry.Lookup(model)
	if err != nil {
		return registry.ModelEntry{}, errModelNotFound
	}
	if !entry.Supports(capability) {
		return registry.ModelEntry{}, errEndpointNotSupported
	}
	return entry, nil
}

// checkPlanAccess enforces PlanAccess ∨ ActiveDiscount: a caller may reach a
// model if their plan is permitted, or if they currently hold an active
// discount specifically granted for that model. Master-admin callers bypass
// this entirely, matching the credit/discount bypass given to that identity.
func (s *Server) checkPlanAccess(ctx context.Context, rc *RequestContext, entry registry.ModelEntry) error {
	if rc.IsMasterAdmin() || entry.AllowsPlan(rc.User.PlanID) {
		return nil
	}
	if s.discount != nil {
		if has, err := s.discount.HasActiveDiscount(ctx, rc.User.ID, entry.Model); err == nil && has {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", errPlanAccessDenied, entry.Model)
}

// providersForModel fans a model out across every enabled Provider whose
// catalog advertises it, gathering all of their enabled SubProviders into one
// flat candidate slice the balancer can select across regardless of which
// Provider backs each one. owners maps each returned SubProvider's ID back
// to its owning Provider, needed to build the right adapter Kind and to
// apply per-provider scoping.
func (s *Server) providersForModel(ctx context.Context, model string) ([]*domain.SubProvider, map[string]*domain.Provider, error) {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list providers: %w", err)
	}

	var subs []*domain.SubProvider
	owners := map[string]*domain.Provider{}
	for _, p := range providers {
		if !p.Enabled || !p.ServesModel(model) {
			continue
		}
		providerSubs, err := s.store.ListSubProviders(ctx, p.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list sub-providers for %q: %w", p.ID, err)
		}
		for _, sp := range providerSubs {
			if !sp.Enabled {
				continue
			}
			subs = append(subs, sp)
			owners[sp.ID] = p
		}
	}
	if len(subs) == 0 {
		return nil, nil, fmt.Errorf("%w: no enabled provider serves model %q", errModelNotFound, model)
	}
	return subs, owners, nil
}

// scopeSubs filters subs down to the ones whose owning Provider's name
// passes the caller's api-key scoping check.
func scopeSubs(rc *RequestContext, subs []*domain.SubProvider, owners map[string]*domain.Provider, model string) ([]*domain.SubProvider, error) {
	allowed := make([]*domain.SubProvider, 0, len(subs))
	var lastErr error
	for _, sp := range subs {
		owner := owners[sp.ID]
		if owner == nil {
			continue
		}
		if err := rc.authorizeScoping(owner.Name, model); err != nil {
			lastErr = err
			continue
		}
		allowed = append(allowed, sp)
	}
	if len(allowed) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %s", auth.ErrProviderNotAllowed, model)
		}
		return nil, lastErr
	}
	return allowed, nil
}

// prepareDispatch resolves the full set of sub-providers eligible to serve
// model for this caller: every enabled sub-provider under every enabled
// provider that advertises the model, narrowed to the ones the caller's
// api-key scoping permits.
func (s *Server) prepareDispatch(ctx context.Context, rc *RequestContext, model string) ([]*domain.SubProvider, map[string]*domain.Provider, error) {
	subs, owners, err := s.providersForModel(ctx, model)
	if err != nil {
		return nil, nil, err
	}
	subs, err = scopeSubs(rc, subs, owners, model)
	if err != nil {
		return nil, nil, err
	}
	return subs, owners, nil
}

// buildAdapter resolves and decrypts a sub-provider's credential and asks
// the provider registry for a live adapter instance, building one via the
// registered factory for its Provider.Kind on first use.
func (s *Server) buildAdapter(sp *domain.SubProvider, kind, model string) (provider.Adapter, error) {
	apiKey, err := s.decryptSubProviderKey(sp.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt sub-provider %q credential: %w", sp.ID, err)
	}
	return s.adapters.Build(sp.ID, kind, apiKey, model, sp.BaseURL, sp.Proxy, sp.InsecureSkipVerify)
}

// runWithRetry drives the balancer select/attempt/classify loop described by
// the dispatch pseudocode: select a sub-provider, build its adapter using its
// owning Provider's Kind, run attempt, and on failure exclude that
// sub-provider and retry with another one — possibly under a different
// Provider entirely, which is how a model fans out across heterogeneous
// providers for resilience — until maxRetries is exhausted or a
// non-retryable error kind classifies the failure as final.
func (s *Server) runWithRetry(ctx context.Context, subs []*domain.SubProvider, owners map[string]*domain.Provider, model string, estimatedTokens int64, maxRetries int, attempt attemptFunc) (providerID, subProviderID string, inputUnits, outputUnits int64, retryCount int, err error) {
	excluded := map[string]bool{}

	for try := 1; try <= maxRetries; try++ {
		cand, selErr := s.balancer.Select(time.Now(), subs, estimatedTokens, excluded)
		if selErr != nil {
			if try == 1 {
				return "", "", 0, 0, 0, selErr
			}
			return "", "", 0, 0, try - 1, fmt.Errorf("dispatch: exhausted retries: %w", selErr)
		}

		owner := owners[cand.SubProvider.ID]
		if owner == nil {
			s.balancer.Release(cand, time.Now(), errModelNotFound, 0, 0, 0, true)
			excluded[cand.SubProvider.ID] = true
			continue
		}

		adapter, buildErr := s.buildAdapter(cand.SubProvider, owner.Kind, model)
		if buildErr != nil {
			s.balancer.Release(cand, time.Now(), buildErr, 0, 0, 0, true)
			excluded[cand.SubProvider.ID] = true
			continue
		}

		start := time.Now()
		in, out, callErr := attempt(ctx, adapter)
		latency := time.Since(start)

		if callErr == nil {
			s.balancer.Release(cand, time.Now(), nil, latency, in, out, false)
			return cand.SubProvider.ProviderID, cand.SubProvider.ID, in, out, try - 1, nil
		}

		k := errkind.Classify(callErr.Error())
		critical := errkind.IsCritical(callErr.Error())
		s.balancer.Release(cand, time.Now(), callErr, latency, in, out, critical)
		excluded[cand.SubProvider.ID] = true

		if !errkind.Retryable(k) || try == maxRetries {
			return cand.SubProvider.ProviderID, cand.SubProvider.ID, in, out, try, callErr
		}
	}

	return "", "", 0, 0, maxRetries, fmt.Errorf("%w: retries exhausted", balancer.ErrNoCandidate)
}

// chargeAndFinish computes the final micro-credit charge (base cost adjusted
// by any active discount), settles it against the up-front authorization,
// and finalizes the tracker record. Master-admin callers skip billing
// entirely.
func (s *Server) chargeAndFinish(ctx context.Context, rc *RequestContext, r *domain.ApiRequest, model string, entry registry.ModelEntry, authorizedMicro, inputUnits, outputUnits int64, dispatchErr string) int64 {
	if rc.IsMasterAdmin() {
		if dispatchErr == "" {
			_ = s.tracker.Complete(ctx, r, inputUnits, outputUnits, 0)
		} else {
			_ = s.tracker.Fail(ctx, r, inputUnits, outputUnits, 0, dispatchErr)
		}
		return 0
	}

	actual := entry.EstimateCreditsMicro(inputUnits, outputUnits)
	if s.discount != nil {
		if discounted, err := s.discount.ApplyDiscount(ctx, rc.User.ID, model, actual); err == nil {
			actual = discounted
		}
	}

	s.credit.Settle(ctx, rc.User.ID, authorizedMicro, actual)

	if dispatchErr == "" {
		_ = s.tracker.Complete(ctx, r, inputUnits, outputUnits, actual)
	} else {
		_ = s.tracker.Fail(ctx, r, inputUnits, outputUnits, actual, dispatchErr)
	}
	return actual
}
