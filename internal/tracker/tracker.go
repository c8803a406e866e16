// Package tracker owns the ApiRequest lifecycle: creation at admission,
// monotonic status transitions as a call moves through the dispatch
// pipeline, and the final billing/usage stamp recorded at completion.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vgate/internal/domain"
)

// Store persists ApiRequest records.
type Store interface {
	Create(ctx context.Context, r *domain.ApiRequest) error
	MarkProcessing(ctx context.Context, id, providerID, subProviderID string, at time.Time) error
	Finish(ctx context.Context, id string, r *domain.ApiRequest) error
	Get(ctx context.Context, id string) (*domain.ApiRequest, error)
}

// Tracker creates and advances ApiRequest records.
type Tracker struct {
	store Store
}

// New returns a Tracker backed by store.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

// Create admits a new request in the pending state.
func (t *Tracker) Create(ctx context.Context, userID, apiKeyID, model, endpoint string) (*domain.ApiRequest, error) {
	r := &domain.ApiRequest{
		ID:        ulid.Make().String(),
		UserID:    userID,
		ApiKeyID:  apiKeyID,
		Model:     model,
		Endpoint:  endpoint,
		Status:    domain.RequestPending,
		CreatedAt: time.Now(),
	}
	if err := t.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// MarkProcessing transitions a request to processing once a sub-provider has
// been selected and dispatch begins.
func (t *Tracker) MarkProcessing(ctx context.Context, r *domain.ApiRequest, providerID, subProviderID string) error {
	if !r.CanTransition(domain.RequestProcessing) {
		return fmt.Errorf("tracker: illegal transition %s -> %s", r.Status, domain.RequestProcessing)
	}
	r.Status = domain.RequestProcessing
	r.ProviderID = providerID
	r.SubProviderID = subProviderID
	now := time.Now()
	r.StartedAt.Valid = true
	r.StartedAt.V.Time = now
	return t.store.MarkProcessing(ctx, r.ID, providerID, subProviderID, now)
}

// Complete finalizes a successful request with usage and billing totals.
func (t *Tracker) Complete(ctx context.Context, r *domain.ApiRequest, promptTokens, completionTokens, creditsChargedMicro int64) error {
	return t.finish(ctx, r, domain.RequestCompleted, promptTokens, completionTokens, creditsChargedMicro, "")
}

// Fail finalizes a request that errored out, recording the error message and
// any partial usage already incurred (e.g. a stream that emitted content
// before failing).
func (t *Tracker) Fail(ctx context.Context, r *domain.ApiRequest, promptTokens, completionTokens, creditsChargedMicro int64, errMsg string) error {
	return t.finish(ctx, r, domain.RequestFailed, promptTokens, completionTokens, creditsChargedMicro, errMsg)
}

// Timeout finalizes a request that exceeded its deadline.
func (t *Tracker) Timeout(ctx context.Context, r *domain.ApiRequest) error {
	return t.finish(ctx, r, domain.RequestTimeout, 0, 0, 0, "request exceeded deadline")
}

func (t *Tracker) finish(ctx context.Context, r *domain.ApiRequest, status domain.RequestStatus, promptTokens, completionTokens, creditsChargedMicro int64, errMsg string) error {
	if !r.CanTransition(status) {
		return fmt.Errorf("tracker: illegal transition %s -> %s", r.Status, status)
	}
	now := time.Now()
	r.Status = status
	r.PromptTokens = promptTokens
	r.CompletionTokens = completionTokens
	r.TotalTokens = promptTokens + completionTokens
	r.CreditsCharged = creditsChargedMicro
	r.ErrorMessage = errMsg
	r.FinishedAt.Valid = true
	r.FinishedAt.V.Time = now
	return t.store.Finish(ctx, r.ID, r)
}

// Get retrieves a request record by ID, e.g. for admin inspection.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.ApiRequest, error) {
	return t.store.Get(ctx, id)
}
