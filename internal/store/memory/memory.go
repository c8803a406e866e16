// Package memory is a concurrent-safe, process-local Store implementation
// for single-node deployments and tests. Data does not survive restarts.
// A mutex-guarded map-per-entity in-memory store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vgate/internal/domain"
)

// Memory is an in-memory implementation of store.Store.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	apiKeys       map[string]domain.ApiKey
	apiKeysByHash map[string]string // search_hash -> id
	oauthTokens   map[string]domain.OAuthToken
	oauthByToken  map[string]string // access_token -> id
	providers     map[string]domain.Provider
	subProviders  map[string]domain.SubProvider
	apiRequests   map[string]domain.ApiRequest
	discounts     map[string]domain.UserDiscount
	videoJobs     map[string]domain.VideoJob

	// encKey records the key last passed to RotateEncryptionKey; stored
	// sub-provider keys are not re-encrypted in this backend.
	encKey []byte
}

// New returns an empty Memory store.
func New() *Memory {
	return &Memory{
		users:         make(map[string]domain.User),
		apiKeys:       make(map[string]domain.ApiKey),
		apiKeysByHash: make(map[string]string),
		oauthTokens:   make(map[string]domain.OAuthToken),
		oauthByToken:  make(map[string]string),
		providers:     make(map[string]domain.Provider),
		subProviders:  make(map[string]domain.SubProvider),
		apiRequests:   make(map[string]domain.ApiRequest),
		discounts:     make(map[string]domain.UserDiscount),
		videoJobs:     make(map[string]domain.VideoJob),
	}
}

func (m *Memory) Close() error { return nil }

// ─── Users ───

func (m *Memory) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*domain.User, 0, len(m.users))
	for _, u := range m.users {
		uu := u
		result = append(result, &uu)
	}
	slices.SortFunc(result, func(a, b *domain.User) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (m *Memory) CreateUser(_ context.Context, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastResetAt.IsZero() {
		u.LastResetAt = now
	}

	m.mu.Lock()
	m.users[u.ID] = *u
	m.mu.Unlock()

	return nil
}

// TryDebit is the in-memory analogue of the Postgres conditional UPDATE: the
// check-and-subtract happens while holding the write lock so no interleaved
// call can observe a stale balance.
func (m *Memory) TryDebit(_ context.Context, userID string, amountMicro int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return false, fmt.Errorf("try debit: user %q not found", userID)
	}
	if u.Credits < amountMicro {
		return false, nil
	}
	u.Credits -= amountMicro
	u.TotalRequests++
	u.TotalCreditsUsed += amountMicro
	m.users[userID] = u

	return true, nil
}

func (m *Memory) Credit(_ context.Context, userID string, amountMicro int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("credit: user %q not found", userID)
	}
	u.Credits += amountMicro
	m.users[userID] = u

	return nil
}

func (m *Memory) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("balance: user %q not found", userID)
	}
	return u.Credits, nil
}

func (m *Memory) DueForReset(_ context.Context, now time.Time, resetEvery time.Duration) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-resetEvery)
	var ids []string
	for id, u := range m.users {
		if !u.LastResetAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	return ids, nil
}

func (m *Memory) ResetToAllowance(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("reset allowance: user %q not found", userID)
	}
	u.Credits = domain.ResetAllowanceMicro(&u, now)
	u.LastResetAt = now
	m.users[userID] = u

	return nil
}

// ─── API keys ───

func (m *Memory) FindApiKeyByHash(_ context.Context, searchHash string) (*domain.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.apiKeysByHash[searchHash]
	if !ok {
		return nil, nil
	}
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (m *Memory) CreateApiKey(_ context.Context, k *domain.ApiKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.apiKeys[k.ID] = *k
	m.apiKeysByHash[k.SearchHash] = k.ID
	m.mu.Unlock()

	return nil
}

func (m *Memory) RevokeApiKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[id]
	if !ok {
		return fmt.Errorf("revoke api key: %q not found", id)
	}
	k.Revoked = true
	m.apiKeys[id] = k

	return nil
}

func (m *Memory) TouchLastUsed(_ context.Context, apiKeyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[apiKeyID]
	if !ok {
		return nil
	}
	k.LastUsedAt.Valid = true
	k.LastUsedAt.V.Time = at
	m.apiKeys[apiKeyID] = k

	return nil
}

func (m *Memory) ListApiKeysForUser(_ context.Context, userID string) ([]*domain.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.ApiKey
	for _, k := range m.apiKeys {
		if k.UserID == userID {
			kk := k
			result = append(result, &kk)
		}
	}
	slices.SortFunc(result, func(a, b *domain.ApiKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return result, nil
}

// ─── OAuth tokens ───

func (m *Memory) FindOAuthTokenByAccessToken(_ context.Context, accessToken string) (*domain.OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.oauthByToken[accessToken]
	if !ok {
		return nil, nil
	}
	t, ok := m.oauthTokens[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) UpsertOAuthToken(_ context.Context, t *domain.OAuthToken) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.oauthTokens[t.ID] = *t
	m.oauthByToken[t.AccessToken] = t.ID
	m.mu.Unlock()

	return nil
}

// ─── Providers ───

func (m *Memory) ListProviders(_ context.Context) ([]*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		pp := p
		result = append(result, &pp)
	}
	slices.SortFunc(result, func(a, b *domain.Provider) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetProvider(_ context.Context, id string) (*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) CreateProvider(_ context.Context, p *domain.Provider) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	m.mu.Lock()
	m.providers[p.ID] = *p
	m.mu.Unlock()

	return nil
}

func (m *Memory) UpdateProvider(_ context.Context, p *domain.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[p.ID]; !ok {
		return fmt.Errorf("update provider: %q not found", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	m.providers[p.ID] = *p

	return nil
}

func (m *Memory) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.providers, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListSubProviders(_ context.Context, providerID string) ([]*domain.SubProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.SubProvider
	for _, sp := range m.subProviders {
		if sp.ProviderID == providerID {
			spsp := sp
			result = append(result, &spsp)
		}
	}
	slices.SortFunc(result, func(a, b *domain.SubProvider) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})

	return result, nil
}

func (m *Memory) GetSubProvider(_ context.Context, id string) (*domain.SubProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sp, ok := m.subProviders[id]
	if !ok {
		return nil, nil
	}
	return &sp, nil
}

func (m *Memory) CreateSubProvider(_ context.Context, sp *domain.SubProvider) error {
	if sp.ID == "" {
		sp.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	sp.CreatedAt, sp.UpdatedAt = now, now

	m.mu.Lock()
	m.subProviders[sp.ID] = *sp
	m.mu.Unlock()

	return nil
}

func (m *Memory) UpdateSubProvider(_ context.Context, sp *domain.SubProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subProviders[sp.ID]; !ok {
		return fmt.Errorf("update sub-provider: %q not found", sp.ID)
	}
	sp.UpdatedAt = time.Now().UTC()
	m.subProviders[sp.ID] = *sp

	return nil
}

func (m *Memory) DeleteSubProvider(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.subProviders, id)
	m.mu.Unlock()
	return nil
}

// RotateEncryptionKey is a no-op data-wise for the in-memory store (keys are
// kept in plaintext in the map regardless), it only tracks the current key
// so callers exercising the rotation path in tests see consistent behavior.
func (m *Memory) RotateEncryptionKey(_ context.Context, _, newKey []byte) error {
	m.mu.Lock()
	m.encKey = newKey
	m.mu.Unlock()
	return nil
}

// ─── API requests ───

func (m *Memory) Create(_ context.Context, r *domain.ApiRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.apiRequests[r.ID] = *r
	m.mu.Unlock()

	return nil
}

func (m *Memory) MarkProcessing(_ context.Context, id, providerID, subProviderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.apiRequests[id]
	if !ok {
		return fmt.Errorf("mark processing: api_request %q not found", id)
	}
	r.Status = domain.RequestProcessing
	r.ProviderID = providerID
	r.SubProviderID = subProviderID
	r.StartedAt.Valid = true
	r.StartedAt.V.Time = at
	m.apiRequests[id] = r

	return nil
}

func (m *Memory) Finish(_ context.Context, id string, r *domain.ApiRequest) error {
	m.mu.Lock()
	m.apiRequests[id] = *r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.ApiRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.apiRequests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListForUser(_ context.Context, userID string, limit int) ([]*domain.ApiRequest, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.ApiRequest
	for _, r := range m.apiRequests {
		if r.UserID == userID {
			rr := r
			result = append(result, &rr)
		}
	}
	slices.SortFunc(result, func(a, b *domain.ApiRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// ─── Discounts ───

func (m *Memory) ActiveDiscount(_ context.Context, userID, model string) (*domain.UserDiscount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.discounts {
		if d.UserID == userID && d.Model == model && d.Active {
			dd := d
			return &dd, nil
		}
	}
	return nil, nil
}

func (m *Memory) Upsert(_ context.Context, d *domain.UserDiscount) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.StartsAt.IsZero() {
		d.StartsAt = time.Now().UTC()
	}
	if d.RotatedAt.IsZero() {
		d.RotatedAt = d.StartsAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.discounts {
		if existing.UserID == d.UserID && existing.Model == d.Model && existing.Active {
			existing.Active = false
			m.discounts[id] = existing
		}
	}
	d.Active = true
	m.discounts[d.ID] = *d

	return nil
}

func (m *Memory) ExpiredActive(_ context.Context, now time.Time) ([]*domain.UserDiscount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.UserDiscount
	for _, d := range m.discounts {
		if d.Active && d.EndsAt.Valid && !d.EndsAt.V.Time.After(now) {
			dd := d
			result = append(result, &dd)
		}
	}

	return result, nil
}

func (m *Memory) Deactivate(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.discounts[id]
	if !ok {
		return fmt.Errorf("deactivate discount: %q not found", id)
	}
	d.Active = false
	m.discounts[id] = d

	return nil
}

// ─── Video jobs ───

func (m *Memory) CreateVideoJob(_ context.Context, j *domain.VideoJob) error {
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	m.mu.Lock()
	m.videoJobs[j.ID] = *j
	m.mu.Unlock()

	return nil
}

func (m *Memory) GetVideoJob(_ context.Context, id string) (*domain.VideoJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.videoJobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *Memory) UpdateVideoJob(_ context.Context, j *domain.VideoJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.videoJobs[j.ID]; !ok {
		return fmt.Errorf("update video_job: %q not found", j.ID)
	}
	j.UpdatedAt = time.Now().UTC()
	m.videoJobs[j.ID] = *j

	return nil
}

func (m *Memory) ListVideoJobsForUser(_ context.Context, userID string) ([]*domain.VideoJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.VideoJob
	for _, j := range m.videoJobs {
		if j.UserID == userID {
			jj := j
			result = append(result, &jj)
		}
	}
	slices.SortFunc(result, func(a, b *domain.VideoJob) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return result, nil
}
