// Package store defines the gateway's repository contracts. Concrete
// implementations live in internal/store/postgres (the production backend,
// built on goqu + pgx) and internal/store/memory (single-node/dev/test).
// Adapted from a per-entity Storer interface pattern.
package store

import (
	"context"
	"time"

	"github.com/rakunlabs/vgate/internal/domain"
)

// UserRepository manages User records and their credit balances.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context, limit int) ([]*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	TryDebit(ctx context.Context, userID string, amountMicro int64) (bool, error)
	Credit(ctx context.Context, userID string, amountMicro int64) error
	Balance(ctx context.Context, userID string) (int64, error)
	DueForReset(ctx context.Context, now time.Time, resetEvery time.Duration) ([]string, error)
	ResetToAllowance(ctx context.Context, userID string, now time.Time) error
}

// ApiKeyRepository manages ApiKey records.
type ApiKeyRepository interface {
	FindApiKeyByHash(ctx context.Context, searchHash string) (*domain.ApiKey, error)
	CreateApiKey(ctx context.Context, k *domain.ApiKey) error
	RevokeApiKey(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, apiKeyID string, at time.Time) error
	ListApiKeysForUser(ctx context.Context, userID string) ([]*domain.ApiKey, error)
}

// OAuthTokenRepository manages OAuthToken records.
type OAuthTokenRepository interface {
	FindOAuthTokenByAccessToken(ctx context.Context, accessToken string) (*domain.OAuthToken, error)
	UpsertOAuthToken(ctx context.Context, t *domain.OAuthToken) error
}

// ProviderRepository manages Provider and SubProvider records.
type ProviderRepository interface {
	ListProviders(ctx context.Context) ([]*domain.Provider, error)
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
	CreateProvider(ctx context.Context, p *domain.Provider) error
	UpdateProvider(ctx context.Context, p *domain.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	ListSubProviders(ctx context.Context, providerID string) ([]*domain.SubProvider, error)
	GetSubProvider(ctx context.Context, id string) (*domain.SubProvider, error)
	CreateSubProvider(ctx context.Context, sp *domain.SubProvider) error
	UpdateSubProvider(ctx context.Context, sp *domain.SubProvider) error
	DeleteSubProvider(ctx context.Context, id string) error

	// RotateEncryptionKey re-encrypts every SubProvider.EncryptedAPIKey under
	// newKey inside a single transaction, given the current oldKey to
	// decrypt with first.
	RotateEncryptionKey(ctx context.Context, oldKey, newKey []byte) error
}

// ApiRequestRepository manages ApiRequest lifecycle records.
type ApiRequestRepository interface {
	Create(ctx context.Context, r *domain.ApiRequest) error
	// MarkProcessing transitions a request to processing, stamping the
	// sub-provider selected to serve it alongside the started-at time.
	MarkProcessing(ctx context.Context, id, providerID, subProviderID string, at time.Time) error
	Finish(ctx context.Context, id string, r *domain.ApiRequest) error
	Get(ctx context.Context, id string) (*domain.ApiRequest, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*domain.ApiRequest, error)
}

// DiscountRepository manages UserDiscount records.
type DiscountRepository interface {
	ActiveDiscount(ctx context.Context, userID, model string) (*domain.UserDiscount, error)
	Upsert(ctx context.Context, d *domain.UserDiscount) error
	ExpiredActive(ctx context.Context, now time.Time) ([]*domain.UserDiscount, error)
	Deactivate(ctx context.Context, id string, now time.Time) error
}

// VideoJobRepository manages asynchronous video generation jobs.
type VideoJobRepository interface {
	CreateVideoJob(ctx context.Context, j *domain.VideoJob) error
	GetVideoJob(ctx context.Context, id string) (*domain.VideoJob, error)
	UpdateVideoJob(ctx context.Context, j *domain.VideoJob) error
	ListVideoJobsForUser(ctx context.Context, userID string) ([]*domain.VideoJob, error)
}

// Store is the full repository surface the gateway depends on, satisfied by
// both the Postgres and in-memory backends.
type Store interface {
	UserRepository
	ApiKeyRepository
	OAuthTokenRepository
	ProviderRepository
	ApiRequestRepository
	DiscountRepository
	VideoJobRepository
	Close() error
}
