// Package domain holds the core entities shared by every subsystem of the
// gateway: users, credentials, providers and the bookkeeping records that
// track a request from admission to completion.
package domain

import (
	"time"

	"github.com/worldline-go/types"
)

// User is a tenant of the gateway. Credits are tracked in integer
// micro-credits to avoid floating point drift across many small debits.
type User struct {
	ID          string
	Email       string
	Credits     int64
	PlanID      string
	IsAdmin     bool
	CreatedAt   time.Time
	LastResetAt time.Time

	// Enabled gates every authorize() call; a disabled user's requests are
	// rejected before a provider is ever contacted or billed.
	Enabled bool

	// IPWhitelist restricts which client IPs may authenticate as this user.
	// An empty list accepts all IPs.
	IPWhitelist types.Slice[string]

	// MaxConcurrentRequests caps in-flight requests for this user; zero means
	// unlimited.
	MaxConcurrentRequests int

	PlanExpiresAt types.Null[types.Time]

	TotalRequests    int64
	TotalTokensUsed  int64
	TotalCreditsUsed int64

	// RPVerified and RPBonusTokensExpires gate the reset-time bonus credit
	// grant: a verified user with an unexpired bonus window receives an
	// extra allowance on top of their plan's baseline on every daily reset.
	RPVerified           bool
	RPBonusTokensExpires types.Null[types.Time]
}

// AllowsIP reports whether the user's IP allow-list permits ip. An empty
// allow-list accepts every IP.
func (u *User) AllowsIP(ip string) bool {
	return len(u.IPWhitelist) == 0 || containsFold(u.IPWhitelist, ip)
}

// MasterAdminID is the synthetic identity used for the master-admin bearer
// token; it never exists as a row in the user store.
const MasterAdminID = "master"

// NewMasterAdmin returns the synthetic identity that bypasses credit and
// discount checks entirely.
func NewMasterAdmin() *User {
	return &User{ID: MasterAdminID, IsAdmin: true, Credits: 0}
}

// ApiKey authenticates a caller against a User. Raw is only ever held in
// memory for the lifetime of an encrypt/decrypt round trip; persisted state
// keeps only Encrypted and SearchHash.
type ApiKey struct {
	ID               string
	UserID           string
	Name             string
	Encrypted        string
	SearchHash       string
	AllowedProviders types.Slice[string]
	AllowedModels    types.Slice[string]
	ExpiresAt        types.Null[types.Time]
	Revoked          bool
	CreatedAt        time.Time
	LastUsedAt       types.Null[types.Time]
}

// Expired reports whether the key's expiry has passed as of now.
func (k *ApiKey) Expired(now time.Time) bool {
	if !k.ExpiresAt.Valid {
		return false
	}
	return now.After(k.ExpiresAt.V.Time)
}

// AllowsProvider reports whether the key's scoping permits a provider name.
// An empty allow-list means "all providers."
func (k *ApiKey) AllowsProvider(name string) bool {
	return len(k.AllowedProviders) == 0 || containsFold(k.AllowedProviders, name)
}

// AllowsModel reports whether the key's scoping permits a model name.
func (k *ApiKey) AllowsModel(name string) bool {
	return len(k.AllowedModels) == 0 || containsFold(k.AllowedModels, name)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// OAuthToken is a bearer credential obtained via an external OAuth provider
// (e.g. a Copilot-style refresh-token grant) rather than a gateway-issued key.
type OAuthToken struct {
	ID           string
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// NeedsRefresh reports whether the access token is within skew of expiring.
func (t *OAuthToken) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return now.Add(skew).After(t.ExpiresAt)
}

// Provider groups one or more SubProviders behind a single logical name
// (e.g. "openai", "anthropic", "xai") exposed to callers.
type Provider struct {
	ID        string
	Name      string
	Kind      string // adapter capability family: "openai", "anthropic", "genericoa"
	Models    types.Slice[string]
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServesModel reports whether the provider's catalog includes model. An
// empty catalog is treated as serving nothing — Provider.Models must be
// populated for the provider to be considered during model routing.
func (p *Provider) ServesModel(model string) bool {
	return containsFold(p.Models, model)
}

// SubProvider is one credentialed upstream account/endpoint backing a
// Provider. The load balancer selects among a Provider's SubProviders.
type SubProvider struct {
	ID                 string
	ProviderID         string
	Name               string
	BaseURL            string
	EncryptedAPIKey    string
	Weight             float64
	MaxConcurrency     int
	RPMLimit           int
	RPHLimit           int
	TPMLimit           int
	DiscountPercent    float64
	Enabled            bool
	InsecureSkipVerify bool
	Proxy              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ApiRequest is the lifecycle + billing record for one dispatched call.
type ApiRequest struct {
	ID              string
	UserID          string
	ApiKeyID        string
	ProviderID      string
	SubProviderID   string
	Model           string
	Endpoint        string
	Status          RequestStatus
	PromptTokens    int64
	CompletionTokens int64
	TotalTokens     int64
	CreditsCharged  int64
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       types.Null[types.Time]
	FinishedAt      types.Null[types.Time]
}

// RequestStatus is the monotonic lifecycle of an ApiRequest.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestTimeout    RequestStatus = "timeout"
)

// validTransitions enumerates the only legal status-to-status moves; the
// tracker refuses anything outside this table to keep the lifecycle
// strictly monotonic and one-directional.
var validTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestProcessing, RequestFailed, RequestTimeout},
	RequestProcessing: {RequestCompleted, RequestFailed, RequestTimeout},
}

// CanTransition reports whether moving from the request's current status to
// next is a legal lifecycle move.
func (r *ApiRequest) CanTransition(next RequestStatus) bool {
	for _, allowed := range validTransitions[r.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UserDiscount is a time-bounded cost-reduction multiplier on a single model
// for a single user. At most one may be active per (UserID, Model) pair.
// Multiplier is in [1.5, 3.0]; the effective cost of a call against Model is
// baseCost / Multiplier.
type UserDiscount struct {
	ID         string
	UserID     string
	Model      string
	Multiplier float64
	Active     bool
	StartsAt   time.Time
	EndsAt     types.Null[types.Time]
	RotatedAt  time.Time
}

// MultiplierInRange reports whether m is a legal discount multiplier.
func MultiplierInRange(m float64) bool {
	return m >= 1.5 && m <= 3.0
}

// VideoJob tracks an asynchronous video-generation request across its
// queued/running/succeeded/failed lifecycle.
type VideoJob struct {
	ID            string
	UserID        string
	ApiRequestID  string
	Status        VideoJobStatus
	Prompt        string
	ResultURL     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VideoJobStatus is the lifecycle of an asynchronous video generation job.
type VideoJobStatus string

const (
	VideoJobQueued    VideoJobStatus = "queued"
	VideoJobRunning   VideoJobStatus = "running"
	VideoJobSucceeded VideoJobStatus = "succeeded"
	VideoJobFailed    VideoJobStatus = "failed"
)
