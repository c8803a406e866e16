package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/vgate/internal/crypto"
	"github.com/rakunlabs/vgate/internal/domain"
)

// userPayload trims domain.User to the fields the admin surface exposes;
// credits are reported in micro-credits (credits_micro).
type userPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Credits     int64  `json:"credits_micro"`
	PlanID      string `json:"plan_id"`
	IsAdmin     bool   `json:"is_admin"`
	CreatedAt   string `json:"created_at"`
	LastResetAt string `json:"last_reset_at"`
}

func toUserPayload(u *domain.User) userPayload {
	return userPayload{
		ID: u.ID, Email: u.Email, Credits: u.Credits, PlanID: u.PlanID, IsAdmin: u.IsAdmin,
		CreatedAt: u.CreatedAt.Format(time.RFC3339), LastResetAt: u.LastResetAt.Format(time.RFC3339),
	}
}

// ListUsersAdmin handles GET /admin/users.
func (s *Server) ListUsersAdmin(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	users, err := s.store.ListUsers(r.Context(), limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to list users", "")
		return
	}
	out := make([]userPayload, 0, len(users))
	for _, u := range users {
		out = append(out, toUserPayload(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// GetUserAdmin handles GET /admin/users/{id}.
func (s *Server) GetUserAdmin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil || u == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "user_not_found", "user not found", "")
		return
	}
	writeJSON(w, http.StatusOK, toUserPayload(u))
}

// providerPayload mirrors domain.Provider for the admin CRUD surface.
type providerPayload struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Models    []string `json:"models"`
	Enabled   bool     `json:"enabled"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toProviderPayload(p *domain.Provider) providerPayload {
	return providerPayload{
		ID: p.ID, Name: p.Name, Kind: p.Kind, Models: []string(p.Models), Enabled: p.Enabled,
		CreatedAt: p.CreatedAt.Format(time.RFC3339), UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}

// ListProvidersAdmin handles GET /admin/providers.
func (s *Server) ListProvidersAdmin(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to list providers", "")
		return
	}
	out := make([]providerPayload, 0, len(providers))
	for _, p := range providers {
		out = append(out, toProviderPayload(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// CreateProviderAdmin handles POST /admin/providers.
func (s *Server) CreateProviderAdmin(w http.ResponseWriter, r *http.Request) {
	var req providerPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}

	p := &domain.Provider{
		ID: ulid.Make().String(), Name: req.Name, Kind: req.Kind,
		Models: types.Slice[string](req.Models), Enabled: req.Enabled,
	}
	if err := s.store.CreateProvider(r.Context(), p); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to create provider", "")
		return
	}
	writeJSON(w, http.StatusCreated, toProviderPayload(p))
}

// UpdateProviderAdmin handles PUT /admin/providers/{id}.
func (s *Server) UpdateProviderAdmin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	existing, err := s.store.GetProvider(r.Context(), id)
	if err != nil || existing == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "provider_not_found", "provider not found", "")
		return
	}

	var req providerPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}

	existing.Name = req.Name
	existing.Kind = req.Kind
	existing.Models = types.Slice[string](req.Models)
	existing.Enabled = req.Enabled

	if err := s.store.UpdateProvider(r.Context(), existing); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to update provider", "")
		return
	}
	writeJSON(w, http.StatusOK, toProviderPayload(existing))
}

// DeleteProviderAdmin handles DELETE /admin/providers/{id}.
func (s *Server) DeleteProviderAdmin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	if err := s.store.DeleteProvider(r.Context(), id); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to delete provider", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// subProviderRequest is the admin-facing shape for creating/updating a
// SubProvider; APIKey is the plaintext credential, encrypted on write and
// never echoed back.
type subProviderRequest struct {
	ProviderID         string  `json:"provider_id"`
	Name               string  `json:"name"`
	BaseURL            string  `json:"base_url"`
	APIKey             string  `json:"api_key,omitempty"`
	Weight             float64 `json:"weight"`
	MaxConcurrency     int     `json:"max_concurrency"`
	RPMLimit           int     `json:"rpm_limit"`
	RPHLimit           int     `json:"rph_limit"`
	TPMLimit           int     `json:"tpm_limit"`
	DiscountPercent    float64 `json:"discount_percent"`
	Enabled            bool    `json:"enabled"`
	InsecureSkipVerify bool    `json:"insecure_skip_verify"`
	Proxy              string  `json:"proxy,omitempty"`
}

type subProviderPayload struct {
	ID                 string  `json:"id"`
	ProviderID         string  `json:"provider_id"`
	Name               string  `json:"name"`
	BaseURL            string  `json:"base_url"`
	Weight             float64 `json:"weight"`
	MaxConcurrency     int     `json:"max_concurrency"`
	RPMLimit           int     `json:"rpm_limit"`
	RPHLimit           int     `json:"rph_limit"`
	TPMLimit           int     `json:"tpm_limit"`
	DiscountPercent    float64 `json:"discount_percent"`
	Enabled            bool    `json:"enabled"`
	InsecureSkipVerify bool    `json:"insecure_skip_verify"`
	Proxy              string  `json:"proxy,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toSubProviderPayload(sp *domain.SubProvider) subProviderPayload {
	return subProviderPayload{
		ID: sp.ID, ProviderID: sp.ProviderID, Name: sp.Name, BaseURL: sp.BaseURL,
		Weight: sp.Weight, MaxConcurrency: sp.MaxConcurrency, RPMLimit: sp.RPMLimit,
		RPHLimit: sp.RPHLimit, TPMLimit: sp.TPMLimit, DiscountPercent: sp.DiscountPercent,
		Enabled: sp.Enabled, InsecureSkipVerify: sp.InsecureSkipVerify, Proxy: sp.Proxy,
		CreatedAt: sp.CreatedAt.Format(time.RFC3339), UpdatedAt: sp.UpdatedAt.Format(time.RFC3339),
	}
}

// ListSubProvidersAdmin handles GET /admin/sub-providers?provider_id=.
func (s *Server) ListSubProvidersAdmin(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	subs, err := s.store.ListSubProviders(r.Context(), providerID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to list sub-providers", "")
		return
	}
	out := make([]subProviderPayload, 0, len(subs))
	for _, sp := range subs {
		out = append(out, toSubProviderPayload(sp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// CreateSubProviderAdmin handles POST /admin/sub-providers.
func (s *Server) CreateSubProviderAdmin(w http.ResponseWriter, r *http.Request) {
	var req subProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}

	encrypted, err := crypto.Encrypt(req.APIKey, s.currentEncryptionKey())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to encrypt credential", "")
		return
	}

	sp := &domain.SubProvider{
		ID: ulid.Make().String(), ProviderID: req.ProviderID, Name: req.Name, BaseURL: req.BaseURL,
		EncryptedAPIKey: encrypted, Weight: req.Weight, MaxConcurrency: req.MaxConcurrency,
		RPMLimit: req.RPMLimit, RPHLimit: req.RPHLimit, TPMLimit: req.TPMLimit,
		DiscountPercent: req.DiscountPercent, Enabled: req.Enabled,
		InsecureSkipVerify: req.InsecureSkipVerify, Proxy: req.Proxy,
	}
	if err := s.store.CreateSubProvider(r.Context(), sp); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to create sub-provider", "")
		return
	}
	writeJSON(w, http.StatusCreated, toSubProviderPayload(sp))
}

// UpdateSubProviderAdmin handles PUT /admin/sub-providers/{id}. A hot-reload
// drops any cached adapter so the next dispatch rebuilds it against the new
// credential/base URL.
func (s *Server) UpdateSubProviderAdmin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	existing, err := s.store.GetSubProvider(r.Context(), id)
	if err != nil || existing == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "sub_provider_not_found", "sub-provider not found", "")
		return
	}

	var req subProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}

	existing.Name = req.Name
	existing.BaseURL = req.BaseURL
	existing.Weight = req.Weight
	existing.MaxConcurrency = req.MaxConcurrency
	existing.RPMLimit = req.RPMLimit
	existing.RPHLimit = req.RPHLimit
	existing.TPMLimit = req.TPMLimit
	existing.DiscountPercent = req.DiscountPercent
	existing.Enabled = req.Enabled
	existing.InsecureSkipVerify = req.InsecureSkipVerify
	existing.Proxy = req.Proxy
	if req.APIKey != "" {
		encrypted, err := crypto.Encrypt(req.APIKey, s.currentEncryptionKey())
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to encrypt credential", "")
			return
		}
		existing.EncryptedAPIKey = encrypted
	}

	if err := s.store.UpdateSubProvider(r.Context(), existing); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to update sub-provider", "")
		return
	}
	s.adapters.Forget(id)
	writeJSON(w, http.StatusOK, toSubProviderPayload(existing))
}

// DeleteSubProviderAdmin handles DELETE /admin/sub-providers/{id}.
func (s *Server) DeleteSubProviderAdmin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("*")
	if err := s.store.DeleteSubProvider(r.Context(), id); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to delete sub-provider", "")
		return
	}
	s.adapters.Forget(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// apiLogPayload trims domain.ApiRequest to the admin-facing log shape.
type apiLogPayload struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Model            string `json:"model"`
	Endpoint         string `json:"endpoint"`
	Status           string `json:"status"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CreditsCharged   int64  `json:"credits_charged_micro"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toApiLogPayload(r *domain.ApiRequest) apiLogPayload {
	return apiLogPayload{
		ID: r.ID, UserID: r.UserID, Model: r.Model, Endpoint: r.Endpoint, Status: string(r.Status),
		PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens, CreditsCharged: r.CreditsCharged,
		ErrorMessage: r.ErrorMessage, CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

// ListApiLogsAdmin handles GET /admin/api-logs?user_id=&limit=.
func (s *Server) ListApiLogsAdmin(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "user_id query parameter is required", "")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	logs, err := s.store.ListForUser(r.Context(), userID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to list api logs", "")
		return
	}
	out := make([]apiLogPayload, 0, len(logs))
	for _, l := range logs {
		out = append(out, toApiLogPayload(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

// grantDiscountRequest admits a time-bounded per-model discount for a user.
// Multiplier must fall in [1.5, 3.0]; the effective cost of a call against
// Model is baseCost / Multiplier.
type grantDiscountRequest struct {
	UserID     string  `json:"user_id"`
	Model      string  `json:"model"`
	Multiplier float64 `json:"multiplier"`
	EndsAt     string  `json:"ends_at,omitempty"` // RFC3339, empty means open-ended
}

// GrantDiscountAdmin handles POST /admin/discounts.
func (s *Server) GrantDiscountAdmin(w http.ResponseWriter, r *http.Request) {
	var req grantDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}
	if !domain.MultiplierInRange(req.Multiplier) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "multiplier must be between 1.5 and 3.0", "")
		return
	}

	d := &domain.UserDiscount{
		UserID: req.UserID, Model: req.Model, Multiplier: req.Multiplier, StartsAt: time.Now().UTC(),
	}
	if req.EndsAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "ends_at must be RFC3339", "")
			return
		}
		d.EndsAt.Valid = true
		d.EndsAt.V.Time = parsed
	}

	if err := s.discount.Grant(r.Context(), d); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to grant discount", "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": d.ID, "user_id": d.UserID, "model": d.Model, "multiplier": d.Multiplier})
}

// rotateKeyRequest carries the new encryption passphrase. An empty
// passphrase disables encryption and re-stores credentials as plaintext.
type rotateKeyRequest struct {
	EncryptionKey string `json:"encryption_key"`
}

// RotateKeyAdmin handles POST /admin/rotate-key, re-encrypting every
// sub-provider credential under a new key inside one transaction, then
// swapping the server's live key and broadcasting it to cluster peers.
func (s *Server) RotateKeyAdmin(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid request body: %v", err), "")
		return
	}

	var newKey []byte
	if req.EncryptionKey != "" {
		var err error
		newKey, err = crypto.DeriveKey(req.EncryptionKey)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "", fmt.Sprintf("invalid encryption key: %v", err), "")
			return
		}
	}

	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			writeAPIError(w, http.StatusServiceUnavailable, "request_failed", "", "failed to acquire distributed lock", "")
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				slog.Error("failed to release distributed lock", "error", err)
			}
		}()
	}

	oldKey := s.currentEncryptionKey()
	if err := s.store.RotateEncryptionKey(r.Context(), oldKey, newKey); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", fmt.Sprintf("key rotation failed: %v", err), "")
		return
	}
	s.swapEncryptionKey(newKey)

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			slog.Error("key rotation succeeded but peer broadcast failed, other instances may need a restart", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"rotated": true})
}

// currentEncryptionKey reads the live key under its guard, mirroring
// decryptSubProviderKey's locking discipline for writers.
func (s *Server) currentEncryptionKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()
	return s.encKey
}
