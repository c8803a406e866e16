// Package server is the gateway's HTTP surface: OpenAI-compatible dispatch
// handlers, the admin CRUD API, and the shared pipeline that ties auth,
// billing, load balancing and provider adapters together for every request.
// Routing and middleware wiring is adapted from the ada middleware stack's usual
// internal/server/server.go (ada.New, mux groups, forward-auth gating).
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/balancer"
	"github.com/rakunlabs/vgate/internal/cache"
	"github.com/rakunlabs/vgate/internal/cluster"
	"github.com/rakunlabs/vgate/internal/config"
	"github.com/rakunlabs/vgate/internal/credit"
	"github.com/rakunlabs/vgate/internal/crypto"
	"github.com/rakunlabs/vgate/internal/discount"
	"github.com/rakunlabs/vgate/internal/metrics"
	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
	"github.com/rakunlabs/vgate/internal/security"
	"github.com/rakunlabs/vgate/internal/store"
	"github.com/rakunlabs/vgate/internal/tracker"
)

// Server holds every collaborator the dispatch handlers and admin API need,
// wired once by the composition root in cmd/vgate and never rebuilt for the
// life of the process (hot-reloadable pieces like the provider/balancer
// registries mutate their own internal state instead).
type Server struct {
	cfg config.Server

	server *ada.Server

	store    store.Store
	registry *registry.Registry
	balancer *balancer.Balancer
	adapters *provider.Registry
	credit   *credit.Engine
	discount *discount.Engine
	tracker  *tracker.Tracker
	security *security.Service
	auth     *auth.Service
	metrics  *metrics.Metrics
	cache    cache.Cache
	cluster  *cluster.Cluster

	encKey   []byte
	encKeyMu sync.RWMutex
}

// Deps collects every collaborator New needs, one field per already-wired
// package-level component from the composition root.
type Deps struct {
	Store         store.Store
	Registry      *registry.Registry
	Balancer      *balancer.Balancer
	Adapters      *provider.Registry
	Credit        *credit.Engine
	Discount      *discount.Engine
	Tracker       *tracker.Tracker
	Security      *security.Service
	Auth          *auth.Service
	Metrics       *metrics.Metrics
	Cache         cache.Cache
	Cluster       *cluster.Cluster
	EncryptionKey []byte
}

// New builds the HTTP server and mounts every route group, using the
// familiar ada.New()/mux.Group() composition.
func New(ctx context.Context, cfg config.Server, gatewayCfg config.Gateway, deps Deps) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:      cfg,
		server:   mux,
		store:    deps.Store,
		registry: deps.Registry,
		balancer: deps.Balancer,
		adapters: deps.Adapters,
		credit:   deps.Credit,
		discount: deps.Discount,
		tracker:  deps.Tracker,
		security: deps.Security,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		cache:    deps.Cache,
		cluster:  deps.Cluster,
		encKey:   deps.EncryptionKey,
	}

	baseGroup := mux.Group(cfg.BasePath)

	if gatewayCfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*gatewayCfg.ForwardAuth)))
	}

	v1 := baseGroup.Group("/v1")
	v1.Use(s.rateLimitMiddleware())

	v1.POST("/chat/completions", s.ChatCompletions)
	v1.POST("/responses", s.Responses)
	v1.POST("/embeddings", s.Embeddings)
	v1.POST("/moderations", s.Moderations)

	v1.POST("/audio/speech", s.AudioSpeech)
	v1.POST("/audio/transcriptions", s.AudioTranscriptions)
	v1.POST("/audio/translations", s.AudioTranslations)

	v1.POST("/images/generations", s.ImageGenerations)
	v1.POST("/images/edits", s.ImageEdits)

	v1.POST("/videos", s.CreateVideo)
	v1.GET("/videos", s.ListVideos)
	v1.GET("/videos/*", s.GetVideo)
	v1.GET("/videos/*/content", s.GetVideoContent)
	v1.DELETE("/videos/*", s.DeleteVideo)
	v1.POST("/videos/*/remix", s.RemixVideo)

	v1.GET("/models", s.ListModels)
	v1.GET("/models/*", s.GetModel)

	v1.GET("/discounts/my-discounts", s.MyDiscounts)
	v1.GET("/discounts/eligible-models", s.EligibleModels)

	adminGroup := baseGroup.Group("/admin")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.GET("/users", s.ListUsersAdmin)
	adminGroup.GET("/users/*", s.GetUserAdmin)
	adminGroup.GET("/sub-providers", s.ListSubProvidersAdmin)
	adminGroup.POST("/sub-providers", s.CreateSubProviderAdmin)
	adminGroup.PUT("/sub-providers/*", s.UpdateSubProviderAdmin)
	adminGroup.DELETE("/sub-providers/*", s.DeleteSubProviderAdmin)
	adminGroup.GET("/providers", s.ListProvidersAdmin)
	adminGroup.POST("/providers", s.CreateProviderAdmin)
	adminGroup.PUT("/providers/*", s.UpdateProviderAdmin)
	adminGroup.DELETE("/providers/*", s.DeleteProviderAdmin)
	adminGroup.GET("/api-logs", s.ListApiLogsAdmin)
	adminGroup.POST("/discounts", s.GrantDiscountAdmin)
	adminGroup.POST("/rotate-key", s.RotateKeyAdmin)

	return s, nil
}

// Start blocks serving HTTP until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// decryptSubProviderKey decrypts a stored credential under the current
// encryption key. Guarded by encKeyMu since RotateKeyAdmin swaps the key
// concurrently with in-flight requests.
func (s *Server) decryptSubProviderKey(encrypted string) (string, error) {
	s.encKeyMu.RLock()
	key := s.encKey
	s.encKeyMu.RUnlock()
	return crypto.Decrypt(encrypted, key)
}

// swapEncryptionKey replaces the live key used to decrypt sub-provider
// credentials, called after RotateKeyAdmin rewrites the stored rows and
// after a cluster peer broadcasts a rotation it performed.
func (s *Server) swapEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}

// rateLimitMiddleware enforces a sliding 60s window of 100 requests per
// minute, keyed by the caller's API key prefix (first 16 chars of the
// bearer token) or client IP when no bearer token is present.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			allowed, err := s.checkRateLimit(r.Context(), key)
			if err != nil {
				// Fail open: a cache outage should not take the gateway down.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeAPIError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too_many_requests",
					"Rate limit exceeded, please try again later.", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	bearer := bearerToken(r)
	if len(bearer) >= 16 {
		return "rate_limit:" + bearer[:16]
	}
	ip := clientIP(r.Header.Get("cf-connecting-ip"), r.Header.Get("x-forwarded-for"), r.RemoteAddr)
	return "rate_limit:" + ip
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// adminAuthMiddleware protects the /admin surface with the same
// master-admin bearer used by the gateway dispatch paths, matching the
// spec's "admin paths require the admin identity" requirement.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.Header.Get("cf-connecting-ip"), r.Header.Get("x-forwarded-for"), r.RemoteAddr)
			result, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), ip)
			if err != nil || !result.User.IsAdmin {
				writeAPIError(w, http.StatusForbidden, "model_access_denied", "admin_only", "admin access required", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves the bearer token on an inbound request into a
// RequestContext, or writes the unauthenticated error envelope and returns
// false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*RequestContext, bool) {
	ip := clientIP(r.Header.Get("cf-connecting-ip"), r.Header.Get("x-forwarded-for"), r.RemoteAddr)
	result, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), ip)
	if err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return nil, false
	}
	return &RequestContext{
		User:      result.User,
		ApiKey:    result.ApiKey,
		Master:    result.Master,
		RequestID: r.Header.Get("X-Request-Id"),
		StartTime: time.Now(),
		ClientIP:  ip,
	}, true
}
