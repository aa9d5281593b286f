package oauth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mcpauth/mcpauth/instrumentation"
	"github.com/mcpauth/mcpauth/keys"
	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/server"
	"github.com/mcpauth/mcpauth/storage"
	"github.com/mcpauth/mcpauth/storage/memory"
)

// securityEventRate limits how often repeated security events (e.g.
// authorization code replay) are logged at error level per client.
const (
	securityEventRate  = 1
	securityEventBurst = 5
)

// Server bundles the flow logic, storage, signing keys, and HTTP layer
// into a ready-to-serve authorization server.
type Server struct {
	core    *server.Server
	handler *Handler
	keys    *keys.Manager
	store   storage.Store
	inst    *instrumentation.Instrumentation

	rateLimiter         *security.RateLimiter
	securityRateLimiter *security.RateLimiter
	logger              *slog.Logger

	// memStore is set when this server created its own in-memory store and
	// therefore owns its cleanup goroutine.
	memStore *memory.Store
}

// Option customizes server construction.
type Option func(*serverOptions)

type serverOptions struct {
	store      storage.Store
	keyManager *keys.Manager
	inst       *instrumentation.Instrumentation
}

// WithStore uses the given storage backend instead of the default
// in-memory store. The caller owns the backend's lifecycle.
func WithStore(store storage.Store) Option {
	return func(o *serverOptions) { o.store = store }
}

// WithKeyManager uses the given signing key manager instead of generating
// a fresh RSA key pair.
func WithKeyManager(km *keys.Manager) Option {
	return func(o *serverOptions) { o.keyManager = km }
}

// WithInstrumentation wires OpenTelemetry metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *serverOptions) { o.inst = inst }
}

// New creates an authorization server from the configuration.
func New(config *Config, opts ...Option) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		store:  o.store,
		keys:   o.keyManager,
		inst:   o.inst,
		logger: logger,
	}

	if s.store == nil {
		s.memStore = memory.NewWithInterval(config.CleanupInterval)
		s.store = s.memStore
	}

	if s.keys == nil {
		km, err := keys.New(config.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create key manager: %w", err)
		}
		s.keys = km
	}

	core, err := server.New(s.store, s.keys, config.serverConfig(), logger)
	if err != nil {
		return nil, err
	}
	s.core = core

	if config.Security.EnableAuditLogging {
		core.SetAuditor(security.NewAuditor(logger, true))
	}

	if config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiterWithConfig(
			config.RateLimit.Rate,
			config.RateLimit.Burst,
			config.RateLimit.MaxEntries,
			logger,
		)
		core.SetRateLimiter(s.rateLimiter)
	}

	s.securityRateLimiter = security.NewRateLimiter(securityEventRate, securityEventBurst, logger)
	core.SetSecurityEventRateLimiter(s.securityRateLimiter)

	if s.inst != nil {
		core.SetInstrumentation(s.inst)
	}

	s.handler = NewHandler(core, s.inst, logger)

	return s, nil
}

// Handler returns the HTTP handler serving all OAuth endpoints, wrapped
// with request ID middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handler.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// RegisterRoutes registers the OAuth endpoints on an existing mux.
// Use this to mount the server alongside other handlers; no middleware
// is applied.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
}

// Core exposes the flow logic for callers that bypass the HTTP layer.
func (s *Server) Core() *server.Server {
	return s.core
}

// Store returns the storage backend in use.
func (s *Server) Store() storage.Store {
	return s.store
}

// Keys returns the signing key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// Close releases background resources: rate limiter cleanup goroutines and,
// when this server created its own in-memory store, the store's sweeper.
// Injected stores are the caller's responsibility.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.securityRateLimiter != nil {
		s.securityRateLimiter.Stop()
	}
	if s.memStore != nil {
		s.memStore.Stop()
	}
}
