package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcpauth/mcpauth/instrumentation"
	"github.com/mcpauth/mcpauth/internal/util"
	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/storage"
)

// tokenIDLogLength is the number of characters to include when logging token
// and code prefixes. Enough uniqueness for debugging while keeping logs secure.
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, and GrantStore.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authCodes     map[string]*storage.AuthorizationCode
	refreshGrants map[string]*storage.RefreshGrant
	accessGrants  map[string]*storage.AccessGrant

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	authCodesCountAtomic     atomic.Int64
	refreshGrantsCountAtomic atomic.Int64
	accessGrantsCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger

	// Expiry checks allow this much clock skew.
	clockSkewGrace time.Duration
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshGrants:   make(map[string]*storage.RefreshGrant),
		accessGrants:    make(map[string]*storage.AccessGrant),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		clockSkewGrace:  security.DefaultClockSkewGracePeriod,
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClockSkewGracePeriod sets the clock skew grace applied to expiry checks.
// Non-positive values restore the default.
func (s *Store) SetClockSkewGracePeriod(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if grace <= 0 {
		grace = security.DefaultClockSkewGracePeriod
	}
	s.clockSkewGrace = grace
}

// expired reports whether expiresAt has passed, allowing for clock skew.
// Callers must hold s.mu.
func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsTokenExpiredWithGracePeriod(expiresAt, s.clockSkewGrace)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshGrantsCountAtomic.Store(int64(len(s.refreshGrants)))
	s.accessGrantsCountAtomic.Store(int64(len(s.accessGrants)))
	s.mu.Unlock()

	if inst != nil {
		// Gauges observe the atomic counters, never the maps, so metric
		// collection cannot contend with request handling.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.refreshGrantsCountAtomic.Load() },
			func() int64 { return s.accessGrantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Client IDs are server-generated, so a
// collision is rejected rather than overwritten.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
		return err
	}

	s.clients[client.ClientID] = client
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison is always performed, even for unknown clients, so that
// response timing does not reveal whether a client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash used when the client does not exist
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients have no secret to check
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return storage.ErrInvalidClientSecret
	}

	if bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code.Code]; !existed {
		s.authCodesCountAtomic.Add(1)
	}
	s.authCodes[code.Code] = code

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
//
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	// Check if expired with clock skew grace period
	if s.expired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	// Return a COPY to prevent the caller from modifying the stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
//
// SECURITY: This operation is atomic - only ONE concurrent request can succeed.
// All other concurrent requests will receive an "already used" error.
//
// The authCode is ONLY returned on reuse errors (Used=true) to enable
// detection and audit logging. For other errors (not found, expired), nil is
// returned to prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	// Check if expired with clock skew grace period
	if s.expired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		return authCode, storage.ErrAuthorizationCodeUsed
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		s.authCodesCountAtomic.Add(-1)
	}
	delete(s.authCodes, code)
	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveRefreshGrant saves a refresh grant keyed by its token string
func (s *Store) SaveRefreshGrant(ctx context.Context, grant *storage.RefreshGrant) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_grant", err, startTime)
	}()

	if grant == nil || grant.Token == "" {
		err = fmt.Errorf("invalid refresh grant")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshGrants[grant.Token]; !existed {
		s.refreshGrantsCountAtomic.Add(1)
	}
	s.refreshGrants[grant.Token] = grant

	s.logger.Debug("Saved refresh grant",
		"client_id", grant.ClientID,
		"expires_at", grant.ExpiresAt)
	return nil
}

// GetRefreshGrant retrieves a refresh grant by token string.
// The grant stays in the store: refresh tokens are reusable until expiry.
func (s *Store) GetRefreshGrant(ctx context.Context, token string) (*storage.RefreshGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.refreshGrants[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
		return nil, err
	}

	// Check if expired with clock skew grace period
	if s.expired(grant.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	grantCopy := *grant
	return &grantCopy, nil
}

// SaveAccessGrant saves an access grant keyed by its token string
func (s *Store) SaveAccessGrant(ctx context.Context, grant *storage.AccessGrant) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_grant", err, startTime)
	}()

	if grant == nil || grant.Token == "" {
		err = fmt.Errorf("invalid access grant")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessGrants[grant.Token]; !existed {
		s.accessGrantsCountAtomic.Add(1)
	}
	s.accessGrants[grant.Token] = grant

	s.logger.Debug("Saved access grant",
		"client_id", grant.ClientID,
		"token_prefix", util.SafeTruncate(grant.Token, tokenIDLogLength),
		"expires_at", grant.ExpiresAt)
	return nil
}

// GetAccessGrant retrieves an access grant by token string
func (s *Store) GetAccessGrant(ctx context.Context, token string) (*storage.AccessGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.accessGrants[token]
	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrTokenNotFound)
		return nil, err
	}

	// Check if expired with clock skew grace period
	if s.expired(grant.ExpiresAt) {
		err = fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
		return nil, err
	}

	grantCopy := *grant
	return &grantCopy, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired entries. Expired records are already unexchangeable,
// so the sweep only bounds memory; it cannot change observable behavior.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, authCode := range s.authCodes {
		if s.expired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, grant := range s.refreshGrants {
		if s.expired(grant.ExpiresAt) {
			delete(s.refreshGrants, token)
			s.refreshGrantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, grant := range s.accessGrants {
		if s.expired(grant.ExpiresAt) {
			delete(s.accessGrants, token)
			s.accessGrantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
