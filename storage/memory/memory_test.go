package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpauth/mcpauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:                id,
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://client.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		CreatedAt:               time.Now(),
	}
}

func TestStore_SaveAndGetClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := testClient("mcp_client_abc")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "mcp_client_abc")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
}

func TestStore_SaveClient_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("mcp_client_abc")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	err := s.SaveClient(ctx, testClient("mcp_client_abc"))
	if !errors.Is(err, storage.ErrClientExists) {
		t.Errorf("SaveClient() duplicate error = %v, want ErrClientExists", err)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := s.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ClientID should return error")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetClient(context.Background(), "nope")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_ValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	confidential := testClient("mcp_client_conf")
	confidential.ClientSecretHash = string(hash)
	if err := s.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	public := testClient("mcp_client_pub")
	public.ClientType = "public"
	public.TokenEndpointAuthMethod = "none"
	if err := s.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "correct secret", clientID: "mcp_client_conf", secret: "s3cret", wantErr: false},
		{name: "wrong secret", clientID: "mcp_client_conf", secret: "wrong", wantErr: true},
		{name: "empty secret", clientID: "mcp_client_conf", secret: "", wantErr: true},
		{name: "public client needs no secret", clientID: "mcp_client_pub", secret: "", wantErr: false},
		{name: "unknown client", clientID: "nope", secret: "s3cret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, storage.ErrInvalidClientSecret) {
				t.Errorf("error = %v, want ErrInvalidClientSecret", err)
			}
		})
	}
}

func TestStore_ListClients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SaveClient(ctx, testClient(fmt.Sprintf("mcp_client_%d", i))); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("ListClients() returned %d clients, want 3", len(clients))
	}
}

func testAuthCode(code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "mcp_client_abc",
		RedirectURI:         "https://client.example.com/callback",
		Scope:               "read",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

func TestStore_AuthorizationCodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testAuthCode("code-1")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.ClientID != code.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, code.ClientID)
	}
	if got.Used {
		t.Error("code should not be marked used by Get")
	}

	if err := s.DeleteAuthorizationCode(ctx, "code-1"); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}

	if _, err := s.GetAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode() after delete error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestStore_GetAuthorizationCode_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testAuthCode("code-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	got.Used = true

	again, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if again.Used {
		t.Error("mutating the returned code should not affect the stored one")
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testAuthCode("code-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	first, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if err != nil {
		t.Fatalf("AtomicCheckAndMarkAuthCodeUsed() first use error = %v", err)
	}
	if first == nil {
		t.Fatal("first use should return the code")
	}

	second, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Errorf("second use error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if second == nil {
		t.Error("reuse should return the code for audit logging")
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AtomicCheckAndMarkAuthCodeUsed(context.Background(), "nope")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testAuthCode("code-1")
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1")
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testAuthCode("code-1")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	if got := len(successes); got != 1 {
		t.Errorf("%d concurrent exchanges succeeded, want exactly 1", got)
	}
}

func TestStore_RefreshGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := &storage.RefreshGrant{
		Token:     "refresh-1",
		ClientID:  "mcp_client_abc",
		Scope:     "read",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := s.SaveRefreshGrant(ctx, grant); err != nil {
		t.Fatalf("SaveRefreshGrant() error = %v", err)
	}

	// Refresh tokens are reusable: repeated lookups must keep succeeding
	for i := 0; i < 3; i++ {
		got, err := s.GetRefreshGrant(ctx, "refresh-1")
		if err != nil {
			t.Fatalf("GetRefreshGrant() lookup %d error = %v", i+1, err)
		}
		if got.ClientID != grant.ClientID {
			t.Errorf("ClientID = %q, want %q", got.ClientID, grant.ClientID)
		}
	}
}

func TestStore_GetRefreshGrant_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRefreshGrant(context.Background(), "nope")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

func TestStore_GetRefreshGrant_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := &storage.RefreshGrant{
		Token:     "refresh-1",
		ClientID:  "mcp_client_abc",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveRefreshGrant(ctx, grant); err != nil {
		t.Fatalf("SaveRefreshGrant() error = %v", err)
	}

	_, err := s.GetRefreshGrant(ctx, "refresh-1")
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestStore_AccessGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := &storage.AccessGrant{
		Token:     "access-1",
		ClientID:  "mcp_client_abc",
		Scope:     "read write",
		TokenType: "Bearer",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveAccessGrant(ctx, grant); err != nil {
		t.Fatalf("SaveAccessGrant() error = %v", err)
	}

	got, err := s.GetAccessGrant(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetAccessGrant() error = %v", err)
	}
	if got.Scope != grant.Scope {
		t.Errorf("Scope = %q, want %q", got.Scope, grant.Scope)
	}
}

func TestStore_SetClockSkewGracePeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetClockSkewGracePeriod(30 * time.Second)

	// Expired 10s ago: beyond the default 5s grace, within the configured 30s
	grant := &storage.AccessGrant{
		Token:     "access-1",
		ClientID:  "mcp_client_abc",
		ExpiresAt: time.Now().Add(-10 * time.Second),
	}
	if err := s.SaveAccessGrant(ctx, grant); err != nil {
		t.Fatalf("SaveAccessGrant() error = %v", err)
	}

	if _, err := s.GetAccessGrant(ctx, "access-1"); err != nil {
		t.Errorf("GetAccessGrant() within grace error = %v, want success", err)
	}

	// A non-positive value restores the default grace
	s.SetClockSkewGracePeriod(0)
	if _, err := s.GetAccessGrant(ctx, "access-1"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired under default grace", err)
	}
}

func TestStore_GetAccessGrant_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := &storage.AccessGrant{
		Token:     "access-1",
		ClientID:  "mcp_client_abc",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveAccessGrant(ctx, grant); err != nil {
		t.Fatalf("SaveAccessGrant() error = %v", err)
	}

	_, err := s.GetAccessGrant(ctx, "access-1")
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testAuthCode("expired-code")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveAuthorizationCode(ctx, expired); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := s.SaveAuthorizationCode(ctx, testAuthCode("live-code")); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := s.SaveRefreshGrant(ctx, &storage.RefreshGrant{
		Token:     "expired-refresh",
		ClientID:  "mcp_client_abc",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveRefreshGrant() error = %v", err)
	}

	s.cleanup()

	s.mu.RLock()
	_, expiredExists := s.authCodes["expired-code"]
	_, liveExists := s.authCodes["live-code"]
	_, refreshExists := s.refreshGrants["expired-refresh"]
	s.mu.RUnlock()

	if expiredExists {
		t.Error("expired authorization code should have been swept")
	}
	if !liveExists {
		t.Error("live authorization code should survive cleanup")
	}
	if refreshExists {
		t.Error("expired refresh grant should have been swept")
	}
}
