package server

import (
	"context"
	"testing"

	"github.com/mcpauth/mcpauth/keys"
	"github.com/mcpauth/mcpauth/storage"
	"github.com/mcpauth/mcpauth/storage/memory"
)

const testIssuer = "https://auth.example.com"

func newTestStorage(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	t.Cleanup(s.Stop)
	return s
}

func newTestKeys(t *testing.T, issuer string) *keys.Manager {
	t.Helper()
	km, err := keys.New(issuer)
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	return km
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(newTestStorage(t), newTestKeys(t, testIssuer), &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

// registerTestClient registers a confidential client and returns it with its
// plaintext secret.
func registerTestClient(t *testing.T, srv *Server, redirectURIs ...string) (*storage.Client, string) {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://client.example.com/callback"}
	}
	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:   "test client",
		RedirectURIs: redirectURIs,
	}, "192.0.2.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client, secret
}

func TestNew(t *testing.T) {
	srv := newTestServer(t)

	if srv.Store() == nil {
		t.Error("Store() should not be nil")
	}
	if srv.Keys() == nil {
		t.Error("Keys() should not be nil")
	}
	if srv.Config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", srv.Config.AuthorizationCodeTTL)
	}
	if srv.Config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", srv.Config.AccessTokenTTL)
	}
	if srv.Config.RefreshTokenTTL != 86400 {
		t.Errorf("RefreshTokenTTL = %d, want 86400", srv.Config.RefreshTokenTTL)
	}
	if srv.Config.DefaultAudience != testIssuer {
		t.Errorf("DefaultAudience = %q, want issuer %q", srv.Config.DefaultAudience, testIssuer)
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	km := newTestKeys(t, testIssuer)
	store := newTestStorage(t)

	if _, err := New(nil, km, &Config{Issuer: testIssuer}, nil); err == nil {
		t.Error("New() without store should return error")
	}
	if _, err := New(store, nil, &Config{Issuer: testIssuer}, nil); err == nil {
		t.Error("New() without key manager should return error")
	}
	if _, err := New(store, km, &Config{}, nil); err == nil {
		t.Error("New() without issuer should return error")
	}
}
