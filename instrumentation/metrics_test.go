package instrumentation

import (
	"context"
	"testing"
)

// newTestMetrics builds a metrics holder backed by no-op providers.
// Recording against no-op instruments must never panic; these tests
// exercise every helper path.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst.Metrics()
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.5)
	m.RecordHTTPRequest(ctx, "GET", "/oauth/authorize", 307, 0.8)
	m.RecordHTTPRequest(ctx, "POST", "/oauth/register", 429, 0.1)
}

func TestMetrics_RecordOAuthFlow(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAuthorizationStarted(ctx, "mcp_client_abc")
	m.RecordCodeExchange(ctx, "mcp_client_abc", true)
	m.RecordCodeExchange(ctx, "mcp_client_abc", false)
	m.RecordTokenRefresh(ctx, "mcp_client_abc")
	m.RecordTokenIntrospection(ctx, true)
	m.RecordTokenIntrospection(ctx, false)
	m.RecordClientRegistration(ctx, "confidential")
	m.RecordClientRegistration(ctx, "public")
}

func TestMetrics_RecordSecurity(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordPKCEValidationFailed(ctx)
	m.RecordCodeReuseDetected(ctx)
	m.RecordAuditEvent(ctx, "token_issued")
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStorageOperation(ctx, "save_client", "success", 0.42)
	m.RecordStorageOperation(ctx, "get_authorization_code", "not_found", 0.11)
	m.RecordStorageOperation(ctx, "save_refresh_grant", "error", 3.7)
}
