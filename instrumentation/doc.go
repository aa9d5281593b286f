// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for mcpauth.
//
// This package enables observability across all layers through:
//   - Metrics: counters, histograms, and gauges for OAuth operations
//   - Traces: distributed tracing for request flows across components
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcpauth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Prometheus Metrics
//
// Wire an SDK meter provider backed by the Prometheus exporter and expose
// promhttp:
//
//	exporter, _ := prometheus.New()
//	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
//	inst, _ := instrumentation.New(instrumentation.Config{
//		ServiceName:   "mcpauth",
//		Enabled:       true,
//		MeterProvider: mp,
//	})
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth flows:
//   - oauth.authorization.started{client_id}
//   - oauth.code.exchanged{client_id, pkce}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.introspected{active}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed
//   - oauth.code.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.size.clients / .authorization_codes / .refresh_grants / .access_grants
//
// # Performance
//
// When instrumentation is not configured or disabled, no-op providers are
// used and the overhead is zero. Storage size gauges are observed from
// atomic counters, so metric collection never takes the store lock.
//
// # Security Considerations
//
// Never record actual token values, client secrets, or PKCE verifiers in
// traces or metrics - only metadata (token types, expiry times, validation
// results). Client IP addresses may be PII in some jurisdictions; IP logging
// can be disabled via Config.LogClientIPs.
package instrumentation
