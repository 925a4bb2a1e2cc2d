// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "my-auth-server",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// When Enabled is set and no providers are supplied, the global otel
// providers are used, so an application that has already configured an
// exporter picks the library up automatically. When Enabled is false all
// instruments are no-ops.
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{endpoint, method, status}
//   - oauth.http.request.duration{endpoint} (ms)
//
// Grants:
//   - oauth.grant.issued{grant_type}
//   - oauth.grant.failed{grant_type, error}
//   - oauth.authorization.completed{response_type, result}
//
// Security:
//   - oauth.client_auth.failed{method}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.refresh_token.reuse_detected
//   - oauth.token.revoked{token_type}
//   - oauth.rate_limit.exceeded{endpoint}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation} (ms)
//
// # Tracing
//
// Spans are created per endpoint ("oauth.http.<endpoint>"), per grant
// ("oauth.server.grant.<grant_type>") and per storage operation
// ("storage.<operation>"). Never put token values, codes or secrets on a span;
// the attribute keys in this package are for metadata only.
package instrumentation
