package oauth

import "testing"

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuthorizationPath != DefaultAuthorizationPath {
		t.Errorf("AuthorizationPath = %q, want %q", config.AuthorizationPath, DefaultAuthorizationPath)
	}
	if config.TokenPath != DefaultTokenPath {
		t.Errorf("TokenPath = %q, want %q", config.TokenPath, DefaultTokenPath)
	}
	if config.RevocationPath != DefaultRevocationPath {
		t.Errorf("RevocationPath = %q, want %q", config.RevocationPath, DefaultRevocationPath)
	}
	if config.IntrospectionPath != DefaultIntrospectionPath {
		t.Errorf("IntrospectionPath = %q, want %q", config.IntrospectionPath, DefaultIntrospectionPath)
	}
	if config.TrustProxy {
		t.Error("TrustProxy should default to false")
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.RateLimit.Rate != 0 {
		t.Errorf("RateLimit.Rate = %d, want 0 (disabled)", config.RateLimit.Rate)
	}
	if config.CORS.MaxAge != defaultCORSMaxAge {
		t.Errorf("CORS.MaxAge = %d, want %d", config.CORS.MaxAge, defaultCORSMaxAge)
	}
	if config.ConsentResolver != nil {
		t.Error("ConsentResolver should default to nil")
	}
}

func TestApplyDefaults_RateLimit(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		burst     int
		wantBurst int
	}{
		{name: "disabled", rate: 0, burst: 0, wantBurst: 0},
		{name: "burst derived from rate", rate: 10, burst: 0, wantBurst: 20},
		{name: "explicit burst kept", rate: 10, burst: 5, wantBurst: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := applyDefaults(&Config{RateLimit: RateLimitConfig{Rate: tt.rate, Burst: tt.burst}})
			if config.RateLimit.Burst != tt.wantBurst {
				t.Errorf("RateLimit.Burst = %d, want %d", config.RateLimit.Burst, tt.wantBurst)
			}
		})
	}
}

func TestApplyDefaults_KeepsCustomSettings(t *testing.T) {
	config := applyDefaults(&Config{
		AuthorizationPath: "/authorize",
		TokenPath:         "/token",
		RevocationPath:    "/revoke",
		IntrospectionPath: "/introspect",
		TrustProxy:        true,
		TrustedProxyCount: 2,
		CORS: CORSConfig{
			AllowedOrigins: []string{"https://app.example.com"},
			MaxAge:         600,
		},
	})

	if config.AuthorizationPath != "/authorize" || config.TokenPath != "/token" {
		t.Errorf("endpoint paths overwritten: %q, %q", config.AuthorizationPath, config.TokenPath)
	}
	if config.RevocationPath != "/revoke" || config.IntrospectionPath != "/introspect" {
		t.Errorf("endpoint paths overwritten: %q, %q", config.RevocationPath, config.IntrospectionPath)
	}
	if config.TrustedProxyCount != 2 {
		t.Errorf("TrustedProxyCount = %d, want 2", config.TrustedProxyCount)
	}
	if config.CORS.MaxAge != 600 {
		t.Errorf("CORS.MaxAge = %d, want 600", config.CORS.MaxAge)
	}
}
