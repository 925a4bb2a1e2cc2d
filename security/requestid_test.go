package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstream   string
		wantKeepUp bool
	}{
		{name: "generates when missing", upstream: "", wantKeepUp: false},
		{name: "keeps valid upstream", upstream: "abc-123_DEF", wantKeepUp: true},
		{name: "replaces injection attempt", upstream: "bad\r\nheader", wantKeepUp: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				r.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, want %q", got, seen)
			}
			if (seen == tt.upstream) != tt.wantKeepUp {
				t.Errorf("kept upstream = %v, want %v", seen == tt.upstream, tt.wantKeepUp)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		if !requestIDPattern.MatchString(id) {
			t.Fatalf("generated id %q does not match pattern", id)
		}
		seen[id] = true
	}
}
