package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/oklog/ulid/v2"
)

type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header carrying the request id.
const RequestIDHeader = "X-Request-ID"

// requestIDPattern bounds upstream ids to a header-safe charset.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a new ULID request id.
func GenerateRequestID() string {
	return ulid.Make().String()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// RequestIDMiddleware keeps a valid upstream X-Request-ID or generates a new
// one, echoes it in the response and stores it in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(requestID) {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
