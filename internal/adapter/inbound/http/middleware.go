package http

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/posguard/internal/ctxkey"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// Credentials are the admin username and its Argon2id password hash in PHC
// format ($argon2id$v=19$...).
type Credentials struct {
	Username     string
	PasswordHash string
}

// Configured reports whether admin access is enabled.
func (c Credentials) Configured() bool {
	return c.Username != "" && c.PasswordHash != ""
}

// BasicAuth guards next with HTTP basic authentication. When no credentials
// are configured every request is refused.
func BasicAuth(creds Credentials, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !creds.Configured() {
				http.Error(w, "admin access not configured", http.StatusForbidden)
				return
			}

			user, pass, ok := r.BasicAuth()
			if ok && verifyCredentials(creds, user, pass) {
				next.ServeHTTP(w, r)
				return
			}

			if metrics != nil {
				metrics.AdminAuthFailures.Inc()
			}
			LoggerFromContext(r.Context()).Warn("admin authentication failed", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="posguard", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func verifyCredentials(creds Credentials, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1
	match, err := argon2id.ComparePasswordAndHash(pass, creds.PasswordHash)
	if err != nil {
		return false
	}
	return userOK && match
}
