package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// AuthMiddleware checks for a bearer token or token query param. An empty
// token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Query param is convenient for quick testing.
			if tokenEqual(r.URL.Query().Get("token"), token) {
				next.ServeHTTP(w, r)
				return
			}

			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tokenEqual(bearer, token) {
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// RateLimit rejects requests beyond the limiter's rate with 429.
func RateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many manual executions, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
