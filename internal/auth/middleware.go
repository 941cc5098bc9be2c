package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Skipper exempts a request from authentication. The binaries use it for
// health and metrics probes.
type Skipper func(r *http.Request) bool

// Middleware rejects requests without a valid bearer token and stores the
// resolved claims on the request context for the handlers.
type Middleware struct {
	cfg  Config
	skip Skipper
}

// NewMiddleware constructs a middleware with an optional skipper.
func NewMiddleware(cfg Config, skip Skipper) Middleware {
	return Middleware{cfg: cfg, skip: skip}
}

// Wrap wraps an http.Handler with bearer-token authentication.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip != nil && m.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := Parse(bearerToken(r), m.cfg)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":   "unauthorized",
				"detail": err.Error(),
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// bearerToken extracts the token from the Authorization header. A missing or
// non-bearer header yields the empty string, which Parse rejects as
// ErrMissingToken.
func bearerToken(r *http.Request) string {
	const prefix = "bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
