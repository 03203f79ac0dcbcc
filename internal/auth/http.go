// ABOUTME: HTTP middleware for bearer JWT authentication on API endpoints.
// ABOUTME: Lets public paths through and attaches the token subject to the request context.

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if strings.TrimSpace(token) == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests without a valid bearer token. Paths listed in
// public, matched exactly, are served without authentication.
func Middleware(verifier TokenVerifier, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("rejected bearer token",
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
					"error", err,
				)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				unauthorized(w, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="vox-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
