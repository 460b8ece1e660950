package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth wraps a handler with bearer-token auth. With no token
// configured the wrapper is a pass-through. A missing Authorization
// header yields 401, a mismatched token 403.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.config().Gateway.Auth.Token
		if token == "" {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		presented := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}

		next(w, r)
	}
}
