// Package httpapi carries the pieces both control planes share: JWT auth
// middleware, permissive CORS for preflight, and JSON response helpers.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"agentgate/internal/auth"
	. "agentgate/internal/logging"
)

type contextKey int

const (
	userIDKey contextKey = iota
	tokenKey
)

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			L_error("http: failed to encode response", "error", err)
		}
	}
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// cors applies the permissive CORS headers. The JWT is the real
// authorization; deployments beyond localhost should tighten the origin.
func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

// Preflight answers CORS preflight requests with 204. Method-qualified mux
// patterns never match OPTIONS, so each control plane registers this once
// under "OPTIONS /".
func Preflight(w http.ResponseWriter, r *http.Request) {
	cors(w)
	w.WriteHeader(http.StatusNoContent)
}

// WithAuth wraps a handler with CORS and bearer-token verification. The
// verified user id and raw token become available via UserID and Token.
func WithAuth(v *auth.Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cors(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		raw, err := auth.FromAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := v.Verify(raw)
		if err != nil {
			L_debug("http: token rejected", "path", r.URL.Path, "error", err)
			WriteError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, tokenKey, raw)
		next(w, r.WithContext(ctx))
	}
}

// UserID returns the verified backend user id for an authenticated request.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// Token returns the verified raw bearer token for an authenticated request.
func Token(r *http.Request) string {
	t, _ := r.Context().Value(tokenKey).(string)
	return t
}

// DecodeBody decodes a JSON request body into v. An empty body is allowed
// and leaves v untouched.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
