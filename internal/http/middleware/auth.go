package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/auth"
)

type contextKey string

const contextKeyIdentity contextKey = "identity"

// Authorizer resolves a raw bearer token into an identity.
type Authorizer interface {
	Authorize(ctx context.Context, raw string) (auth.Identity, error)
}

// Auth validates the bearer token and injects the resolved identity into
// the request context.
func Auth(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "AUTH", "missing token")
				return
			}

			identity, err := authorizer.Authorize(r.Context(), parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "AUTH", "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// WithIdentity stores a resolved identity in the context.
func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// GetIdentity retrieves the identity injected by Auth.
func GetIdentity(ctx context.Context) (auth.Identity, bool) {
	val, ok := ctx.Value(contextKeyIdentity).(auth.Identity)
	return val, ok
}

// RequireAdmin restricts the subtree to admin tokens.
func RequireAdmin(next http.Handler) http.Handler {
	return requireKind(next, auth.KindAdmin)
}

// RequireRoom restricts the subtree to room controllers.
func RequireRoom(next http.Handler) http.Handler {
	return requireKind(next, auth.KindRoom)
}

func requireKind(next http.Handler, kind auth.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentity(r.Context())
		if !ok || identity.Kind != kind {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient authority")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": nil,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
