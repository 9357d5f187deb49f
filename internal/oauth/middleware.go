package oauth

import (
	"context"
	"net/http"
	"strings"

	"mcpgate/pkg/logging"
)

type contextKey struct{}

var identityKey contextKey

// IdentityFromContext returns the authenticated identity set by Middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware enforces bearer authentication. Tokens are taken from the
// Authorization header or, for SSE clients that cannot set headers, the
// token query parameter.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		identity, ok := s.Validate(token)
		if !ok {
			logging.Debug("OAuth", "Rejected unauthenticated request to %s", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate"`)
			writeJSON(w, http.StatusUnauthorized, tokenError{
				Error:       "invalid_token",
				Description: "a valid bearer token is required",
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
