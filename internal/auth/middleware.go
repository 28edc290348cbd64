package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const claimsContextKey contextKey = iota

// ContextWithClaims attaches verified claims to ctx.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims attached by the authentication
// middleware, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// BearerToken extracts the token from a request's Authorization header.
// It returns "" when the header is absent or malformed.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.HasPrefix(header, prefix) {
		return ""
	}
	return header[len(prefix):]
}

// Principal is the resolved caller identity and privilege level for a
// request, independent of whether it carries an endpoint JWT, a static
// admin token, or neither.
type Principal struct {
	EndpointID string
	IsAdmin    bool
}

// PrincipalFromRequest resolves the Principal for a request: the endpoint
// identity comes from verified JWT claims already attached to the context
// by Middleware, and admin status comes from comparing the raw bearer
// value against the configured admin token list, independently of JWT
// verification since admin tokens are not signed tokens at all.
func (m *TokenManager) PrincipalFromRequest(r *http.Request) Principal {
	var p Principal
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		p.EndpointID = claims.EndpointID
	}
	if token := BearerToken(r); token != "" && m.IsAdminToken(token) {
		p.IsAdmin = true
	}
	return p
}

// Middleware verifies the bearer token on every request and, when present and
// valid, attaches its claims to the request context. Requests without a
// token, or with a token that fails verification, are passed through
// unauthenticated rather than rejected here: individual handlers decide
// whether authentication is required, since some endpoints (registration,
// health checks) are intentionally open.
func (m *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r = r.WithContext(ContextWithClaims(r.Context(), claims))
		next.ServeHTTP(w, r)
	})
}
