package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/coverline/dispatch-core/internal/identity"
)

type ctxKey int

const claimsCtxKey ctxKey = 0

// TokenVerifier is identity.Service's contract for the auth middleware.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*identity.TokenClaims, error)
}

// withCORS mirrors the teacher's permissive dev-mode CORS wrapper.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the bearer token on every protected route and stores
// its claims in the request context; handlers read them with claimsFrom.
func requireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "AUTH_TOKEN_INVALID", "message": "missing bearer token"})
				return
			}
			claims, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func claimsFrom(r *http.Request) *identity.TokenClaims {
	claims, _ := r.Context().Value(claimsCtxKey).(*identity.TokenClaims)
	return claims
}
