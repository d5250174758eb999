package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hazyhaar/boardkeeper/kit"
)

type claimsKey struct{}

// Middleware reads a JWT from the Authorization Bearer header or the "token"
// cookie. Valid claims are stored in the context together with kit.UserIDKey.
// Missing or invalid tokens pass through untouched; RequireUser enforces.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tokenStr = strings.TrimPrefix(h, "Bearer ")
			} else if c, err := r.Cookie("token"); err == nil {
				tokenStr = c.Value
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// Static authenticates every request as userID. Used when no secret is
// configured (single-user local deployments).
func Static(userID string) func(http.Handler) http.Handler {
	claims := &Claims{UserID: userID, Handle: userID}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, c)
	ctx = kit.WithUserID(ctx, c.UserID)
	if c.Handle != "" {
		ctx = kit.WithHandle(ctx, c.Handle)
	}
	return ctx
}

// GetClaims returns the claims stored in ctx, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireUser rejects requests without claims with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
