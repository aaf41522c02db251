package middleware

import (
	"context"
	"net/http"
)

// HeaderAccountKey carries the caller's account identity. The gateway in
// front of this service authenticates the caller and sets the header; an
// empty value means the request is anonymous.
const HeaderAccountKey = "X-Account-Key"

type accountKeyContextKey struct{}

// WithAccountKey stores the account key (email or account ID) in the context.
func WithAccountKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, accountKeyContextKey{}, key)
}

// AccountKeyFromContext retrieves the account key from the context.
func AccountKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(accountKeyContextKey{}).(string)
	return key
}

// AccountKeyFromRequest reads the account key header directly. Useful for
// handlers mounted outside the RequireAccount chain, like the usage feed.
func AccountKeyFromRequest(r *http.Request) string {
	return r.Header.Get(HeaderAccountKey)
}

// RequireAccount rejects requests without an account key header and
// populates the key in the request context for downstream handlers.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAccountKey)
		if key == "" {
			http.Error(w, "Missing account key", http.StatusUnauthorized)
			return
		}
		ctx := WithAccountKey(r.Context(), key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
