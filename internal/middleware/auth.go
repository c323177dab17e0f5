package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"keyserver/internal/auth"
)

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal resolved by
// Authenticate, or nil for anonymous callers.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

// WithPrincipal stores a principal in the context, for handlers and tests.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticate resolves the caller's principal into the request context.
// It buffers the request body so the webhook signature covers the exact
// wire bytes while handlers can still decode it afterwards. Anonymous
// requests pass through with no principal; rejection is left to
// RequireAuth/RequireAdmin so public endpoints share the chain.
func Authenticate(authenticator *auth.Authenticator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to read request body",
						slog.String("error", err.Error()))
					writeStatus(w, http.StatusBadRequest, "error", "Malformed request body.")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			principal := authenticator.Authenticate(r, body)
			if principal != nil {
				r = r.WithContext(WithPrincipal(r.Context(), principal))
			} else if r.Header.Get(auth.SignatureHeader) != "" {
				logger.WarnContext(r.Context(), "webhook signature verification failed",
					slog.String("path", r.URL.Path))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects requests that carry no valid credentials.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFromContext(r.Context()) == nil {
			writeStatus(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects unauthenticated callers with 401 and authenticated
// non-admin callers with 403. The two outcomes are never conflated.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFromContext(r.Context())
		if principal == nil {
			writeStatus(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials.")
			return
		}
		if !principal.IsAdmin() {
			writeStatus(w, http.StatusForbidden, "forbidden", "User is not authorized for this operation.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `","message":"` + message + `"}`))
}
