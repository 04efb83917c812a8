package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/auth"
)

// AuthMiddleware creates a handler that validates bearer tokens and injects
// the caller's user ID and role into the request context.
func AuthMiddleware(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				helpers.RespondError(w, r, http.StatusUnauthorized, "Authorization header required")
				return
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
				helpers.RespondError(w, r, http.StatusUnauthorized, "Invalid authorization format")
				return
			}

			claims, err := verifier.ValidateToken(strings.TrimSpace(tokenStr))
			if err != nil {
				if !errors.Is(err, auth.ErrExpiredToken) {
					slog.Warn("Invalid Token", "error", err, "ip", helpers.GetRealIP(r))
				}
				helpers.RespondError(w, r, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := WithUser(r.Context(), claims.UserID, claims.Role)
			SetSentryUser(ctx, claims.UserID.String(), claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
