package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
)

// RequireRole rejects callers whose token does not carry role.
// It requires AuthMiddleware to run first.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := GetUserID(r.Context()); err != nil {
				helpers.RespondError(w, r, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if have := GetRole(r.Context()); have != role {
				slog.Warn("RBAC: Insufficient Permissions", "have", have, "need", role)
				helpers.RespondError(w, r, http.StatusForbidden, "Forbidden (Insufficient Permissions)")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
