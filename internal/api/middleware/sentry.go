package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryUser adds the caller to the request's Sentry scope. The IP is
// left out on purpose; only hashed identifiers leave the process.
func SetSentryUser(ctx context.Context, userID, role string) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		return
	}
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID})
		if role != "" {
			scope.SetTag("role", role)
		}
	})
}
