package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
)

// GetUsage returns the caller's quota status. The optional smtp_user query
// parameter folds the SMTP identity into the correlation.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := customMiddleware.MustGetUserID(r.Context())

	s.purgeExpiredChallenges(r.Context())

	st, err := s.deps.Quota.CheckUsage(r.Context(), userID, helpers.GetRealIP(r), r.URL.Query().Get("smtp_user"))
	if err != nil {
		if jobs.IsNotFound(err) {
			helpers.RespondError(w, r, http.StatusNotFound, "User not found")
			return
		}
		slog.ErrorContext(r.Context(), "usage_check_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to load usage")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, st)
}

// purgeExpiredChallenges is fire-and-forget: it never delays or fails the request.
func (s *Server) purgeExpiredChallenges(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if n, err := s.deps.Store.PurgeExpiredChallenges(ctx, time.Now()); err != nil {
			slog.DebugContext(ctx, "challenge_purge_failed", "error", err)
		} else if n > 0 {
			slog.DebugContext(ctx, "challenges_purged", "count", n)
		}
	}()
}
