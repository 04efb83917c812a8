package api

import (
	"log/slog"
	"net/http"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
)

// DeleteHistory removes all of the caller's campaigns and everything under them.
func (s *Server) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID := customMiddleware.MustGetUserID(r.Context())

	n, err := s.deps.Jobs.DeleteHistory(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "history_delete_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to delete history")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]int64{"deleted_campaigns": n})
}

// DeleteAccount removes the caller's account after cascading through their history.
func (s *Server) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID := customMiddleware.MustGetUserID(r.Context())

	if err := s.deps.Jobs.DeleteAccount(r.Context(), userID); err != nil {
		if jobs.IsNotFound(err) {
			helpers.RespondError(w, r, http.StatusNotFound, "User not found")
			return
		}
		slog.ErrorContext(r.Context(), "account_delete_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
