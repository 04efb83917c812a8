package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
)

// CancelJob cancels one PENDING job. Re-cancelling, or cancelling a job
// that already finished, answers 200 with status "already_finished".
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, "Invalid job ID")
		return
	}

	owned, err := s.deps.Jobs.OwnedJob(ctx, id, customMiddleware.MustGetUserID(ctx))
	if err != nil {
		if jobs.IsNotFound(err) {
			helpers.RespondError(w, r, http.StatusNotFound, "Job not found")
			return
		}
		slog.ErrorContext(ctx, "job_lookup_failed", "job_id", id, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to load job")
		return
	}

	switch err := s.deps.Jobs.CancelJob(ctx, owned); {
	case err == nil:
		metrics.RecordTransition(string(mailing.StatusCancelled))
		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, jobs.ErrAlreadyFinished):
		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "already_finished"})
	default:
		slog.ErrorContext(ctx, "job_cancel_failed", "job_id", id, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to cancel job")
	}
}
