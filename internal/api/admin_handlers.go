package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

type SetPlanRequest struct {
	Plan mailing.Plan `json:"plan" validate:"required,oneof=FREE UNLIMITED"`
}

// SetUserPlan is the administrative plan change. Plans change nowhere else.
func (s *Server) SetUserPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := customMiddleware.MustGetUserID(ctx)

	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var req SetPlanRequest
	if err := helpers.DecodeJSON(w, r, &req); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.SetUserPlan(ctx, targetID, req.Plan); err != nil {
		if jobs.IsNotFound(err) {
			helpers.RespondError(w, r, http.StatusNotFound, "User not found")
			return
		}
		slog.ErrorContext(ctx, "plan_change_failed", "user_id", targetID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to change plan")
		return
	}

	s.deps.Audit.Log(ctx, adminID, audit.EventPlanChanged, "user:"+targetID.String(),
		map[string]string{"plan": string(req.Plan)})
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"user_id": targetID.String(), "plan": string(req.Plan)})
}
