package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/quota"
)

// Every message costs two key derivations to seal and two more each time it
// is listed. MaxMessages and MaxJobsPage keep a request inside WriteTimeout
// even on a single core; the messages validator tag must match MaxMessages.
const (
	MaxMessages     = 250
	MaxJobsPage     = 100
	DefaultJobsPage = 50

	// WriteTimeout is the response budget cmd/api gives the HTTP server.
	WriteTimeout = 60 * time.Second
)

// SubmitCampaignRequest defines the expected JSON body for a submission.
type SubmitCampaignRequest struct {
	Name         string              `json:"name" validate:"max=200"`
	SMTPUser     string              `json:"smtp_user" validate:"max=320"`
	Host         mailing.HostMarker  `json:"host" validate:"omitempty,oneof=direct background"`
	ScheduledFor *time.Time          `json:"scheduled_for"`
	Messages     []MessageRequest    `json:"messages" validate:"required,min=1,max=250,dive"`
	Attachments  []AttachmentRequest `json:"attachments" validate:"max=20,dive"`
}

type MessageRequest struct {
	Recipient string `json:"recipient" validate:"required,email,max=320"`
	Subject   string `json:"subject" validate:"required,max=998"`
}

type AttachmentRequest struct {
	Filename  string `json:"filename" validate:"required,max=255"`
	SizeBytes int64  `json:"size_bytes" validate:"gte=0"`
}

// JobSummary is the submission response per recipient. Recipient and
// subject are not echoed.
type JobSummary struct {
	ID           uuid.UUID         `json:"id"`
	TrackingID   string            `json:"tracking_id"`
	Status       mailing.JobStatus `json:"status"`
	ScheduledFor time.Time         `json:"scheduled_for"`
}

type SubmitCampaignResponse struct {
	Campaign mailing.Campaign `json:"campaign"`
	Jobs     []JobSummary     `json:"jobs"`
	Quota    quota.Status     `json:"quota"`
}

// SubmitCampaign admits the submission against the caller's quota and
// creates the campaign with one PENDING job per message.
func (s *Server) SubmitCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := customMiddleware.MustGetUserID(ctx)

	var req SubmitCampaignRequest
	if err := helpers.DecodeJSON(w, r, &req); err != nil {
		slog.WarnContext(ctx, "SubmitCampaign: Validation Failed", "error", err)
		helpers.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ip := helpers.GetRealIP(r)
	n := int64(len(req.Messages))

	st, reservation, err := s.deps.Admitter.Admit(ctx, userID, ip, req.SMTPUser, n)
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		metrics.RecordQuotaDecision(string(st.Plan), "rejected")
		slog.InfoContext(ctx, "quota_exceeded", "user_id", userID, "requested", n, "remaining", st.Remaining)
		helpers.RespondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "Monthly quota exceeded",
			"quota": st,
		})
		return
	case jobs.IsNotFound(err):
		helpers.RespondError(w, r, http.StatusNotFound, "User not found")
		return
	case err != nil:
		slog.ErrorContext(ctx, "quota_admit_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to check quota")
		return
	}
	metrics.RecordQuotaDecision(string(st.Plan), "admitted")

	in := jobs.CampaignInput{
		UserID:             userID,
		Name:               req.Name,
		HashedIP:           s.deps.Hasher.HashIP(ip),
		HashedSMTPIdentity: s.deps.Hasher.HashSMTPIdentity(req.SMTPUser),
		Host:               req.Host,
		Messages:           make([]jobs.Message, 0, len(req.Messages)),
		Attachments:        make([]jobs.Attachment, 0, len(req.Attachments)),
	}
	if req.ScheduledFor != nil {
		in.ScheduledFor = *req.ScheduledFor
	}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, jobs.Message{Recipient: m.Recipient, Subject: m.Subject})
	}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, jobs.Attachment{Filename: a.Filename, SizeBytes: a.SizeBytes})
	}

	campaign, created, err := s.deps.Jobs.CreateCampaign(ctx, in)
	if err != nil {
		if relErr := s.deps.Admitter.Release(ctx, reservation); relErr != nil {
			slog.WarnContext(ctx, "quota_release_failed", "user_id", userID, "error", relErr)
		}
		slog.ErrorContext(ctx, "campaign_create_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	resp := SubmitCampaignResponse{Campaign: campaign, Jobs: make([]JobSummary, 0, len(created)), Quota: st}
	for _, j := range created {
		resp.Jobs = append(resp.Jobs, JobSummary{ID: j.ID, TrackingID: j.TrackingID, Status: j.Status, ScheduledFor: j.ScheduledFor})
	}

	slog.InfoContext(ctx, "campaign_submitted", "campaign_id", campaign.ID, "jobs", len(created))
	helpers.RespondJSON(w, http.StatusCreated, resp)
}

func (s *Server) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := customMiddleware.MustGetUserID(r.Context())

	campaigns, err := s.deps.Jobs.ListCampaigns(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "campaign_list_failed", "user_id", userID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []mailing.Campaign{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

// GetCampaign returns an owned campaign with its decrypted jobs.
func (s *Server) GetCampaign(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}

	page, err := jobsPage(r)
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.deps.Jobs.CampaignJobs(r.Context(), owned, page)
	if err != nil {
		slog.ErrorContext(r.Context(), "campaign_jobs_failed", "campaign_id", owned.Campaign().ID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	if list == nil {
		list = []mailing.EmailJob{}
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"campaign": owned.Campaign(),
		"jobs":     list,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// jobsPage reads ?limit= and ?offset=. limit defaults to DefaultJobsPage
// and may not exceed MaxJobsPage.
func jobsPage(r *http.Request) (mailing.Page, error) {
	page := mailing.Page{Limit: DefaultJobsPage}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxJobsPage {
			return mailing.Page{}, fmt.Errorf("limit must be between 1 and %d", MaxJobsPage)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return mailing.Page{}, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}

func (s *Server) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}

	n, err := s.deps.Jobs.CancelCampaign(r.Context(), owned)
	if err != nil {
		slog.ErrorContext(r.Context(), "campaign_cancel_failed", "campaign_id", owned.Campaign().ID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to cancel campaign")
		return
	}
	metrics.RecordTransitions(string(mailing.StatusCancelled), n)
	helpers.RespondJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

// ownedCampaign resolves {id} for the caller. Malformed, missing and
// foreign IDs are answered here; ok is false when a response was written.
func (s *Server) ownedCampaign(w http.ResponseWriter, r *http.Request) (jobs.OwnedCampaign, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, "Invalid campaign ID")
		return jobs.OwnedCampaign{}, false
	}

	owned, err := s.deps.Jobs.OwnedCampaign(r.Context(), id, customMiddleware.MustGetUserID(r.Context()))
	if err != nil {
		if jobs.IsNotFound(err) {
			helpers.RespondError(w, r, http.StatusNotFound, "Campaign not found")
			return jobs.OwnedCampaign{}, false
		}
		slog.ErrorContext(r.Context(), "campaign_lookup_failed", "campaign_id", id, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, "Failed to load campaign")
		return jobs.OwnedCampaign{}, false
	}
	return owned, true
}
