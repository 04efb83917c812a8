package mailing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FieldCodec seals and opens personal data fields at rest.
// Decrypt never fails; undecryptable input is returned unchanged.
type FieldCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) string
}

// Store is the persistence contract for users, campaigns and jobs.
// Implementations encrypt Campaign.Name, EmailJob.Recipient and
// EmailJob.Subject on write and decrypt them on read.
// Implementations must be safe for concurrent use.
//
// Every status write is conditional on the current status. Methods that
// return (bool, error) report false when the guard did not match; that is
// a lost race, not an error.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	// GetUser returns ErrNotFound if the user doesn't exist.
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	SetUserPlan(ctx context.Context, id uuid.UUID, plan Plan) error

	// CreateCampaign inserts the campaign with its jobs and attachments atomically.
	CreateCampaign(ctx context.Context, c Campaign, jobs []EmailJob, attachments []CampaignAttachment) error
	GetCampaign(ctx context.Context, id uuid.UUID) (Campaign, error)
	// ListCampaigns returns the user's campaigns, newest first.
	ListCampaigns(ctx context.Context, userID uuid.UUID) ([]Campaign, error)
	// ListJobs returns one page of the campaign's jobs in creation order.
	ListJobs(ctx context.Context, campaignID uuid.UUID, page Page) ([]EmailJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (EmailJob, error)
	// GetJobState reads status and retry counters only; nothing is decrypted.
	GetJobState(ctx context.Context, id uuid.UUID) (JobState, error)
	GetJobByTrackingID(ctx context.Context, trackingID string) (EmailJob, error)

	// CancelJob moves a PENDING job to CANCELLED.
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	// CancelCampaignJobs cancels every PENDING job of the campaign and returns how many moved.
	CancelCampaignJobs(ctx context.Context, campaignID uuid.UUID) (int64, error)
	// MarkJobSent moves a PENDING job to SENT and counts it in the owner's monthly usage.
	MarkJobSent(ctx context.Context, id uuid.UUID, sentAt time.Time, byDispatcher bool) (bool, error)
	// RecordJobFailure applies u only if the job is PENDING with expectedRetryCount retries.
	RecordJobFailure(ctx context.Context, id uuid.UUID, expectedRetryCount int, u FailureUpdate) (bool, error)
	// ClaimDueJobs leases up to limit due PENDING jobs until now+lease.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]EmailJob, error)

	// RecordOpen increments open_count in place and sets opened_at on the first open.
	RecordOpen(ctx context.Context, trackingID, ip string, at time.Time) error
	AddClick(ctx context.Context, trackingID, url string, at time.Time) error
	// SetSurveyChoice overwrites any earlier answer.
	SetSurveyChoice(ctx context.Context, trackingID, choice string, at time.Time) error

	CountSentJobs(ctx context.Context, f UsageFilter) (int64, error)
	MonthlyUsage(ctx context.Context, userID uuid.UUID, year int, month time.Month) (int64, error)

	// DeleteHistory removes every campaign of the user with its jobs, clicks and attachments.
	DeleteHistory(ctx context.Context, userID uuid.UUID) (int64, error)
	// DeleteUser removes the user's history, usage rows, challenges and the user itself.
	DeleteUser(ctx context.Context, userID uuid.UUID) error
	PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}
