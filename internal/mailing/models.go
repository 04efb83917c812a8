// Package mailing defines the bulk-mail domain: users and their plans,
// campaigns, email jobs and the tracking records attached to them.
package mailing

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a user's billing plan.
type Plan string

const (
	PlanFree      Plan = "FREE"
	PlanUnlimited Plan = "UNLIMITED"
)

// PlanForSignup returns UNLIMITED for accounts created before cutover, FREE otherwise.
func PlanForSignup(createdAt, cutover time.Time) Plan {
	if createdAt.Before(cutover) {
		return PlanUnlimited
	}
	return PlanFree
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanUnlimited
}

type User struct {
	ID        uuid.UUID `json:"id"`
	Plan      Plan      `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// HostMarker distinguishes immediate sends from scheduled background campaigns.
type HostMarker string

const (
	HostDirect     HostMarker = "direct"
	HostBackground HostMarker = "background"
)

// Campaign groups the jobs of one submission. Name is plaintext in memory
// and encrypted at rest.
type Campaign struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	Name               string     `json:"name,omitempty"`
	HashedIP           string     `json:"-"`
	HashedSMTPIdentity string     `json:"-"`
	Host               HostMarker `json:"host"`
	CreatedAt          time.Time  `json:"created_at"`
}

// JobStatus is the state of an EmailJob. PENDING is the only non-terminal state.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusSent      JobStatus = "SENT"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s != StatusPending
}

// EmailJob is one recipient of a campaign. Recipient and Subject are
// plaintext in memory and encrypted at rest.
type EmailJob struct {
	ID                   uuid.UUID  `json:"id"`
	CampaignID           uuid.UUID  `json:"campaign_id"`
	TrackingID           string     `json:"tracking_id"`
	Recipient            string     `json:"recipient"`
	Subject              string     `json:"subject"`
	Status               JobStatus  `json:"status"`
	ScheduledFor         time.Time  `json:"scheduled_for"`
	OriginalScheduledFor *time.Time `json:"original_scheduled_for,omitempty"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	Error                string     `json:"error,omitempty"`
	RetryCount           int        `json:"retry_count"`
	MaxRetries           int        `json:"max_retries"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	SentByDispatcher     bool       `json:"sent_by_dispatcher"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	OpenCount            int        `json:"open_count"`
	IPAddress            string     `json:"ip_address,omitempty"`
	SurveyChoice         string     `json:"survey_choice,omitempty"`
	SurveyClickedAt      *time.Time `json:"survey_clicked_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Click is an append-only record of a tracked link being followed.
type Click struct {
	ID         uuid.UUID `json:"id"`
	EmailJobID uuid.UUID `json:"email_job_id"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

// CampaignAttachment is metadata for a file sent with a campaign.
type CampaignAttachment struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// FailureUpdate is the outcome of retry bookkeeping for one failed send.
type FailureUpdate struct {
	Status      JobStatus // PENDING (retry scheduled) or FAILED
	RetryCount  int
	NextRetryAt *time.Time
	Error       string
}

// UsageFilter selects sent jobs for quota counting. A job matches when its
// campaign belongs to UserID, or shares a non-empty HashedIP, or shares a
// non-empty HashedSMTPIdentity, and it was sent at or after Since.
type UsageFilter struct {
	UserID             uuid.UUID
	HashedIP           string
	HashedSMTPIdentity string
	Since              time.Time
}

// JobState is the lifecycle part of a job, read without touching the
// encrypted fields.
type JobState struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Status     JobStatus
	RetryCount int
	MaxRetries int
}

// Page bounds a listing. A Limit <= 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}
