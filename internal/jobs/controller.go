// Package jobs owns the email-job state machine: campaign creation,
// cancellation, retry bookkeeping and delivery confirmation.
//
// PENDING is the only non-terminal state. Every transition is a
// conditional write against the store, so a cancellation racing a
// dispatcher send resolves to exactly one winner and the loser sees
// ErrAlreadyFinished.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

// Re-exported so callers only need this package.
var (
	ErrNotFound        = mailing.ErrNotFound
	ErrAlreadyFinished = mailing.ErrAlreadyFinished
	ErrNoRecipients    = errors.New("campaign has no recipients")
)

const maxErrorLen = 1000

// Config tunes retry behaviour.
type Config struct {
	MaxRetries  int           // per-job retry ceiling, default 3
	BackoffBase time.Duration // first retry delay; doubles on each retry
	Now         func() time.Time
}

// Controller implements the job lifecycle on top of a mailing.Store.
// It is safe for concurrent use if the store is.
type Controller struct {
	store       mailing.Store
	audit       audit.Logger
	maxRetries  int
	backoffBase time.Duration
	now         func() time.Time
}

func NewController(store mailing.Store, auditLog audit.Logger, cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Controller{
		store:       store,
		audit:       auditLog,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		now:         cfg.Now,
	}
}

// Message is one recipient/subject pair of a submission.
type Message struct {
	Recipient string
	Subject   string
}

// Attachment is file metadata recorded with a campaign.
type Attachment struct {
	Filename  string
	SizeBytes int64
}

// CampaignInput describes a submission. HashedIP and HashedSMTPIdentity are
// already hashed; the controller never sees raw identifiers.
type CampaignInput struct {
	UserID             uuid.UUID
	Name               string
	HashedIP           string
	HashedSMTPIdentity string
	Host               mailing.HostMarker
	ScheduledFor       time.Time // zero means now
	Messages           []Message
	Attachments        []Attachment
}

// CreateCampaign creates the campaign and one PENDING job per message in a
// single store write. Each job gets a fresh tracking ID.
func (c *Controller) CreateCampaign(ctx context.Context, in CampaignInput) (mailing.Campaign, []mailing.EmailJob, error) {
	if len(in.Messages) == 0 {
		return mailing.Campaign{}, nil, ErrNoRecipients
	}
	now := c.now()
	scheduled := in.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	host := in.Host
	if host == "" {
		host = mailing.HostDirect
	}

	campaign := mailing.Campaign{
		ID:                 uuid.New(),
		UserID:             in.UserID,
		Name:               in.Name,
		HashedIP:           in.HashedIP,
		HashedSMTPIdentity: in.HashedSMTPIdentity,
		Host:               host,
		CreatedAt:          now,
	}

	jobs := make([]mailing.EmailJob, 0, len(in.Messages))
	for _, m := range in.Messages {
		original := scheduled
		jobs = append(jobs, mailing.EmailJob{
			ID:                   uuid.New(),
			CampaignID:           campaign.ID,
			TrackingID:           NewTrackingID(),
			Recipient:            m.Recipient,
			Subject:              m.Subject,
			Status:               mailing.StatusPending,
			ScheduledFor:         scheduled,
			OriginalScheduledFor: &original,
			RetryCount:           0,
			MaxRetries:           c.maxRetries,
			CreatedAt:            now,
		})
	}

	attachments := make([]mailing.CampaignAttachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		attachments = append(attachments, mailing.CampaignAttachment{
			ID:         uuid.New(),
			CampaignID: campaign.ID,
			Filename:   a.Filename,
			SizeBytes:  a.SizeBytes,
			CreatedAt:  now,
		})
	}

	if err := c.store.CreateCampaign(ctx, campaign, jobs, attachments); err != nil {
		return mailing.Campaign{}, nil, fmt.Errorf("create campaign: %w", err)
	}

	c.audit.Log(ctx, in.UserID, audit.EventCampaignCreated, "campaign:"+campaign.ID.String(),
		map[string]string{"jobs": strconv.Itoa(len(jobs)), "host": string(host)})
	return campaign, jobs, nil
}

// NewTrackingID returns a 32-character lowercase hex token, safe in a URL path.
func NewTrackingID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CancelJob moves a PENDING job to CANCELLED.
// Returns ErrAlreadyFinished, changing nothing, when the job is already terminal.
func (c *Controller) CancelJob(ctx context.Context, h OwnedJob) error {
	moved, err := c.store.CancelJob(ctx, h.job.ID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !moved {
		return ErrAlreadyFinished
	}
	c.audit.Log(ctx, h.owner, audit.EventJobCancelled, "job:"+h.job.ID.String(), nil)
	slog.InfoContext(ctx, "job_cancelled", "job_id", h.job.ID)
	return nil
}

// CancelCampaign cancels every PENDING job of the campaign and returns how
// many changed. Terminal jobs are left alone.
func (c *Controller) CancelCampaign(ctx context.Context, h OwnedCampaign) (int64, error) {
	n, err := c.store.CancelCampaignJobs(ctx, h.campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign: %w", err)
	}
	c.audit.Log(ctx, h.campaign.UserID, audit.EventCampaignCancelled, "campaign:"+h.campaign.ID.String(),
		map[string]string{"cancelled": strconv.FormatInt(n, 10)})
	slog.InfoContext(ctx, "campaign_cancelled", "campaign_id", h.campaign.ID, "cancelled", n)
	return n, nil
}

// RecordFailure books a failed send attempt.
//
// The retry count is incremented. Below the job's MaxRetries the job stays
// PENDING with NextRetryAt = now + base * 2^(previous retries). Reaching
// MaxRetries makes it FAILED with no NextRetryAt. Returns ErrAlreadyFinished
// if the job left PENDING (or another worker booked a failure) first.
func (c *Controller) RecordFailure(ctx context.Context, jobID uuid.UUID, sendErr error) (mailing.FailureUpdate, error) {
	job, err := c.store.GetJobState(ctx, jobID)
	if err != nil {
		return mailing.FailureUpdate{}, err
	}
	if job.Status.Terminal() {
		return mailing.FailureUpdate{}, ErrAlreadyFinished
	}

	u := c.nextFailure(job, sendErr)
	moved, err := c.store.RecordJobFailure(ctx, jobID, job.RetryCount, u)
	if err != nil {
		return mailing.FailureUpdate{}, fmt.Errorf("record failure: %w", err)
	}
	if !moved {
		return mailing.FailureUpdate{}, ErrAlreadyFinished
	}
	return u, nil
}

func (c *Controller) nextFailure(job mailing.JobState, sendErr error) mailing.FailureUpdate {
	msg := "unknown error"
	if sendErr != nil {
		msg = sendErr.Error()
	}
	msg = truncateUTF8(msg, maxErrorLen)

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}

	count := job.RetryCount + 1
	if count >= maxRetries {
		return mailing.FailureUpdate{Status: mailing.StatusFailed, RetryCount: maxRetries, Error: msg}
	}

	next := c.now().Add(c.Backoff(job.RetryCount))
	return mailing.FailureUpdate{Status: mailing.StatusPending, RetryCount: count, NextRetryAt: &next, Error: msg}
}

// truncateUTF8 cuts s to at most n bytes without splitting a character.
// Invalid sequences are replaced so the result is always valid UTF-8.
func truncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Backoff is the delay before the retry following `retries` earlier failures.
func (c *Controller) Backoff(retries int) time.Duration {
	if retries > 16 {
		retries = 16
	}
	return c.backoffBase * time.Duration(1<<retries)
}

// MarkSent records a successful send. Returns ErrAlreadyFinished if the job
// was cancelled (or sent) in the meantime.
func (c *Controller) MarkSent(ctx context.Context, jobID uuid.UUID, byDispatcher bool) error {
	moved, err := c.store.MarkJobSent(ctx, jobID, c.now(), byDispatcher)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !moved {
		return ErrAlreadyFinished
	}
	return nil
}
