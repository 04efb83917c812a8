// Package memory is an in-process mailing.Store used by tests and local
// development. It keeps personal fields encrypted exactly like the
// Postgres store does.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

type usageKey struct {
	userID uuid.UUID
	year   int
	month  time.Month
}

// Store is a mutex-guarded mailing.Store.
type Store struct {
	codec mailing.FieldCodec

	mu          sync.Mutex
	users       map[uuid.UUID]mailing.User
	campaigns   map[uuid.UUID]mailing.Campaign
	jobs        map[uuid.UUID]*mailing.EmailJob
	byTracking  map[string]uuid.UUID
	lockedUntil map[uuid.UUID]time.Time
	clicks      []mailing.Click
	attachments []mailing.CampaignAttachment
	usage       map[usageKey]int64
	challenges  map[uuid.UUID]challenge
}

type challenge struct {
	userID    uuid.UUID
	expiresAt time.Time
}

var _ mailing.Store = (*Store)(nil)

func New(codec mailing.FieldCodec) *Store {
	return &Store{
		codec:       codec,
		users:       make(map[uuid.UUID]mailing.User),
		campaigns:   make(map[uuid.UUID]mailing.Campaign),
		jobs:        make(map[uuid.UUID]*mailing.EmailJob),
		byTracking:  make(map[string]uuid.UUID),
		lockedUntil: make(map[uuid.UUID]time.Time),
		usage:       make(map[usageKey]int64),
		challenges:  make(map[uuid.UUID]challenge),
	}
}

func (s *Store) CreateUser(_ context.Context, u mailing.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (mailing.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return mailing.User{}, mailing.ErrNotFound
	}
	return u, nil
}

func (s *Store) SetUserPlan(_ context.Context, id uuid.UUID, plan mailing.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return mailing.ErrNotFound
	}
	u.Plan = plan
	s.users[id] = u
	return nil
}

func (s *Store) CreateCampaign(ctx context.Context, c mailing.Campaign, jobs []mailing.EmailJob, attachments []mailing.CampaignAttachment) error {
	sealedName := c.Name
	sealedJobs := make([]*mailing.EmailJob, 0, len(jobs))
	fields := make([]*string, 0, 2*len(jobs)+1)
	if sealedName != "" {
		fields = append(fields, &sealedName)
	}
	for _, j := range jobs {
		j := j
		sealedJobs = append(sealedJobs, &j)
		fields = append(fields, &j.Recipient, &j.Subject)
	}
	if err := crypto.EncryptAll(ctx, s.codec, fields...); err != nil {
		return fmt.Errorf("failed to encrypt campaign fields: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[c.UserID]; !ok {
		return mailing.ErrNotFound
	}
	for _, j := range sealedJobs {
		if _, dup := s.byTracking[j.TrackingID]; dup {
			return fmt.Errorf("duplicate tracking id %q", j.TrackingID)
		}
	}

	c.Name = sealedName
	s.campaigns[c.ID] = c
	for _, j := range sealedJobs {
		s.jobs[j.ID] = j
		s.byTracking[j.TrackingID] = j.ID
	}
	s.attachments = append(s.attachments, attachments...)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id uuid.UUID) (mailing.Campaign, error) {
	s.mu.Lock()
	c, ok := s.campaigns[id]
	s.mu.Unlock()
	if !ok {
		return mailing.Campaign{}, mailing.ErrNotFound
	}
	crypto.DecryptAll(s.codec, &c.Name)
	return c, nil
}

func (s *Store) ListCampaigns(_ context.Context, userID uuid.UUID) ([]mailing.Campaign, error) {
	s.mu.Lock()
	var out []mailing.Campaign
	for _, c := range s.campaigns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	names := make([]*string, 0, len(out))
	for i := range out {
		names = append(names, &out[i].Name)
	}
	crypto.DecryptAll(s.codec, names...)
	return out, nil
}

func (s *Store) ListJobs(_ context.Context, campaignID uuid.UUID, page mailing.Page) ([]mailing.EmailJob, error) {
	s.mu.Lock()
	var out []mailing.EmailJob
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID.String() < out[b].ID.String()
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	out = out[min(max(page.Offset, 0), len(out)):]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return s.openJobs(out), nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (mailing.EmailJob, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	var out mailing.EmailJob
	if ok {
		out = *j
	}
	s.mu.Unlock()
	if !ok {
		return mailing.EmailJob{}, mailing.ErrNotFound
	}
	crypto.DecryptAll(s.codec, &out.Recipient, &out.Subject)
	return out, nil
}

func (s *Store) GetJobState(_ context.Context, id uuid.UUID) (mailing.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return mailing.JobState{}, mailing.ErrNotFound
	}
	return mailing.JobState{
		ID:         j.ID,
		CampaignID: j.CampaignID,
		Status:     j.Status,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
	}, nil
}

func (s *Store) GetJobByTrackingID(_ context.Context, trackingID string) (mailing.EmailJob, error) {
	s.mu.Lock()
	j, ok := s.jobByTracking(trackingID)
	var out mailing.EmailJob
	if ok {
		out = *j
	}
	s.mu.Unlock()
	if !ok {
		return mailing.EmailJob{}, mailing.ErrNotFound
	}
	crypto.DecryptAll(s.codec, &out.Recipient, &out.Subject)
	return out, nil
}

func (s *Store) CancelJob(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, mailing.ErrNotFound
	}
	if j.Status != mailing.StatusPending {
		return false, nil
	}
	j.Status = mailing.StatusCancelled
	j.NextRetryAt = nil
	delete(s.lockedUntil, id)
	return true, nil
}

func (s *Store) CancelCampaignJobs(_ context.Context, campaignID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.CampaignID == campaignID && j.Status == mailing.StatusPending {
			j.Status = mailing.StatusCancelled
			j.NextRetryAt = nil
			delete(s.lockedUntil, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkJobSent(_ context.Context, id uuid.UUID, sentAt time.Time, byDispatcher bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, mailing.ErrNotFound
	}
	if j.Status != mailing.StatusPending {
		return false, nil
	}
	j.Status = mailing.StatusSent
	j.SentAt = &sentAt
	j.NextRetryAt = nil
	j.SentByDispatcher = byDispatcher
	delete(s.lockedUntil, id)

	owner := s.campaigns[j.CampaignID].UserID
	s.usage[usageKey{owner, sentAt.Year(), sentAt.Month()}]++
	return true, nil
}

func (s *Store) RecordJobFailure(_ context.Context, id uuid.UUID, expectedRetryCount int, u mailing.FailureUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, mailing.ErrNotFound
	}
	if j.Status != mailing.StatusPending || j.RetryCount != expectedRetryCount {
		return false, nil
	}
	j.Status = u.Status
	j.RetryCount = u.RetryCount
	j.NextRetryAt = u.NextRetryAt
	j.Error = u.Error
	if u.NextRetryAt != nil {
		j.ScheduledFor = *u.NextRetryAt
	}
	delete(s.lockedUntil, id)
	return true, nil
}

func (s *Store) ClaimDueJobs(_ context.Context, now time.Time, limit int, lease time.Duration) ([]mailing.EmailJob, error) {
	s.mu.Lock()

	var due []*mailing.EmailJob
	for id, j := range s.jobs {
		if j.Status != mailing.StatusPending || j.ScheduledFor.After(now) {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		if until, ok := s.lockedUntil[id]; ok && until.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(a, b int) bool { return due[a].ScheduledFor.Before(due[b].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]mailing.EmailJob, 0, len(due))
	for _, j := range due {
		s.lockedUntil[j.ID] = now.Add(lease)
		out = append(out, *j)
	}
	s.mu.Unlock()
	return s.openJobs(out), nil
}

func (s *Store) RecordOpen(_ context.Context, trackingID, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobByTracking(trackingID)
	if !ok {
		return mailing.ErrNotFound
	}
	j.OpenCount++
	if j.OpenedAt == nil {
		j.OpenedAt = &at
	}
	j.IPAddress = ip
	return nil
}

func (s *Store) AddClick(_ context.Context, trackingID, url string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobByTracking(trackingID)
	if !ok {
		return mailing.ErrNotFound
	}
	s.clicks = append(s.clicks, mailing.Click{ID: uuid.New(), EmailJobID: j.ID, URL: url, CreatedAt: at})
	return nil
}

func (s *Store) SetSurveyChoice(_ context.Context, trackingID, choice string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobByTracking(trackingID)
	if !ok {
		return mailing.ErrNotFound
	}
	j.SurveyChoice = choice
	j.SurveyClickedAt = &at
	return nil
}

func (s *Store) CountSentJobs(_ context.Context, f mailing.UsageFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.SentAt == nil || j.SentAt.Before(f.Since) {
			continue
		}
		c := s.campaigns[j.CampaignID]
		if c.UserID == f.UserID ||
			(f.HashedIP != "" && c.HashedIP == f.HashedIP) ||
			(f.HashedSMTPIdentity != "" && c.HashedSMTPIdentity == f.HashedSMTPIdentity) {
			n++
		}
	}
	return n, nil
}

func (s *Store) MonthlyUsage(_ context.Context, userID uuid.UUID, year int, month time.Month) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey{userID, year, month}], nil
}

func (s *Store) DeleteHistory(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteHistoryLocked(userID), nil
}

func (s *Store) DeleteUser(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return mailing.ErrNotFound
	}
	s.deleteHistoryLocked(userID)
	for k := range s.usage {
		if k.userID == userID {
			delete(s.usage, k)
		}
	}
	for id, ch := range s.challenges {
		if ch.userID == userID {
			delete(s.challenges, id)
		}
	}
	delete(s.users, userID)
	return nil
}

func (s *Store) PurgeExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ch := range s.challenges {
		if !ch.expiresAt.After(now) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

// AddChallenge stands in for the external auth service writing a challenge row.
func (s *Store) AddChallenge(userID uuid.UUID, expiresAt time.Time) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.challenges[id] = challenge{userID: userID, expiresAt: expiresAt}
	return id
}

// Clicks returns a copy of the click log for a job.
func (s *Store) Clicks(jobID uuid.UUID) []mailing.Click {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mailing.Click
	for _, c := range s.clicks {
		if c.EmailJobID == jobID {
			out = append(out, c)
		}
	}
	return out
}

// RawJob returns the job as stored, with personal fields still sealed.
func (s *Store) RawJob(id uuid.UUID) (mailing.EmailJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return mailing.EmailJob{}, false
	}
	return *j, true
}

// Counts reports row totals, for asserting delete cascades.
func (s *Store) Counts() (campaigns, jobs, clicks, attachments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.campaigns), len(s.jobs), len(s.clicks), len(s.attachments)
}

// deleteHistoryLocked cascades Click -> EmailJob -> CampaignAttachment -> Campaign.
func (s *Store) deleteHistoryLocked(userID uuid.UUID) int64 {
	owned := make(map[uuid.UUID]bool)
	for id, c := range s.campaigns {
		if c.UserID == userID {
			owned[id] = true
		}
	}
	if len(owned) == 0 {
		return 0
	}

	jobIDs := make(map[uuid.UUID]bool)
	for id, j := range s.jobs {
		if owned[j.CampaignID] {
			jobIDs[id] = true
		}
	}

	clicks := s.clicks[:0]
	for _, c := range s.clicks {
		if !jobIDs[c.EmailJobID] {
			clicks = append(clicks, c)
		}
	}
	s.clicks = clicks

	for id := range jobIDs {
		delete(s.byTracking, s.jobs[id].TrackingID)
		delete(s.lockedUntil, id)
		delete(s.jobs, id)
	}

	atts := s.attachments[:0]
	for _, a := range s.attachments {
		if !owned[a.CampaignID] {
			atts = append(atts, a)
		}
	}
	s.attachments = atts

	for id := range owned {
		delete(s.campaigns, id)
	}
	return int64(len(owned))
}

func (s *Store) jobByTracking(trackingID string) (*mailing.EmailJob, bool) {
	id, ok := s.byTracking[trackingID]
	if !ok {
		return nil, false
	}
	return s.jobs[id], true
}

// openJobs decrypts copies taken under the lock; it must run without it.
func (s *Store) openJobs(jobs []mailing.EmailJob) []mailing.EmailJob {
	fields := make([]*string, 0, 2*len(jobs))
	for i := range jobs {
		fields = append(fields, &jobs[i].Recipient, &jobs[i].Subject)
	}
	crypto.DecryptAll(s.codec, fields...)
	return jobs
}
