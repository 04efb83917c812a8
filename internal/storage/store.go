package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

const jobColumns = `j.id, j.campaign_id, j.tracking_id, j.recipient, j.subject, j.status,
	j.scheduled_for, j.original_scheduled_for, j.sent_at, j.error, j.retry_count, j.max_retries,
	j.next_retry_at, j.sent_by_dispatcher, j.opened_at, j.open_count, j.ip_address,
	j.survey_choice, j.survey_clicked_at, j.created_at`

const campaignColumns = `c.id, c.user_id, c.name, c.hashed_ip, c.hashed_smtp_identity, c.host, c.created_at`

// Store is the PostgreSQL implementation of mailing.Store.
type Store struct {
	pool  *pgxpool.Pool
	codec mailing.FieldCodec
}

var _ mailing.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, codec mailing.FieldCodec) *Store {
	return &Store{pool: pool, codec: codec}
}

func (s *Store) CreateUser(ctx context.Context, u mailing.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, plan, created_at) VALUES ($1, $2, $3)`,
		u.ID, string(u.Plan), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (mailing.User, error) {
	var u mailing.User
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT id, plan, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &plan, &u.CreatedAt)
	if err != nil {
		return mailing.User{}, notFound(err, "failed to get user")
	}
	u.Plan = mailing.Plan(plan)
	return u, nil
}

func (s *Store) SetUserPlan(ctx context.Context, id uuid.UUID, plan mailing.Plan) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET plan = $2 WHERE id = $1`, id, string(plan))
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mailing.ErrNotFound
	}
	return nil
}

func (s *Store) CreateCampaign(ctx context.Context, c mailing.Campaign, jobs []mailing.EmailJob, attachments []mailing.CampaignAttachment) error {
	var name *string
	if c.Name != "" {
		sealed := c.Name
		name = &sealed
	}

	sealedJobs := make([]mailing.EmailJob, len(jobs))
	copy(sealedJobs, jobs)
	fields := make([]*string, 0, 2*len(sealedJobs)+1)
	if name != nil {
		fields = append(fields, name)
	}
	for i := range sealedJobs {
		fields = append(fields, &sealedJobs[i].Recipient, &sealedJobs[i].Subject)
	}
	if err := crypto.EncryptAll(ctx, s.codec, fields...); err != nil {
		return fmt.Errorf("failed to encrypt campaign fields: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO campaigns (id, user_id, name, hashed_ip, hashed_smtp_identity, host, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, name, c.HashedIP, c.HashedSMTPIdentity, string(c.Host), c.CreatedAt)

	for _, j := range sealedJobs {
		batch.Queue(
			`INSERT INTO email_jobs (id, campaign_id, tracking_id, recipient, subject, status,
				scheduled_for, original_scheduled_for, retry_count, max_retries, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			j.ID, j.CampaignID, j.TrackingID, j.Recipient, j.Subject, string(j.Status),
			j.ScheduledFor, j.OriginalScheduledFor, j.RetryCount, j.MaxRetries, j.CreatedAt)
	}

	for _, a := range attachments {
		batch.Queue(
			`INSERT INTO campaign_attachments (id, campaign_id, filename, size_bytes, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.ID, a.CampaignID, a.Filename, a.SizeBytes, a.CreatedAt)
	}

	return WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return mailing.ErrNotFound // owning user is gone
			}
			return fmt.Errorf("failed to insert campaign: %w", err)
		}
		return nil
	})
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (mailing.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns c WHERE c.id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return mailing.Campaign{}, notFound(err, "failed to get campaign")
	}
	crypto.DecryptAll(s.codec, &c.Name)
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, userID uuid.UUID) ([]mailing.Campaign, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns c WHERE c.user_id = $1 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []mailing.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := make([]*string, 0, len(out))
	for i := range out {
		names = append(names, &out[i].Name)
	}
	crypto.DecryptAll(s.codec, names...)
	return out, nil
}

func (s *Store) ListJobs(ctx context.Context, campaignID uuid.UUID, page mailing.Page) ([]mailing.EmailJob, error) {
	var limit *int // NULL means no LIMIT
	if page.Limit > 0 {
		limit = &page.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM email_jobs j WHERE j.campaign_id = $1
		 ORDER BY j.created_at, j.id LIMIT $2 OFFSET $3`, campaignID, limit, max(page.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (mailing.EmailJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs j WHERE j.id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		return mailing.EmailJob{}, notFound(err, "failed to get job")
	}
	crypto.DecryptAll(s.codec, &j.Recipient, &j.Subject)
	return j, nil
}

func (s *Store) GetJobState(ctx context.Context, id uuid.UUID) (mailing.JobState, error) {
	var (
		st     mailing.JobState
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, campaign_id, status, retry_count, max_retries FROM email_jobs WHERE id = $1`, id).
		Scan(&st.ID, &st.CampaignID, &status, &st.RetryCount, &st.MaxRetries)
	if err != nil {
		return mailing.JobState{}, notFound(err, "failed to get job state")
	}
	st.Status = mailing.JobStatus(status)
	return st, nil
}

func (s *Store) GetJobByTrackingID(ctx context.Context, trackingID string) (mailing.EmailJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs j WHERE j.tracking_id = $1`, trackingID)
	j, err := scanJob(row)
	if err != nil {
		return mailing.EmailJob{}, notFound(err, "failed to get job")
	}
	crypto.DecryptAll(s.codec, &j.Recipient, &j.Subject)
	return j, nil
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs SET status = 'CANCELLED', next_retry_at = NULL, locked_until = NULL
		 WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.guardResult(ctx, s.pool, tag.RowsAffected(), id)
}

func (s *Store) CancelCampaignJobs(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs SET status = 'CANCELLED', next_retry_at = NULL, locked_until = NULL
		 WHERE campaign_id = $1 AND status = 'PENDING'`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel campaign jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) MarkJobSent(ctx context.Context, id uuid.UUID, sentAt time.Time, byDispatcher bool) (bool, error) {
	var moved bool
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var owner uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE email_jobs j
			 SET status = 'SENT', sent_at = $2, next_retry_at = NULL, locked_until = NULL, sent_by_dispatcher = $3
			 FROM campaigns c
			 WHERE j.id = $1 AND j.status = 'PENDING' AND c.id = j.campaign_id
			 RETURNING c.user_id`, id, sentAt, byDispatcher).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			moved, err = s.guardResult(ctx, tx, 0, id)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to mark job sent: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO user_monthly_usage (user_id, year, month, emails_sent)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (user_id, year, month)
			 DO UPDATE SET emails_sent = user_monthly_usage.emails_sent + 1`,
			owner, sentAt.Year(), int(sentAt.Month()))
		if err != nil {
			return fmt.Errorf("failed to upsert monthly usage: %w", err)
		}
		moved = true
		return nil
	})
	return moved, err
}

func (s *Store) RecordJobFailure(ctx context.Context, id uuid.UUID, expectedRetryCount int, u mailing.FailureUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status = $3, retry_count = $4, next_retry_at = $5, error = $6, locked_until = NULL,
		     scheduled_for = COALESCE($5::timestamptz, scheduled_for)
		 WHERE id = $1 AND status = 'PENDING' AND retry_count = $2`,
		id, expectedRetryCount, string(u.Status), u.RetryCount, u.NextRetryAt, u.Error)
	if err != nil {
		return false, fmt.Errorf("failed to record job failure: %w", err)
	}
	return s.guardResult(ctx, s.pool, tag.RowsAffected(), id)
}

// ClaimDueJobs uses FOR UPDATE SKIP LOCKED so concurrent workers never pick
// the same row, then leases the rows through locked_until.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]mailing.EmailJob, error) {
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
			SELECT id FROM email_jobs
			WHERE status = 'PENDING'
			  AND scheduled_for <= $1
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_jobs j SET locked_until = $3
		FROM due WHERE j.id = due.id
		RETURNING `+jobColumns, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return s.collectJobs(rows)
}

func (s *Store) RecordOpen(ctx context.Context, trackingID, ip string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs
		 SET open_count = open_count + 1, opened_at = COALESCE(opened_at, $2), ip_address = $3
		 WHERE tracking_id = $1`, trackingID, at, ip)
	if err != nil {
		return fmt.Errorf("failed to record open: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mailing.ErrNotFound
	}
	return nil
}

func (s *Store) AddClick(ctx context.Context, trackingID, url string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO clicks (id, email_job_id, url, created_at)
		 SELECT $1, id, $3, $4 FROM email_jobs WHERE tracking_id = $2`,
		uuid.New(), trackingID, url, at)
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mailing.ErrNotFound
	}
	return nil
}

func (s *Store) SetSurveyChoice(ctx context.Context, trackingID, choice string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs SET survey_choice = $2, survey_clicked_at = $3 WHERE tracking_id = $1`,
		trackingID, choice, at)
	if err != nil {
		return fmt.Errorf("failed to record survey choice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mailing.ErrNotFound
	}
	return nil
}

func (s *Store) CountSentJobs(ctx context.Context, f mailing.UsageFilter) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM email_jobs j
		 JOIN campaigns c ON c.id = j.campaign_id
		 WHERE j.sent_at IS NOT NULL
		   AND j.sent_at >= $1
		   AND (c.user_id = $2
		        OR ($3::text <> '' AND c.hashed_ip = $3::text)
		        OR ($4::text <> '' AND c.hashed_smtp_identity = $4::text))`,
		f.Since, f.UserID, f.HashedIP, f.HashedSMTPIdentity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sent jobs: %w", err)
	}
	return n, nil
}

func (s *Store) MonthlyUsage(ctx context.Context, userID uuid.UUID, year int, month time.Month) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT emails_sent FROM user_monthly_usage WHERE user_id = $1 AND year = $2 AND month = $3`,
		userID, year, int(month)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly usage: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteHistory(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		n, err = deleteHistory(ctx, tx, userID)
		return err
	})
	return n, err
}

func (s *Store) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	return WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up user: %w", err)
		}
		if !exists {
			return mailing.ErrNotFound
		}

		if _, err := deleteHistory(ctx, tx, userID); err != nil {
			return err
		}

		steps := []struct{ name, sql string }{
			{"usage", `DELETE FROM user_monthly_usage WHERE user_id = $1`},
			{"challenges", `DELETE FROM auth_challenges WHERE user_id = $1`},
			{"user", `DELETE FROM users WHERE id = $1`},
		}
		for _, step := range steps {
			if _, err := tx.Exec(ctx, step.sql, userID); err != nil {
				return fmt.Errorf("failed to delete %s: %w", step.name, err)
			}
		}
		return nil
	})
}

func (s *Store) PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// deleteHistory cascades Click -> EmailJob -> CampaignAttachment -> Campaign
// and returns the number of campaigns removed.
func deleteHistory(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	steps := []struct{ name, sql string }{
		{"clicks", `DELETE FROM clicks WHERE email_job_id IN (
			SELECT j.id FROM email_jobs j JOIN campaigns c ON c.id = j.campaign_id WHERE c.user_id = $1)`},
		{"email jobs", `DELETE FROM email_jobs WHERE campaign_id IN (SELECT id FROM campaigns WHERE user_id = $1)`},
		{"attachments", `DELETE FROM campaign_attachments WHERE campaign_id IN (SELECT id FROM campaigns WHERE user_id = $1)`},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, userID); err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", step.name, err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete campaigns: %w", err)
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// guardResult turns a conditional UPDATE outcome into (moved, err):
// one row means the transition happened, zero rows on an existing job is a
// lost race, and zero rows on a missing job is ErrNotFound.
func (s *Store) guardResult(ctx context.Context, q querier, affected int64, id uuid.UUID) (bool, error) {
	if affected > 0 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM email_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up job: %w", err)
	}
	if !exists {
		return false, mailing.ErrNotFound
	}
	return false, nil
}

func (s *Store) collectJobs(rows pgx.Rows) ([]mailing.EmailJob, error) {
	defer rows.Close()
	var out []mailing.EmailJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fields := make([]*string, 0, 2*len(out))
	for i := range out {
		fields = append(fields, &out[i].Recipient, &out[i].Subject)
	}
	crypto.DecryptAll(s.codec, fields...)
	return out, nil
}

func scanJob(row pgx.Row) (mailing.EmailJob, error) {
	var (
		j                                mailing.EmailJob
		status                           string
		errText, ipAddress, surveyChoice *string
	)
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.TrackingID, &j.Recipient, &j.Subject, &status,
		&j.ScheduledFor, &j.OriginalScheduledFor, &j.SentAt, &errText, &j.RetryCount, &j.MaxRetries,
		&j.NextRetryAt, &j.SentByDispatcher, &j.OpenedAt, &j.OpenCount, &ipAddress,
		&surveyChoice, &j.SurveyClickedAt, &j.CreatedAt,
	)
	if err != nil {
		return mailing.EmailJob{}, err
	}
	j.Status = mailing.JobStatus(status)
	j.Error = deref(errText)
	j.IPAddress = deref(ipAddress)
	j.SurveyChoice = deref(surveyChoice)
	return j, nil
}

func scanCampaign(row pgx.Row) (mailing.Campaign, error) {
	var (
		c    mailing.Campaign
		name *string
		host string
	)
	if err := row.Scan(&c.ID, &c.UserID, &name, &c.HashedIP, &c.HashedSMTPIdentity, &host, &c.CreatedAt); err != nil {
		return mailing.Campaign{}, err
	}
	c.Host = mailing.HostMarker(host)
	c.Name = deref(name)
	return c, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return mailing.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
