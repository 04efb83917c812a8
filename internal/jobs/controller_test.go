package jobs

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage/memory"
)

type plainCodec struct{}

func (plainCodec) Encrypt(s string) (string, error) { return s, nil }
func (plainCodec) Decrypt(s string) string          { return s }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Controller, *memory.Store, *clock, uuid.UUID) {
	t.Helper()
	store := memory.New(plainCodec{})
	clk := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	ctrl := NewController(store, audit.NopLogger{}, Config{MaxRetries: 3, BackoffBase: 5 * time.Minute, Now: clk.Now})

	user := uuid.New()
	require.NoError(t, store.CreateUser(context.Background(), mailing.User{ID: user, Plan: mailing.PlanFree, CreatedAt: clk.Now()}))
	return ctrl, store, clk, user
}

func createCampaign(t *testing.T, ctrl *Controller, user uuid.UUID, n int) (mailing.Campaign, []mailing.EmailJob) {
	t.Helper()
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{Recipient: "r@example.com", Subject: "Subject"}
	}
	c, jobs, err := ctrl.CreateCampaign(context.Background(), CampaignInput{
		UserID:   user,
		Name:     "Launch",
		Host:     mailing.HostBackground,
		Messages: msgs,
	})
	require.NoError(t, err)
	return c, jobs
}

func TestCreateCampaign_InitialJobState(t *testing.T) {
	ctrl, store, clk, user := setup(t)
	c, jobs := createCampaign(t, ctrl, user, 3)

	hexID := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for _, j := range jobs {
		got, err := store.GetJob(context.Background(), j.ID)
		require.NoError(t, err)

		assert.Equal(t, c.ID, got.CampaignID)
		assert.Equal(t, mailing.StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Equal(t, 3, got.MaxRetries)
		assert.True(t, clk.Now().Equal(got.ScheduledFor))
		require.NotNil(t, got.OriginalScheduledFor)
		assert.True(t, got.ScheduledFor.Equal(*got.OriginalScheduledFor))
		assert.Nil(t, got.NextRetryAt)
		assert.Regexp(t, hexID, got.TrackingID)
		assert.False(t, seen[got.TrackingID], "tracking IDs must be unique")
		seen[got.TrackingID] = true
	}
}

func TestCreateCampaign_RequiresRecipients(t *testing.T) {
	ctrl, _, _, user := setup(t)
	_, _, err := ctrl.CreateCampaign(context.Background(), CampaignInput{UserID: user})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestCancelJob(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 2)

	h, err := ctrl.OwnedJob(ctx, jobs[0].ID, user)
	require.NoError(t, err)
	require.NoError(t, ctrl.CancelJob(ctx, h))

	got, _ := store.GetJob(ctx, jobs[0].ID)
	assert.Equal(t, mailing.StatusCancelled, got.Status)

	// Re-cancelling reports already finished rather than failing.
	assert.ErrorIs(t, ctrl.CancelJob(ctx, h), ErrAlreadyFinished)

	// Cancelling a SENT job is a no-op.
	require.NoError(t, ctrl.MarkSent(ctx, jobs[1].ID, true))
	h2, err := ctrl.OwnedJob(ctx, jobs[1].ID, user)
	require.NoError(t, err)
	assert.ErrorIs(t, ctrl.CancelJob(ctx, h2), ErrAlreadyFinished)

	got, _ = store.GetJob(ctx, jobs[1].ID)
	assert.Equal(t, mailing.StatusSent, got.Status)
}

func TestCancelCampaign_OnlyPending(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	c, jobs := createCampaign(t, ctrl, user, 5)

	require.NoError(t, ctrl.MarkSent(ctx, jobs[0].ID, true))
	require.NoError(t, ctrl.MarkSent(ctx, jobs[1].ID, false))

	h, err := ctrl.OwnedCampaign(ctx, c.ID, user)
	require.NoError(t, err)
	n, err := ctrl.CancelCampaign(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	list, err := store.ListJobs(ctx, c.ID, mailing.Page{})
	require.NoError(t, err)
	counts := map[mailing.JobStatus]int{}
	for _, j := range list {
		counts[j.Status]++
	}
	assert.Equal(t, 2, counts[mailing.StatusSent])
	assert.Equal(t, 3, counts[mailing.StatusCancelled])

	n, err = ctrl.CancelCampaign(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecordFailure_ExhaustsToFailed(t *testing.T) {
	ctrl, store, clk, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 1)
	id := jobs[0].ID
	sendErr := errors.New("smtp: 451 try again later")

	u, err := ctrl.RecordFailure(ctx, id, sendErr)
	require.NoError(t, err)
	assert.Equal(t, mailing.StatusPending, u.Status)
	assert.Equal(t, 1, u.RetryCount)
	require.NotNil(t, u.NextRetryAt)
	assert.Equal(t, clk.Now().Add(5*time.Minute), *u.NextRetryAt)

	clk.Advance(5 * time.Minute)
	u, err = ctrl.RecordFailure(ctx, id, sendErr)
	require.NoError(t, err)
	assert.Equal(t, 2, u.RetryCount)
	assert.Equal(t, clk.Now().Add(10*time.Minute), *u.NextRetryAt)

	clk.Advance(10 * time.Minute)
	u, err = ctrl.RecordFailure(ctx, id, sendErr)
	require.NoError(t, err)
	assert.Equal(t, mailing.StatusFailed, u.Status)

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailing.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, sendErr.Error(), got.Error)
	require.NotNil(t, got.OriginalScheduledFor)
	assert.NotEqual(t, *got.OriginalScheduledFor, got.ScheduledFor, "retries reschedule but keep the original")

	// Terminal: further failures change nothing.
	_, err = ctrl.RecordFailure(ctx, id, sendErr)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestRecordFailure_ThenSuccess(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 1)
	id := jobs[0].ID

	for i := 0; i < 2; i++ {
		_, err := ctrl.RecordFailure(ctx, id, errors.New("timeout"))
		require.NoError(t, err)
	}
	require.NoError(t, ctrl.MarkSent(ctx, id, true))

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mailing.StatusSent, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.NotNil(t, got.SentAt)
	assert.True(t, got.SentByDispatcher)
}

func TestMarkSent_CountsMonthlyUsage(t *testing.T) {
	ctrl, store, clk, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 2)

	for _, j := range jobs {
		require.NoError(t, ctrl.MarkSent(ctx, j.ID, true))
	}
	assert.ErrorIs(t, ctrl.MarkSent(ctx, jobs[0].ID, true), ErrAlreadyFinished)

	n, err := store.MonthlyUsage(ctx, user, clk.Now().Year(), clk.Now().Month())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCancelRacesSend_ExactlyOneWins(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 20)

	for _, j := range jobs {
		h, err := ctrl.OwnedJob(ctx, j.ID, user)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelErr, sendErr error
		wg.Add(2)
		go func() { defer wg.Done(); cancelErr = ctrl.CancelJob(ctx, h) }()
		go func() { defer wg.Done(); sendErr = ctrl.MarkSent(ctx, j.ID, true) }()
		wg.Wait()

		got, _ := store.GetJob(ctx, j.ID)
		switch got.Status {
		case mailing.StatusCancelled:
			assert.NoError(t, cancelErr)
			assert.ErrorIs(t, sendErr, ErrAlreadyFinished)
		case mailing.StatusSent:
			assert.NoError(t, sendErr)
			assert.ErrorIs(t, cancelErr, ErrAlreadyFinished)
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	}
}

func TestOwnership_ForeignAndMissingLookIdentical(t *testing.T) {
	ctrl, store, clk, owner := setup(t)
	ctx := context.Background()
	c, jobs := createCampaign(t, ctrl, owner, 1)

	intruder := uuid.New()
	require.NoError(t, store.CreateUser(ctx, mailing.User{ID: intruder, Plan: mailing.PlanFree, CreatedAt: clk.Now()}))

	_, err := ctrl.OwnedJob(ctx, jobs[0].ID, intruder)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ctrl.OwnedJob(ctx, uuid.New(), intruder)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ctrl.OwnedCampaign(ctx, c.ID, intruder)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ctrl.OwnedCampaign(ctx, c.ID, uuid.Nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackoff_Doubles(t *testing.T) {
	ctrl, _, _, _ := setup(t)
	assert.Equal(t, 5*time.Minute, ctrl.Backoff(0))
	assert.Equal(t, 10*time.Minute, ctrl.Backoff(1))
	assert.Equal(t, 20*time.Minute, ctrl.Backoff(2))
}

func TestDeleteHistoryAndAccount(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	createCampaign(t, ctrl, user, 2)
	createCampaign(t, ctrl, user, 1)

	n, err := ctrl.DeleteHistory(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := ctrl.ListCampaigns(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, ctrl.DeleteAccount(ctx, user))
	_, err = store.GetUser(ctx, user)
	assert.ErrorIs(t, err, mailing.ErrNotFound)
	assert.ErrorIs(t, ctrl.DeleteAccount(ctx, user), ErrNotFound)
}

func TestRecordFailure_TruncatesOnRuneBoundary(t *testing.T) {
	ctrl, store, _, user := setup(t)
	ctx := context.Background()
	_, jobs := createCampaign(t, ctrl, user, 1)

	// 999 ASCII bytes then a two-byte character straddling the limit.
	msg := strings.Repeat("a", maxErrorLen-1) + "é" + strings.Repeat("b", 50)
	u, err := ctrl.RecordFailure(ctx, jobs[0].ID, errors.New(msg))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(u.Error))
	assert.Equal(t, strings.Repeat("a", maxErrorLen-1), u.Error)

	got, err := store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "héllo", 10, "héllo"},
		{"exact", "abc", 3, "abc"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"inside two-byte rune", "aé", 2, "a"},
		{"inside four-byte rune", "a🚀b", 3, "a"},
		{"invalid input", "ab\xc3", 10, "ab�"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

type countingCodec struct {
	plainCodec
	decrypts atomic.Int64
}

func (c *countingCodec) Decrypt(s string) string {
	c.decrypts.Add(1)
	return s
}

func TestRecordFailure_DoesNotDecrypt(t *testing.T) {
	codec := &countingCodec{}
	store := memory.New(codec)
	ctrl := NewController(store, audit.NopLogger{}, Config{MaxRetries: 3})
	user := uuid.New()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, mailing.User{ID: user, Plan: mailing.PlanFree}))
	_, jobs := createCampaign(t, ctrl, user, 1)

	_, err := ctrl.RecordFailure(ctx, jobs[0].ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Zero(t, codec.decrypts.Load())

	// Ownership only opens the campaign name.
	_, err = ctrl.OwnedJob(ctx, jobs[0].ID, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), codec.decrypts.Load())
}

func TestCampaignJobs_Pages(t *testing.T) {
	ctrl, _, _, user := setup(t)
	ctx := context.Background()
	c, created := createCampaign(t, ctrl, user, 5)
	h, err := ctrl.OwnedCampaign(ctx, c.ID, user)
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	for offset := 0; offset < 6; offset += 2 {
		page, err := ctrl.CampaignJobs(ctx, h, mailing.Page{Limit: 2, Offset: offset})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), 2)
		for _, j := range page {
			assert.False(t, seen[j.ID], "job listed twice")
			seen[j.ID] = true
		}
	}
	assert.Len(t, seen, len(created))

	all, err := ctrl.CampaignJobs(ctx, h, mailing.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
