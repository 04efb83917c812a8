package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
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

type fixture struct {
	store *memory.Store
	ctrl  *jobs.Controller
	clk   *clock
	user  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(plainCodec{})
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	ctrl := jobs.NewController(store, audit.NopLogger{}, jobs.Config{MaxRetries: 3, BackoffBase: 5 * time.Minute, Now: clk.Now})
	user := uuid.New()
	require.NoError(t, store.CreateUser(context.Background(), mailing.User{ID: user, Plan: mailing.PlanFree, CreatedAt: clk.Now()}))
	return &fixture{store: store, ctrl: ctrl, clk: clk, user: user}
}

func (f *fixture) campaign(t *testing.T, n int) []mailing.EmailJob {
	t.Helper()
	msgs := make([]jobs.Message, n)
	for i := range msgs {
		msgs[i] = jobs.Message{Recipient: "r@example.com", Subject: "Hello"}
	}
	_, created, err := f.ctrl.CreateCampaign(context.Background(), jobs.CampaignInput{
		UserID: f.user, Host: mailing.HostBackground, Messages: msgs,
	})
	require.NoError(t, err)
	return created
}

func (f *fixture) worker(sender Sender, cfg Config) *Worker {
	cfg.Now = f.clk.Now
	return NewWorker(f.store, f.ctrl, sender, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), cfg)
}

func (f *fixture) job(t *testing.T, id uuid.UUID) mailing.EmailJob {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunOnce_SendsDueJobs(t *testing.T) {
	f := newFixture(t)
	created := f.campaign(t, 3)

	var mu sync.Mutex
	var seen []string
	sender := SenderFunc(func(_ context.Context, j mailing.EmailJob) error {
		mu.Lock()
		seen = append(seen, j.Recipient)
		mu.Unlock()
		return nil
	})

	n, err := f.worker(sender, Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"r@example.com", "r@example.com", "r@example.com"}, seen, "sender sees decrypted recipients")

	for _, c := range created {
		j := f.job(t, c.ID)
		assert.Equal(t, mailing.StatusSent, j.Status)
		assert.True(t, j.SentByDispatcher)
		require.NotNil(t, j.SentAt)
	}

	now := f.clk.Now()
	used, err := f.store.MonthlyUsage(context.Background(), f.user, now.Year(), now.Month())
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	f.campaign(t, 5)

	w := f.worker(SenderFunc(func(context.Context, mailing.EmailJob) error { return nil }), Config{BatchSize: 2})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunOnce_RetriesWithBackoffThenFails(t *testing.T) {
	f := newFixture(t)
	id := f.campaign(t, 1)[0].ID
	boom := errors.New("421 service not available")
	w := f.worker(SenderFunc(func(context.Context, mailing.EmailJob) error { return boom }), Config{})
	ctx := context.Background()

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j := f.job(t, id)
	assert.Equal(t, mailing.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	require.NotNil(t, j.NextRetryAt)
	assert.Equal(t, f.clk.Now().Add(5*time.Minute), *j.NextRetryAt)
	assert.Contains(t, j.Error, "421")

	// Not due yet.
	n, _ = w.RunOnce(ctx)
	assert.Zero(t, n)

	f.clk.Advance(5 * time.Minute)
	n, _ = w.RunOnce(ctx)
	require.Equal(t, 1, n)
	j = f.job(t, id)
	assert.Equal(t, 2, j.RetryCount)
	assert.Equal(t, f.clk.Now().Add(10*time.Minute), *j.NextRetryAt)

	f.clk.Advance(10 * time.Minute)
	n, _ = w.RunOnce(ctx)
	require.Equal(t, 1, n)
	j = f.job(t, id)
	assert.Equal(t, mailing.StatusFailed, j.Status)
	assert.Equal(t, 3, j.RetryCount)
	assert.Nil(t, j.NextRetryAt)

	f.clk.Advance(time.Hour)
	n, _ = w.RunOnce(ctx)
	assert.Zero(t, n, "terminal jobs are never claimed again")
}

func TestRunOnce_SendTimeoutBooksFailure(t *testing.T) {
	f := newFixture(t)
	id := f.campaign(t, 1)[0].ID
	slow := SenderFunc(func(ctx context.Context, _ mailing.EmailJob) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := f.worker(slow, Config{SendTimeout: 20 * time.Millisecond}).RunOnce(context.Background())
	require.NoError(t, err)

	j := f.job(t, id)
	assert.Equal(t, 1, j.RetryCount)
	assert.Contains(t, j.Error, "timeout")
}

func TestRunOnce_CancelDuringSendWins(t *testing.T) {
	f := newFixture(t)
	id := f.campaign(t, 1)[0].ID

	// The user cancels while the sender is talking to the server.
	sender := SenderFunc(func(ctx context.Context, j mailing.EmailJob) error {
		ok, err := f.store.CancelJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})

	_, err := f.worker(sender, Config{}).RunOnce(context.Background())
	require.NoError(t, err)

	j := f.job(t, id)
	assert.Equal(t, mailing.StatusCancelled, j.Status)
	now := f.clk.Now()
	used, _ := f.store.MonthlyUsage(context.Background(), f.user, now.Year(), now.Month())
	assert.Zero(t, used)
}

func TestRunOnce_LeaseHidesClaimedJobs(t *testing.T) {
	f := newFixture(t)
	f.campaign(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := SenderFunc(func(context.Context, mailing.EmailJob) error {
		close(entered)
		<-release
		return nil
	})
	var secondCalls int
	counting := SenderFunc(func(context.Context, mailing.EmailJob) error {
		secondCalls++
		return nil
	})

	first := f.worker(blocking, Config{})
	second := f.worker(counting, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = first.RunOnce(context.Background())
	}()
	<-entered

	n, err := second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, secondCalls)

	close(release)
	<-done
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.campaign(t, 1)
	sent := make(chan struct{}, 1)
	w := f.worker(SenderFunc(func(context.Context, mailing.EmailJob) error {
		select {
		case sent <- struct{}{}:
		default:
		}
		return nil
	}), Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never dispatched")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestLogSender_NeverLogsRecipient(t *testing.T) {
	var buf bytes.Buffer
	hasher, err := crypto.NewIdentifierHasher("hash-secret")
	require.NoError(t, err)
	s := &LogSender{Logger: slog.New(slog.NewJSONHandler(&buf, nil)), Hasher: hasher}

	err = s.Send(context.Background(), mailing.EmailJob{ID: uuid.New(), Recipient: "person@example.com", TrackingID: "abc"})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "person@example.com")
	assert.Contains(t, out, hasher.Hash("person@example.com"))
	assert.Contains(t, out, `"tracking_id":"abc"`)
}
