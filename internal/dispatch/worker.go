// Package dispatch runs the background loop that hands due email jobs to a
// Sender and books the outcome on the job state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
)

// Claimer hands out due PENDING jobs under a lease.
type Claimer interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]mailing.EmailJob, error)
}

// Recorder books send outcomes. *jobs.Controller satisfies it.
type Recorder interface {
	MarkSent(ctx context.Context, jobID uuid.UUID, byDispatcher bool) error
	RecordFailure(ctx context.Context, jobID uuid.UUID, sendErr error) (mailing.FailureUpdate, error)
}

type Config struct {
	Interval    time.Duration // poll interval, default 5s
	BatchSize   int           // max jobs per poll, default 10
	SendTimeout time.Duration // per-job timeout, default 15s
	Lease       time.Duration // how long a claimed job is hidden from other workers
	Now         func() time.Time
}

type Worker struct {
	claimer  Claimer
	recorder Recorder
	sender   Sender
	logger   *slog.Logger
	cfg      Config
}

func NewWorker(claimer Claimer, recorder Recorder, sender Sender, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	// A lease must outlive a full batch or a second worker picks the tail up mid-send.
	if floor := cfg.SendTimeout * time.Duration(cfg.BatchSize+1); cfg.Lease < floor {
		cfg.Lease = floor
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{claimer: claimer, recorder: recorder, sender: sender, logger: logger, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("📧 Email Worker started, polling for jobs...",
		"poll_interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Queue processing error", "error", err)
			}
		}
	}
}

// RunOnce claims and processes a single batch. It returns the number of
// jobs handed to the sender.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.claimer.ClaimDueJobs(ctx, w.cfg.Now(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}

	processed := 0
	for _, job := range batch {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, job)
		processed++
	}

	if processed > 0 {
		w.logger.Info("Processed email batch", "count", processed)
	}
	return processed, nil
}

func (w *Worker) process(ctx context.Context, job mailing.EmailJob) {
	logger := w.logger.With("job_id", job.ID, "campaign_id", job.CampaignID, "retry_count", job.RetryCount)

	// Isolated context per job so one slow server cannot starve the batch.
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := time.Now()
	sendErr := w.sender.Send(sendCtx, job)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.RecordDispatch(time.Since(start))

	// Booking must land even if shutdown cancelled ctx after the send went out.
	bookCtx, cancelBook := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelBook()

	if sendErr == nil {
		switch err := w.recorder.MarkSent(bookCtx, job.ID, true); {
		case err == nil:
			metrics.RecordTransition(string(mailing.StatusSent))
			logger.Info("Email sent successfully")
		case errors.Is(err, jobs.ErrAlreadyFinished):
			metrics.RecordTransition("NOOP")
			logger.Warn("job_finished_during_send")
		default:
			logger.Error("Failed to mark job sent", "error", err)
		}
		return
	}

	if timedOut {
		sendErr = fmt.Errorf("send timeout (slow server): %w", sendErr)
	}

	u, err := w.recorder.RecordFailure(bookCtx, job.ID, sendErr)
	switch {
	case err == nil && u.Status == mailing.StatusFailed:
		metrics.RecordTransition(string(mailing.StatusFailed))
		logger.Error("Email permanently failed", "error", sendErr)
	case err == nil:
		metrics.RecordTransition("RETRY")
		logger.Warn("Email send failed, retry scheduled", "error", sendErr, "next_retry_at", u.NextRetryAt)
	case errors.Is(err, jobs.ErrAlreadyFinished):
		metrics.RecordTransition("NOOP")
		logger.Warn("job_finished_during_send", "error", sendErr)
	default:
		logger.Error("Failed to record send failure", "error", err, "send_error", sendErr)
	}
}
