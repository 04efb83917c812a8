package dispatch

import (
	"context"
	"log/slog"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/crypto"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

// Sender delivers one email job. Implementations must respect ctx's deadline.
type Sender interface {
	Send(ctx context.Context, job mailing.EmailJob) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, job mailing.EmailJob) error

func (f SenderFunc) Send(ctx context.Context, job mailing.EmailJob) error { return f(ctx, job) }

// LogSender prints emails to the log instead of delivering them (safe for development).
// The recipient is logged as a keyed hash.
type LogSender struct {
	Logger *slog.Logger
	Hasher *crypto.IdentifierHasher
}

func (m *LogSender) Send(ctx context.Context, job mailing.EmailJob) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	to := ""
	if m.Hasher != nil {
		to = m.Hasher.Hash(job.Recipient)
	}
	logger.InfoContext(ctx, "📧 EMAIL SENT",
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"to_hash", to,
		"tracking_id", job.TrackingID,
		"retry_count", job.RetryCount,
	)
	return nil
}
