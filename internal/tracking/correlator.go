// Package tracking attributes pixel loads, link clicks and survey answers to
// the email job that carried them, keyed only by the job's tracking ID.
package tracking

import (
	"context"
	"time"
)

// Store is the subset of mailing.Store the correlator writes to.
type Store interface {
	RecordOpen(ctx context.Context, trackingID, ip string, at time.Time) error
	AddClick(ctx context.Context, trackingID, url string, at time.Time) error
	SetSurveyChoice(ctx context.Context, trackingID, choice string, at time.Time) error
}

// Correlator records tracking events.
//
// Writes run on a context detached from the caller: once issued, a write
// completes or fails on its own, even if the recipient's client has
// already disconnected. writeTimeout bounds how long that can take.
type Correlator struct {
	store        Store
	now          func() time.Time
	writeTimeout time.Duration
}

func NewCorrelator(store Store) *Correlator {
	return &Correlator{store: store, now: time.Now, writeTimeout: 5 * time.Second}
}

// RegisterOpen increments the open count, sets openedAt on the first open
// only, and records the opener's IP.
func (c *Correlator) RegisterOpen(ctx context.Context, trackingID, ip string) error {
	ctx, cancel := c.detach(ctx)
	defer cancel()
	return c.store.RecordOpen(ctx, trackingID, ip, c.now())
}

// RegisterClick appends a click record for the destination URL.
func (c *Correlator) RegisterClick(ctx context.Context, trackingID, url string) error {
	ctx, cancel := c.detach(ctx)
	defer cancel()
	return c.store.AddClick(ctx, trackingID, url, c.now())
}

// RegisterSurvey stores choice, replacing any earlier answer for the job.
func (c *Correlator) RegisterSurvey(ctx context.Context, trackingID, choice string) error {
	ctx, cancel := c.detach(ctx)
	defer cancel()
	return c.store.SetSurveyChoice(ctx, trackingID, choice, c.now())
}

func (c *Correlator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
}
