// Package quota computes how much of the monthly send allowance a user has
// left, folding in every account that shares the sending IP or SMTP login.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
)

// Infinite is the Limit and Remaining of an UNLIMITED plan.
const Infinite int64 = math.MaxInt64

// ErrQuotaExceeded is returned by admission when a submission does not fit the allowance.
var ErrQuotaExceeded = errors.New("monthly quota exceeded")

// Status is the result of a usage check.
type Status struct {
	IsLimited bool
	Usage     int64
	Limit     int64
	Remaining int64
	Plan      mailing.Plan
}

// Unlimited reports whether the status carries no ceiling.
func (s Status) Unlimited() bool {
	return !s.IsLimited
}

// MarshalJSON writes limit and remaining as null plus "unlimited": true for
// UNLIMITED plans, so infinity never leaks out as a magic number.
func (s Status) MarshalJSON() ([]byte, error) {
	type wire struct {
		IsLimited bool         `json:"isLimited"`
		Usage     int64        `json:"usage"`
		Limit     *int64       `json:"limit"`
		Remaining *int64       `json:"remaining"`
		Unlimited bool         `json:"unlimited"`
		Plan      mailing.Plan `json:"plan"`
	}
	w := wire{IsLimited: s.IsLimited, Usage: s.Usage, Unlimited: s.Unlimited(), Plan: s.Plan}
	if s.IsLimited {
		w.Limit, w.Remaining = &s.Limit, &s.Remaining
	}
	return json.Marshal(w)
}

// UsageStore is the subset of mailing.Store the engine reads.
type UsageStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (mailing.User, error)
	CountSentJobs(ctx context.Context, f mailing.UsageFilter) (int64, error)
}

// Hasher maps raw correlation identifiers to their stored digests.
type Hasher interface {
	HashIP(ip string) string
	HashSMTPIdentity(login string) string
}

// Vectors are the hashed correlation identifiers of one request.
type Vectors struct {
	UserID             uuid.UUID
	HashedIP           string
	HashedSMTPIdentity string
}

// Engine computes plan status and remaining allowance.
type Engine struct {
	store  UsageStore
	hasher Hasher
	limit  int64
	now    func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source. The returned time's location decides
// where "midnight on the first of the month" falls.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store UsageStore, hasher Hasher, monthlyLimit int64, opts ...Option) *Engine {
	e := &Engine{store: store, hasher: hasher, limit: monthlyLimit, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Vectors hashes the optional IP and SMTP identity of a request.
func (e *Engine) Vectors(userID uuid.UUID, ip, smtpIdentity string) Vectors {
	return Vectors{
		UserID:             userID,
		HashedIP:           e.hasher.HashIP(ip),
		HashedSMTPIdentity: e.hasher.HashSMTPIdentity(smtpIdentity),
	}
}

// CheckUsage returns the user's quota status for the current calendar month.
// UNLIMITED plans are never counted. FREE plans count every job sent this
// month whose campaign matches the user, the hashed IP or the hashed SMTP
// identity. Returns mailing.ErrNotFound for unknown users.
//
// The result is a snapshot: nothing stops two concurrent callers from both
// acting on the same remaining allowance. Use Admitter with a Gate to
// reserve atomically.
func (e *Engine) CheckUsage(ctx context.Context, userID uuid.UUID, ip, smtpIdentity string) (Status, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	if user.Plan == mailing.PlanUnlimited {
		return Status{IsLimited: false, Usage: 0, Limit: Infinite, Remaining: Infinite, Plan: mailing.PlanUnlimited}, nil
	}

	v := e.Vectors(userID, ip, smtpIdentity)
	usage, err := e.store.CountSentJobs(ctx, mailing.UsageFilter{
		UserID:             v.UserID,
		HashedIP:           v.HashedIP,
		HashedSMTPIdentity: v.HashedSMTPIdentity,
		Since:              MonthStart(e.now()),
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to count usage: %w", err)
	}

	return Status{
		IsLimited: true,
		Usage:     usage,
		Limit:     e.limit,
		Remaining: max(0, e.limit-usage),
		Plan:      mailing.PlanFree,
	}, nil
}

// MonthStart returns local midnight on day 1 of t's month, in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
