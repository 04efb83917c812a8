package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Admitter decides whether a submission of n emails may proceed.
//
// With a Gate the decision is an atomic reservation. Without one it falls
// back to comparing n against a CheckUsage snapshot, which admits concurrent
// submissions near the boundary.
type Admitter struct {
	engine *Engine
	gate   *Gate
	now    func() time.Time
}

// NewAdmitter builds an Admitter. gate may be nil.
func NewAdmitter(engine *Engine, gate *Gate) *Admitter {
	return &Admitter{engine: engine, gate: gate, now: engine.now}
}

// Admit checks usage and holds n sends. On ErrQuotaExceeded the returned
// Status is still filled in so callers can report what is left.
func (a *Admitter) Admit(ctx context.Context, userID uuid.UUID, ip, smtpIdentity string, n int64) (Status, Reservation, error) {
	st, err := a.engine.CheckUsage(ctx, userID, ip, smtpIdentity)
	if err != nil {
		return Status{}, Reservation{}, err
	}
	if st.Unlimited() {
		return st, Reservation{}, nil
	}

	if a.gate == nil {
		if n > st.Remaining {
			return st, Reservation{}, ErrQuotaExceeded
		}
		return st, Reservation{}, nil
	}

	res, err := a.gate.Reserve(ctx, st, a.engine.Vectors(userID, ip, smtpIdentity), n, a.now())
	return st, res, err
}

// Release gives back a reservation after a failed submission.
// Cancelled jobs are not refunded; their reservation stays counted until the month rolls over.
func (a *Admitter) Release(ctx context.Context, r Reservation) error {
	if a.gate == nil {
		return nil
	}
	return a.gate.Release(ctx, r)
}
