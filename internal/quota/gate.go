package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript seeds missing counters with the database baseline, then
// increments every counter by n unless the largest would pass the limit.
// It runs atomically, so concurrent reservations cannot both take the last slot.
//
// KEYS: one counter per correlation vector.
// ARGV: baseline, n, limit, ttl seconds.
var reserveScript = redis.NewScript(`
local top = 0
for _, k in ipairs(KEYS) do
	local v = redis.call('GET', k)
	if not v then
		redis.call('SET', k, ARGV[1], 'EX', ARGV[4])
		v = ARGV[1]
	end
	v = tonumber(v)
	if v > top then top = v end
end
local n = tonumber(ARGV[2])
if top + n > tonumber(ARGV[3]) then
	return -1
end
for _, k in ipairs(KEYS) do
	redis.call('INCRBY', k, n)
end
return top + n
`)

// Reservation is allowance held by a submission until its jobs are written.
// The zero value holds nothing.
type Reservation struct {
	keys []string
	n    int64
}

// Gate performs check-and-reserve as one atomic step in Redis.
type Gate struct {
	rdb *redis.Client
}

func NewGate(rdb *redis.Client) *Gate {
	return &Gate{rdb: rdb}
}

// Reserve takes n sends from the allowance described by st for every vector.
// Returns ErrQuotaExceeded when they do not fit. UNLIMITED statuses reserve nothing.
func (g *Gate) Reserve(ctx context.Context, st Status, v Vectors, n int64, now time.Time) (Reservation, error) {
	if st.Unlimited() {
		return Reservation{}, nil
	}

	keys := counterKeys(v, now)
	ttl := int64(nextMonth(now).Sub(now).Seconds()) + 86400
	if ttl < 1 {
		ttl = 86400
	}

	res, err := reserveScript.Run(ctx, g.rdb, keys, st.Usage, n, st.Limit, ttl).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("quota reservation failed: %w", err)
	}
	if res < 0 {
		return Reservation{}, ErrQuotaExceeded
	}
	return Reservation{keys: keys, n: n}, nil
}

// Release returns a reservation whose jobs were never created.
func (g *Gate) Release(ctx context.Context, r Reservation) error {
	if len(r.keys) == 0 {
		return nil
	}
	pipe := g.rdb.TxPipeline()
	for _, k := range r.keys {
		pipe.DecrBy(ctx, k, r.n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

func counterKeys(v Vectors, now time.Time) []string {
	month := now.Format("2006-01")
	keys := []string{fmt.Sprintf("quota:%s:user:%s", month, v.UserID)}
	if v.HashedIP != "" {
		keys = append(keys, fmt.Sprintf("quota:%s:ip:%s", month, v.HashedIP))
	}
	if v.HashedSMTPIdentity != "" {
		keys = append(keys, fmt.Sprintf("quota:%s:smtp:%s", month, v.HashedSMTPIdentity))
	}
	return keys
}

func nextMonth(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}
