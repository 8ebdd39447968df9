package redis

import (
	"context"
	"fmt"

	"github.com/matsci-hpc/conductor/internal/engine/admission"
	"github.com/redis/go-redis/v9"
)

// Ledger is the Redis-backed resource ledger for a pool shared across
// conductor instances. The active-slot counter lives in a single key, so
// every instance sees the same occupancy and the ceiling holds cluster-wide.
type Ledger struct {
	rdb     *redis.Client
	pool    string
	ceiling int
	reserve int
}

// NewLedger creates a shared ledger over the given pool name.
func NewLedger(client *Client, pool string, ceiling, reserve int) *Ledger {
	return &Ledger{rdb: client.rdb, pool: pool, ceiling: ceiling, reserve: reserve}
}

func (l *Ledger) key() string {
	return fmt.Sprintf("conductor:active_jobs:%s", l.pool)
}

// Reserve optimistically takes n slots with INCRBY, then gives back the
// portion that landed above ceiling - reserve. INCRBY is atomic, so two
// instances reserving at once never both keep the same slot.
func (l *Ledger) Reserve(ctx context.Context, n int) (admission.Reservation, error) {
	total, err := l.rdb.IncrBy(ctx, l.key(), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("incrby failed: %w", err)
	}

	limit := int64(l.ceiling - l.reserve)
	allowed := n
	if over := total - limit; over > 0 {
		allowed = n - int(over)
		if allowed < 0 {
			allowed = 0
		}
		if err := l.rdb.DecrBy(ctx, l.key(), int64(n-allowed)).Err(); err != nil {
			return nil, fmt.Errorf("decrby failed: %w", err)
		}
	}
	return &reservation{ledger: l, allowed: allowed}, nil
}

// Free returns slots to the pool when jobs reach a terminal status.
func (l *Ledger) Free(ctx context.Context, n int) error {
	val, err := l.rdb.DecrBy(ctx, l.key(), int64(n)).Result()
	if err != nil {
		return fmt.Errorf("decrby failed: %w", err)
	}
	if val < 0 {
		// Double free; pin the counter back at zero.
		if err := l.rdb.Set(ctx, l.key(), 0, 0).Err(); err != nil {
			return fmt.Errorf("reset counter failed: %w", err)
		}
	}
	return nil
}

// Active returns the currently occupied slot count.
func (l *Ledger) Active(ctx context.Context) (int, error) {
	val, err := l.rdb.Get(ctx, l.key()).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

type reservation struct {
	ledger  *Ledger
	allowed int
	done    bool
}

func (r *reservation) Allowed() int {
	return r.allowed
}

func (r *reservation) Commit(ctx context.Context, used int) error {
	if r.done {
		return nil
	}
	r.done = true
	if used > r.allowed {
		used = r.allowed
	}
	if unused := r.allowed - used; unused > 0 {
		return r.ledger.Free(ctx, unused)
	}
	return nil
}

func (r *reservation) Release(ctx context.Context) error {
	return r.Commit(ctx, 0)
}
