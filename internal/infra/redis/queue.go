package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// CandidateQueue holds resubmission candidates in a sorted set scored by
// NotBefore, so due candidates drain in delay order and survive restarts.
type CandidateQueue struct {
	rdb      *redis.Client
	poolName string
}

// NewCandidateQueue creates a Redis-backed candidate queue.
func NewCandidateQueue(client *Client, poolName string) *CandidateQueue {
	return &CandidateQueue{rdb: client.rdb, poolName: poolName}
}

func (q *CandidateQueue) key() string {
	return fmt.Sprintf("conductor:candidates:%s", q.poolName)
}

// Push enqueues a candidate.
func (q *CandidateQueue) Push(ctx context.Context, req domain.JobRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	if err := q.rdb.ZAdd(ctx, q.key(), redis.Z{
		Score:  float64(req.NotBefore.Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopDue dequeues up to limit candidates whose NotBefore has passed.
func (q *CandidateQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]domain.JobRequest, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	out := make([]domain.JobRequest, 0, len(members))
	for _, member := range members {
		// The removal count is the claim: another instance sharing the pool
		// may have popped the same member between the range and here.
		removed, err := q.rdb.ZRem(ctx, q.key(), member).Result()
		if err != nil {
			return nil, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}
		var req domain.JobRequest
		if err := json.Unmarshal([]byte(member), &req); err != nil {
			// Unparseable member, drop it rather than wedge the queue.
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
