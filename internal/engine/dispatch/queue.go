package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

// Queue holds resubmission candidates between a completion callback and the
// admission sweep that picks them up. Candidates are ordered by NotBefore so
// due work drains first.
type Queue interface {
	// Push enqueues a candidate
	Push(ctx context.Context, req domain.JobRequest) error

	// PopDue dequeues up to limit candidates whose NotBefore has passed
	PopDue(ctx context.Context, now time.Time, limit int) ([]domain.JobRequest, error)

	// Len returns the number of queued candidates
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is the in-process candidate queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items []domain.JobRequest
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, req domain.JobRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].NotBefore.Before(q.items[j].NotBefore)
	})
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]domain.JobRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []domain.JobRequest
	rest := q.items[:0]
	for _, req := range q.items {
		if len(due) < limit && !req.NotBefore.After(now) {
			due = append(due, req)
			continue
		}
		rest = append(rest, req)
	}
	q.items = rest
	return due, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
