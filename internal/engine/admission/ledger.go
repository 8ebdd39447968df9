package admission

import (
	"context"
	"sync"
)

// Ledger tracks how many jobs are active against a configured ceiling.
// Reserve is two-phase: the caller reserves slots, then commits the portion
// actually submitted and releases the rest, so a partially failed batch never
// leaks capacity.
type Ledger interface {
	// Reserve returns a reservation for up to n slots. Never blocks; the
	// reservation may allow fewer slots than requested, down to zero.
	Reserve(ctx context.Context, n int) (Reservation, error)

	// Free returns slots to the pool when jobs reach a terminal status.
	Free(ctx context.Context, n int) error

	// Active returns the currently reserved/occupied slot count.
	Active(ctx context.Context) (int, error)
}

// Reservation is the uncommitted result of one Reserve call.
type Reservation interface {
	// Allowed is the number of slots granted
	Allowed() int

	// Commit keeps `used` slots occupied and releases the remainder
	Commit(ctx context.Context, used int) error

	// Release returns every granted slot
	Release(ctx context.Context) error
}

// LedgerProvider resolves the ledger governing a workflow's job pool.
// Workflows budget independently unless a shared global pool is explicitly
// configured, so one workflow's reservations never consume another's.
type LedgerProvider interface {
	// For returns the workflow's ledger, creating the pool on first use
	For(workflowID string) Ledger

	// Drop discards a workflow's pool once the workflow is archived
	Drop(workflowID string)
}

// SharedPool serves a single ledger to every workflow (explicit global pool
// mode, typically redis-backed across conductor instances).
type SharedPool struct {
	ledger Ledger
}

// NewSharedPool wraps one ledger as the pool for all workflows.
func NewSharedPool(l Ledger) *SharedPool {
	return &SharedPool{ledger: l}
}

func (p *SharedPool) For(string) Ledger { return p.ledger }

func (p *SharedPool) Drop(string) {}

// WorkflowPools creates an independent in-memory ledger per workflow on
// first use.
type WorkflowPools struct {
	mu      sync.Mutex
	ceiling int
	reserve int
	pools   map[string]*MemoryLedger
}

// NewWorkflowPools creates the per-workflow pool provider. Every workflow
// gets its own ledger with the same ceiling and headroom.
func NewWorkflowPools(ceiling, reserve int) *WorkflowPools {
	return &WorkflowPools{
		ceiling: ceiling,
		reserve: reserve,
		pools:   make(map[string]*MemoryLedger),
	}
}

func (p *WorkflowPools) For(workflowID string) Ledger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.pools[workflowID]
	if !ok {
		l = NewMemoryLedger(p.ceiling, p.reserve)
		p.pools[workflowID] = l
	}
	return l
}

func (p *WorkflowPools) Drop(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pools, workflowID)
}

// MemoryLedger is the in-process ledger for a per-workflow pool.
// currentActive + allowed never exceeds ceiling - reserve.
type MemoryLedger struct {
	mu      sync.Mutex
	ceiling int
	reserve int
	active  int
}

// NewMemoryLedger creates a ledger with the given ceiling and headroom
// withheld for other users of the shared cluster.
func NewMemoryLedger(ceiling, reserve int) *MemoryLedger {
	return &MemoryLedger{ceiling: ceiling, reserve: reserve}
}

func (l *MemoryLedger) Reserve(ctx context.Context, n int) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.ceiling - l.reserve - l.active
	if avail < 0 {
		avail = 0
	}
	allowed := n
	if allowed > avail {
		allowed = avail
	}
	l.active += allowed
	return &memoryReservation{ledger: l, allowed: allowed}, nil
}

func (l *MemoryLedger) Free(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active -= n
	if l.active < 0 {
		l.active = 0
	}
	return nil
}

func (l *MemoryLedger) Active(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, nil
}

type memoryReservation struct {
	ledger  *MemoryLedger
	allowed int
	done    bool
}

func (r *memoryReservation) Allowed() int {
	return r.allowed
}

func (r *memoryReservation) Commit(ctx context.Context, used int) error {
	if r.done {
		return nil
	}
	r.done = true
	if used > r.allowed {
		used = r.allowed
	}
	return r.ledger.Free(ctx, r.allowed-used)
}

func (r *memoryReservation) Release(ctx context.Context) error {
	return r.Commit(ctx, 0)
}
