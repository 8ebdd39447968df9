package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/infra/scheduler"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
	"github.com/matsci-hpc/conductor/internal/infra/storage/memory"
)

const wfID = "wf-20260801-120000"

// =============================================================================
// Fake scheduler
// =============================================================================

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []scheduler.SubmitRequest
	failNext  bool
	nextID    int
}

func (f *fakeScheduler) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("scheduler down")
	}
	f.nextID++
	f.submitted = append(f.submitted, req)
	return fmt.Sprintf("ext-%d", f.nextID), nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, externalID string) error {
	return nil
}

func (f *fakeScheduler) Query(ctx context.Context, externalID string) (scheduler.JobState, error) {
	return scheduler.StateUnknown, nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestController(t *testing.T, ceiling, burst int) (*Controller, *storage.Store, *fakeScheduler) {
	t.Helper()
	store := memory.NewStore()
	sched := &fakeScheduler{}
	ledgers := NewWorkflowPools(ceiling, 0)
	ctl := NewController(store.Jobs, store.Materials, store.Blacklist, ledgers, sched, burst)
	return ctl, store, sched
}

func seedMaterial(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	err := store.Materials.Create(context.Background(), &domain.Material{
		ID:         id,
		WorkflowID: wfID,
		Status:     domain.MaterialStatusPending,
	})
	if err != nil {
		t.Fatalf("seed material: %v", err)
	}
}

func candidate(materialID string) domain.JobRequest {
	return domain.JobRequest{
		WorkflowID: wfID,
		MaterialID: materialID,
		Stage:      "OPT",
		Attempt:    1,
		Resources:  domain.ResourceRequest{Cores: 16, MemoryMB: 8000, WalltimeMins: 120},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestSubmitReady_FIFOWithinCeiling(t *testing.T) {
	ctl, store, sched := newTestController(t, 2, 10)
	for _, id := range []string{"A", "B", "C"} {
		seedMaterial(t, store, id)
	}

	results, err := ctl.SubmitReady(context.Background(), []domain.JobRequest{
		candidate("A"), candidate("B"), candidate("C"),
	})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}

	if !results[0].Submitted || !results[1].Submitted {
		t.Fatalf("first two candidates should be submitted: %+v", results)
	}
	if results[2].Submitted || results[2].Reason != ReasonCeiling {
		t.Fatalf("third candidate should defer on ceiling: %+v", results[2])
	}
	if len(sched.submitted) != 2 {
		t.Errorf("expected 2 scheduler submits, got %d", len(sched.submitted))
	}
	// FIFO: A before B.
	if sched.submitted[0].Name != "A_OPT" || sched.submitted[1].Name != "B_OPT" {
		t.Errorf("order violated: %+v", sched.submitted)
	}
}

func TestSubmitReady_BurstLimit(t *testing.T) {
	ctl, store, _ := newTestController(t, 100, 2)
	for _, id := range []string{"A", "B", "C", "D"} {
		seedMaterial(t, store, id)
	}

	results, err := ctl.SubmitReady(context.Background(), []domain.JobRequest{
		candidate("A"), candidate("B"), candidate("C"), candidate("D"),
	})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}

	submitted := 0
	for _, r := range results {
		if r.Submitted {
			submitted++
		}
	}
	if submitted != 2 {
		t.Errorf("burst limit 2 violated: %d submitted", submitted)
	}
	if results[2].Reason != ReasonBurstLimit || results[3].Reason != ReasonBurstLimit {
		t.Errorf("expected burst_limit deferrals: %+v", results[2:])
	}
}

func TestSubmitReady_BlacklistSuppression(t *testing.T) {
	ctl, store, _ := newTestController(t, 10, 10)
	seedMaterial(t, store, "A")
	ctx := context.Background()

	// Blacklisted an hour ago for 24h: rejected now.
	_ = store.Blacklist.Put(ctx, &domain.BlacklistEntry{
		WorkflowID: wfID,
		MaterialID: "A",
		ExpiresAt:  time.Now().Add(23 * time.Hour),
	})

	results, err := ctl.SubmitReady(ctx, []domain.JobRequest{candidate("A")})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}
	if results[0].Submitted || results[0].Reason != ReasonBlacklisted {
		t.Fatalf("expected blacklist rejection, got %+v", results[0])
	}

	// Past expiry (T+25h): admissible again, no manual reset.
	_ = store.Blacklist.Put(ctx, &domain.BlacklistEntry{
		WorkflowID: wfID,
		MaterialID: "A",
		ExpiresAt:  time.Now().Add(-time.Hour),
	})
	results, err = ctl.SubmitReady(ctx, []domain.JobRequest{candidate("A")})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}
	if !results[0].Submitted {
		t.Fatalf("expected expired blacklist to admit, got %+v", results[0])
	}
}

func TestSubmitReady_NotBeforeDefers(t *testing.T) {
	ctl, store, _ := newTestController(t, 10, 10)
	seedMaterial(t, store, "A")

	cand := candidate("A")
	cand.NotBefore = time.Now().Add(time.Hour)

	results, err := ctl.SubmitReady(context.Background(), []domain.JobRequest{cand})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}
	if results[0].Submitted || results[0].Reason != ReasonNotDue {
		t.Fatalf("expected not_due deferral, got %+v", results[0])
	}
}

func TestSubmitReady_CommitBeforeSubmit(t *testing.T) {
	ctl, store, sched := newTestController(t, 10, 10)
	seedMaterial(t, store, "A")
	sched.failNext = true
	ctx := context.Background()

	results, err := ctl.SubmitReady(ctx, []domain.JobRequest{candidate("A")})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}
	if results[0].Submitted {
		t.Fatal("submit should have failed")
	}
	if results[0].JobID == "" {
		t.Fatal("job record must be committed before the external submit call")
	}

	// The interrupted job is visible for reconciliation.
	orphans, err := store.Jobs.ListUnacknowledged(ctx, wfID)
	if err != nil {
		t.Fatalf("ListUnacknowledged: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != results[0].JobID {
		t.Fatalf("expected the failed submission to be reconcilable, got %+v", orphans)
	}
}

func TestSubmitReady_MarksMaterialRunning(t *testing.T) {
	ctl, store, _ := newTestController(t, 10, 10)
	seedMaterial(t, store, "A")
	ctx := context.Background()

	results, err := ctl.SubmitReady(ctx, []domain.JobRequest{candidate("A")})
	if err != nil {
		t.Fatalf("SubmitReady: %v", err)
	}

	m, _ := store.Materials.Get(ctx, wfID, "A")
	if m.Status != domain.MaterialStatusRunning {
		t.Errorf("expected material running, got %s", m.Status)
	}
	if m.CurrentJobID != results[0].JobID {
		t.Errorf("material not pointing at its job: %s vs %s", m.CurrentJobID, results[0].JobID)
	}
}
