package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
)

func TestNew_RejectsUnknownKind(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = map[domain.ErrorKind]int{"frobnication_error": 3}
	if _, err := New(opts); err == nil {
		t.Fatal("expected error for unknown kind in max_retries")
	}

	opts = DefaultOptions()
	opts.ResubmitDelay = map[domain.ErrorKind]time.Duration{"nope": time.Minute}
	if _, err := New(opts); err == nil {
		t.Fatal("expected error for unknown kind in resubmit_delay")
	}
}

func TestStages_ZeroStageKinds(t *testing.T) {
	r, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, kind := range []domain.ErrorKind{domain.DiskSpaceError, domain.BasisSetError} {
		if got := len(r.Stages(kind)); got != 0 {
			t.Errorf("%s: expected 0 stages, got %d", kind, got)
		}
		if _, _, ok := r.StageFor(kind, 0); ok {
			t.Errorf("%s: expected first occurrence to be exhausted", kind)
		}
	}
}

func TestStageFor_OrderedProgression(t *testing.T) {
	r, _ := New(DefaultOptions())

	// ConvergenceError: raise-maxcycle, then adjust-fmixing, then exhausted.
	idx, st, ok := r.StageFor(domain.ConvergenceError, 0)
	if !ok || idx != 0 || st.Name != "raise-maxcycle" {
		t.Fatalf("attempt 0: got (%d, %s, %v)", idx, st.Name, ok)
	}
	idx, st, ok = r.StageFor(domain.ConvergenceError, 1)
	if !ok || idx != 1 || st.Name != "adjust-fmixing" {
		t.Fatalf("attempt 1: got (%d, %s, %v)", idx, st.Name, ok)
	}
	if _, _, ok = r.StageFor(domain.ConvergenceError, 2); ok {
		t.Fatal("attempt 2: expected exhaustion")
	}
}

func TestStageFor_MultiAttemptStage(t *testing.T) {
	r, _ := New(DefaultOptions())

	// MemoryError's single stage allows two attempts.
	for attempt := 0; attempt < 2; attempt++ {
		idx, st, ok := r.StageFor(domain.MemoryError, attempt)
		if !ok || idx != 0 || st.Name != "bump-memory" {
			t.Fatalf("attempt %d: got (%d, %s, %v)", attempt, idx, st.Name, ok)
		}
	}
	if _, _, ok := r.StageFor(domain.MemoryError, 2); ok {
		t.Fatal("attempt 2: expected exhaustion")
	}
}

func TestStageFor_MaxRetriesOverride(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = map[domain.ErrorKind]int{domain.MemoryError: 1}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, ok := r.StageFor(domain.MemoryError, 1); ok {
		t.Fatal("expected override ceiling of 1 to exhaust second attempt")
	}
}

func TestTransform_MemoryClamp(t *testing.T) {
	r, _ := New(DefaultOptions())
	_, st, _ := r.StageFor(domain.MemoryError, 0)

	req := domain.JobRequest{Resources: domain.ResourceRequest{MemoryMB: 8000}}
	out, err := st.Transform(req)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if out.Resources.MemoryMB != 12000 {
		t.Errorf("expected 12000 MB, got %d", out.Resources.MemoryMB)
	}

	// Bumping past the clamp is exhaustion, not a silent no-op.
	req.Resources.MemoryMB = 500000
	if _, err := st.Transform(req); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestTransform_DiagnosticRerunNonMutating(t *testing.T) {
	r, _ := New(DefaultOptions())
	_, st, ok := r.StageFor(domain.BasisLinearDependence, 0)
	if !ok || st.Name != "diagnostic-rerun" {
		t.Fatalf("expected diagnostic-rerun first, got %s", st.Name)
	}

	req := domain.JobRequest{
		Resources: domain.ResourceRequest{Cores: 16, MemoryMB: 8000, WalltimeMins: 120},
		Params:    domain.CalcParams{MaxCycle: 100, FMixing: 30, Shrink: 8},
	}
	out, err := st.Transform(req)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if !out.Params.DiagnosticOnly {
		t.Error("expected diagnostic flag set")
	}
	out.Params.DiagnosticOnly = false
	if out != req {
		t.Error("diagnostic re-run must not mutate any other parameter")
	}
}

func TestTransform_CellScaleMonotonic(t *testing.T) {
	r, _ := New(DefaultOptions())
	_, st, ok := r.StageFor(domain.BasisLinearDependence, 1)
	if !ok || st.Name != "scale-cell" {
		t.Fatalf("expected scale-cell second, got %s", st.Name)
	}

	req := domain.JobRequest{}
	out, err := st.Transform(req)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if out.Params.CellScale <= 1.0 {
		t.Errorf("expected cell scale > 1.0, got %f", out.Params.CellScale)
	}
}
