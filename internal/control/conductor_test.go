package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/config"
	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/dispatch"
	"github.com/matsci-hpc/conductor/internal/infra/scheduler"
)

// fakeScheduler is an HTTP stand-in for the cluster scheduler's REST API.
type fakeScheduler struct {
	mu          sync.Mutex
	submissions []scheduler.SubmitRequest
	states      map[string]string // external ID -> reported state
	rejecting   bool
	next        int
}

func (f *fakeScheduler) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/jobs/") {
			id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
			f.mu.Lock()
			state, ok := f.states[id]
			f.mu.Unlock()
			if !ok {
				state = "running"
			}
			json.NewEncoder(w).Encode(map[string]string{"state": state})
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejecting {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}

		var req scheduler.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.next++
		f.submissions = append(f.submissions, req)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"job_id": fmt.Sprintf("slurm-%d", f.next)})
	})
}

func (f *fakeScheduler) setRejecting(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejecting = v
}

func (f *fakeScheduler) setState(externalID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(map[string]string)
	}
	f.states[externalID] = state
}

func (f *fakeScheduler) submitted() []scheduler.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.SubmitRequest, len(f.submissions))
	copy(out, f.submissions)
	return out
}

func newTestConductor(t *testing.T, ceiling int) (*Conductor, *fakeScheduler) {
	t.Helper()
	fake := &fakeScheduler{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Engine: config.EngineConfig{
			MaxJobsCeiling:         ceiling,
			MaxSubmitPerInvocation: 10,
			PollInterval:           10 * time.Millisecond,
			PoolName:               "default",
		},
		Scheduler: scheduler.Config{BaseURL: srv.URL},
		Recovery: config.RecoveryConfig{
			BlacklistDuration: time.Hour,
			MaxDailyAttempts:  10,
		},
		Stages: []domain.StageSpec{
			{
				Name:      "OPT",
				Resources: domain.ResourceRequest{Cores: 16, MemoryMB: 8000, WalltimeMins: 120},
				Params:    domain.CalcParams{MaxCycle: 100, FMixing: 30, Shrink: 8},
			},
			{
				Name:      "SP",
				Resources: domain.ResourceRequest{Cores: 32, MemoryMB: 16000, WalltimeMins: 240},
				Params:    domain.CalcParams{MaxCycle: 100, FMixing: 30, Shrink: 8},
			},
		},
	}

	c, err := NewConductor(cfg)
	if err != nil {
		t.Fatalf("NewConductor: %v", err)
	}
	return c, fake
}

// callback reports one job's terminal state the way the scheduler would.
func callback(t *testing.T, c *Conductor, wfID, jobID string, status domain.JobStatus, output string) {
	t.Helper()
	err := c.dispatcher.OnJobUpdate(context.Background(), dispatch.Completion{
		WorkflowID: wfID,
		JobID:      jobID,
		Status:     status,
		Output:     output,
	})
	if err != nil {
		t.Fatalf("OnJobUpdate(%s, %s): %v", jobID, status, err)
	}
}

// Full pipeline of one material: OPT succeeds, SP fails twice on convergence
// and is repaired stage by stage, then completes.
func TestConductor_PipelineWithRecovery(t *testing.T) {
	c, fake := newTestConductor(t, 4)
	ctx := context.Background()

	wf, err := c.CreateWorkflow(ctx, []string{"MgO"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c.sweep(ctx)
	subs := fake.submitted()
	if len(subs) != 1 || subs[0].Name != "MgO_OPT" {
		t.Fatalf("expected MgO_OPT submission, got %+v", subs)
	}
	callback(t, c, wf.ID, subs[0].CallbackJobID, domain.JobStatusSucceeded, "")

	c.sweep(ctx)
	subs = fake.submitted()
	if len(subs) != 2 || subs[1].Name != "MgO_SP" {
		t.Fatalf("expected MgO_SP submission, got %+v", subs)
	}
	callback(t, c, wf.ID, subs[1].CallbackJobID, domain.JobStatusFailed, "SCF NOT CONVERGED")

	// Between the failure and readmission the material is recovering, not
	// failed: failed is reserved for escalations.
	if m, _ := c.store.Materials.Get(ctx, wf.ID, "MgO"); m.Status != domain.MaterialStatusRecovering {
		t.Errorf("expected material recovering while resubmission queued, got %s", m.Status)
	}

	c.sweep(ctx)
	subs = fake.submitted()
	if len(subs) != 3 {
		t.Fatalf("expected recovery resubmission, got %d submissions", len(subs))
	}
	if subs[2].Params.MaxCycle != 200 {
		t.Errorf("first convergence repair should raise maxcycle to 200, got %d", subs[2].Params.MaxCycle)
	}
	callback(t, c, wf.ID, subs[2].CallbackJobID, domain.JobStatusFailed, "SCF NOT CONVERGED")

	c.sweep(ctx)
	subs = fake.submitted()
	if len(subs) != 4 {
		t.Fatalf("expected second recovery resubmission, got %d submissions", len(subs))
	}
	if subs[3].Params.FMixing <= 30 {
		t.Errorf("second convergence repair should raise fmixing, got %d", subs[3].Params.FMixing)
	}
	callback(t, c, wf.ID, subs[3].CallbackJobID, domain.JobStatusSucceeded, "")

	m, err := c.store.Materials.Get(ctx, wf.ID, "MgO")
	if err != nil {
		t.Fatalf("Get material: %v", err)
	}
	if m.Status != domain.MaterialStatusDone {
		t.Errorf("expected material done, got %s", m.Status)
	}

	attempts, _ := c.store.Attempts.ListByMaterial(ctx, wf.ID, "MgO")
	if len(attempts) != 2 {
		t.Fatalf("expected exactly 2 recovery attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Outcome != domain.OutcomeResubmitted {
			t.Errorf("expected resubmitted outcome, got %s", a.Outcome)
		}
	}

	if active, _ := c.ledgers.For(wf.ID).Active(ctx); active != 0 {
		t.Errorf("all jobs settled but %d slots still occupied", active)
	}
}

// Two workflows budget independently: one workflow exhausting its own pool
// must not starve the other.
func TestConductor_WorkflowLedgerIsolation(t *testing.T) {
	c, fake := newTestConductor(t, 2)
	ctx := context.Background()

	wfA, err := c.CreateWorkflow(ctx, []string{"A1", "A2"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	wfB, err := c.CreateWorkflow(ctx, []string{"B1", "B2"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if wfA.ID == wfB.ID {
		t.Fatalf("workflows created back to back share the ID %s", wfA.ID)
	}

	c.sweep(ctx)

	perWorkflow := make(map[string]int)
	for _, s := range fake.submitted() {
		perWorkflow[s.WorkflowID]++
	}
	if perWorkflow[wfA.ID] != 2 || perWorkflow[wfB.ID] != 2 {
		t.Fatalf("each workflow has its own ceiling of 2, got %v", perWorkflow)
	}
}

func TestConductor_CeilingHolds(t *testing.T) {
	c, fake := newTestConductor(t, 2)
	ctx := context.Background()

	if _, err := c.CreateWorkflow(ctx, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c.sweep(ctx)
	if n := len(fake.submitted()); n != 2 {
		t.Fatalf("ceiling 2 violated: %d submissions", n)
	}

	// A second sweep with both slots occupied submits nothing.
	c.sweep(ctx)
	if n := len(fake.submitted()); n != 2 {
		t.Errorf("expected no new submissions while at ceiling, got %d", n)
	}
}

func TestConductor_ReconcilesUnacknowledged(t *testing.T) {
	c, fake := newTestConductor(t, 4)
	ctx := context.Background()
	fake.setRejecting(true)

	wf, err := c.CreateWorkflow(ctx, []string{"MgO"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c.sweep(ctx)
	orphans, _ := c.store.Jobs.ListUnacknowledged(ctx, wf.ID)
	if len(orphans) != 1 {
		t.Fatalf("expected 1 unacknowledged job, got %d", len(orphans))
	}

	// Within the grace period nothing is resubmitted for the material.
	c.sweep(ctx)
	if n := len(fake.submitted()); n != 0 {
		t.Fatalf("expected no acknowledged submissions yet, got %d", n)
	}
	if orphans, _ = c.store.Jobs.ListUnacknowledged(ctx, wf.ID); len(orphans) != 1 {
		t.Fatalf("expected orphan to persist within grace, got %d", len(orphans))
	}

	// Past the grace period the orphan is cancelled and the work resubmitted.
	fake.setRejecting(false)
	time.Sleep(3 * c.cfg.Engine.PollInterval)
	c.sweep(ctx)

	if orphans, _ = c.store.Jobs.ListUnacknowledged(ctx, wf.ID); len(orphans) != 0 {
		t.Fatalf("expected orphan reconciled, got %d", len(orphans))
	}
	subs := fake.submitted()
	if len(subs) != 1 || subs[0].Name != "MgO_OPT" {
		t.Fatalf("expected reconciled resubmission, got %+v", subs)
	}

	attempts, _ := c.store.Attempts.ListByMaterial(ctx, wf.ID, "MgO")
	if len(attempts) != 0 {
		t.Errorf("reconciliation must not consume recovery budget, got %d attempts", len(attempts))
	}
}

// An acknowledged job whose completion callback was lost is settled by
// querying the scheduler once the job has gone stale.
func TestConductor_SettlesLostCallback(t *testing.T) {
	c, fake := newTestConductor(t, 4)
	ctx := context.Background()

	wf, err := c.CreateWorkflow(ctx, []string{"MgO"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	c.sweep(ctx)
	if n := len(fake.submitted()); n != 1 {
		t.Fatalf("expected 1 submission, got %d", n)
	}

	// The scheduler finished the job, but the callback never arrived.
	fake.setState("slurm-1", "completed")

	// Not stale yet: nothing settles.
	c.reconcile(ctx, wf.ID, time.Now())
	m, _ := c.store.Materials.Get(ctx, wf.ID, "MgO")
	if m.Status != domain.MaterialStatusRunning {
		t.Fatalf("fresh job must not be settled, got material %s", m.Status)
	}

	// Past the staleness window the scheduler's answer settles the job.
	c.reconcile(ctx, wf.ID, time.Now().Add(11*c.cfg.Engine.PollInterval))
	m, _ = c.store.Materials.Get(ctx, wf.ID, "MgO")
	if m.Status != domain.MaterialStatusCompletedStage {
		t.Fatalf("expected completed_stage after settling, got %s", m.Status)
	}
	if active, _ := c.ledgers.For(wf.ID).Active(ctx); active != 0 {
		t.Errorf("settled job still occupies %d slots", active)
	}
}

func TestServer_CallbackEndpoint(t *testing.T) {
	c, fake := newTestConductor(t, 4)
	ctx := context.Background()

	wf, err := c.CreateWorkflow(ctx, []string{"MgO"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	c.sweep(ctx)
	subs := fake.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}

	srv := httptest.NewServer(c.server.server.Handler)
	defer srv.Close()

	body, _ := json.Marshal(dispatch.Completion{
		WorkflowID: wf.ID,
		JobID:      subs[0].CallbackJobID,
		Status:     domain.JobStatusSucceeded,
	})
	resp, err := http.Post(srv.URL+"/v1/callbacks/job", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	m, _ := c.store.Materials.Get(ctx, wf.ID, "MgO")
	if m.Status != domain.MaterialStatusCompletedStage {
		t.Errorf("expected completed_stage, got %s", m.Status)
	}

	// Unknown job gets a 404.
	body, _ = json.Marshal(dispatch.Completion{
		WorkflowID: wf.ID,
		JobID:      "no-such-job",
		Status:     domain.JobStatusSucceeded,
	})
	resp, err = http.Post(srv.URL+"/v1/callbacks/job", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestServer_StatusAndRecoveryStats(t *testing.T) {
	c, fake := newTestConductor(t, 4)
	ctx := context.Background()

	wf, err := c.CreateWorkflow(ctx, []string{"MgO", "NaCl"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	c.sweep(ctx)
	subs := fake.submitted()
	callback(t, c, wf.ID, subs[0].CallbackJobID, domain.JobStatusFailed, "SCF NOT CONVERGED")

	srv := httptest.NewServer(c.server.server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var report []WorkflowReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if len(report) != 1 || report[0].ID != wf.ID {
		t.Fatalf("unexpected status report: %+v", report)
	}
	total := 0
	for _, n := range report[0].Materials {
		total += n
	}
	if total != 2 {
		t.Errorf("expected 2 materials in report, got %d", total)
	}

	resp, err = http.Get(srv.URL + "/v1/status?workflow=" + wf.ID)
	if err != nil {
		t.Fatalf("GET status detail: %v", err)
	}
	var detail []MaterialReport
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode status detail: %v", err)
	}
	resp.Body.Close()
	if len(detail) != 2 {
		t.Fatalf("expected 2 material entries, got %d", len(detail))
	}
	var failedEntry *MaterialReport
	for i := range detail {
		if len(detail[i].Attempts) > 0 {
			failedEntry = &detail[i]
		}
	}
	if failedEntry == nil {
		t.Fatal("expected one material with a recovery attempt in the detail report")
	}
	if failedEntry.Attempts[0].Kind != string(domain.ConvergenceError) {
		t.Errorf("expected convergence_error attempt, got %s", failedEntry.Attempts[0].Kind)
	}

	resp, err = http.Get(srv.URL + "/v1/recovery-stats?window=1h")
	if err != nil {
		t.Fatalf("GET recovery-stats: %v", err)
	}
	var stats []RecoveryReport
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode recovery-stats: %v", err)
	}
	resp.Body.Close()
	if len(stats) != 1 || stats[0].Outcomes["resubmitted"] != 1 {
		t.Fatalf("expected 1 resubmitted attempt in stats, got %+v", stats)
	}
}

func TestConductor_StartStop(t *testing.T) {
	c, _ := newTestConductor(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := c.Stop(shutdownCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
