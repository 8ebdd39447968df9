package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matsci-hpc/conductor/internal/engine/dispatch"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// Server exposes the scheduler callback endpoint and the operator surface.
type Server struct {
	conductor *Conductor
	server    *http.Server
}

// NewServer creates the HTTP server.
func NewServer(c *Conductor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		conductor: c,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/v1/callbacks/job", s.handleCallback)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/recovery-stats", s.handleRecoveryStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var c dispatch.Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if c.WorkflowID == "" || c.JobID == "" {
		http.Error(w, "workflow_id and job_id are required", http.StatusBadRequest)
		return
	}

	if err := s.conductor.dispatcher.OnJobUpdate(r.Context(), c); err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WorkflowReport is one workflow's entry in the status response.
type WorkflowReport struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	Stages     []string       `json:"stages"`
	Materials  map[string]int `json:"materials"`
	ActiveJobs int            `json:"active_jobs"`
}

// MaterialReport is one material's entry in the detailed status response.
type MaterialReport struct {
	ID       string          `json:"id"`
	Stage    string          `json:"stage"`
	Status   string          `json:"status"`
	Attempts []AttemptReport `json:"attempts,omitempty"`
}

// AttemptReport is one recovery attempt in a material's history.
type AttemptReport struct {
	Kind    string    `json:"kind"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if workflowID := r.URL.Query().Get("workflow"); workflowID != "" {
		s.handleWorkflowDetail(w, r, workflowID)
		return
	}
	workflows, err := s.conductor.store.Workflows.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	report := make([]WorkflowReport, 0, len(workflows))
	for _, wf := range workflows {
		entry := WorkflowReport{
			ID:        wf.ID,
			Status:    string(wf.Status),
			Stages:    wf.StageNames(),
			Materials: make(map[string]int),
		}
		materials, err := s.conductor.store.Materials.List(ctx, wf.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, m := range materials {
			entry.Materials[string(m.Status)]++
		}
		if n, err := s.conductor.store.Jobs.CountActive(ctx, wf.ID); err == nil {
			entry.ActiveJobs = n
		}
		report = append(report, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request, workflowID string) {
	ctx := r.Context()
	wf, err := s.conductor.store.Workflows.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	materials, err := s.conductor.store.Materials.List(ctx, wf.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	report := make([]MaterialReport, 0, len(materials))
	for _, m := range materials {
		entry := MaterialReport{
			ID:     m.ID,
			Status: string(m.Status),
		}
		if m.StageIndex < len(wf.Stages) {
			entry.Stage = wf.Stages[m.StageIndex].Name
		}
		attempts, err := s.conductor.store.Attempts.ListByMaterial(ctx, wf.ID, m.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, a := range attempts {
			entry.Attempts = append(entry.Attempts, AttemptReport{
				Kind:    string(a.Kind),
				Outcome: string(a.Outcome),
				Reason:  a.Reason,
				At:      a.CreatedAt,
			})
		}
		report = append(report, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// RecoveryReport is one workflow's recovery outcomes within the window.
type RecoveryReport struct {
	Workflow string         `json:"workflow"`
	Window   string         `json:"window"`
	Outcomes map[string]int `json:"outcomes"`
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	ctx := r.Context()
	workflows, err := s.conductor.store.Workflows.List(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	since := time.Now().Add(-window)
	report := make([]RecoveryReport, 0, len(workflows))
	for _, wf := range workflows {
		counts, err := s.conductor.store.Attempts.CountByOutcomeSince(ctx, wf.ID, since)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		outcomes := make(map[string]int, len(counts))
		for outcome, n := range counts {
			outcomes[string(outcome)] = n
		}
		report = append(report, RecoveryReport{
			Workflow: wf.ID,
			Window:   window.String(),
			Outcomes: outcomes,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.conductor.db != nil {
		if err := s.conductor.db.Health(r.Context()); err != nil {
			status = "critical"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
