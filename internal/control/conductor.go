// Package control wires storage, the ledger, the recovery engine, admission,
// and the dispatcher into one conductor process, and runs the periodic sweep
// that drives submissions forward.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/config"
	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/engine/admission"
	"github.com/matsci-hpc/conductor/internal/engine/dispatch"
	"github.com/matsci-hpc/conductor/internal/engine/metrics"
	"github.com/matsci-hpc/conductor/internal/engine/recovery"
	"github.com/matsci-hpc/conductor/internal/engine/strategy"
	redisclient "github.com/matsci-hpc/conductor/internal/infra/redis"
	"github.com/matsci-hpc/conductor/internal/infra/scheduler"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
	"github.com/matsci-hpc/conductor/internal/infra/storage/memory"
	"github.com/matsci-hpc/conductor/internal/infra/storage/postgres"
)

// Conductor is the main application struct managing the orchestration
// lifecycle.
type Conductor struct {
	cfg         *config.AppConfig
	store       *storage.Store
	db          *postgres.DB
	redisClient *redisclient.Client
	ledgers     admission.LedgerProvider
	queue       dispatch.Queue
	controller  *admission.Controller
	dispatcher  *dispatch.Dispatcher
	engine      *recovery.Engine
	sched       scheduler.Scheduler
	server      *Server
	log         *slog.Logger
}

// NewConductor creates a Conductor with all dependencies initialized.
func NewConductor(cfg *config.AppConfig) (*Conductor, error) {
	// 1. Initialize Storage
	var store *storage.Store
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		store = postgres.NewStore(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewStore()
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Redis (shared ledger and durable candidate queue)
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-process ledger and queue", "error", err)
		}
	}

	// Workflows budget independently by default; shared_ledger switches to
	// one redis-backed pool spanning workflows and conductor instances.
	var ledgers admission.LedgerProvider
	if redisClient != nil && cfg.Engine.SharedLedger {
		shared := redisclient.NewLedger(redisClient, cfg.Engine.PoolName,
			cfg.Engine.MaxJobsCeiling, cfg.Engine.ReserveHeadroom)
		ledgers = admission.NewSharedPool(shared)
		slog.Info("Using shared Redis ledger", "pool", cfg.Engine.PoolName)
	} else {
		ledgers = admission.NewWorkflowPools(cfg.Engine.MaxJobsCeiling, cfg.Engine.ReserveHeadroom)
	}

	var queue dispatch.Queue
	if redisClient != nil {
		queue = redisclient.NewCandidateQueue(redisClient, cfg.Engine.PoolName)
	} else {
		queue = dispatch.NewMemoryQueue()
	}

	// 3. Initialize Engine Components
	registry, err := strategy.New(cfg.Recovery.StrategyOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy registry: %w", err)
	}
	engine := recovery.NewEngine(store.Materials, store.Attempts, store.Blacklist, registry, recovery.Config{
		BlacklistDuration: cfg.Recovery.BlacklistDuration,
		MaxDailyAttempts:  cfg.Recovery.MaxDailyAttempts,
	})

	sched := scheduler.NewHTTPClient(cfg.Scheduler)
	controller := admission.NewController(store.Jobs, store.Materials, store.Blacklist,
		ledgers, sched, cfg.Engine.MaxSubmitPerInvocation)
	dispatcher := dispatch.NewDispatcher(store, engine, queue, ledgers)

	c := &Conductor{
		cfg:         cfg,
		store:       store,
		db:          db,
		redisClient: redisClient,
		ledgers:     ledgers,
		queue:       queue,
		controller:  controller,
		dispatcher:  dispatcher,
		engine:      engine,
		sched:       sched,
		log:         slog.Default(),
	}
	c.server = NewServer(c, cfg.Server.Port)
	return c, nil
}

// CreateWorkflow creates an isolated workflow over the configured stages and
// seeds its materials.
func (c *Conductor) CreateWorkflow(ctx context.Context, materialIDs []string) (*domain.Workflow, error) {
	if len(c.cfg.Stages) == 0 {
		return nil, fmt.Errorf("no stages configured")
	}

	now := time.Now()
	wf := &domain.Workflow{
		ID:        domain.NewWorkflowID(now),
		Stages:    c.cfg.Stages,
		Status:    domain.WorkflowStatusActive,
		CreatedAt: now,
	}
	if err := c.store.Workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	for _, id := range materialIDs {
		m := &domain.Material{
			ID:         id,
			WorkflowID: wf.ID,
			Status:     domain.MaterialStatusPending,
			UpdatedAt:  now,
		}
		if err := c.store.Materials.Create(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to seed material %s: %w", id, err)
		}
	}

	c.log.Info("Workflow created", "workflow", wf.ID,
		"stages", wf.StageNames(), "materials", len(materialIDs))
	return wf, nil
}

// Start starts the HTTP server and the sweep loop.
func (c *Conductor) Start(ctx context.Context) error {
	go func() {
		if err := c.server.Start(); err != nil {
			c.log.Error("HTTP server failed", "error", err)
		}
	}()

	go c.run(ctx)
	return nil
}

// Stop stops the conductor.
func (c *Conductor) Stop(ctx context.Context) error {
	c.log.Info("Stopping Conductor...")

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("Failed to close database", "error", err)
		}
	}
	return c.server.Stop(ctx)
}

func (c *Conductor) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Engine.PollInterval)
	defer ticker.Stop()

	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one pass over every active workflow: expire blacklist entries,
// reconcile unacknowledged jobs, then admit due candidates.
func (c *Conductor) sweep(ctx context.Context) {
	workflows, err := c.store.Workflows.List(ctx)
	if err != nil {
		c.log.Error("Failed to list workflows", "error", err)
		return
	}

	now := time.Now()
	for _, wf := range workflows {
		if wf.Status != domain.WorkflowStatusActive {
			c.ledgers.Drop(wf.ID)
			continue
		}
		c.sweepWorkflow(ctx, wf, now)
	}
}

func (c *Conductor) sweepWorkflow(ctx context.Context, wf *domain.Workflow, now time.Time) {
	if n, err := c.store.Blacklist.DeleteExpired(ctx, wf.ID, now); err != nil {
		c.log.Warn("Blacklist expiry sweep failed", "workflow", wf.ID, "error", err)
	} else if n > 0 {
		c.log.Info("Blacklist entries expired", "workflow", wf.ID, "count", n)
	}

	c.reconcile(ctx, wf.ID, now)

	// Due resubmissions first; they carry transformed parameters that fresh
	// stage candidates would not reproduce.
	queued, err := c.queue.PopDue(ctx, now, c.cfg.Engine.MaxSubmitPerInvocation)
	if err != nil {
		c.log.Warn("Candidate queue drain failed", "workflow", wf.ID, "error", err)
		queued = nil
	}

	claimed := make(map[string]bool, len(queued))
	candidates := make([]domain.JobRequest, 0, len(queued))
	for _, req := range queued {
		if req.WorkflowID != wf.ID {
			// Shared queue, another workflow's candidate: put it back.
			if err := c.queue.Push(ctx, req); err != nil {
				c.log.Warn("Failed to requeue candidate", "error", err)
			}
			continue
		}
		claimed[req.MaterialID] = true
		candidates = append(candidates, req)
	}
	nQueued := len(candidates)

	// Materials with a committed but unacknowledged job keep their slot until
	// reconciliation settles them; deriving a fresh candidate would double up.
	if orphans, err := c.store.Jobs.ListUnacknowledged(ctx, wf.ID); err == nil {
		for _, job := range orphans {
			claimed[job.MaterialID] = true
		}
	}

	materials, err := c.store.Materials.List(ctx, wf.ID)
	if err != nil {
		c.log.Warn("Failed to list materials", "workflow", wf.ID, "error", err)
		materials = nil
	}
	for _, m := range materials {
		if claimed[m.ID] || m.CurrentJobID != "" {
			continue
		}
		switch m.Status {
		case domain.MaterialStatusPending, domain.MaterialStatusCompletedStage:
		case domain.MaterialStatusBlacklisted:
			// Expired entries were swept above; a remaining entry still
			// suppresses the material.
			if entry, err := c.store.Blacklist.Get(ctx, wf.ID, m.ID); err != nil || entry != nil {
				continue
			}
		default:
			continue
		}
		if m.StageIndex >= len(wf.Stages) {
			continue
		}
		spec := wf.Stages[m.StageIndex]
		candidates = append(candidates, domain.JobRequest{
			WorkflowID: wf.ID,
			MaterialID: m.ID,
			Stage:      spec.Name,
			Attempt:    1,
			Resources:  spec.Resources,
			Params:     spec.Params,
		})
	}

	if len(candidates) > 0 {
		results, err := c.controller.SubmitReady(ctx, candidates)
		if err != nil {
			c.log.Error("Submission sweep failed", "workflow", wf.ID, "error", err)
			return
		}

		submitted := 0
		for i, r := range results {
			if r.Submitted {
				submitted++
				continue
			}
			// Deferred queue-origin candidates go back so their transformed
			// parameters survive to the next sweep. Stage candidates are
			// re-derived from the material, so they need no requeue.
			if i < nQueued && r.JobID == "" {
				if err := c.queue.Push(ctx, r.Request); err != nil {
					c.log.Warn("Failed to requeue deferred candidate", "error", err)
				}
			}
		}
		if submitted > 0 {
			c.log.Info("Submission sweep", "workflow", wf.ID,
				"submitted", submitted, "candidates", len(candidates))
		}
	}

	if active, err := c.store.Jobs.CountActive(ctx, wf.ID); err == nil {
		metrics.ActiveJobs.WithLabelValues(wf.ID).Set(float64(active))
	}
}

// reconcile settles jobs the callback path cannot reach: submissions that
// never got a scheduler acknowledgment, and acknowledged jobs whose
// completion callback was lost.
func (c *Conductor) reconcile(ctx context.Context, workflowID string, now time.Time) {
	c.reconcileUnacknowledged(ctx, workflowID, now)
	c.reconcileStale(ctx, workflowID, now)
}

// reconcileUnacknowledged handles jobs committed without an external ID.
// They cannot be queried, so after a grace period they are treated like
// cancellations: the slot is freed and the work is requeued without
// consuming recovery budget.
func (c *Conductor) reconcileUnacknowledged(ctx context.Context, workflowID string, now time.Time) {
	orphans, err := c.store.Jobs.ListUnacknowledged(ctx, workflowID)
	if err != nil {
		c.log.Warn("Reconcile listing failed", "workflow", workflowID, "error", err)
		return
	}

	grace := 2 * c.cfg.Engine.PollInterval
	for _, job := range orphans {
		if now.Sub(job.SubmittedAt) < grace {
			continue
		}
		c.log.Warn("Reconciling unacknowledged job",
			"workflow", workflowID, "job", job.ID, "submitted_at", job.SubmittedAt)
		err := c.dispatcher.OnJobUpdate(ctx, dispatch.Completion{
			WorkflowID: workflowID,
			JobID:      job.ID,
			Status:     domain.JobStatusCancelled,
		})
		if err != nil {
			c.log.Error("Failed to reconcile job", "workflow", workflowID, "job", job.ID, "error", err)
		}
	}
}

// reconcileStale queries the scheduler for acknowledged jobs whose callback
// never arrived and settles them with the scheduler's answer.
func (c *Conductor) reconcileStale(ctx context.Context, workflowID string, now time.Time) {
	staleAfter := 10 * c.cfg.Engine.PollInterval
	stale, err := c.store.Jobs.ListStale(ctx, workflowID, now.Add(-staleAfter))
	if err != nil {
		c.log.Warn("Stale job listing failed", "workflow", workflowID, "error", err)
		return
	}

	for _, job := range stale {
		state, err := c.sched.Query(ctx, job.ExternalID)
		if err != nil {
			c.log.Warn("Scheduler query failed",
				"workflow", workflowID, "job", job.ID, "error", err)
			continue
		}

		var status domain.JobStatus
		switch state {
		case scheduler.StateCompleted:
			status = domain.JobStatusSucceeded
		case scheduler.StateFailed:
			status = domain.JobStatusFailed
		case scheduler.StateCancelled, scheduler.StateUnknown:
			// Unknown means the scheduler no longer tracks the job.
			status = domain.JobStatusCancelled
		default:
			// Still pending or running; the callback will come.
			continue
		}

		c.log.Warn("Settling job with missed callback",
			"workflow", workflowID, "job", job.ID, "external_id", job.ExternalID, "state", state)
		err = c.dispatcher.OnJobUpdate(ctx, dispatch.Completion{
			WorkflowID: workflowID,
			JobID:      job.ID,
			Status:     status,
		})
		if err != nil {
			c.log.Error("Failed to settle job",
				"workflow", workflowID, "job", job.ID, "error", err)
		}
	}
}
