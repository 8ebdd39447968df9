package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matsci-hpc/conductor/internal/core/domain"
	"github.com/matsci-hpc/conductor/internal/infra/storage"
)

// MemoryStorage keeps every record in process memory. It backs unit tests and
// database-less runs. All maps are keyed by workflow ID first, so two
// workflows never observe each other's records.
type MemoryStorage struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
	materials map[string]map[string]*domain.Material       // workflowID -> materialID
	jobs      map[string]map[string]*domain.Job            // workflowID -> jobID
	attempts  map[string][]*domain.RecoveryAttempt         // workflowID -> append-only log
	blacklist map[string]map[string]*domain.BlacklistEntry // workflowID -> materialID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]*domain.Workflow),
		materials: make(map[string]map[string]*domain.Material),
		jobs:      make(map[string]map[string]*domain.Job),
		attempts:  make(map[string][]*domain.RecoveryAttempt),
		blacklist: make(map[string]map[string]*domain.BlacklistEntry),
	}
}

// NewStore returns the full repository bundle backed by one MemoryStorage.
func NewStore() *storage.Store {
	s := NewMemoryStorage()
	return &storage.Store{
		Workflows: NewWorkflowRepo(s),
		Materials: NewMaterialRepo(s),
		Jobs:      NewJobRepo(s),
		Attempts:  NewAttemptRepo(s),
		Blacklist: NewBlacklistRepo(s),
	}
}

// -----------------------------------------------------------------------------
// Workflow Repository
// -----------------------------------------------------------------------------

type WorkflowRepo struct {
	store *MemoryStorage
}

func NewWorkflowRepo(store *MemoryStorage) *WorkflowRepo {
	return &WorkflowRepo{store: store}
}

func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	cp := *wf
	r.store.workflows[wf.ID] = &cp
	return nil
}

func (r *WorkflowRepo) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	wf, ok := r.store.workflows[workflowID]
	if !ok {
		return nil, storage.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (r *WorkflowRepo) List(ctx context.Context) ([]*domain.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Workflow, 0, len(r.store.workflows))
	for _, wf := range r.store.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *WorkflowRepo) Archive(ctx context.Context, workflowID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	wf, ok := r.store.workflows[workflowID]
	if !ok {
		return storage.ErrWorkflowNotFound
	}
	wf.Status = domain.WorkflowStatusArchived
	return nil
}

// -----------------------------------------------------------------------------
// Material Repository
// -----------------------------------------------------------------------------

type MaterialRepo struct {
	store *MemoryStorage
}

func NewMaterialRepo(store *MemoryStorage) *MaterialRepo {
	return &MaterialRepo{store: store}
}

func (r *MaterialRepo) Create(ctx context.Context, m *domain.Material) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	mats, ok := r.store.materials[m.WorkflowID]
	if !ok {
		mats = make(map[string]*domain.Material)
		r.store.materials[m.WorkflowID] = mats
	}
	cp := *m
	mats[m.ID] = &cp
	return nil
}

func (r *MaterialRepo) Get(ctx context.Context, workflowID, materialID string) (*domain.Material, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.materials[workflowID][materialID]
	if !ok {
		return nil, storage.ErrMaterialNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MaterialRepo) List(ctx context.Context, workflowID string) ([]*domain.Material, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Material
	for _, m := range r.store.materials[workflowID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MaterialRepo) Update(ctx context.Context, m *domain.Material) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cur, ok := r.store.materials[m.WorkflowID][m.ID]
	if !ok {
		return storage.ErrMaterialNotFound
	}
	if cur.Version != m.Version {
		return storage.ErrVersionConflict
	}
	cp := *m
	cp.Version = m.Version + 1
	cp.UpdatedAt = time.Now()
	r.store.materials[m.WorkflowID][m.ID] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	jobs, ok := r.store.jobs[job.WorkflowID]
	if !ok {
		jobs = make(map[string]*domain.Job)
		r.store.jobs[job.WorkflowID] = jobs
	}
	cp := *job
	jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) Get(ctx context.Context, workflowID, jobID string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	j, ok := r.store.jobs[workflowID][jobID]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) GetByExternalID(ctx context.Context, workflowID, externalID string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, j := range r.store.jobs[workflowID] {
		if j.ExternalID == externalID && externalID != "" {
			cp := *j
			return &cp, nil
		}
	}
	return nil, storage.ErrJobNotFound
}

func (r *JobRepo) SetExternalID(ctx context.Context, workflowID, jobID, externalID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[workflowID][jobID]
	if !ok {
		return storage.ErrJobNotFound
	}
	j.ExternalID = externalID
	return nil
}

func (r *JobRepo) UpdateStatus(ctx context.Context, workflowID, jobID string, status domain.JobStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[workflowID][jobID]
	if !ok {
		return storage.ErrJobNotFound
	}
	j.Status = status
	if status.Terminal() {
		j.FinishedAt = time.Now()
	}
	return nil
}

func (r *JobRepo) ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.store.jobs[workflowID] {
		if j.MaterialID == materialID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (r *JobRepo) CountActive(ctx context.Context, workflowID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, j := range r.store.jobs[workflowID] {
		if j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) ListUnacknowledged(ctx context.Context, workflowID string) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.store.jobs[workflowID] {
		if j.ExternalID == "" && j.Status == domain.JobStatusQueued {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *JobRepo) ListStale(ctx context.Context, workflowID string, before time.Time) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.store.jobs[workflowID] {
		if j.ExternalID == "" {
			continue
		}
		if j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusRunning {
			continue
		}
		if j.SubmittedAt.Before(before) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Recovery Attempt Repository (append-only)
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Add(ctx context.Context, a *domain.RecoveryAttempt) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *a
	r.store.attempts[a.WorkflowID] = append(r.store.attempts[a.WorkflowID], &cp)
	return nil
}

func (r *AttemptRepo) CountByMaterialKind(ctx context.Context, workflowID, materialID string, kind domain.ErrorKind) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, a := range r.store.attempts[workflowID] {
		if a.MaterialID == materialID && a.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (r *AttemptRepo) CountByMaterialSince(ctx context.Context, workflowID, materialID string, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, a := range r.store.attempts[workflowID] {
		if a.MaterialID == materialID && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *AttemptRepo) ListByMaterial(ctx context.Context, workflowID, materialID string) ([]*domain.RecoveryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RecoveryAttempt
	for _, a := range r.store.attempts[workflowID] {
		if a.MaterialID == materialID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *AttemptRepo) CountByOutcomeSince(ctx context.Context, workflowID string, since time.Time) (map[domain.AttemptOutcome]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.AttemptOutcome]int)
	for _, a := range r.store.attempts[workflowID] {
		if a.CreatedAt.After(since) {
			out[a.Outcome]++
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Blacklist Repository
// -----------------------------------------------------------------------------

type BlacklistRepo struct {
	store *MemoryStorage
}

func NewBlacklistRepo(store *MemoryStorage) *BlacklistRepo {
	return &BlacklistRepo{store: store}
}

func (r *BlacklistRepo) Put(ctx context.Context, e *domain.BlacklistEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	entries, ok := r.store.blacklist[e.WorkflowID]
	if !ok {
		entries = make(map[string]*domain.BlacklistEntry)
		r.store.blacklist[e.WorkflowID] = entries
	}
	cp := *e
	entries[e.MaterialID] = &cp
	return nil
}

func (r *BlacklistRepo) Get(ctx context.Context, workflowID, materialID string) (*domain.BlacklistEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.blacklist[workflowID][materialID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *BlacklistRepo) Delete(ctx context.Context, workflowID, materialID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.blacklist[workflowID], materialID)
	return nil
}

func (r *BlacklistRepo) DeleteExpired(ctx context.Context, workflowID string, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, e := range r.store.blacklist[workflowID] {
		if e.Expired(now) {
			delete(r.store.blacklist[workflowID], id)
			n++
		}
	}
	return n, nil
}
