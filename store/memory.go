package store

import (
	"context"
	"sync"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

// MemoryRepository is an in-memory Repository used by package tests across
// driver, intake and reconcile and by the end-to-end tests — the same role testify/mock fakes
// play in the teacher's test suite, but implemented as a real (if
// non-durable) store so optimistic-concurrency semantics are exercised
// faithfully rather than stubbed.
type MemoryRepository struct {
	mu       sync.Mutex
	projects map[string]*model.Project
	blocks   map[string]*model.ContentBlock
	versions map[string]*model.DocumentVersion
	tasks    map[string]*model.WorkflowTask
	byKey    map[string]string // idempotency key -> task id, for pending/in_progress tasks
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: map[string]*model.Project{},
		blocks:   map[string]*model.ContentBlock{},
		versions: map[string]*model.DocumentVersion{},
		tasks:    map[string]*model.WorkflowTask{},
		byKey:    map[string]string{},
	}
}

func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, workflowerr.NotFound("store.GetProject", "project "+id+" not found")
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) CreateProject(ctx context.Context, p *model.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Version = 1
	cp := *p
	r.projects[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateProject(ctx context.Context, id string, delta ProjectDelta, expectedVersion int64) (*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, workflowerr.NotFound("store.UpdateProject", "project "+id+" not found")
	}
	if p.Version != expectedVersion {
		return nil, workflowerr.Conflict("store.UpdateProject", "stale_update: expected_version mismatch for project "+id)
	}
	if delta.Status != nil {
		p.Status = *delta.Status
	}
	if delta.CurrentStep != nil {
		p.CurrentStep = *delta.CurrentStep
	}
	p.Version++
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListActiveProjects(ctx context.Context) ([]*model.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Project
	for _, p := range r.projects {
		if p.Status.IsTerminal() {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) GetBlock(ctx context.Context, id string) (*model.ContentBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	if !ok {
		return nil, workflowerr.NotFound("store.GetBlock", "block "+id+" not found")
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) CreateBlock(ctx context.Context, b *model.ContentBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.Version = 1
	cp := *b
	r.blocks[b.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateBlock(ctx context.Context, id string, delta BlockDelta, expectedVersion int64) (*model.ContentBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	if !ok {
		return nil, workflowerr.NotFound("store.UpdateBlock", "block "+id+" not found")
	}
	if b.Version != expectedVersion {
		return nil, workflowerr.Conflict("store.UpdateBlock", "stale_update: expected_version mismatch for block "+id)
	}
	if delta.Content != nil {
		b.Content = *delta.Content
	}
	if delta.SourceLLM != nil {
		b.SourceLLM = *delta.SourceLLM
	}
	if delta.QCReport != nil {
		b.QCReport = *delta.QCReport
	}
	if delta.Status != nil {
		b.Status = blockfsm.State(*delta.Status)
	}
	if delta.RefinementAttempts != nil {
		b.RefinementAttempts = *delta.RefinementAttempts
	}
	if delta.ErrorMessage != nil {
		b.ErrorMessage = *delta.ErrorMessage
	}
	b.Version++
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return nil, workflowerr.NotFound("store.GetVersion", "version "+id+" not found")
	}
	cp := *v
	return &cp, nil
}

func (r *MemoryRepository) CreateVersion(ctx context.Context, v *model.DocumentVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.Version = 1
	cp := *v
	r.versions[v.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListBlocksByVersion(ctx context.Context, versionID string, statusFilter BlockStatusFilter) ([]*model.ContentBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allowed := map[string]bool{}
	for _, s := range statusFilter {
		allowed[s] = true
	}
	var out []*model.ContentBlock
	for _, b := range r.blocks {
		if b.VersionID != versionID {
			continue
		}
		if len(allowed) > 0 && !allowed[string(b.Status)] {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) UpsertTask(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existingID, ok := r.byKey[t.IdempotencyKey]; ok {
		if existing, ok := r.tasks[existingID]; ok &&
			(existing.Status == model.TaskStatusPending || existing.Status == model.TaskStatusInProgress) {
			cp := *existing
			return &cp, nil
		} else if ok && existing.Status == model.TaskStatusFailed {
			t.Attempt = existing.Attempt + 1
		}
	}
	t.Status = model.TaskStatusPending
	cp := *t
	r.tasks[t.TaskID] = &cp
	r.byKey[t.IdempotencyKey] = t.TaskID
	return &cp, nil
}

func (r *MemoryRepository) ClaimTask(ctx context.Context, queue string, workerID string) (*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if string(t.TaskType) == queue && t.Status == model.TaskStatusPending {
			t.Status = model.TaskStatusInProgress
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) CompleteTask(ctx context.Context, taskID string, outcome TaskOutcome) (*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, workflowerr.NotFound("store.CompleteTask", "task "+taskID+" not found")
	}
	if outcome.Success {
		t.Status = model.TaskStatusCompleted
	} else {
		t.Status = model.TaskStatusFailed
		t.ErrorMessage = outcome.ErrorMessage
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, workflowerr.NotFound("store.GetTask", "task "+taskID+" not found")
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) ListOrphanedForStates(ctx context.Context, states []string) ([]*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := map[string]bool{}
	for _, s := range states {
		wanted[s] = true
	}

	hasInFlightTask := map[string]bool{}
	for _, t := range r.tasks {
		if t.Status == model.TaskStatusPending || t.Status == model.TaskStatusInProgress {
			hasInFlightTask[t.BlockID] = true
		}
	}

	var out []*model.WorkflowTask
	for _, b := range r.blocks {
		if !wanted[string(b.Status)] || hasInFlightTask[b.ID] {
			continue
		}
		out = append(out, &model.WorkflowTask{BlockID: b.ID})
	}
	return out, nil
}

func (r *MemoryRepository) ListInProgressPastDeadline(ctx context.Context, nowUnixS int64) ([]*model.WorkflowTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.WorkflowTask
	for _, t := range r.tasks {
		if t.Status == model.TaskStatusInProgress && t.DeadlineUnixS < nowUnixS {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
