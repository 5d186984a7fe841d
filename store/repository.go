// Package store is the State Store Adapter (component A): a repository
// contract with optimistic-locked updates for projects, blocks, versions and
// tasks, adapted from the teacher's db/repository/interfaces.go (interface
// segregation per aggregate) and db/state_store.go (conditional
// WHERE ... AND version = $N updates checking RowsAffected for optimistic
// concurrency).
package store

import (
	"context"

	"github.com/mounirjaouhari/workflow-engine/model"
)

// BlockStatusFilter narrows list_blocks_by_version to blocks in any of the
// given statuses; nil/empty means no filter.
type BlockStatusFilter []string

// ProjectRepository covers get/update for Project, per §4.1.
type ProjectRepository interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	// UpdateProject applies delta with optimistic concurrency: the update
	// only takes effect if the stored row's Version equals expectedVersion.
	// On mismatch it returns a workflowerr.Error with Kind=conflict
	// (surfaced to callers as stale_update).
	UpdateProject(ctx context.Context, id string, delta ProjectDelta, expectedVersion int64) (*model.Project, error)
	CreateProject(ctx context.Context, p *model.Project) error
	// ListActiveProjects returns every project not yet in a terminal status,
	// for the reconciler's completion-detection sweep (§5).
	ListActiveProjects(ctx context.Context) ([]*model.Project, error)
}

// ProjectDelta is a sparse set of Project field updates; nil pointer fields
// are left unchanged.
type ProjectDelta struct {
	Status      *model.ProjectStatus
	CurrentStep *string
}

// BlockRepository covers get/update/create for ContentBlock, per §4.1.
type BlockRepository interface {
	GetBlock(ctx context.Context, id string) (*model.ContentBlock, error)
	UpdateBlock(ctx context.Context, id string, delta BlockDelta, expectedVersion int64) (*model.ContentBlock, error)
	CreateBlock(ctx context.Context, b *model.ContentBlock) error
}

// BlockDelta is a sparse set of ContentBlock field updates.
type BlockDelta struct {
	Content            *string
	SourceLLM          *string
	QCReport           **model.QCReport
	Status              *string // blockfsm.State, kept as string to avoid an import here
	RefinementAttempts *int
	ErrorMessage        *string
}

// VersionRepository covers get_version and list_blocks_by_version, per §4.1.
type VersionRepository interface {
	GetVersion(ctx context.Context, id string) (*model.DocumentVersion, error)
	ListBlocksByVersion(ctx context.Context, versionID string, statusFilter BlockStatusFilter) ([]*model.ContentBlock, error)
	CreateVersion(ctx context.Context, v *model.DocumentVersion) error
}

// TaskRepository covers upsert_task, claim_task and complete_task, per
// §4.1 and §4.3's idempotency requirement.
type TaskRepository interface {
	// UpsertTask inserts a new task or, if one with the same IdempotencyKey
	// is already pending or in_progress, returns the existing row without
	// creating a duplicate (§4.3's "silently absorbed" rule). A
	// re-submission whose prior attempt failed is admitted and increments
	// Attempt.
	UpsertTask(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error)
	// ClaimTask atomically flips one pending task in queue to in_progress
	// and returns it, or returns (nil, nil) when the queue is empty.
	ClaimTask(ctx context.Context, queue string, workerID string) (*model.WorkflowTask, error)
	CompleteTask(ctx context.Context, taskID string, outcome TaskOutcome) (*model.WorkflowTask, error)
	GetTask(ctx context.Context, taskID string) (*model.WorkflowTask, error)
	// ListOrphanedForStates finds tasks that should exist for blocks currently in
	// one of the given states but have no pending/in_progress row — used by
	// the reconciler's lost-enqueue sweep.
	ListOrphanedForStates(ctx context.Context, states []string) ([]*model.WorkflowTask, error)
	ListInProgressPastDeadline(ctx context.Context, nowUnixS int64) ([]*model.WorkflowTask, error)
}

// TaskOutcome is the result a worker posts back through task_completion.
type TaskOutcome struct {
	Success      bool
	ErrorMessage string
	ErrorKind    string // mirrors workflowerr.Kind without importing it here
}

// Repository bundles every aggregate's repository into the single
// dependency injected into driver.Driver and reconcile.Reconciler, per the
// Design Note mandating explicit injected
// dependencies instead of module-level singletons.
type Repository interface {
	ProjectRepository
	BlockRepository
	VersionRepository
	TaskRepository
}
