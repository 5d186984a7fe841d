// Package dispatch is the Task Dispatcher (component C): five logical
// priority queues (generation, qc, refine, assemble, export) with
// idempotency-key de-duplication and a bounded, backed-off retry policy.
// Adapted from the teacher's queue/redis/queue.go (Redis sorted-set
// processing/deadline tracking) and worker/pool.go (generic worker pool
// consuming a Queue), generalized from a single job queue to five typed
// queues sharing one idempotency and retry policy.
package dispatch

import (
	"context"
	"time"

	"github.com/mounirjaouhari/workflow-engine/model"
)

// Queue is the dispatcher's own abstraction over its backing transport,
// mirroring the teacher's worker.Queue interface (Dequeue/Enqueue/
// MarkProcessing/CompleteJob/FailJob) generalized to typed, prioritized
// WorkflowTasks instead of opaque jobs.
type Queue interface {
	// Enqueue admits t into its task-type's logical queue honoring §4.3's
	// idempotency rule: a duplicate IdempotencyKey already pending/in_progress
	// is silently absorbed and the existing task is returned unchanged.
	Enqueue(ctx context.Context, t *model.WorkflowTask) (*model.WorkflowTask, error)
	// Claim blocks (up to the given timeout) for the next task in queueName,
	// returns nil if none arrived before the deadline.
	Claim(ctx context.Context, queueName string, timeout time.Duration) (*model.WorkflowTask, error)
	// Complete marks a claimed task done: success clears it from the
	// processing set; failure either requeues (transient, attempts
	// remaining) or finalizes as failed.
	Complete(ctx context.Context, taskID string, outcome Outcome) error
	// Cancel marks every pending/in_progress task belonging to projectID as
	// cancelled, per §4.3's cancellation rule: pending tasks are dropped at
	// claim time, in-progress tasks run to completion but their results are
	// discarded by Intake (driver checks project status before committing).
	Cancel(ctx context.Context, projectID string) error
}

// Outcome is what a worker (or the dispatcher's own deadline sweep) reports
// for a claimed task.
type Outcome struct {
	Success      bool
	Retryable    bool // transient failure per workflowerr.IsRetryable
	ErrorMessage string
}

// QueueNameFor maps a TaskType to its logical queue name. The five logical
// queues named in §4.3 map one-to-one onto TaskType values today; this
// indirection exists so a future queue consolidation doesn't ripple through
// every call site.
func QueueNameFor(t model.TaskType) string { return string(t) }
