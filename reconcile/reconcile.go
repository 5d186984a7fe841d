// Package reconcile implements the background sweep of §5: recovering
// lost-enqueue blocks, failing deadline-expired tasks, and nudging projects
// whose blocks have all settled but whose status hasn't caught up. Adapted
// from the teacher's worker.Pool ticker-driven loop shape, generalized from
// a single job-claim loop to the three-part sweep named in the
// specification's concurrency model.
package reconcile

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/dispatch"
	"github.com/mounirjaouhari/workflow-engine/driver"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/store"
)

// Reconciler runs the periodic sweep. Checkpoint is optional: a nil
// Checkpoint disables cross-restart watermark durability without otherwise
// changing behavior (every sweep still runs against live repository state).
type Reconciler struct {
	Repo       store.Repository
	Queue      dispatch.Queue
	Driver     *driver.Driver
	Interval   time.Duration
	Checkpoint *Checkpoint
	Log        *logrus.Entry

	now func() int64 // overridable for tests
}

func New(repo store.Repository, queue dispatch.Queue, d *driver.Driver, interval time.Duration, checkpoint *Checkpoint, log *logrus.Entry) *Reconciler {
	return &Reconciler{
		Repo: repo, Queue: queue, Driver: d, Interval: interval, Checkpoint: checkpoint, Log: log,
		now: func() int64 { return time.Now().Unix() },
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.Log.WithError(err).Error("reconcile sweep failed")
			}
		}
	}
}

// Sweep runs the three-part scan once: lost enqueues, expired in-progress
// tasks, and stuck project completion detection.
func (r *Reconciler) Sweep(ctx context.Context) error {
	start := time.Now()

	recovered, err := r.recoverLostEnqueues(ctx)
	if err != nil {
		return err
	}
	expired, err := r.failExpiredTasks(ctx)
	if err != nil {
		return err
	}
	checked, err := r.nudgeStuckProjects(ctx)
	if err != nil {
		return err
	}

	r.logSummary(recovered, expired, checked, start)

	if r.Checkpoint != nil {
		return r.Checkpoint.RecordSweep(r.now())
	}
	return nil
}

// logSummary renders the sweep's counters in the human-readable form the
// teacher's CLI-facing log lines use (durations and counts via humanize),
// rather than raw machine units, since this line is read by an operator
// watching the daemon's logs, not parsed by a downstream system.
func (r *Reconciler) logSummary(recovered, expired, checked int, started time.Time) {
	r.Log.WithFields(logrus.Fields{
		"recovered": humanize.Comma(int64(recovered)),
		"expired":   humanize.Comma(int64(expired)),
		"projects":  humanize.Comma(int64(checked)),
		"started":   humanize.Time(started),
	}).Info("reconcile: sweep complete")
}

// statesImplyingInFlightTask are the block states that must always have a
// corresponding pending/in_progress task row; the absence of one means the
// enqueue was lost (process crash between commit and enqueue).
var statesImplyingInFlightTask = []string{
	string(blockfsm.StateGenerationInProgress),
	string(blockfsm.StateQCInProgress),
	string(blockfsm.StateRefinementInProgress),
}

func (r *Reconciler) recoverLostEnqueues(ctx context.Context) (int, error) {
	orphans, err := r.Repo.ListOrphanedForStates(ctx, statesImplyingInFlightTask)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, orphan := range orphans {
		block, err := r.Repo.GetBlock(ctx, orphan.BlockID)
		if err != nil {
			r.Log.WithError(err).WithField("block_id", orphan.BlockID).Warn("reconcile: orphaned block vanished before re-enqueue")
			continue
		}
		version, err := r.Repo.GetVersion(ctx, block.VersionID)
		if err != nil {
			r.Log.WithError(err).WithField("block_id", orphan.BlockID).Warn("reconcile: orphaned block's version vanished before re-enqueue")
			continue
		}
		task := taskForInFlightState(block, version.ProjectID)
		if task == nil {
			continue
		}
		if _, err := r.Queue.Enqueue(ctx, task); err != nil {
			return recovered, err
		}
		recovered++
		r.Log.WithField("block_id", block.ID).WithField("status", block.Status).Info("reconcile: recovered lost enqueue")
	}
	return recovered, nil
}

func taskForInFlightState(b *model.ContentBlock, projectID string) *model.WorkflowTask {
	switch b.Status {
	case blockfsm.StateGenerationInProgress:
		return &model.WorkflowTask{
			TaskID:         uuid.NewString(),
			ProjectID:      projectID,
			BlockID:        b.ID,
			TaskType:       model.TaskTypeGenerateBlock,
			Parameters:     model.GenerateBlockParams{BlockID: b.ID, SlotID: b.SlotID, BlockType: b.BlockType},
			Priority:       8,
			IdempotencyKey: model.BlockIdempotencyKey(b.ID, string(blockfsm.EventGenerateStarted), b.RefinementAttempts),
			CreatedAt:      time.Now(),
		}
	case blockfsm.StateQCInProgress:
		return &model.WorkflowTask{
			TaskID:         uuid.NewString(),
			ProjectID:      projectID,
			BlockID:        b.ID,
			TaskType:       model.TaskTypeRunQC,
			Parameters:     model.RunQCParams{BlockID: b.ID, Content: b.Content},
			Priority:       7,
			IdempotencyKey: model.BlockIdempotencyKey(b.ID, string(blockfsm.EventQCStarted), b.RefinementAttempts),
			CreatedAt:      time.Now(),
		}
	case blockfsm.StateRefinementInProgress:
		return &model.WorkflowTask{
			TaskID:         uuid.NewString(),
			ProjectID:      projectID,
			BlockID:        b.ID,
			TaskType:       model.TaskTypeRefineBlock,
			Parameters:     model.RefineBlockParams{PredecessorBlockID: b.PredecessorID, NewBlockID: b.ID, Attempt: b.RefinementAttempts},
			Priority:       6,
			IdempotencyKey: model.BlockIdempotencyKey(b.PredecessorID, string(blockfsm.EventRefinementStarted), b.RefinementAttempts),
			CreatedAt:      time.Now(),
		}
	default:
		return nil
	}
}

func (r *Reconciler) failExpiredTasks(ctx context.Context) (int, error) {
	expired, err := r.Repo.ListInProgressPastDeadline(ctx, r.now())
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		if _, err := r.Repo.CompleteTask(ctx, t.TaskID, store.TaskOutcome{Success: false, ErrorMessage: "timeout", ErrorKind: "timeout"}); err != nil {
			return 0, err
		}
		if err := r.Queue.Complete(ctx, t.TaskID, dispatch.Outcome{Success: false, Retryable: true, ErrorMessage: "timeout"}); err != nil {
			return 0, err
		}
		r.Log.WithField("task_id", t.TaskID).Warn("reconcile: task timed out past deadline")
	}
	return len(expired), nil
}

func (r *Reconciler) nudgeStuckProjects(ctx context.Context) (int, error) {
	projects, err := r.Repo.ListActiveProjects(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		if err := r.Driver.ReconcileProjectCompletion(ctx, p); err != nil {
			r.Log.WithError(err).WithField("project_id", p.ID).Warn("reconcile: completion check failed")
		}
	}
	return len(projects), nil
}
