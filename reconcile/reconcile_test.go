package reconcile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/dispatch"
	"github.com/mounirjaouhari/workflow-engine/driver"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
	"github.com/mounirjaouhari/workflow-engine/policy"
	"github.com/mounirjaouhari/workflow-engine/reconcile"
	"github.com/mounirjaouhari/workflow-engine/store"
)

func newTestReconciler(t *testing.T, repo *store.MemoryRepository, q *dispatch.MemoryQueue) *reconcile.Reconciler {
	t.Helper()
	pl := planner.New(func(ctx context.Context, id string) (*model.ContentBlock, error) {
		return repo.GetBlock(ctx, id)
	})
	d := &driver.Driver{
		Repo:       repo,
		Queue:      q,
		Supervised: policy.SupervisedPolicy{
			MaxRefinementAttempts: 3,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Autonomous: policy.AutonomousPolicy{
			MaxRefinementAttempts: 3,
			ValidationThreshold:   70,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Log: logrus.NewEntry(logrus.New()),
	}
	cp, err := reconcile.OpenCheckpoint(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })

	return reconcile.New(repo, q, d, time.Minute, cp, logrus.NewEntry(logrus.New()))
}

func TestSweep_RecoversLostEnqueue(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	q := dispatch.NewMemoryQueue(dispatch.DefaultRetryPolicy(time.Millisecond, 2, time.Second, 3, 3))
	r := newTestReconciler(t, repo, q)

	version := &model.DocumentVersion{ID: "ver-1", ProjectID: "proj-1"}
	require.NoError(t, repo.CreateVersion(ctx, version))
	block := &model.ContentBlock{ID: "block-1", VersionID: "ver-1", SlotID: "slot-1", Status: blockfsm.StateGenerationInProgress}
	require.NoError(t, repo.CreateBlock(ctx, block))

	require.NoError(t, r.Sweep(ctx))
	require.Equal(t, 1, q.PendingCount(string(model.TaskTypeGenerateBlock)))

	ts, err := r.Checkpoint.LastSweep()
	require.NoError(t, err)
	require.NotZero(t, ts)
}

func TestSweep_DoesNotReenqueueWhenTaskAlreadyInFlight(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	q := dispatch.NewMemoryQueue(dispatch.DefaultRetryPolicy(time.Millisecond, 2, time.Second, 3, 3))
	r := newTestReconciler(t, repo, q)

	version := &model.DocumentVersion{ID: "ver-1", ProjectID: "proj-1"}
	require.NoError(t, repo.CreateVersion(ctx, version))
	block := &model.ContentBlock{ID: "block-1", VersionID: "ver-1", SlotID: "slot-1", Status: blockfsm.StateQCInProgress}
	require.NoError(t, repo.CreateBlock(ctx, block))

	_, err := repo.UpsertTask(ctx, &model.WorkflowTask{
		TaskID:         "already-running",
		BlockID:        block.ID,
		TaskType:       model.TaskTypeRunQC,
		IdempotencyKey: model.BlockIdempotencyKey(block.ID, string(blockfsm.EventQCStarted), 0),
	})
	require.NoError(t, err)

	require.NoError(t, r.Sweep(ctx))
	require.Equal(t, 0, q.PendingCount(string(model.TaskTypeRunQC)))
}

func TestSweep_FailsExpiredInProgressTasks(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	q := dispatch.NewMemoryQueue(dispatch.DefaultRetryPolicy(time.Millisecond, 2, time.Second, 3, 3))
	r := newTestReconciler(t, repo, q)

	task := &model.WorkflowTask{
		TaskID:         "task-1",
		TaskType:       model.TaskTypeGenerateBlock,
		IdempotencyKey: "k1",
		DeadlineUnixS:  time.Now().Add(-time.Hour).Unix(),
	}
	_, err := repo.UpsertTask(ctx, task)
	require.NoError(t, err)
	_, err = repo.ClaimTask(ctx, string(task.TaskType), "worker-1")
	require.NoError(t, err)

	// The dispatch queue carries the same task through its own
	// enqueue/claim bookkeeping so its retry policy can act on the timeout.
	_, err = q.Enqueue(ctx, task)
	require.NoError(t, err)
	_, err = q.Claim(ctx, string(task.TaskType), time.Second)
	require.NoError(t, err)

	require.NoError(t, r.Sweep(ctx))

	final, err := repo.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, final.Status)
}

func TestSweep_NudgesStuckProjectToExportPending(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	q := dispatch.NewMemoryQueue(dispatch.DefaultRetryPolicy(time.Millisecond, 2, time.Second, 3, 3))
	r := newTestReconciler(t, repo, q)

	project := &model.Project{ID: "proj-1", Mode: model.ModeAutonomous, Status: model.ProjectStatusInProgress, CurrentStep: "ver-1"}
	require.NoError(t, repo.CreateProject(ctx, project))
	version := &model.DocumentVersion{
		ID:               "ver-1",
		ProjectID:        "proj-1",
		ContentStructure: []model.StructuralSlot{{SlotID: "slot-1", BlockID: "block-1"}},
	}
	require.NoError(t, repo.CreateVersion(ctx, version))
	block := &model.ContentBlock{ID: "block-1", VersionID: "ver-1", SlotID: "slot-1", Status: blockfsm.StateValidated}
	require.NoError(t, repo.CreateBlock(ctx, block))

	require.NoError(t, r.Sweep(ctx))

	updated, err := repo.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, model.ProjectStatusExportPending, updated.Status)
}
