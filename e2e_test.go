// End-to-end scenario tests driving the engine exactly the way a real
// deployment's Postgres LISTEN/NOTIFY ingress would: through intake.Intake
// and driver.Driver, never by poking repository state directly except to
// seed the initial project/version/block and to simulate the dispatcher
// claiming a task (the generate_started/qc_started/refinement_started leg,
// which is driven by the worker pool claiming work, not by intake).
package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/dispatch"
	"github.com/mounirjaouhari/workflow-engine/driver"
	"github.com/mounirjaouhari/workflow-engine/intake"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
	"github.com/mounirjaouhari/workflow-engine/policy"
	"github.com/mounirjaouhari/workflow-engine/store"
	"github.com/mounirjaouhari/workflow-engine/workflowerr"
)

type harness struct {
	in   *intake.Intake
	repo *store.MemoryRepository
	q    *dispatch.MemoryQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemoryRepository()
	q := dispatch.NewMemoryQueue(dispatch.DefaultRetryPolicy(time.Millisecond, 2, time.Second, 3, 5))
	pl := planner.New(func(ctx context.Context, id string) (*model.ContentBlock, error) {
		return repo.GetBlock(ctx, id)
	})
	d := &driver.Driver{
		Repo:       repo,
		Queue:      q,
		Supervised: policy.SupervisedPolicy{
			MaxRefinementAttempts: 5,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Autonomous: policy.AutonomousPolicy{
			MaxRefinementAttempts: 5,
			ValidationThreshold:   70,
			Planner:               pl,
			VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
				return repo.GetVersion(ctx, versionID)
			},
		},
		Log: logrus.NewEntry(logrus.New()),
	}
	return &harness{in: intake.New(d), repo: repo, q: q}
}

// seedProject creates a project with one version holding a single block,
// already placed in generation_in_progress as if the dispatcher had just
// claimed its generate_block task.
func (h *harness) seedProject(t *testing.T, mode model.Mode) (*model.Project, *model.ContentBlock) {
	t.Helper()
	ctx := context.Background()
	project := &model.Project{ID: "proj-1", Mode: mode, Status: model.ProjectStatusInProgress, CurrentStep: "ver-1"}
	require.NoError(t, h.repo.CreateProject(ctx, project))
	block := &model.ContentBlock{ID: "block-1", VersionID: "ver-1", SlotID: "slot-1", Status: blockfsm.StateGenerationInProgress}
	require.NoError(t, h.repo.CreateBlock(ctx, block))
	version := &model.DocumentVersion{
		ID:               "ver-1",
		ProjectID:        project.ID,
		ContentStructure: []model.StructuralSlot{{SlotID: "slot-1", BlockID: "block-1"}},
	}
	require.NoError(t, h.repo.CreateVersion(ctx, version))
	project, err := h.repo.GetProject(ctx, project.ID)
	require.NoError(t, err)
	return project, block
}

// forceStatus simulates the dispatcher claiming a task: it moves blockID
// directly to a "_in_progress" status without going through intake, the way
// the real worker pool would before posting back a result.
func (h *harness) forceStatus(t *testing.T, blockID string, to blockfsm.State) *model.ContentBlock {
	t.Helper()
	ctx := context.Background()
	b, err := h.repo.GetBlock(ctx, blockID)
	require.NoError(t, err)
	status := string(to)
	updated, err := h.repo.UpdateBlock(ctx, blockID, store.BlockDelta{Status: &status}, b.Version)
	require.NoError(t, err)
	return updated
}

// findSuccessor returns the block in ver-1 whose PredecessorID is predID.
func (h *harness) findSuccessor(t *testing.T, predID string) *model.ContentBlock {
	t.Helper()
	ctx := context.Background()
	blocks, err := h.repo.ListBlocksByVersion(ctx, "ver-1", nil)
	require.NoError(t, err)
	for _, b := range blocks {
		if b.PredecessorID == predID {
			return b
		}
	}
	return nil
}

// TestS1_AutonomousHappyPath drives one block through the full
// generation/QC/validation pipeline and on to completed_exported once
// assembly and export both report success.
func TestS1_AutonomousHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeAutonomous)

	res, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateQCPending, res.Block.Status)

	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	res, err = h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-qc", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeRunQC, Success: true,
		QCReport: &model.QCReport{OverallScore: 95, Status: model.QCStatusPassed},
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateValidated, res.Block.Status)
	require.Equal(t, model.ProjectStatusExportPending, res.Project.Status)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeAssembleDocument)))

	res, err = h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-assemble", ProjectID: "proj-1",
		TaskType: model.TaskTypeAssembleDocument, Success: true, ArtifactRef: "artifact-1",
	})
	require.NoError(t, err)
	require.Equal(t, model.ProjectStatusCompleted, res.Project.Status)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeExportDocument)))

	res, err = h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-export", ProjectID: "proj-1",
		TaskType: model.TaskTypeExportDocument, Success: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ProjectStatusCompletedExported, res.Project.Status)
}

// TestS2_AutonomousAutoRefinement exercises one failed QC pass below the
// refinement cap: a new block is created in the same slot, the original
// ends archived, and a refine_block task is enqueued.
func TestS2_AutonomousAutoRefinement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeAutonomous)

	_, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	res, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-qc-1", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeRunQC, Success: true,
		QCReport: &model.QCReport{OverallScore: 40, Status: model.QCStatusFailed,
			Problems: []model.Problem{{Type: model.ProblemMathError, Severity: model.SeverityMajor}}},
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateArchived, res.Block.Status)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeRefineBlock)))

	refinement := h.findSuccessor(t, block.ID)
	require.NotNil(t, refinement)
	require.Equal(t, 1, refinement.RefinementAttempts)
	require.Equal(t, "slot-1", refinement.SlotID)
	require.Equal(t, blockfsm.StateRefinementPending, refinement.Status)
}

// TestS3_AutonomousExhaustion drives six consecutive qc_failed outcomes (the
// original attempt plus five refinements); the final block must end in
// refinement_failed and the project in needs_manual_review, with no further
// task left enqueued for that slot.
func TestS3_AutonomousExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeAutonomous)

	_, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen-0", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	current := block
	for attempt := 0; attempt < 6; attempt++ {
		res, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
			TaskID: "t-qc-" + string(rune('a'+attempt)), ProjectID: "proj-1", BlockID: current.ID,
			TaskType: model.TaskTypeRunQC, Success: true,
			QCReport: &model.QCReport{OverallScore: 10, Status: model.QCStatusFailed},
		})
		require.NoError(t, err)

		if attempt < 5 {
			require.Equal(t, blockfsm.StateArchived, res.Block.Status)
			next := h.findSuccessor(t, current.ID)
			require.NotNil(t, next)

			// Take the refine_block task off the queue, as a worker's claim
			// would, before moving the block to refinement_in_progress.
			claimed, err := h.q.Claim(ctx, string(model.TaskTypeRefineBlock), 0)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			h.forceStatus(t, next.ID, blockfsm.StateRefinementInProgress)
			refRes, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
				TaskID: "t-refine-" + string(rune('a'+attempt)), ProjectID: "proj-1", BlockID: next.ID,
				TaskType: model.TaskTypeRefineBlock, Success: true,
			})
			require.NoError(t, err)
			require.Equal(t, blockfsm.StateQCPending, refRes.Block.Status)
			h.forceStatus(t, next.ID, blockfsm.StateQCInProgress)

			current, err = h.repo.GetBlock(ctx, next.ID)
			require.NoError(t, err)
		} else {
			require.Equal(t, blockfsm.StateRefinementFailed, res.Block.Status)
			require.Equal(t, model.ProjectStatusNeedsManualReview, res.Project.Status)
		}
	}

	require.Equal(t, 0, h.q.PendingCount(string(model.TaskTypeGenerateBlock)))
	require.Equal(t, 0, h.q.PendingCount(string(model.TaskTypeRefineBlock)))
}

// TestS4_SupervisedValidate parks a passed QC result for human input, then
// a user_validate signal settles the block without ever enqueuing assembly
// on its own (assembly only follows the project-level all_approved signal
// in supervised mode).
func TestS4_SupervisedValidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeSupervised)

	_, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	res, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-qc", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeRunQC, Success: true,
		QCReport: &model.QCReport{OverallScore: 85, Status: model.QCStatusPassed},
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StatePendingValidation, res.Block.Status)
	require.Equal(t, 0, h.q.PendingCount(string(model.TaskTypeAssembleDocument)))

	res, err = h.in.SubmitUserSignal(ctx, intake.UserSignal{
		SourceID: "sig-validate", ProjectID: "proj-1", BlockID: block.ID, Kind: intake.SignalValidate,
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateValidated, res.Block.Status)
}

// TestS4_SupervisedRedoEnqueuesRefinement follows the other branch out of
// pending_validation: user_redo archives the block and enqueues refinement.
func TestS4_SupervisedRedoEnqueuesRefinement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeSupervised)

	_, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	_, err = h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-qc", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeRunQC, Success: true,
		QCReport: &model.QCReport{OverallScore: 85, Status: model.QCStatusPassed},
	})
	require.NoError(t, err)

	res, err := h.in.SubmitUserSignal(ctx, intake.UserSignal{
		SourceID: "sig-redo", ProjectID: "proj-1", BlockID: block.ID, Kind: intake.SignalRedo,
		Feedback: &model.Feedback{ID: "fb-1", BlockID: block.ID, Source: model.FeedbackSourceUser, Text: "clarify step 2"},
	})
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateArchived, res.Block.Status)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeRefineBlock)))
}

// TestS5_InvalidSignalOnInProgressBlock asserts a redo sent while a block is
// still generating is rejected as invalid_transition and changes nothing.
func TestS5_InvalidSignalOnInProgressBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	project, _ := h.seedProject(t, model.ModeSupervised)

	stillGenerating := &model.ContentBlock{ID: "block-2", VersionID: "ver-1", SlotID: "slot-2", Status: blockfsm.StateGenerationInProgress}
	require.NoError(t, h.repo.CreateBlock(ctx, stillGenerating))

	_, err := h.in.SubmitUserSignal(ctx, intake.UserSignal{
		SourceID: "sig-bad-redo", ProjectID: "proj-1", BlockID: stillGenerating.ID, Kind: intake.SignalRedo,
	})
	require.Error(t, err)
	kind, ok := workflowerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, workflowerr.KindInvalidTransition, kind)

	reloaded, err := h.repo.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, project.Status, reloaded.Status)
	unchanged, err := h.repo.GetBlock(ctx, stillGenerating.ID)
	require.NoError(t, err)
	require.Equal(t, blockfsm.StateGenerationInProgress, unchanged.Status)
}

// TestS6_DuplicateWorkerCompletion delivers the same task_completion twice;
// the second delivery must return the cached first result rather than
// re-driving the FSM (no double refinement, no double commit).
func TestS6_DuplicateWorkerCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, block := h.seedProject(t, model.ModeAutonomous)

	_, err := h.in.SubmitTaskResult(ctx, intake.TaskOutcome{
		TaskID: "t-gen", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeGenerateBlock, Success: true,
	})
	require.NoError(t, err)
	h.forceStatus(t, block.ID, blockfsm.StateQCInProgress)

	outcome := intake.TaskOutcome{
		TaskID: "t-qc-dup", ProjectID: "proj-1", BlockID: block.ID,
		TaskType: model.TaskTypeRunQC, Success: true,
		QCReport: &model.QCReport{OverallScore: 40, Status: model.QCStatusFailed},
	}
	first, err := h.in.SubmitTaskResult(ctx, outcome)
	require.NoError(t, err)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeRefineBlock)))

	second, err := h.in.SubmitTaskResult(ctx, outcome)
	require.NoError(t, err)
	require.Equal(t, first.Block.Status, second.Block.Status)
	require.Equal(t, first.Block.Version, second.Block.Version)
	require.Equal(t, 1, h.q.PendingCount(string(model.TaskTypeRefineBlock)), "duplicate delivery must not enqueue a second refinement")
}
