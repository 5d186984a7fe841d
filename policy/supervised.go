package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
)

// SupervisedPolicy implements §4.5's supervised policy: every gate that
// autonomous mode would pass automatically instead parks the block for an
// explicit user_validate or user_redo signal.
type SupervisedPolicy struct {
	MaxRefinementAttempts int
	Planner               *planner.Planner
	// VersionLookup resolves a block's version for planner calls; used only
	// on the user_redo attempt-cap path, which must still hand the project
	// off to its next slot rather than stall it (§4.5).
	VersionLookup func(ctx context.Context, versionID string) (*model.DocumentVersion, error)
}

func (SupervisedPolicy) Mode() model.Mode { return model.ModeSupervised }

func (p SupervisedPolicy) Decide(ctx context.Context, in Input) (Effects, error) {
	switch in.Event {
	case blockfsm.EventGenerateSuccess:
		return Effects{Enqueue: []*model.WorkflowTask{runQCTask(in.Project.ID, in.Block)}}, nil

	case blockfsm.EventQCPassed:
		// Parked in pending_validation; no automatic enqueue (§4.5).
		return Effects{}, nil

	case blockfsm.EventQCFailed:
		// Parked awaiting user choice; supervised mode never auto-refines on
		// qc_failed (SPEC_FULL.md Open Question resolution #2).
		return Effects{}, nil

	case blockfsm.EventUserRedo:
		if in.Block.RefinementAttempts >= p.MaxRefinementAttempts {
			// Same rule as autonomous mode's exhausted qc_failed: fail this
			// block but keep the rest of the document moving.
			eff, err := p.advancePlanner(ctx, in.Project, in.Block)
			if err != nil {
				return Effects{}, err
			}
			eff.ExhaustRefinement = true
			return eff, nil
		}
		newBlock := newRefinementBlock(in.Block)
		return Effects{
			NewRefinementBlock: newBlock,
			Enqueue:            []*model.WorkflowTask{refineTask(in.Project.ID, in.Block, newBlock, in.Feedback)},
		}, nil

	default:
		return Effects{}, nil
	}
}

func (p SupervisedPolicy) advancePlanner(ctx context.Context, project *model.Project, block *model.ContentBlock) (Effects, error) {
	return advancePlanner(ctx, p.Planner, p.VersionLookup, project, block, p.OnAllApproved)
}

func (p SupervisedPolicy) OnAllApproved(ctx context.Context, project *model.Project, version *model.DocumentVersion) (Effects, error) {
	return Effects{
		TriggerAssembly: true,
		Enqueue: []*model.WorkflowTask{{
			TaskID:         uuid.NewString(),
			ProjectID:      project.ID,
			TaskType:       model.TaskTypeAssembleDocument,
			Parameters:     model.AssembleDocumentParams{VersionID: version.ID},
			Priority:       3,
			IdempotencyKey: model.VersionIdempotencyKey(version.ID, model.TaskTypeAssembleDocument),
			CreatedAt:      time.Now(),
		}},
	}, nil
}

func runQCTask(projectID string, b *model.ContentBlock) *model.WorkflowTask {
	return &model.WorkflowTask{
		TaskID:    uuid.NewString(),
		ProjectID: projectID,
		BlockID:   b.ID,
		TaskType:  model.TaskTypeRunQC,
		Parameters: model.RunQCParams{
			BlockID: b.ID,
			Content: b.Content,
		},
		Priority:       7,
		IdempotencyKey: model.BlockIdempotencyKey(b.ID, string(blockfsm.EventQCStarted), b.RefinementAttempts),
		CreatedAt:      time.Now(),
	}
}

func refineTask(projectID string, predecessor, newBlock *model.ContentBlock, feedback *model.Feedback) *model.WorkflowTask {
	guidance := ""
	if feedback != nil {
		guidance = feedback.Text
	} else if predecessor.QCReport != nil {
		guidance = guidanceFromQCReport(*predecessor.QCReport)
	}
	return &model.WorkflowTask{
		TaskID:    uuid.NewString(),
		ProjectID: projectID,
		BlockID:   newBlock.ID,
		TaskType:  model.TaskTypeRefineBlock,
		Parameters: model.RefineBlockParams{
			PredecessorBlockID: predecessor.ID,
			NewBlockID:         newBlock.ID,
			Guidance:           guidance,
			Attempt:            newBlock.RefinementAttempts,
		},
		Priority:       6,
		IdempotencyKey: model.BlockIdempotencyKey(predecessor.ID, string(blockfsm.EventRefinementStarted), newBlock.RefinementAttempts),
		CreatedAt:      time.Now(),
	}
}

func guidanceFromQCReport(r model.QCReport) string {
	var out string
	for _, p := range r.Problems {
		out += string(p.Type) + ": " + p.Description + "\n"
	}
	return out
}

// newRefinementBlock builds the successor ContentBlock per the mandated
// "new block per refinement attempt" resolution (SPEC_FULL.md Open
// Question #1): copies the structural slot, increments
// refinement_attempts, and references predecessor for archival bookkeeping.
// The Driver is responsible for actually persisting it and archiving
// predecessor in the same logical step.
func newRefinementBlock(predecessor *model.ContentBlock) *model.ContentBlock {
	return &model.ContentBlock{
		ID:                 uuid.NewString(),
		VersionID:          predecessor.VersionID,
		SlotID:             predecessor.SlotID,
		BlockType:          predecessor.BlockType,
		Status:             blockfsm.StateRefinementPending,
		RefinementAttempts: predecessor.RefinementAttempts + 1,
		PredecessorID:      predecessor.ID,
	}
}
