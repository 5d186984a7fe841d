package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
)

// AutonomousPolicy implements §4.5's autonomous policy: generation and QC
// drive forward without user input, gated purely on the QC score threshold
// and the refinement-attempt cap.
type AutonomousPolicy struct {
	MaxRefinementAttempts int
	ValidationThreshold   float64
	Planner               *planner.Planner
	// VersionLookup resolves a block's version for planner calls, avoiding a
	// direct store dependency in this package (policies stay pure/injectable).
	VersionLookup func(ctx context.Context, versionID string) (*model.DocumentVersion, error)
}

func (AutonomousPolicy) Mode() model.Mode { return model.ModeAutonomous }

func (p AutonomousPolicy) Decide(ctx context.Context, in Input) (Effects, error) {
	switch in.Event {
	case blockfsm.EventGenerateSuccess:
		return Effects{Enqueue: []*model.WorkflowTask{runQCTask(in.Project.ID, in.Block)}}, nil

	case blockfsm.EventQCPassed:
		// The FSM already resolved this to validated (blockfsm.ResolveQCPassed
		// only reports EventQCPassed when autonomous + score >= threshold +
		// no critical problem), so here we advance the planner.
		return p.advancePlanner(ctx, in.Project, in.Block)

	case blockfsm.EventQCFailed:
		if in.Block.RefinementAttempts >= p.MaxRefinementAttempts {
			// §4.5: exhausting the cap fails this block but must not halt the
			// project — advance the planner the same way a validated block
			// does so the next slot still gets generated.
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
			Enqueue:            []*model.WorkflowTask{refineTask(in.Project.ID, in.Block, newBlock, nil)},
		}, nil

	default:
		return Effects{}, nil
	}
}

func (p AutonomousPolicy) advancePlanner(ctx context.Context, project *model.Project, block *model.ContentBlock) (Effects, error) {
	return advancePlanner(ctx, p.Planner, p.VersionLookup, project, block, p.OnAllApproved)
}

func generateTask(project *model.Project, blockID, slotID string) *model.WorkflowTask {
	return &model.WorkflowTask{
		TaskID:    uuid.NewString(),
		ProjectID: project.ID,
		BlockID:   blockID,
		TaskType:  model.TaskTypeGenerateBlock,
		Parameters: model.GenerateBlockParams{
			BlockID: blockID,
			SlotID:  slotID,
			Subject: project.Subject,
			Level:   project.Level,
			Style:   project.Style,
		},
		Priority:       8,
		IdempotencyKey: model.BlockIdempotencyKey(blockID, string(blockfsm.EventGenerateStarted), 0),
		CreatedAt:      time.Now(),
	}
}

func (p AutonomousPolicy) OnAllApproved(ctx context.Context, project *model.Project, version *model.DocumentVersion) (Effects, error) {
	return Effects{
		TriggerAssembly: true,
		TriggerExport:   true,
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
