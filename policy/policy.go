// Package policy implements the Mode Policies (component E): the
// supervised and autonomous policy objects that decide what side effects
// to enqueue on each Block FSM transition, per §4.5. Policies are pure
// functions of their inputs — they do not touch the repository or
// dispatcher themselves; the Workflow Driver (package driver) carries out
// whatever Effects they return.
package policy

import (
	"context"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
)

// Effects is everything a policy decides should follow a committed FSM
// transition: tasks to enqueue, an optional new refinement block to create,
// and an optional project-status override (needs_manual_review).
type Effects struct {
	Enqueue                  []*model.WorkflowTask
	NewRefinementBlock       *model.ContentBlock // non-nil: driver must create this block (archiving the predecessor) before enqueueing refine_block
	NextPlannedBlockID       string               // autonomous: next slot's existing block id to (re)drive with generate_started
	NextPlannedSlotID        string               // autonomous: slot id when NextPlannedBlockID is empty and a fresh block must be created
	ProjectStatus            *model.ProjectStatus
	TriggerAssembly          bool
	TriggerExport            bool

	// ExhaustRefinement signals that the block's refinement attempts are at
	// MAX_REFINEMENT_ATTEMPTS (§4.5's "qc_failed with attempts exhausted"):
	// the Driver must commit refinement_started then refinement_failed on
	// this same block (both legal table transitions) rather than creating a
	// further refinement block, then proceed to the next planned block
	// instead of halting the whole project.
	ExhaustRefinement bool
}

// Input bundles everything a policy needs to decide Effects for one
// committed transition.
type Input struct {
	Project  *model.Project
	Block    *model.ContentBlock // the block as committed by this transition
	Event    blockfsm.Event
	Feedback *model.Feedback // set for user_redo
}

// Policy is satisfied by SupervisedPolicy and AutonomousPolicy.
type Policy interface {
	Mode() model.Mode
	// Decide computes Effects for a committed block-level FSM transition.
	Decide(ctx context.Context, in Input) (Effects, error)
	// OnAllApproved handles the project-level all_approved ingress signal
	// (§6.1), which has no corresponding block event: it triggers assembly
	// of the current version once every block has settled.
	OnAllApproved(ctx context.Context, project *model.Project, version *model.DocumentVersion) (Effects, error)
}

// For selects the policy matching a project's mode.
func For(mode model.Mode, supervised, autonomous Policy) Policy {
	if mode == model.ModeAutonomous {
		return autonomous
	}
	return supervised
}

// advancePlanner resumes the planner's pre-order walk of block's version and
// turns the decision into Effects: enqueue the next slot's generate_block,
// report a slot awaiting backfill, or hand off to onComplete when every slot
// has settled. Shared by AutonomousPolicy's qc_passed/qc_failed-exhausted
// paths and SupervisedPolicy's user_redo-exhausted path (§4.5's "proceed to
// the next planned block, do not halt the whole project" applies whenever a
// block leaves the pipeline for good, not only on the autonomous happy path).
func advancePlanner(
	ctx context.Context,
	pl *planner.Planner,
	versionLookup func(ctx context.Context, versionID string) (*model.DocumentVersion, error),
	project *model.Project,
	block *model.ContentBlock,
	onComplete func(ctx context.Context, project *model.Project, version *model.DocumentVersion) (Effects, error),
) (Effects, error) {
	version, err := versionLookup(ctx, block.VersionID)
	if err != nil {
		return Effects{}, err
	}
	// block is leaving the pipeline for good, so its own slot is not planned
	// again even though its terminal status has not been committed yet.
	trimmed := *version
	trimmed.ContentStructure = withoutBlock(version.ContentStructure, block.ID)
	decision, err := pl.Next(ctx, &trimmed)
	if err != nil {
		return Effects{}, err
	}

	switch decision.Reason {
	case planner.ReasonComplete:
		return onComplete(ctx, project, version)
	default:
		if decision.BlockID != "" {
			return Effects{
				NextPlannedBlockID: decision.BlockID,
				Enqueue:            []*model.WorkflowTask{generateTask(project, decision.BlockID, decision.SlotID)},
			}, nil
		}
		return Effects{NextPlannedSlotID: decision.SlotID}, nil
	}
}

// withoutBlock drops the slots holding blockID, keeping their children in
// their place so the pre-order of every other slot is unchanged.
func withoutBlock(slots []model.StructuralSlot, blockID string) []model.StructuralSlot {
	out := make([]model.StructuralSlot, 0, len(slots))
	for _, s := range slots {
		s.Children = withoutBlock(s.Children, blockID)
		if s.BlockID == blockID {
			out = append(out, s.Children...)
			continue
		}
		out = append(out, s)
	}
	return out
}
