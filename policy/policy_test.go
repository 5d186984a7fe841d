package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
	"github.com/mounirjaouhari/workflow-engine/planner"
	"github.com/mounirjaouhari/workflow-engine/policy"
)

func testProject(mode model.Mode) *model.Project {
	return &model.Project{ID: "proj-1", Mode: mode, Status: model.ProjectStatusInProgress}
}

func testBlock(status blockfsm.State, attempts int) *model.ContentBlock {
	return &model.ContentBlock{ID: "block-1", VersionID: "ver-1", SlotID: "slot-1", Status: status, RefinementAttempts: attempts}
}

func TestSupervisedPolicy_QCPassedParks(t *testing.T) {
	p := policy.SupervisedPolicy{MaxRefinementAttempts: 5}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeSupervised),
		Block:   testBlock(blockfsm.StatePendingValidation, 0),
		Event:   blockfsm.EventQCPassed,
	})
	require.NoError(t, err)
	assert.Empty(t, eff.Enqueue, "supervised mode must not auto-enqueue on qc_passed")
}

func TestSupervisedPolicy_QCFailedParksNoAutoRefine(t *testing.T) {
	p := policy.SupervisedPolicy{MaxRefinementAttempts: 5}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeSupervised),
		Block:   testBlock(blockfsm.StateQCFailed, 0),
		Event:   blockfsm.EventQCFailed,
	})
	require.NoError(t, err)
	assert.Empty(t, eff.Enqueue, "supervised mode must park on qc_failed, never auto-refine")
	assert.Nil(t, eff.NewRefinementBlock)
}

func TestSupervisedPolicy_UserRedoEnqueuesRefine(t *testing.T) {
	p := policy.SupervisedPolicy{MaxRefinementAttempts: 5}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project:  testProject(model.ModeSupervised),
		Block:    testBlock(blockfsm.StateRefinementPending, 0),
		Event:    blockfsm.EventUserRedo,
		Feedback: &model.Feedback{Text: "please clarify"},
	})
	require.NoError(t, err)
	require.NotNil(t, eff.NewRefinementBlock)
	require.Len(t, eff.Enqueue, 1)
	assert.Equal(t, model.TaskTypeRefineBlock, eff.Enqueue[0].TaskType)
	assert.Equal(t, 1, eff.NewRefinementBlock.RefinementAttempts)
}

func TestAutonomousPolicy_QCFailedBelowCapCreatesRefinementBlock(t *testing.T) {
	p := policy.AutonomousPolicy{MaxRefinementAttempts: 5, ValidationThreshold: 70}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeAutonomous),
		Block:   testBlock(blockfsm.StateQCFailed, 4),
		Event:   blockfsm.EventQCFailed,
	})
	require.NoError(t, err)
	require.NotNil(t, eff.NewRefinementBlock)
	assert.Equal(t, 5, eff.NewRefinementBlock.RefinementAttempts)
	assert.False(t, eff.ExhaustRefinement)
}

func TestAutonomousPolicy_QCFailedAtCapExhausts(t *testing.T) {
	blocks := map[string]*model.ContentBlock{
		"block-1": testBlock(blockfsm.StateQCFailed, 5),
	}
	lookup := func(ctx context.Context, id string) (*model.ContentBlock, error) { return blocks[id], nil }
	pl := planner.New(lookup)
	version := &model.DocumentVersion{
		ID: "ver-1",
		ContentStructure: []model.StructuralSlot{
			{SlotID: "slot-1", BlockID: "block-1"},
			{SlotID: "slot-2", BlockID: ""},
		},
	}
	p := policy.AutonomousPolicy{
		MaxRefinementAttempts: 5,
		ValidationThreshold:   70,
		Planner:               pl,
		VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
			return version, nil
		},
	}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeAutonomous),
		Block:   testBlock(blockfsm.StateQCFailed, 5),
		Event:   blockfsm.EventQCFailed,
	})
	require.NoError(t, err)
	assert.True(t, eff.ExhaustRefinement, "attempt at the cap must exhaust, not create a 6th block")
	assert.Nil(t, eff.NewRefinementBlock)
	assert.Equal(t, "slot-2", eff.NextPlannedSlotID, "exhausting one slot must still hand off to the next planned slot")
}

func TestSupervisedPolicy_UserRedoAtCapExhaustsAndAdvancesPlanner(t *testing.T) {
	blocks := map[string]*model.ContentBlock{
		"block-1": testBlock(blockfsm.StateRefinementPending, 5),
	}
	lookup := func(ctx context.Context, id string) (*model.ContentBlock, error) { return blocks[id], nil }
	pl := planner.New(lookup)
	version := &model.DocumentVersion{
		ID: "ver-1",
		ContentStructure: []model.StructuralSlot{
			{SlotID: "slot-1", BlockID: "block-1"},
			{SlotID: "slot-2", BlockID: ""},
		},
	}
	p := policy.SupervisedPolicy{
		MaxRefinementAttempts: 5,
		Planner:               pl,
		VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
			return version, nil
		},
	}
	eff, err := p.Decide(context.Background(), policy.Input{
		Project:  testProject(model.ModeSupervised),
		Block:    testBlock(blockfsm.StateRefinementPending, 5),
		Event:    blockfsm.EventUserRedo,
		Feedback: &model.Feedback{Text: "still wrong"},
	})
	require.NoError(t, err)
	assert.True(t, eff.ExhaustRefinement, "redo at the cap must exhaust this block, not loop forever")
	assert.Nil(t, eff.NewRefinementBlock)
	assert.Equal(t, "slot-2", eff.NextPlannedSlotID, "exhausting one slot must still hand off to the next planned slot")
}

func TestAutonomousPolicy_QCPassedAdvancesPlannerToNextSlot(t *testing.T) {
	blocks := map[string]*model.ContentBlock{
		"block-1": testBlock(blockfsm.StateValidated, 0),
	}
	lookup := func(ctx context.Context, id string) (*model.ContentBlock, error) { return blocks[id], nil }
	pl := planner.New(lookup)

	version := &model.DocumentVersion{
		ID: "ver-1",
		ContentStructure: []model.StructuralSlot{
			{SlotID: "slot-1", BlockID: "block-1"},
			{SlotID: "slot-2", BlockID: ""},
		},
	}
	p := policy.AutonomousPolicy{
		MaxRefinementAttempts: 5,
		ValidationThreshold:   70,
		Planner:               pl,
		VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
			return version, nil
		},
	}

	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeAutonomous),
		Block:   testBlock(blockfsm.StateValidated, 0),
		Event:   blockfsm.EventQCPassed,
	})
	require.NoError(t, err)
	assert.Equal(t, "slot-2", eff.NextPlannedSlotID)
	assert.Empty(t, eff.NextPlannedBlockID)
}

func TestAutonomousPolicy_QCPassedWhenCompleteTriggersAssembly(t *testing.T) {
	blocks := map[string]*model.ContentBlock{
		"block-1": testBlock(blockfsm.StateValidated, 0),
	}
	lookup := func(ctx context.Context, id string) (*model.ContentBlock, error) { return blocks[id], nil }
	pl := planner.New(lookup)

	version := &model.DocumentVersion{
		ID:               "ver-1",
		ContentStructure: []model.StructuralSlot{{SlotID: "slot-1", BlockID: "block-1"}},
	}
	p := policy.AutonomousPolicy{
		MaxRefinementAttempts: 5,
		ValidationThreshold:   70,
		Planner:               pl,
		VersionLookup: func(ctx context.Context, versionID string) (*model.DocumentVersion, error) {
			return version, nil
		},
	}

	eff, err := p.Decide(context.Background(), policy.Input{
		Project: testProject(model.ModeAutonomous),
		Block:   testBlock(blockfsm.StateValidated, 0),
		Event:   blockfsm.EventQCPassed,
	})
	require.NoError(t, err)
	assert.True(t, eff.TriggerAssembly)
	assert.True(t, eff.TriggerExport)
	require.Len(t, eff.Enqueue, 1)
	assert.Equal(t, model.TaskTypeAssembleDocument, eff.Enqueue[0].TaskType)
}
