package blockfsm

import "testing"

func TestCanTransition_TableEntries(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		want  State
	}{
		{StatePendingGeneration, EventGenerateStarted, StateGenerationInProgress},
		{StatePendingGeneration, EventArchive, StateArchived},
		{StatePendingGeneration, EventCriticalFail, StateCriticalError},
		{StateGenerationInProgress, EventGenerateSuccess, StateQCPending},
		{StateGenerationInProgress, EventGenerateFailed, StateGenerationFailed},
		{StateQCPending, EventQCStarted, StateQCInProgress},
		{StateQCInProgress, EventQCFailed, StateQCFailed},
		{StateQCFailed, EventRefinementStarted, StateRefinementInProgress},
		{StateQCFailed, EventUserRedo, StateRefinementPending},
		{StateRefinementPending, EventRefinementStarted, StateRefinementInProgress},
		{StateRefinementInProgress, EventRefinementSuccess, StateQCPending},
		{StateRefinementInProgress, EventRefinementFailed, StateRefinementFailed},
		{StatePendingValidation, EventUserValidate, StateValidated},
		{StatePendingValidation, EventUserRedo, StateRefinementPending},
		{StateValidated, EventArchive, StateArchived},
	}
	for _, c := range cases {
		got, ok := CanTransition(c.from, c.event)
		if !ok {
			t.Errorf("CanTransition(%s, %s): expected ok=true", c.from, c.event)
			continue
		}
		if got != c.want {
			t.Errorf("CanTransition(%s, %s) = %s, want %s", c.from, c.event, got, c.want)
		}
	}
}

func TestCanTransition_ForbiddenCellsFail(t *testing.T) {
	forbidden := []struct {
		from  State
		event Event
	}{
		{StateGenerationInProgress, EventUserRedo},
		{StatePendingValidation, EventGenerateStarted},
		{StateValidated, EventUserRedo},
		{StateArchived, EventGenerateStarted},
		{StateCriticalError, EventArchive},
	}
	for _, c := range forbidden {
		if _, ok := CanTransition(c.from, c.event); ok {
			t.Errorf("CanTransition(%s, %s): expected ok=false", c.from, c.event)
		}
	}
}

func TestApply_InvalidTransitionError(t *testing.T) {
	_, err := Apply(StateArchived, EventGenerateStarted)
	if err == nil {
		t.Fatal("expected error for forbidden transition")
	}
}

func TestResolveQCPassed_AutonomousAboveThreshold(t *testing.T) {
	to, event := ResolveQCPassed(ModeAutonomous, 95, 70, false)
	if to != StateValidated || event != EventQCPassed {
		t.Errorf("got (%s, %s), want (validated, qc_passed)", to, event)
	}
}

func TestResolveQCPassed_AutonomousAtThresholdExactly(t *testing.T) {
	to, _ := ResolveQCPassed(ModeAutonomous, 70, 70, false)
	if to != StateValidated {
		t.Errorf("score exactly at threshold should validate, got %s", to)
	}
}

func TestResolveQCPassed_AutonomousBelowThresholdRewritesToQCFailed(t *testing.T) {
	to, event := ResolveQCPassed(ModeAutonomous, 69.999, 70, false)
	if to != StateQCFailed || event != EventQCFailed {
		t.Errorf("got (%s, %s), want (qc_failed, qc_failed)", to, event)
	}
}

func TestResolveQCPassed_AutonomousCriticalProblemForcesFailure(t *testing.T) {
	to, _ := ResolveQCPassed(ModeAutonomous, 99, 70, true)
	if to != StateQCFailed {
		t.Errorf("critical problem must force qc_failed even with high score, got %s", to)
	}
}

func TestResolveQCPassed_SupervisedAlwaysParks(t *testing.T) {
	to, _ := ResolveQCPassed(ModeSupervised, 10, 70, true)
	if to != StatePendingValidation {
		t.Errorf("supervised mode must always park at pending_validation, got %s", to)
	}
	to, _ = ResolveQCPassed(ModeSupervised, 99, 70, false)
	if to != StatePendingValidation {
		t.Errorf("supervised mode must always park at pending_validation, got %s", to)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []State{StateValidated, StateArchived, StateCriticalError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []State{StatePendingGeneration, StateQCPassed, StateRefinementPending}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
