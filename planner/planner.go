// Package planner implements the Autonomous Planner named in §4.6: given a
// version's content_structure and the current block states, it walks
// structural slots pre-order and returns the next one to generate.
package planner

import (
	"context"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
	"github.com/mounirjaouhari/workflow-engine/model"
)

// Reason recovers original_source's planner skip-reason bookkeeping
// (SPEC_FULL.md "Supplemented features" #2) — purely informational, it does
// not change the pre-order-walk-skip-iff-terminal contract §4.6 mandates.
type Reason string

const (
	ReasonNext            Reason = "next"
	ReasonComplete        Reason = "complete"
	ReasonSkippedTerminal Reason = "skipped_terminal"
)

// Decision is the planner's answer for one Next call.
type Decision struct {
	SlotID  string
	BlockID string // empty when Reason is complete
	Reason  Reason
}

// BlockLookup resolves a slot's current block by id, used to test whether
// the slot is already terminal. Satisfied by store.Repository in
// production and a map in tests.
type BlockLookup func(ctx context.Context, blockID string) (*model.ContentBlock, error)

// Planner walks version.ContentStructure pre-order.
type Planner struct {
	lookup BlockLookup
}

func New(lookup BlockLookup) *Planner { return &Planner{lookup: lookup} }

// Next returns the next structural slot whose block is not yet terminal, or
// a Decision with Reason=complete when every slot is terminal. A slot is
// skipped iff its block is in a terminal FSM state (validated, archived,
// critical_error, or refinement_failed — refinement_failed is terminal for
// planning purposes per §4.5's "proceed to the next planned block" rule
// even though blockfsm.State.IsTerminal does not count it among the FSM's
// own terminal states, since archive is still a legal transition out of it).
func (p *Planner) Next(ctx context.Context, version *model.DocumentVersion) (Decision, error) {
	for _, slot := range flatten(version.ContentStructure) {
		if slot.BlockID == "" {
			return Decision{SlotID: slot.SlotID, BlockID: "", Reason: ReasonNext}, nil
		}
		b, err := p.lookup(ctx, slot.BlockID)
		if err != nil {
			return Decision{}, err
		}
		if isPlanningTerminal(b.Status) {
			continue
		}
		return Decision{SlotID: slot.SlotID, BlockID: slot.BlockID, Reason: ReasonNext}, nil
	}
	return Decision{Reason: ReasonComplete}, nil
}

func isPlanningTerminal(s blockfsm.State) bool {
	return s.IsTerminal() || s == blockfsm.StateRefinementFailed
}

func flatten(slots []model.StructuralSlot) []model.StructuralSlot {
	var out []model.StructuralSlot
	for _, s := range slots {
		out = append(out, s)
		out = append(out, flatten(s.Children)...)
	}
	return out
}
