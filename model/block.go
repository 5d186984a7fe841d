package model

import (
	"time"

	"github.com/mounirjaouhari/workflow-engine/blockfsm"
)

// BlockType enumerates the kinds of content a ContentBlock may hold.
type BlockType string

const (
	BlockTypeDefinition     BlockType = "definition"
	BlockTypeIntuition      BlockType = "intuition"
	BlockTypeProofSkeleton  BlockType = "proof_skeleton"
	BlockTypeExercise       BlockType = "exercise"
	BlockTypeText           BlockType = "text"
)

// ContentBlock is the smallest addressable unit of generated content,
// occupying one structural slot in the document. Refinement produces a new
// ContentBlock rather than mutating content in place: the predecessor
// transitions to archived and the new block references the same slot (see
// SPEC_FULL.md's Open Question resolution).
type ContentBlock struct {
	ID                 string
	VersionID          string
	SlotID             string
	BlockType          BlockType
	Content            string // LaTeX, may be empty
	SourceLLM          string // empty when not yet generated
	GenerationParams   map[string]any
	QCReport           *QCReport // non-nil iff Status in {qc_passed, qc_failed, refinement_pending}
	Status             blockfsm.State
	RefinementAttempts int
	PredecessorID      string // empty for the first block in a slot
	ErrorMessage       string
	Version            int64 // optimistic-concurrency row version
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// QCReportInvariantHolds checks the data-model invariant tying Status to the
// presence of a QCReport: qc_report must be non-nil iff status is one of
// qc_passed, qc_failed or refinement_pending.
func (b *ContentBlock) QCReportInvariantHolds() bool {
	needsReport := b.Status == blockfsm.StateQCPassed ||
		b.Status == blockfsm.StateQCFailed ||
		b.Status == blockfsm.StateRefinementPending
	return needsReport == (b.QCReport != nil)
}
